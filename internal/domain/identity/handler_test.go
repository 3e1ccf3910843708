package identity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/clinisist/clinisist/internal/platform/validation"
)

func newTestEcho() *echo.Echo {
	e := echo.New()
	e.Validator = validation.New()
	return e
}

func TestHandler_Login(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"ok", `{"kind":"clinician","email":"dr@example.com","password":"correct horse"}`, http.StatusOK},
		{"wrong password", `{"kind":"clinician","email":"dr@example.com","password":"nope"}`, http.StatusUnauthorized},
		{"bad kind", `{"kind":"robot","email":"dr@example.com","password":"x"}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEcho()
			req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			err := h.Login(e.NewContext(req, rec))

			if tt.code == http.StatusOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				var res map[string]any
				if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if res["token"] == "" || res["token"] == nil {
					t.Error("expected token in response")
				}
				return
			}
			he, ok := err.(*echo.HTTPError)
			if !ok || he.Code != tt.code {
				t.Fatalf("expected %d, got %v", tt.code, err)
			}
		})
	}
}
