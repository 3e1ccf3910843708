package plan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinisist/clinisist/internal/platform/auth"
	"github.com/clinisist/clinisist/internal/platform/validation"
)

func newTestEcho() *echo.Echo {
	e := echo.New()
	e.Validator = validation.New()
	return e
}

func withPrincipal(req *http.Request, p auth.Principal) *http.Request {
	return req.WithContext(auth.WithPrincipal(req.Context(), p))
}

func TestHandler_CreateUsesPrincipalAsCreator(t *testing.T) {
	svc, repo, _ := newTestService(t)
	h := NewHandler(svc)
	e := newTestEcho()

	clinicianID := uuid.New()
	body := `{"name":"Follow-up","price":"25.00","validity_days":30,"scope":"doctor"}`
	req := httptest.NewRequest(http.MethodPost, "/plans", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = withPrincipal(req, auth.Principal{ID: clinicianID, Kind: auth.KindClinician, Roles: []string{auth.KindClinician}})
	rec := httptest.NewRecorder()

	if err := h.Create(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	var got Plan
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	stored := repo.plans[got.ID]
	if stored == nil || !stored.CreatedBy(auth.KindClinician, clinicianID) {
		t.Fatalf("stored plan creator = %+v", stored)
	}
	if stored.Price != 2500 {
		t.Errorf("price = %s", stored.Price)
	}
}

func TestHandler_CreateRejectsWrongScope(t *testing.T) {
	svc, _, _ := newTestService(t)
	h := NewHandler(svc)
	e := newTestEcho()

	body := `{"name":"Org","price":10,"validity_days":30,"scope":"organization"}`
	req := httptest.NewRequest(http.MethodPost, "/plans", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = withPrincipal(req, auth.Principal{ID: uuid.New(), Kind: auth.KindClinician, Roles: []string{auth.KindClinician}})

	err := h.Create(e.NewContext(req, httptest.NewRecorder()))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_UpdateRequiresCreator(t *testing.T) {
	svc, _, _ := newTestService(t)
	h := NewHandler(svc)
	e := newTestEcho()

	owner := uuid.New()
	p, err := svc.CreatePlan(context.Background(), &Creator{Kind: auth.KindClinician, ID: owner}, validAttrs(ScopeDoctor))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		principal auth.Principal
		code      int
	}{
		{"stranger", auth.Principal{ID: uuid.New(), Kind: auth.KindClinician, Roles: []string{auth.KindClinician}}, http.StatusForbidden},
		{"owner", auth.Principal{ID: owner, Kind: auth.KindClinician, Roles: []string{auth.KindClinician}}, http.StatusOK},
		{"admin", auth.Principal{Kind: auth.KindAdmin, Roles: []string{auth.KindAdmin}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPatch, "/plans/"+p.ID.String(), strings.NewReader(`{"name":"Renamed"}`))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			req = withPrincipal(req, tt.principal)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("id")
			c.SetParamValues(p.ID.String())

			err := h.Update(c)
			if tt.code == http.StatusOK {
				if err != nil || rec.Code != http.StatusOK {
					t.Fatalf("expected 200, got %v (%d)", err, rec.Code)
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

func TestHandler_DeleteInUseIsConflict(t *testing.T) {
	svc, _, usage := newTestService(t)
	h := NewHandler(svc)
	e := newTestEcho()

	p, _ := svc.CreatePlan(context.Background(), nil, validAttrs(ScopePatientPortal))
	usage[p.ID] = true

	req := httptest.NewRequest(http.MethodDelete, "/plans/"+p.ID.String(), nil)
	req = withPrincipal(req, auth.Principal{Kind: auth.KindAdmin, Roles: []string{auth.KindAdmin}})
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())

	err := h.Delete(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestHandler_ListFilters(t *testing.T) {
	svc, _, _ := newTestService(t)
	h := NewHandler(svc)
	e := newTestEcho()
	ctx := context.Background()

	owner := &Creator{Kind: auth.KindOrganization, ID: uuid.New()}
	_, _ = svc.CreatePlan(ctx, owner, validAttrs(ScopeOrganization))
	_, _ = svc.CreatePlan(ctx, nil, validAttrs(ScopeDoctor))
	_, _ = svc.CreatePlan(ctx, nil, validAttrs(ScopePatientPortal))

	req := httptest.NewRequest(http.MethodGet, "/plans?creator=organization:"+owner.ID.String(), nil)
	rec := httptest.NewRecorder()
	if err := h.List(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	var resp struct {
		Data  []Plan `json:"data"`
		Total int    `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || len(resp.Data) != 1 || resp.Data[0].Scope != ScopeOrganization {
		t.Fatalf("unexpected list: %+v", resp)
	}

	for _, q := range []string{"scope=weekly", "active=maybe", "creator=nonsense"} {
		req := httptest.NewRequest(http.MethodGet, "/plans?"+q, nil)
		err := h.List(e.NewContext(req, httptest.NewRecorder()))
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %v", q, err)
		}
	}
}
