package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesCollectors(t *testing.T) {
	Purchases.WithLabelValues("patient", "created").Inc()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	if err := Handler()(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "clinisist_subscription_purchases_total") {
		t.Error("expected purchases counter in output")
	}
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(SweepProcessed.WithLabelValues("clinician"))
	SweepProcessed.WithLabelValues("clinician").Add(3)
	after := testutil.ToFloat64(SweepProcessed.WithLabelValues("clinician"))
	if after-before != 3 {
		t.Errorf("expected +3, got %v", after-before)
	}
}
