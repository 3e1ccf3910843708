package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinisist/clinisist/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:            "development",
		JWTSecret:      "test-secret",
		JWTIssuer:      "clinisist",
		TokenTTL:       time.Hour,
		CORSOrigins:    []string{"http://localhost:3000"},
		SweepSchedule:  "0 0 * * *",
		SweepTimezone:  "UTC",
		SweepLockTTL:   time.Minute,
		RenewalPolicy:  config.RenewalReject,
		PlanCacheTTL:   time.Minute,
		EventQueueSize: 8,
	}
}

func TestNewEcho_RegistersRoutes(t *testing.T) {
	cfg := testConfig()
	a, err := newApp(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	e := newEcho(cfg, nil, a, zerolog.Nop())
	registered := make(map[string]bool)
	for _, r := range e.Routes() {
		registered[r.Method+" "+r.Path] = true
	}

	for _, want := range []string{
		"GET /health",
		"GET /metrics",
		"POST /api/v1/auth/login",
		"GET /api/v1/plans",
		"POST /api/v1/plans",
		"POST /api/v1/subscriptions/:kind",
		"GET /api/v1/subscriptions/:kind/renew-check",
		"POST /api/v1/subscriptions/sweep",
		"DELETE /api/v1/subscriptions/:id",
		"GET /api/v1/subscriptions/:kind/counts",
		"GET /api/v1/subscriptions/:kind/:id",
		"GET /api/v1/subscriptions/patient/clinicians",
		"GET /api/v1/subscriptions/patient/clinician-active",
		"GET /api/v1/notifications",
		"GET /api/v1/ws",
	} {
		if !registered[want] {
			t.Errorf("route %q not registered", want)
		}
	}
}

func TestHealth(t *testing.T) {
	cfg := testConfig()
	a, err := newApp(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer a.close()

	e := newEcho(cfg, nil, a, zerolog.Nop())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestNewLocker_InvalidRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "not a url"
	if _, _, err := newLocker(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for malformed REDIS_URL")
	}
}
