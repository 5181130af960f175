package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medbook/medbook/internal/platform/auth"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func serve(e *echo.Echo, h echo.HandlerFunc, p *auth.Principal, ip string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if ip != "" {
		req.RemoteAddr = ip + ":1234"
	}
	if p != nil {
		req = req.WithContext(auth.WithPrincipal(req.Context(), *p))
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(okHandler)

	for i := 0; i < 5; i++ {
		rec, err := serve(e, handler, nil, "")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		if _, err := serve(e, handler, nil, ""); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec, err := serve(e, handler, nil, "")
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("expected X-RateLimit-Remaining 0")
	}
}

func TestRateLimit_PerPrincipalIsolation(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})(okHandler)

	a := auth.Principal{ID: uuid.New(), Role: auth.RoleClient}
	b := auth.Principal{ID: uuid.New(), Role: auth.RoleClient}

	if _, err := serve(e, handler, &a, "10.0.0.1"); err != nil {
		t.Fatalf("first request for a: %v", err)
	}
	if _, err := serve(e, handler, &a, "10.0.0.2"); err == nil {
		t.Error("expected a to be limited regardless of IP")
	}
	if _, err := serve(e, handler, &b, "10.0.0.1"); err != nil {
		t.Errorf("expected b to have its own bucket, got %v", err)
	}
}

func TestRateLimit_AnonymousKeyedByIP(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})(okHandler)

	if _, err := serve(e, handler, nil, "10.0.0.1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := serve(e, handler, nil, "10.0.0.1"); err == nil {
		t.Error("expected second request from same IP to be limited")
	}
	if _, err := serve(e, handler, nil, "10.0.0.2"); err != nil {
		t.Errorf("expected other IP to pass, got %v", err)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{})(okHandler)
	for i := 0; i < 50; i++ {
		if _, err := serve(e, handler, nil, ""); err != nil {
			t.Fatalf("request %d: expected no limit, got %v", i+1, err)
		}
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 50 {
		t.Errorf("expected 50 rps, got %v", cfg.RequestsPerSecond)
	}
	if cfg.BurstSize != 100 {
		t.Errorf("expected burst 100, got %d", cfg.BurstSize)
	}
}
