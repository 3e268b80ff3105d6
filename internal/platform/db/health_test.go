package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func serveHealth(t *testing.T, ping func(context.Context) error) (int, healthResponse) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)

	h := healthHandler(ping, func() *PoolStats { return &PoolStats{TotalConns: 3, MaxConns: 20} })
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, resp
}

func TestHealthHandler_Healthy(t *testing.T) {
	code, resp := serveHealth(t, func(context.Context) error { return nil })
	if code != http.StatusOK || resp.Status != "healthy" {
		t.Errorf("expected 200 healthy, got %d %+v", code, resp)
	}
	if resp.Pool == nil || resp.Pool.MaxConns != 20 {
		t.Errorf("expected pool stats, got %+v", resp.Pool)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	code, resp := serveHealth(t, func(context.Context) error { return errors.New("connection refused") })
	if code != http.StatusServiceUnavailable || resp.Status != "unhealthy" {
		t.Errorf("expected 503 unhealthy, got %d %+v", code, resp)
	}
	if resp.Error != "connection refused" {
		t.Errorf("expected error message, got %q", resp.Error)
	}
}
