package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestHandler(t *testing.T) (*Handler, *MemoryLedger, *echo.Echo) {
	t.Helper()
	l := NewMemoryLedger()
	p, err := NewProjection(context.Background(), l, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("projection: %v", err)
	}
	h := NewHandler(l, p)
	e := echo.New()
	h.RegisterRoutes(e.Group(""))
	return h, l, e
}

func TestHandler_GetCounts(t *testing.T) {
	_, l, e := newTestHandler(t)
	ctx := context.Background()
	l.Create(ctx, requirement("101-p1_1"))
	l.Create(ctx, requirement("101-p1_2"))
	l.MarkDelivered(ctx, "101-p1_1")

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deliveries/counts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got countsResponse
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got != (countsResponse{Required: 2, Delivered: 1, Pending: 1}) {
		t.Errorf("unexpected counts %+v", got)
	}
}

func TestHandler_ListEntries(t *testing.T) {
	_, l, e := newTestHandler(t)
	ctx := context.Background()
	l.Create(ctx, requirement("101-p1_1"))
	l.Create(ctx, requirement("101-p1_2"))
	l.MarkDelivered(ctx, "101-p1_1")

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deliveries?pending=true&limit=10", nil))
	var body struct {
		Data  []Entry `json:"data"`
		Total int     `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 || len(body.Data) != 1 || body.Data[0].UpdateID != "101-p1_2" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_GetEntry(t *testing.T) {
	_, l, e := newTestHandler(t)
	l.Create(context.Background(), requirement("101-p1_1"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deliveries/101-p1_1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deliveries/101-p1_9", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
