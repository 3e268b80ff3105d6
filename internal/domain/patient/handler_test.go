package patient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

const recordJSON = `{"firstName":"Ada","lastName":"Lovelace","phoneNumber":"555-0100","dateOfBirth":"1815-12-10"}`

func newTestHandler() (*Handler, *echo.Echo) {
	svc, _ := newTestService()
	h := NewHandler(svc, "101")
	h.newID = func() string { return "p-1" }
	return h, echo.New()
}

func assertHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError, got %v", err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d", code, he.Code)
	}
}

func TestHandler_CreatePatient(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodPut, "/patients/patient", strings.NewReader(recordJSON))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var resp createResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.PatientID != "p-1" {
		t.Errorf("expected p-1, got %q", resp.PatientID)
	}

	got, err := h.svc.GetRecord(context.Background(), testID)
	if err != nil || got.PharmacyID != "101" {
		t.Errorf("record not stored under configured pharmacy: %+v %v", got, err)
	}
}

func TestHandler_CreatePatient_Invalid(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodPut, "/patients/patient", strings.NewReader(`{"firstName":"Ada"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	assertHTTPError(t, h.CreatePatient(c), http.StatusBadRequest)
}

func TestHandler_GetPatient(t *testing.T) {
	h, e := newTestHandler()
	h.svc.Create(context.Background(), testID, sampleRecord())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientId")
	c.SetParamValues("p-1")

	if err := h.GetPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Record
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.LastName != "Lovelace" {
		t.Errorf("expected Lovelace, got %s", got.LastName)
	}
}

func TestHandler_GetPatient_NotFound(t *testing.T) {
	h, e := newTestHandler()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("patientId")
	c.SetParamValues("missing")

	assertHTTPError(t, h.GetPatient(c), http.StatusNotFound)
}

func TestHandler_UpdatePatient(t *testing.T) {
	h, e := newTestHandler()
	h.svc.Create(context.Background(), testID, sampleRecord())

	body := `{"firstName":"Ada","lastName":"King","phoneNumber":"555-0100"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientId")
	c.SetParamValues("p-1")

	if err := h.UpdatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := h.svc.GetRecord(context.Background(), testID)
	if got.LastName != "King" {
		t.Errorf("expected King, got %s", got.LastName)
	}
}

func TestHandler_DeletePatient(t *testing.T) {
	h, e := newTestHandler()
	h.svc.Create(context.Background(), testID, sampleRecord())

	newCtx := func() echo.Context {
		c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), httptest.NewRecorder())
		c.SetParamNames("patientId")
		c.SetParamValues("p-1")
		return c
	}

	if err := h.DeletePatient(newCtx()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertHTTPError(t, h.DeletePatient(newCtx()), http.StatusGone)
	assertHTTPError(t, h.GetPatient(newCtx()), http.StatusGone)
}

func TestHandler_MergePatient(t *testing.T) {
	h, e := newTestHandler()
	h.svc.Create(context.Background(), testID, sampleRecord())

	body := `{"updated":` + recordJSON + `,"mergedPatientId":"p-2"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("patientId")
	c.SetParamValues("p-1")

	if err := h.MergePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHandler_Routes(t *testing.T) {
	h, e := newTestHandler()
	h.RegisterRoutes(e.Group(""))

	req := httptest.NewRequest(http.MethodPut, "/patients/patient", strings.NewReader(recordJSON))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/patients/p-1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/patients/patient/p-1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/patients/p-1", nil))
	if rec.Code != http.StatusGone {
		t.Errorf("get after delete: expected 410, got %d", rec.Code)
	}
}
