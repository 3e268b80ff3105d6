package patient

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc        *Service
	pharmacyID string
	newID      func() string
}

func NewHandler(svc *Service, pharmacyID string) *Handler {
	return &Handler{svc: svc, pharmacyID: pharmacyID, newID: func() string { return uuid.NewString() }}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.PUT("/patients/patient", h.CreatePatient)
	g.DELETE("/patients/patient/:patientId", h.DeletePatient)
	g.GET("/patients/:patientId", h.GetPatient)
	g.POST("/patients/:patientId", h.UpdatePatient)
	g.POST("/patients/:patientId/merge", h.MergePatient)
}

type createResponse struct {
	PatientID string `json:"patientId"`
}

type mergeRequest struct {
	Updated         Record `json:"updated"`
	MergedPatientID string `json:"mergedPatientId"`
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var rec Record
	if err := c.Bind(&rec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id := ID{PharmacyID: h.pharmacyID, PatientID: h.newID()}
	if _, err := h.svc.Create(c.Request().Context(), id, rec); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, createResponse{PatientID: id.PatientID})
}

func (h *Handler) GetPatient(c echo.Context) error {
	rec, err := h.svc.GetRecord(c.Request().Context(), h.id(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	var rec Record
	if err := c.Bind(&rec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if _, err := h.svc.Update(c.Request().Context(), h.id(c), rec); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	if _, err := h.svc.Delete(c.Request().Context(), h.id(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (h *Handler) MergePatient(c echo.Context) error {
	var req mergeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if _, err := h.svc.Merge(c.Request().Context(), h.id(c), req.Updated, req.MergedPatientID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (h *Handler) id(c echo.Context) ID {
	return ID{PharmacyID: h.pharmacyID, PatientID: c.Param("patientId")}
}

func httpError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrExpunged):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	case errors.Is(err, ErrConcurrentUpdate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
