// Package pharmacy describes the store node this process runs as.
package pharmacy

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type Info struct {
	PharmacyID  string `json:"pharmacyId"`
	StoreNumber string `json:"storeNumber"`
	DisplayName string `json:"displayName"`
}

func NewInfo(pharmacyID string) Info {
	return Info{
		PharmacyID:  pharmacyID,
		StoreNumber: pharmacyID,
		DisplayName: "Pharmacy Store #" + pharmacyID,
	}
}

type Handler struct {
	info Info
}

func NewHandler(pharmacyID string) *Handler {
	return &Handler{info: NewInfo(pharmacyID)}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/pharmacy/info", h.GetInfo)
	g.GET("/pharmacy/id", h.GetID)
}

func (h *Handler) GetInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, h.info)
}

func (h *Handler) GetID(c echo.Context) error {
	return c.String(http.StatusOK, h.info.PharmacyID)
}
