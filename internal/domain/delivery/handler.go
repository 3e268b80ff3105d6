package delivery

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rxsync/rxsync/pkg/pagination"
)

type Handler struct {
	ledger     Ledger
	projection *Projection
}

func NewHandler(ledger Ledger, projection *Projection) *Handler {
	return &Handler{ledger: ledger, projection: projection}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/deliveries", h.ListEntries)
	g.GET("/deliveries/counts", h.GetCounts)
	g.GET("/deliveries/:updateId", h.GetEntry)
}

type countsResponse struct {
	Required  int64 `json:"required"`
	Delivered int64 `json:"delivered"`
	Pending   int64 `json:"pending"`
}

// GetCounts handles GET /deliveries/counts.
func (h *Handler) GetCounts(c echo.Context) error {
	counts := h.projection.Counts()
	return c.JSON(http.StatusOK, countsResponse{
		Required:  counts.Required,
		Delivered: counts.Delivered,
		Pending:   counts.Pending(),
	})
}

// ListEntries handles GET /deliveries?pending=true&limit=&offset=.
func (h *Handler) ListEntries(c echo.Context) error {
	pg := pagination.FromContext(c)
	pendingOnly, _ := strconv.ParseBool(c.QueryParam("pending"))

	entries, total, err := h.ledger.ListEntries(c.Request().Context(), pendingOnly, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}

// GetEntry handles GET /deliveries/:updateId.
func (h *Handler) GetEntry(c echo.Context) error {
	e, err := h.ledger.Get(c.Request().Context(), c.Param("updateId"))
	if errors.Is(err, ErrEntryNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "ledger entry not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, e)
}
