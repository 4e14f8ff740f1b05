package payer

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/claims/claims/internal/platform/auth"
)

type Handler struct {
	gw *Gateway
}

func NewHandler(gw *Gateway) *Handler {
	return &Handler{gw: gw}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	grp := api.Group("", auth.RequireRole("admin", "biller"))
	grp.GET("/forwards/:id", h.GetForward)
	grp.GET("/claims/:id/forward", h.GetClaimForward)
	grp.POST("/claims/:id/check-status", h.CheckClaimStatus)

	adminGrp := api.Group("", auth.RequireRole("admin"))
	adminGrp.POST("/forwards/sweep", h.TriggerSweep)
}

func (h *Handler) GetForward(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	f, err := h.gw.GetForward(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "forward not found")
	}
	return c.JSON(http.StatusOK, f)
}

// GetClaimForward returns the claim's current non-terminal forward.
func (h *Handler) GetClaimForward(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	f, err := h.gw.ActiveForward(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no active forward for claim")
	}
	return c.JSON(http.StatusOK, f)
}

// TriggerSweep runs the durability sweep on demand.
func (h *Handler) TriggerSweep(c echo.Context) error {
	if err := h.gw.ProcessPendingForwards(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

// CheckClaimStatus forces an immediate status poll for the claim's active
// forward instead of waiting for the next scheduled check.
func (h *Handler) CheckClaimStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	f, err := h.gw.CheckClaimStatus(c.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrForwardNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "no active forward for claim")
		case errors.Is(err, ErrNotPollable):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, f)
}
