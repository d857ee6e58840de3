package autocancel

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes a Poller to the admin dashboard.
type Handler struct {
	poller *Poller
}

func NewHandler(p *Poller) *Handler {
	return &Handler{poller: p}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/admin/auto-cancel")
	g.GET("", h.GetStatus)
	g.PUT("/enabled", h.SetEnabled)
	g.POST("/run", h.Run)
}

func (h *Handler) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.poller.Status())
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handler) SetEnabled(c echo.Context) error {
	var req enabledRequest
	if err := c.Bind(&req); err != nil || req.Enabled == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "enabled is required")
	}
	if err := h.poller.SetEnabled(*req.Enabled); err != nil {
		if errors.Is(err, ErrClosed) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, h.poller.Status())
}

// Run handles POST /admin/auto-cancel/run, a manual sweep.
func (h *Handler) Run(c echo.Context) error {
	res, err := h.poller.Trigger(c.Request().Context())
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, res)
}
