package mobileprereg

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medsync/ire/internal/platform/auth"
)

// Handler exposes the mobile pre-registration endpoint.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/mobile/register", h.register, auth.RequireRole("admin", "adapter"))
}

type registerRequest struct {
	HISNumberQMS         *string `json:"his_number_qms"`
	HISNumberInfoclinica *string `json:"his_number_infoclinica"`
}

func (h *Handler) register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	p, created, err := h.svc.Register(c.Request().Context(), req.HISNumberQMS, req.HISNumberInfoclinica)
	if err != nil {
		if errors.Is(err, ErrNoHISNumber) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "registration failed")
	}
	if created {
		return c.JSON(http.StatusCreated, p)
	}
	return c.JSON(http.StatusOK, p)
}
