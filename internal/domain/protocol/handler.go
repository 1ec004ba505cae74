package protocol

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medsync/ire/internal/platform/auth"
)

// Handler exposes the adapter-facing protocol ingest endpoint.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/protocols", h.record, auth.RequireRole("admin", "adapter"))
}

type recordRequest struct {
	Source       string          `json:"source"`
	HISNumber    string          `json:"his_number"`
	ProtocolDate *time.Time      `json:"protocol_date"`
	ProtocolName *string         `json:"protocol_name"`
	Payload      json.RawMessage `json:"payload"`
}

func (h *Handler) record(c echo.Context) error {
	var req recordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	p := &Protocol{
		Source:       req.Source,
		HISNumber:    req.HISNumber,
		ProtocolDate: req.ProtocolDate,
		ProtocolName: req.ProtocolName,
		Payload:      req.Payload,
	}
	err := h.svc.Record(c.Request().Context(), p)
	switch {
	case err == nil:
		return c.JSON(http.StatusCreated, p)
	case errors.Is(err, ErrInvalidProtocol):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnknownPatient):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "protocol ingest failed")
	}
}
