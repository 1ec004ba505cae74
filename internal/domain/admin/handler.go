package admin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/medsync/ire/internal/domain/canonical"
	"github.com/medsync/ire/internal/domain/reconcile"
	"github.com/medsync/ire/internal/platform/auth"
	"github.com/medsync/ire/internal/platform/locks"
	"github.com/medsync/ire/pkg/pagination"
)

// Handler exposes the operator console under /admin.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/admin", auth.RequireRole("admin"))

	g.GET("/patients", h.SearchPatients)
	g.GET("/patients/:id", h.GetPatient)
	g.POST("/patients/:id/lock", h.LockPatient)
	g.POST("/patients/:id/unlock", h.UnlockPatient)

	g.POST("/reconcile", h.Replay)
	g.POST("/merge", h.Merge)

	g.GET("/stats/matching", h.MatchingStats)
	g.GET("/stats/mobile", h.MobileStats)
	g.GET("/health", h.EngineHealth)
}

func (h *Handler) SearchPatients(c echo.Context) error {
	p := pagination.FromContext(c)
	q := strings.TrimSpace(c.QueryParam("q"))

	patients, total, err := h.svc.SearchPatients(c.Request().Context(), q, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(patients, total, p.Limit, p.Offset))
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	detail, err := h.svc.PatientDetail(c.Request().Context(), id)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, detail)
	case errors.Is(err, pgx.ErrNoRows):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

type lockRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) LockPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var req lockRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason is required")
	}

	p, err := h.svc.Lock(c.Request().Context(), id, req.Reason)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, p)
	case errors.Is(err, pgx.ErrNoRows):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, locks.ErrAcquireTimeout):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) UnlockPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	p, err := h.svc.Unlock(c.Request().Context(), id)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, p)
	case errors.Is(err, pgx.ErrNoRows):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, canonical.ErrUnlockConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, locks.ErrAcquireTimeout):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

type replayRequest struct {
	RawID int64 `json:"raw_id"`
}

func (h *Handler) Replay(c echo.Context) error {
	var req replayRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RawID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "raw_id is required")
	}

	res, err := h.svc.Replay(c.Request().Context(), req.RawID)
	if err == nil {
		return c.JSON(http.StatusOK, res)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "raw record not found")
	}
	switch reconcile.KindOf(err) {
	case reconcile.KindInvalidRaw:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case reconcile.KindRetryableConflict:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case reconcile.KindLockTimeout:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "reconcile failed")
	}
}

type mergeRequest struct {
	WinnerID string `json:"winner_id"`
	LoserID  string `json:"loser_id"`
}

func (h *Handler) Merge(c echo.Context) error {
	var req mergeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	winnerID, err := uuid.Parse(req.WinnerID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid winner_id")
	}
	loserID, err := uuid.Parse(req.LoserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid loser_id")
	}

	p, err := h.svc.Merge(c.Request().Context(), winnerID, loserID)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, p)
	case errors.Is(err, reconcile.ErrMergeSelf):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, reconcile.ErrMergeLocked):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pgx.ErrNoRows):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, locks.ErrAcquireTimeout):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "merge failed")
	}
}

func (h *Handler) MatchingStats(c echo.Context) error {
	window := 24 * time.Hour
	if raw := c.QueryParam("hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 1 || hours > 24*7 {
			return echo.NewHTTPError(http.StatusBadRequest, "hours must be between 1 and 168")
		}
		window = time.Duration(hours) * time.Hour
	}

	stats, err := h.svc.MatchingStats(c.Request().Context(), window)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "stats failed")
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) MobileStats(c echo.Context) error {
	stats, err := h.svc.MobileStats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "stats failed")
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) EngineHealth(c echo.Context) error {
	health, err := h.svc.Health(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, health)
}
