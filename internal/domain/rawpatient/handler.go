package rawpatient

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medsync/ire/internal/platform/auth"
)

// Handler exposes the adapter-facing ingest endpoint.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/raw", h.ingest, auth.RequireRole("admin", "adapter"))
}

type ingestRequest struct {
	HISNumber    string  `json:"his_number"`
	Source       string  `json:"source"`
	BusinessUnit *int16  `json:"business_unit"`
	LastName     *string `json:"last_name"`
	FirstName    *string `json:"first_name"`
	MiddleName   *string `json:"middle_name"`
	BirthDate    *string `json:"birth_date"`
	DocType      *int16  `json:"doc_type"`
	DocNumber    *int64  `json:"doc_number"`
	Email        *string `json:"email"`
	Phone        *string `json:"phone"`
	HISPassword  *string `json:"his_password"`
	LoginEmail   *string `json:"login_email"`
}

func (req *ingestRequest) toRaw() (*Raw, error) {
	r := &Raw{
		HISNumber:    req.HISNumber,
		Source:       req.Source,
		BusinessUnit: req.BusinessUnit,
		LastName:     req.LastName,
		FirstName:    req.FirstName,
		MiddleName:   req.MiddleName,
		DocType:      req.DocType,
		DocNumber:    req.DocNumber,
		Email:        req.Email,
		Phone:        req.Phone,
		HISPassword:  req.HISPassword,
		LoginEmail:   req.LoginEmail,
	}
	if req.BirthDate != nil && *req.BirthDate != "" {
		bd, err := time.Parse("2006-01-02", *req.BirthDate)
		if err != nil {
			return nil, errors.New("birth_date must be YYYY-MM-DD")
		}
		r.BirthDate = &bd
	}
	return r, nil
}

func (h *Handler) ingest(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	raw, err := req.toRaw()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	out, err := h.svc.Ingest(c.Request().Context(), raw)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, out)
	case errors.Is(err, ErrRawInvalid):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrReconcileConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrReconcileTimeout):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "reconcile failed")
	}
}
