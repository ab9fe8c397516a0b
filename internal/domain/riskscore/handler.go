package riskscore

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mindcare/mindcare/internal/platform/auth"
	"github.com/mindcare/mindcare/internal/platform/blobstore"
	"github.com/mindcare/mindcare/internal/risk"
	"github.com/mindcare/mindcare/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients/:id/assessments", h.SubmitAssessment, auth.RequirePatientAccess("id", auth.RoleProvider))
	api.POST("/patients/:id/risk-scores", h.ScorePatient, auth.RequireRole(auth.RoleProvider))
	api.GET("/patients/:id/risk-scores", h.AuditTrail, auth.RequireRole(auth.RoleProvider))
	api.GET("/risk-model", h.ModelStatus, auth.RequireRole(auth.RoleProvider, auth.RoleAdmin))
	api.GET("/risk-model/versions", h.ModelVersions, auth.RequireRole(auth.RoleAdmin))
	api.POST("/risk-model/reload", h.ReloadModel, auth.RequireRole(auth.RoleAdmin))
}

type submitRequest struct {
	Items      []int      `json:"items"`
	AssessedAt *time.Time `json:"assessed_at,omitempty"`
}

func (h *Handler) SubmitAssessment(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	var at time.Time
	if req.AssessedAt != nil {
		at = *req.AssessedAt
	}
	sub, err := h.svc.SubmitAssessment(c.Request().Context(), pid, req.Items, at)
	if sub != nil && err != nil {
		return persistenceResponse(c, sub, err)
	}
	if err != nil {
		return scoringError(err)
	}
	return c.JSON(http.StatusCreated, sub)
}

func (h *Handler) ScorePatient(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	res, err := h.svc.ScorePatient(c.Request().Context(), pid)
	if err != nil {
		return persistenceResponse(c, res, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) AuditTrail(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.AuditTrail(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithNext(c))
}

func (h *Handler) ModelStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.ModelStatus())
}

func (h *Handler) ModelVersions(c echo.Context) error {
	versions, err := h.svc.ModelVersions(c.Request().Context())
	switch {
	case errors.Is(err, ErrNoModelStore):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list model versions")
	}
	return c.JSON(http.StatusOK, versions)
}

func (h *Handler) ReloadModel(c echo.Context) error {
	st, err := h.svc.ReloadModel(c.Request().Context(), c.QueryParam("version"))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, st)
	case errors.Is(err, blobstore.ErrBlobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "model artifact not found")
	case errors.Is(err, ErrNoModelStore):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	default:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
}

// persistenceResponse still returns the score when only the alert write
// failed, so the caller sees the decision and can retry.
func persistenceResponse(c echo.Context, body interface{}, err error) error {
	var pf *risk.PersistenceFailure
	if !errors.As(err, &pf) {
		return scoringError(err)
	}
	return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
		"error":  "crisis alert could not be stored",
		"detail": pf.Error(),
		"result": body,
	})
}

func scoringError(err error) error {
	var ve *risk.ValidationError
	if errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
