package crisis

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mindcare/mindcare/internal/platform/auth"
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
	g := api.Group("/crisis-alerts", auth.RequireRole(auth.RoleProvider))
	g.GET("", h.SearchAlerts)
	g.GET("/:id", h.GetAlert)
	g.POST("/:id/acknowledge", h.Acknowledge)
}

func (h *Handler) SearchAlerts(c echo.Context) error {
	var params SearchParams
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		params.PatientID = &pid
	}
	if v := c.QueryParam("acknowledged"); v != "" {
		ack, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid acknowledged")
		}
		params.Acknowledged = &ack
	}
	if v := c.QueryParam("severity"); v != "" {
		sev := risk.AlertSeverity(v)
		if !validSeverities[sev] {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid severity")
		}
		params.Severity = &sev
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.Search(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithNext(c))
}

func (h *Handler) GetAlert(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.GetAlert(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "crisis alert not found")
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Acknowledge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	by := auth.UserIDFromContext(c.Request().Context())
	a, err := h.svc.Acknowledge(c.Request().Context(), id, by)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, a)
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "crisis alert not found")
	case errors.Is(err, ErrAlreadyAcknowledged):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}
