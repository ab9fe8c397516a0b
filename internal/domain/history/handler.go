package history

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mindcare/mindcare/internal/platform/auth"
	"github.com/mindcare/mindcare/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Patients log their own mood and exercise; providers may act for them.
	self := api.Group("/patients/:id", auth.RequirePatientAccess("id", auth.RoleProvider))
	self.POST("/mood-entries", h.RecordMood)
	self.GET("/mood-entries", h.ListMoods)
	self.POST("/exercise-sessions", h.ScheduleExercise)
	self.GET("/exercise-sessions", h.ListExercises)
	self.GET("/profile", h.GetProfile)

	provider := api.Group("", auth.RequireRole(auth.RoleProvider))
	provider.PUT("/patients/:id/profile", h.SaveProfile)
	provider.POST("/exercise-sessions/:id/transition", h.TransitionExercise)
}

func patientParam(c echo.Context) (uuid.UUID, error) {
	pid, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return pid, nil
}

// -- Mood Handlers --

func (h *Handler) RecordMood(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	var m MoodEntry
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m.PatientID = pid
	if err := h.svc.RecordMood(c.Request().Context(), &m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) ListMoods(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMoods(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithNext(c))
}

// -- Exercise Session Handlers --

func (h *Handler) ScheduleExercise(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	var e ExerciseSession
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e.PatientID = pid
	if err := h.svc.ScheduleExercise(c.Request().Context(), &e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) ListExercises(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListExercises(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithNext(c))
}

type transitionRequest struct {
	Status SessionStatus `json:"status"`
	Rating *int          `json:"rating,omitempty"`
}

func (h *Handler) TransitionExercise(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.TransitionExercise(c.Request().Context(), id, req.Status, req.Rating)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, e)
}

// -- Profile Handlers --

func (h *Handler) SaveProfile(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	var p Profile
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.PatientID = pid
	if err := h.svc.SaveProfile(c.Request().Context(), &p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetProfile(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetProfile(c.Request().Context(), pid)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "profile not found")
	}
	return c.JSON(http.StatusOK, p)
}
