package booking

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/scheduler/internal/domain/scheduling"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/booking/sessions")
	g.POST("", h.Start)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Cancel)
	g.GET("/:id/doctors", h.Doctors)
	g.PUT("/:id/doctor", h.SelectDoctor)
	g.GET("/:id/dates", h.Dates)
	g.GET("/:id/times", h.Times)
	g.PUT("/:id/date-time", h.SelectDateTime)
	g.PUT("/:id/details", h.SetDetails)
	g.POST("/:id/next", h.Next)
	g.POST("/:id/back", h.Back)
	g.POST("/:id/submit", h.Submit)
}

// ErrorBody is the JSON shape of booking failures.
type ErrorBody struct {
	Message   string            `json:"message"`
	Kind      Kind              `json:"kind,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}

// ToHTTPError maps booking errors onto echo HTTP errors.
func ToHTTPError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSubmitInProgress), errors.Is(err, ErrInvalidState), errors.Is(err, ErrSessionBusy),
		errors.Is(err, scheduling.ErrDuplicateRequest):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	ce := Classify(err)
	body := ErrorBody{Message: ce.Message, Kind: ce.Kind, Fields: ce.Fields, Retryable: ce.Retryable}
	switch ce.Kind {
	case KindValidation, KindLookup:
		return echo.NewHTTPError(http.StatusBadRequest, body)
	case KindConflict:
		return echo.NewHTTPError(http.StatusConflict, body)
	case KindNetwork:
		if errors.Is(err, context.DeadlineExceeded) {
			return echo.NewHTTPError(http.StatusGatewayTimeout, body)
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, body)
	}
	return scheduling.ToHTTPError(err)
}

type startRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
}

func (h *Handler) Start(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.svc.Start(c.Request().Context(), req.PatientID)
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) Get(c echo.Context) error {
	sess, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Cancel(c echo.Context) error {
	if err := h.svc.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return ToHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Doctors(c echo.Context) error {
	doctors, err := h.svc.Doctors(c.Request().Context(), c.Param("id"), c.QueryParam("q"))
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, doctors)
}

type selectDoctorRequest struct {
	DoctorID *uuid.UUID `json:"doctor_id,omitempty"`
	Name     string     `json:"name,omitempty"`
}

func (h *Handler) SelectDoctor(c echo.Context) error {
	var req selectDoctorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.DoctorID == nil && req.Name == "" {
		return ToHTTPError(FieldErrors{"doctor": "doctor_id or name is required"})
	}
	return h.respond(c, func(ctx context.Context) (*Session, error) {
		return h.svc.SelectDoctor(ctx, c.Param("id"), req.DoctorID, req.Name)
	})
}

func (h *Handler) Dates(c echo.Context) error {
	dates, err := h.svc.Dates(c.Request().Context(), c.Param("id"))
	if err != nil {
		return ToHTTPError(err)
	}
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.Format(scheduling.DateLayout)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"dates": out})
}

func (h *Handler) Times(c echo.Context) error {
	slots, err := h.svc.Times(c.Request().Context(), c.Param("id"))
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"slots": slots})
}

type dateTimeRequest struct {
	Date string `json:"date,omitempty"`
	Time string `json:"time,omitempty"`
}

func (h *Handler) SelectDateTime(c echo.Context) error {
	var req dateTimeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.respond(c, func(ctx context.Context) (*Session, error) {
		return h.svc.SelectDateTime(ctx, c.Param("id"), req.Date, req.Time)
	})
}

type detailsRequest struct {
	Type  scheduling.AppointmentType `json:"type,omitempty"`
	Notes string                     `json:"notes,omitempty"`
}

func (h *Handler) SetDetails(c echo.Context) error {
	var req detailsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.respond(c, func(ctx context.Context) (*Session, error) {
		return h.svc.SetDetails(ctx, c.Param("id"), req.Type, req.Notes)
	})
}

func (h *Handler) Next(c echo.Context) error {
	return h.respond(c, func(ctx context.Context) (*Session, error) {
		return h.svc.Next(ctx, c.Param("id"))
	})
}

func (h *Handler) Back(c echo.Context) error {
	return h.respond(c, func(ctx context.Context) (*Session, error) {
		return h.svc.Back(ctx, c.Param("id"))
	})
}

func (h *Handler) Submit(c echo.Context) error {
	return h.respond(c, func(ctx context.Context) (*Session, error) {
		return h.svc.Submit(ctx, c.Param("id"))
	})
}

func (h *Handler) respond(c echo.Context, fn func(ctx context.Context) (*Session, error)) error {
	start := time.Now()
	sess, err := fn(c.Request().Context())
	if err != nil {
		if !IsClientError(err) {
			h.svc.logger.Error().Err(err).Str("session_id", c.Param("id")).
				Dur("elapsed", time.Since(start)).Msg("booking step failed")
		}
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}
