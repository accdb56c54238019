package scheduling

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/scheduler/pkg/pagination"
)

// IdempotencyKeyHeader carries the client-chosen key for create requests.
const IdempotencyKeyHeader = "Idempotency-Key"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/departments", h.ListDepartments)
	api.POST("/departments", h.CreateDepartment)

	api.GET("/doctors", h.ListDoctors)
	api.POST("/doctors", h.CreateDoctor)
	api.GET("/doctors/:id", h.GetDoctor)
	api.GET("/doctors/:id/available-dates", h.AvailableDates)
	api.GET("/doctors/:id/slots", h.Slots)

	api.GET("/appointments", h.ListAppointments)
	api.POST("/appointments", h.CreateAppointment)
	api.GET("/appointments/:id", h.GetAppointment)
	api.PATCH("/appointments/:id", h.UpdateAppointment)
	api.DELETE("/appointments/:id", h.DeleteAppointment)
	api.POST("/appointments/:id/complete", h.actionHandler(ActionComplete))
	api.POST("/appointments/:id/cancel", h.actionHandler(ActionCancel))
	api.POST("/appointments/:id/no-show", h.actionHandler(ActionNoShow))
	api.POST("/appointments/:id/reschedule", h.Reschedule)
}

// ErrorBody is the JSON shape of 4xx/5xx responses carrying field errors.
type ErrorBody struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ToHTTPError maps service errors onto echo HTTP errors.
func ToHTTPError(err error) error {
	var verr *ValidationError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Message: "validation failed", Fields: verr.Fields})
	case IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSlotConflict), errors.Is(err, ErrDuplicateRequest),
		errors.Is(err, ErrTerminalStatus), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrConcurrentUpdate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func parseOptionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

// -- Department Handlers --

func (h *Handler) CreateDepartment(c echo.Context) error {
	var d Department
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateDepartment(c.Request().Context(), &d); err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) ListDepartments(c echo.Context) error {
	items, err := h.svc.ListDepartments(c.Request().Context())
	if err != nil {
		return ToHTTPError(err)
	}
	if items == nil {
		items = []*Department{}
	}
	return c.JSON(http.StatusOK, items)
}

// -- Doctor Handlers --

func (h *Handler) CreateDoctor(c echo.Context) error {
	var d Doctor
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateDoctor(c.Request().Context(), &d); err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetDoctor(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetDoctor(c.Request().Context(), id)
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListDoctors(c echo.Context) error {
	deptID, err := parseOptionalUUID(c, "department_id")
	if err != nil {
		return err
	}
	f := DoctorFilter{
		Query:          strings.TrimSpace(c.QueryParam("q")),
		Specialization: strings.TrimSpace(c.QueryParam("specialization")),
		DepartmentID:   deptID,
	}
	items, err := h.svc.ListDoctors(c.Request().Context(), f)
	if err != nil {
		return ToHTTPError(err)
	}
	if items == nil {
		items = []*Doctor{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) AvailableDates(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	horizon := 0
	if raw := c.QueryParam("horizon"); raw != "" {
		horizon, err = strconv.Atoi(raw)
		if err != nil || horizon <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "horizon must be a positive integer")
		}
	}
	dates, err := h.svc.AvailableDates(c.Request().Context(), id, horizon)
	if err != nil {
		return ToHTTPError(err)
	}
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		out = append(out, d.Format(DateLayout))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Slots(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	date, err := ParseDate(c.QueryParam("date"), h.svc.Location())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	slots, err := h.svc.Slots(c.Request().Context(), id, date)
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, slots)
}

// -- Appointment Handlers --

// AppointmentView is an appointment with its derived presentation label.
type AppointmentView struct {
	*Appointment
	Label Label `json:"label"`
}

func (h *Handler) view(a *Appointment) AppointmentView {
	return AppointmentView{Appointment: a, Label: h.svc.Label(a)}
}

// createAppointmentRequest accepts either date_time or a date plus 12-hour time.
type createAppointmentRequest struct {
	CreateAppointmentCommand
	Date string `json:"date,omitempty"`
	Time string `json:"time,omitempty"`
}

func (h *Handler) resolveDateTime(dateTime time.Time, date, display string) (time.Time, error) {
	if !dateTime.IsZero() || (date == "" && display == "") {
		return dateTime, nil
	}
	verr := &ValidationError{}
	d, err := ParseDate(date, h.svc.Location())
	if err != nil {
		verr.Add("date", err.Error())
	}
	if display == "" {
		verr.Add("time", "is required")
	}
	if err := verr.OrNil(); err != nil {
		return time.Time{}, err
	}
	at, err := CombineDateTime(d, display, h.svc.Location())
	if err != nil {
		return time.Time{}, NewValidationError("time", err.Error())
	}
	return at, nil
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req createAppointmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cmd := req.CreateAppointmentCommand
	at, err := h.resolveDateTime(cmd.DateTime, req.Date, req.Time)
	if err != nil {
		return ToHTTPError(err)
	}
	cmd.DateTime = at
	cmd.IdempotencyKey = strings.TrimSpace(c.Request().Header.Get(IdempotencyKeyHeader))

	a, err := h.svc.CreateAppointment(c.Request().Context(), cmd)
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusCreated, h.view(a))
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, h.view(a))
}

// filterFromQuery builds an AppointmentFilter from from/to, year/month or day.
func (h *Handler) filterFromQuery(c echo.Context) (AppointmentFilter, error) {
	var f AppointmentFilter
	loc := h.svc.Location()
	var err error

	switch {
	case c.QueryParam("day") != "":
		day, err := ParseDate(c.QueryParam("day"), loc)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		end := day.AddDate(0, 0, 1)
		f.From, f.To = &day, &end
	case c.QueryParam("month") != "" || c.QueryParam("year") != "":
		year, yerr := strconv.Atoi(c.QueryParam("year"))
		month, merr := strconv.Atoi(c.QueryParam("month"))
		if yerr != nil || merr != nil || month < 1 || month > 12 {
			return f, echo.NewHTTPError(http.StatusBadRequest, "year and month must be valid integers")
		}
		start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, loc)
		end := start.AddDate(0, 1, 0)
		f.From, f.To = &start, &end
	default:
		if f.From, err = parseInstant(c.QueryParam("from"), loc); err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid from: "+err.Error())
		}
		if f.To, err = parseInstant(c.QueryParam("to"), loc); err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid to: "+err.Error())
		}
	}

	if f.DoctorID, err = parseOptionalUUID(c, "doctor_id"); err != nil {
		return f, err
	}
	if f.DepartmentID, err = parseOptionalUUID(c, "department_id"); err != nil {
		return f, err
	}
	if f.PatientID, err = parseOptionalUUID(c, "patient_id"); err != nil {
		return f, err
	}
	if raw := c.QueryParam("status"); raw != "" {
		st := Status(raw)
		f.Status = &st
	}
	return f, nil
}

// parseInstant accepts RFC 3339 or a bare date (midnight in loc).
func parseInstant(raw string, loc *time.Location) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := ParseDate(raw, loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (h *Handler) ListAppointments(c echo.Context) error {
	f, err := h.filterFromQuery(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAppointments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return ToHTTPError(err)
	}
	views := make([]AppointmentView, 0, len(items))
	for _, a := range items {
		views = append(views, h.view(a))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var p AppointmentPatch
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.UpdateAppointment(c.Request().Context(), id, p)
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, h.view(a))
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteAppointment(c.Request().Context(), id); err != nil {
		return ToHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type actionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) actionHandler(action Action) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := parseID(c)
		if err != nil {
			return err
		}
		var req actionRequest
		if c.Request().ContentLength > 0 {
			if err := c.Bind(&req); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
		}
		a, err := h.svc.ApplyAction(c.Request().Context(), id, action, req.Reason)
		if err != nil {
			return ToHTTPError(err)
		}
		return c.JSON(http.StatusOK, h.view(a))
	}
}

type rescheduleRequest struct {
	DateTime time.Time `json:"date_time"`
	Date     string    `json:"date,omitempty"`
	Time     string    `json:"time,omitempty"`
}

func (h *Handler) Reschedule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	at, err := h.resolveDateTime(req.DateTime, req.Date, req.Time)
	if err != nil {
		return ToHTTPError(err)
	}
	a, err := h.svc.Reschedule(c.Request().Context(), id, at)
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, h.view(a))
}
