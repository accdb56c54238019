package calendar

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/scheduler/internal/domain/scheduling"
)

type Handler struct {
	svc    *scheduling.Service
	source Source
}

func NewHandler(svc *scheduling.Service) *Handler {
	return &Handler{svc: svc, source: ServiceSource{Service: svc}}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/calendar/month", h.Month)
	api.GET("/calendar/week", h.Week)
}

// AppointmentEntry is an appointment as rendered inside a cell.
type AppointmentEntry struct {
	*scheduling.Appointment
	Time  string           `json:"time"`
	Label scheduling.Label `json:"label"`
}

// CellView is the JSON form of a Cell.
type CellView struct {
	Date            string             `json:"date"`
	IsCurrentPeriod bool               `json:"is_current_period"`
	IsToday         bool               `json:"is_today"`
	Appointments    []AppointmentEntry `json:"appointments"`
}

// GridView is the JSON form of a Grid.
type GridView struct {
	Kind  Kind       `json:"kind"`
	Start string     `json:"start"`
	End   string     `json:"end"`
	Cells []CellView `json:"cells"`
}

func (h *Handler) render(g Grid) GridView {
	loc := h.svc.Location()
	v := GridView{
		Kind:  g.Kind,
		Start: g.Start.Format(scheduling.DateLayout),
		End:   g.End.Format(scheduling.DateLayout),
		Cells: make([]CellView, 0, len(g.Cells)),
	}
	for _, c := range g.Cells {
		cv := CellView{
			Date:            c.Date.Format(scheduling.DateLayout),
			IsCurrentPeriod: c.IsCurrentPeriod,
			IsToday:         c.IsToday,
			Appointments:    make([]AppointmentEntry, 0, len(c.Appointments)),
		}
		for _, a := range c.Appointments {
			cv.Appointments = append(cv.Appointments, AppointmentEntry{
				Appointment: a,
				Time:        scheduling.DisplayTime(a.DateTime, loc),
				Label:       h.svc.Label(a),
			})
		}
		v.Cells = append(v.Cells, cv)
	}
	return v
}

func filterFromQuery(c echo.Context) (Filter, error) {
	var f Filter
	for name, dst := range map[string]**uuid.UUID{"doctor_id": &f.DoctorID, "department_id": &f.DepartmentID} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
		}
		*dst = &id
	}
	return f, nil
}

func (h *Handler) Month(c echo.Context) error {
	now := h.svc.Now()
	year, month := now.Year(), now.Month()
	if raw := c.QueryParam("year"); raw != "" {
		y, err := strconv.Atoi(raw)
		if err != nil || y < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid year")
		}
		year = y
	}
	if raw := c.QueryParam("month"); raw != "" {
		m, err := strconv.Atoi(raw)
		if err != nil || m < 1 || m > 12 {
			return echo.NewHTTPError(http.StatusBadRequest, "month must be 1-12")
		}
		month = time.Month(m)
	}
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	from, to := MonthWindow(year, month, h.svc.Location())
	appts, err := h.source.AppointmentsBetween(ctx, from, to, f)
	if err != nil {
		return scheduling.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, h.render(BuildMonthGrid(year, month, appts, now, h.svc.Location())))
}

func (h *Handler) Week(c echo.Context) error {
	now := h.svc.Now()
	ref := now
	if raw := c.QueryParam("date"); raw != "" {
		d, err := scheduling.ParseDate(raw, h.svc.Location())
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		ref = d
	}
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	from, to := WeekWindow(ref, h.svc.Location())
	appts, err := h.source.AppointmentsBetween(ctx, from, to, f)
	if err != nil {
		return scheduling.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, h.render(BuildWeekGrid(ref, appts, now, h.svc.Location())))
}
