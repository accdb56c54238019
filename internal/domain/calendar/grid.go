// Package calendar projects appointments onto month and week grids.
package calendar

import (
	"sort"
	"time"

	"github.com/ehr/scheduler/internal/domain/scheduling"
)

const (
	MonthCells = 42
	WeekCells  = 7
)

// Kind is the grid period.
type Kind string

const (
	KindMonth Kind = "month"
	KindWeek  Kind = "week"
)

// Cell is one day of a grid.
type Cell struct {
	Date            time.Time
	IsCurrentPeriod bool
	IsToday         bool
	Appointments    []*scheduling.Appointment
}

// Grid is an ordered run of cells starting on a Monday. End is exclusive.
type Grid struct {
	Kind  Kind
	Start time.Time
	End   time.Time
	Cells []Cell
}

// mondayOnOrBefore returns midnight of the Monday on or before t in loc.
func mondayOnOrBefore(t time.Time, loc *time.Location) time.Time {
	day := scheduling.Midnight(t, loc)
	back := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -back)
}

// MonthWindow returns the [from, to) range covered by the month grid.
func MonthWindow(year int, month time.Month, loc *time.Location) (time.Time, time.Time) {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	start := mondayOnOrBefore(first, loc)
	return start, start.AddDate(0, 0, MonthCells)
}

// WeekWindow returns the [from, to) range of the Monday..Sunday week holding ref.
func WeekWindow(ref time.Time, loc *time.Location) (time.Time, time.Time) {
	start := mondayOnOrBefore(ref, loc)
	return start, start.AddDate(0, 0, WeekCells)
}

// BuildMonthGrid lays out 42 cells beginning on the Monday on or before the 1st
// of month. Days outside month are present but not IsCurrentPeriod.
func BuildMonthGrid(year int, month time.Month, appts []*scheduling.Appointment, now time.Time, loc *time.Location) Grid {
	loc = orLocal(loc)
	start, end := MonthWindow(year, month, loc)
	g := build(KindMonth, start, end, MonthCells, appts, now, loc)
	for i := range g.Cells {
		d := g.Cells[i].Date
		g.Cells[i].IsCurrentPeriod = d.Year() == year && d.Month() == month
	}
	return g
}

// BuildWeekGrid lays out the 7 days of the week containing ref.
func BuildWeekGrid(ref time.Time, appts []*scheduling.Appointment, now time.Time, loc *time.Location) Grid {
	loc = orLocal(loc)
	start, end := WeekWindow(ref, loc)
	g := build(KindWeek, start, end, WeekCells, appts, now, loc)
	for i := range g.Cells {
		g.Cells[i].IsCurrentPeriod = true
	}
	return g
}

func build(kind Kind, start, end time.Time, n int, appts []*scheduling.Appointment, now time.Time, loc *time.Location) Grid {
	buckets := bucketByDay(appts, loc)
	today := scheduling.DayOf(now, loc)

	cells := make([]Cell, n)
	for i := 0; i < n; i++ {
		d := start.AddDate(0, 0, i)
		key := scheduling.DayOf(d, loc)
		cells[i] = Cell{
			Date:         d,
			IsToday:      key == today,
			Appointments: buckets[key],
		}
	}
	return Grid{Kind: kind, Start: start, End: end, Cells: cells}
}

// bucketByDay groups appointments by calendar day in loc, each bucket sorted by
// time of day. Appointments at the same instant keep their input order.
func bucketByDay(appts []*scheduling.Appointment, loc *time.Location) map[scheduling.Day][]*scheduling.Appointment {
	buckets := make(map[scheduling.Day][]*scheduling.Appointment)
	for _, a := range appts {
		key := scheduling.DayOf(a.DateTime, loc)
		buckets[key] = append(buckets[key], a)
	}
	for _, list := range buckets {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].DateTime.Before(list[j].DateTime)
		})
	}
	return buckets
}

func orLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}
