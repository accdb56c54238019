package scheduling

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultHorizonDays is how far ahead bookable dates are offered.
const DefaultHorizonDays = 30

// AvailabilityPolicy selects how the resolver treats a doctor's weekly map.
type AvailabilityPolicy string

const (
	// PolicyWeekdays excludes Saturdays and Sundays only and ignores the
	// doctor's own weekday map.
	PolicyWeekdays AvailabilityPolicy = "weekdays"
	// PolicyDoctorAvailability additionally drops weekdays missing from the
	// doctor's availability map.
	PolicyDoctorAvailability AvailabilityPolicy = "doctor"
)

// Valid reports whether p is a known policy.
func (p AvailabilityPolicy) Valid() bool {
	return p == PolicyWeekdays || p == PolicyDoctorAvailability
}

// TimeRange is one working window within a day, [Start, End) in minutes after midnight.
type TimeRange struct {
	Start int
	End   int
}

// WeeklyPlan lists the working windows per weekday.
type WeeklyPlan map[time.Weekday][]TimeRange

// WorksOn reports whether the plan has at least one window on wd.
func (wp WeeklyPlan) WorksOn(wd time.Weekday) bool {
	return len(wp[wd]) > 0
}

// ParseAvailability converts a doctor's availability map into a WeeklyPlan. It fails
// on the first unknown weekday token or malformed range.
func ParseAvailability(av Availability) (WeeklyPlan, error) {
	wp := make(WeeklyPlan)
	keys := make([]string, 0, len(av))
	for k := range av {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		wd, ok := weekdayFromToken(key)
		if !ok {
			return nil, fmt.Errorf("availability: unknown weekday %q", key)
		}
		for i, r := range av[key] {
			tr, err := parseRange(r)
			if err != nil {
				return nil, fmt.Errorf("availability[%s][%d]: %w", key, i, err)
			}
			wp[wd] = append(wp[wd], tr)
		}
	}
	return wp, nil
}

func parseRange(s string) (TimeRange, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return TimeRange{}, fmt.Errorf("invalid range %q: expected HH:MM-HH:MM", s)
	}
	sh, sm, err := ParseTimeOfDay(strings.TrimSpace(parts[0]))
	if err != nil {
		return TimeRange{}, err
	}
	eh, em, err := ParseTimeOfDay(strings.TrimSpace(parts[1]))
	if err != nil {
		return TimeRange{}, err
	}
	tr := TimeRange{Start: sh*60 + sm, End: eh*60 + em}
	if tr.Start >= tr.End {
		return TimeRange{}, fmt.Errorf("invalid range %q: start must be before end", s)
	}
	return tr, nil
}

func weekdayFromToken(s string) (time.Weekday, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mon", "monday":
		return time.Monday, true
	case "tue", "tues", "tuesday":
		return time.Tuesday, true
	case "wed", "wednesday":
		return time.Wednesday, true
	case "thu", "thur", "thurs", "thursday":
		return time.Thursday, true
	case "fri", "friday":
		return time.Friday, true
	case "sat", "saturday":
		return time.Saturday, true
	case "sun", "sunday":
		return time.Sunday, true
	}
	return 0, false
}

func isWeekend(wd time.Weekday) bool {
	return wd == time.Saturday || wd == time.Sunday
}

// ResolveAvailableDates walks forward from the day after today for horizonDays days
// and returns the bookable dates at midnight in today's location. Weekends are
// always excluded; under PolicyDoctorAvailability days the doctor does not work
// are excluded as well.
func ResolveAvailableDates(doctor *Doctor, today time.Time, horizonDays int, policy AvailabilityPolicy) ([]time.Time, error) {
	if horizonDays <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", horizonDays)
	}

	var plan WeeklyPlan
	if policy == PolicyDoctorAvailability {
		if doctor == nil {
			return nil, fmt.Errorf("doctor is required for policy %q", policy)
		}
		var err error
		plan, err = ParseAvailability(doctor.Availability)
		if err != nil {
			return nil, err
		}
	}

	start := Midnight(today, nil)
	dates := make([]time.Time, 0, horizonDays)
	for i := 1; i <= horizonDays; i++ {
		day := start.AddDate(0, 0, i)
		wd := day.Weekday()
		if isWeekend(wd) {
			continue
		}
		if plan != nil && !plan.WorksOn(wd) {
			continue
		}
		dates = append(dates, day)
	}
	return dates, nil
}

// Resolver binds the horizon and policy used by callers that resolve dates repeatedly.
type Resolver struct {
	HorizonDays int
	Policy      AvailabilityPolicy
}

// DefaultResolver returns the reference configuration: 30 days, weekends excluded.
func DefaultResolver() Resolver {
	return Resolver{HorizonDays: DefaultHorizonDays, Policy: PolicyWeekdays}
}

// Resolve returns the bookable dates for doctor as of today.
func (r Resolver) Resolve(doctor *Doctor, today time.Time) ([]time.Time, error) {
	horizon := r.HorizonDays
	if horizon == 0 {
		horizon = DefaultHorizonDays
	}
	policy := r.Policy
	if policy == "" {
		policy = PolicyWeekdays
	}
	return ResolveAvailableDates(doctor, today, horizon, policy)
}

// ContainsDay reports whether dates contains the calendar day of t.
func ContainsDay(dates []time.Time, t time.Time) bool {
	want := DayOf(t, nil)
	for _, d := range dates {
		if DayOf(d, nil) == want {
			return true
		}
	}
	return false
}
