package scheduling

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the ISO calendar-date layout used on the wire and for day keys.
const DateLayout = "2006-01-02"

// ParseTimeOfDay parses a 24-hour HH:MM string.
func ParseTimeOfDay(s string) (int, int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, fmt.Errorf("invalid time format %q: expected HH:MM", s)
	}

	hour, err := strconv.Atoi(s[:2])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(s[3:])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}

	if hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("hour out of range in %q", s)
	}
	if minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("minute out of range in %q", s)
	}

	return hour, minute, nil
}

// parse12Hour parses "h:mm AM" / "h:mm PM" (meridiem case-insensitive) into a
// 24-hour hour and minute.
func parse12Hour(s string) (int, int, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q: expected h:mm AM|PM", s)
	}
	clock, meridiem := fields[0], strings.ToUpper(fields[1])
	if meridiem != "AM" && meridiem != "PM" {
		return 0, 0, fmt.Errorf("invalid meridiem in %q", s)
	}

	parts := strings.Split(clock, ":")
	if len(parts) != 2 || len(parts[1]) != 2 || len(parts[0]) == 0 || len(parts[0]) > 2 {
		return 0, 0, fmt.Errorf("invalid time %q: expected h:mm AM|PM", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 1 || hour > 12 {
		return 0, 0, fmt.Errorf("hour out of range in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("minute out of range in %q", s)
	}

	switch {
	case meridiem == "AM" && hour == 12:
		hour = 0
	case meridiem == "PM" && hour != 12:
		hour += 12
	}
	return hour, minute, nil
}

// To24Hour converts a 12-hour display string ("2:30 PM") to a zero-padded
// HH:MM:SS string ("14:30:00"). 12:00 AM maps to 00:00:00 and 12:00 PM to 12:00:00.
func To24Hour(display string) (string, error) {
	hour, minute, err := parse12Hour(display)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d:00", hour, minute), nil
}

// From24Hour converts "HH:MM" or "HH:MM:SS" to the 12-hour display form. Non-zero
// seconds are rejected because the display form cannot carry them.
func From24Hour(s string) (string, error) {
	hm := s
	if len(s) == 8 {
		if s[5] != ':' || s[6:] != "00" {
			return "", fmt.Errorf("invalid time %q: seconds must be 00", s)
		}
		hm = s[:5]
	}
	hour, minute, err := ParseTimeOfDay(hm)
	if err != nil {
		return "", err
	}
	return formatDisplay(hour, minute), nil
}

func formatDisplay(hour, minute int) string {
	meridiem := "AM"
	if hour >= 12 {
		meridiem = "PM"
	}
	h := hour % 12
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%d:%02d %s", h, minute, meridiem)
}

// CombineDateTime merges a calendar date and a 12-hour time-of-day string into one
// absolute instant in loc. Only the year, month and day of date are used.
func CombineDateTime(date time.Time, display string, loc *time.Location) (time.Time, error) {
	hour, minute, err := parse12Hour(display)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, loc), nil
}

// DisplayTime renders the time-of-day of t in loc in 12-hour form.
func DisplayTime(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return formatDisplay(t.Hour(), t.Minute())
}

// ParseDate parses an ISO calendar date at midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return t, nil
}

// Day is a normalized calendar day used to compare dates without time-of-day.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// DayOf returns the calendar day of t as observed in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Day: d}
}

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Midnight returns the start of the calendar day of t in loc.
func Midnight(t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
