package scheduling

import (
	"fmt"
	"time"
)

// SlotBlock is a run of slot start times, First and Last inclusive, in HH:MM.
type SlotBlock struct {
	First string
	Last  string
}

// SlotCatalog supplies the fixed list of time-of-day slots offered on every date.
type SlotCatalog struct {
	Blocks       []SlotBlock
	SlotDuration time.Duration
}

// DefaultSlotCatalog is the clinic's half-hour catalog: 9:00–11:30 AM and 1:00–4:30 PM.
func DefaultSlotCatalog() SlotCatalog {
	return SlotCatalog{
		Blocks: []SlotBlock{
			{First: "09:00", Last: "11:30"},
			{First: "13:00", Last: "16:30"},
		},
		SlotDuration: 30 * time.Minute,
	}
}

// SlotsForDate returns the ordered 12-hour display slots for date. The list does not
// depend on the date and is not filtered against existing bookings.
func (c SlotCatalog) SlotsForDate(_ time.Time) []string {
	step := int(c.SlotDuration / time.Minute)
	if step <= 0 {
		return nil
	}

	var slots []string
	for _, b := range c.Blocks {
		fh, fm, err := ParseTimeOfDay(b.First)
		if err != nil {
			continue
		}
		lh, lm, err := ParseTimeOfDay(b.Last)
		if err != nil {
			continue
		}
		for m := fh*60 + fm; m <= lh*60+lm; m += step {
			slots = append(slots, formatDisplay(m/60, m%60))
		}
	}
	return slots
}

// Contains reports whether slot is offered on date.
func (c SlotCatalog) Contains(date time.Time, slot string) bool {
	for _, s := range c.SlotsForDate(date) {
		if s == slot {
			return true
		}
	}
	return false
}

// Validate checks every block parses and is ordered.
func (c SlotCatalog) Validate() error {
	if c.SlotDuration <= 0 {
		return fmt.Errorf("slot duration must be positive")
	}
	for i, b := range c.Blocks {
		fh, fm, err := ParseTimeOfDay(b.First)
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		lh, lm, err := ParseTimeOfDay(b.Last)
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		if fh*60+fm > lh*60+lm {
			return fmt.Errorf("block %d: first slot %s is after last slot %s", i, b.First, b.Last)
		}
	}
	return nil
}

// SlotView is a catalog slot annotated for display.
type SlotView struct {
	Time   string `json:"time"`
	Value  string `json:"value"`
	Booked bool   `json:"booked"`
}
