package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehr/scheduler/internal/config"
	"github.com/ehr/scheduler/internal/domain/booking"
	"github.com/ehr/scheduler/internal/domain/calendar"
	"github.com/ehr/scheduler/internal/domain/scheduling"
	"github.com/ehr/scheduler/pkg/schedclient"
)

const retryBackoff = 500 * time.Millisecond

func clientFromFlags(cmd *cobra.Command, cfg *config.Config) *schedclient.Client {
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = cfg.SchedulerURL
	}
	return schedclient.New(server, cfg.ClientTimeout)
}

func calendarCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Print a month or week of appointments from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			var f calendar.Filter
			if raw, _ := cmd.Flags().GetString("doctor"); raw != "" {
				id, err := uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("--doctor: %w", err)
				}
				f.DoctorID = &id
			}

			loader := calendar.NewLoader(clientFromFlags(cmd, cfg), loc)
			ctx := cmd.Context()
			var g *calendar.Grid
			if week, _ := cmd.Flags().GetString("week"); week != "" {
				ref, err := scheduling.ParseDate(week, loc)
				if err != nil {
					return fmt.Errorf("--week: %w", err)
				}
				g, err = loader.LoadWeek(ctx, ref, f)
				if err != nil {
					return err
				}
			} else {
				month, _ := cmd.Flags().GetString("month")
				ref := time.Now().In(loc)
				if month != "" {
					if ref, err = time.ParseInLocation("2006-01", month, loc); err != nil {
						return fmt.Errorf("--month must be YYYY-MM: %w", err)
					}
				}
				g, err = loader.LoadMonth(ctx, ref.Year(), ref.Month(), f)
				if err != nil {
					return err
				}
			}
			renderGrid(os.Stdout, g, loc)
			return nil
		},
	}
	cmd.Flags().String("server", "", "Scheduler base URL (default SCHEDULER_URL)")
	cmd.Flags().String("month", "", "Month to show as YYYY-MM (default current month)")
	cmd.Flags().String("week", "", "Show the Monday-Sunday week containing this YYYY-MM-DD date")
	cmd.Flags().String("doctor", "", "Only show appointments of this doctor id")
	return cmd
}

// renderGrid prints the grid as rows of seven days followed by the appointment list.
// Days outside the period are bracketed, today is starred and +N counts appointments.
func renderGrid(w io.Writer, g *calendar.Grid, loc *time.Location) {
	title := "Week of " + g.Start.Format(scheduling.DateLayout)
	if g.Kind == calendar.KindMonth {
		for _, c := range g.Cells {
			if c.IsCurrentPeriod {
				title = c.Date.Format("January 2006")
				break
			}
		}
	}
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, "  Mon   Tue   Wed   Thu   Fri   Sat   Sun")

	for i, c := range g.Cells {
		day := fmt.Sprintf("%d", c.Date.Day())
		if !c.IsCurrentPeriod {
			day = "(" + day + ")"
		}
		if c.IsToday {
			day += "*"
		}
		if n := len(c.Appointments); n > 0 {
			day += fmt.Sprintf("+%d", n)
		}
		fmt.Fprintf(w, "%6s", day)
		if i%7 == 6 {
			fmt.Fprintln(w)
		}
	}

	var lines []string
	for _, c := range g.Cells {
		for _, a := range c.Appointments {
			lines = append(lines, fmt.Sprintf("%s  %-8s  %-12s  %-10s  %s",
				c.Date.Format(scheduling.DateLayout), scheduling.DisplayTime(a.DateTime, loc),
				a.Type, a.Status, a.DoctorID))
		}
	}
	if len(lines) == 0 {
		fmt.Fprintln(w, "\nNo appointments.")
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

type bookRequest struct {
	PatientID uuid.UUID
	Doctor    string
	Date      string
	Time      string
	Type      scheduling.AppointmentType
	Notes     string
	Retries   int
}

func bookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book an appointment on a running server through the booking wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			var req bookRequest
			patient, _ := cmd.Flags().GetString("patient")
			if patient != "" {
				if req.PatientID, err = uuid.Parse(patient); err != nil {
					return fmt.Errorf("--patient: %w", err)
				}
			}
			req.Doctor, _ = cmd.Flags().GetString("doctor")
			req.Date, _ = cmd.Flags().GetString("date")
			req.Time, _ = cmd.Flags().GetString("time")
			typ, _ := cmd.Flags().GetString("type")
			req.Type = scheduling.AppointmentType(typ)
			req.Notes, _ = cmd.Flags().GetString("notes")
			req.Retries, _ = cmd.Flags().GetInt("retries")

			client := clientFromFlags(cmd, cfg)
			opts := booking.Options{
				PatientID:     req.PatientID,
				Resolver:      cfg.Resolver(),
				Location:      loc,
				SubmitTimeout: cfg.SubmitTimeout,
			}
			return runBook(cmd.Context(), os.Stdout, client, opts, req)
		},
	}
	cmd.Flags().String("server", "", "Scheduler base URL (default SCHEDULER_URL)")
	cmd.Flags().String("patient", "", "Patient id")
	cmd.Flags().String("doctor", "", "Doctor full name, e.g. \"Jane Doe\"")
	cmd.Flags().String("date", "", "Appointment date as YYYY-MM-DD")
	cmd.Flags().String("time", "", "12-hour slot, e.g. \"9:00 AM\"")
	cmd.Flags().String("type", "", "regular, follow-up, consultation or emergency")
	cmd.Flags().String("notes", "", "Free-text notes")
	cmd.Flags().Int("retries", 2, "Resubmit this many times after a retryable failure")
	return cmd
}

// bookingClient is what the book command needs from the API.
type bookingClient interface {
	booking.Creator
	booking.Directory
}

// runBook walks the wizard step by step and prints the confirmation.
func runBook(ctx context.Context, w io.Writer, client bookingClient, opts booking.Options, req bookRequest) error {
	wiz := booking.NewWizard(client, opts)
	if err := wiz.LoadDoctors(ctx, client); err != nil {
		return fmt.Errorf("load doctors: %w", err)
	}

	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"doctor", func() error { return wiz.SelectDoctorByName(req.Doctor) }},
		{"doctor", wiz.Next},
		{"date", func() error {
			d, err := scheduling.ParseDate(req.Date, loc)
			if err != nil {
				return booking.FieldErrors{"date": err.Error()}
			}
			return wiz.SelectDate(d)
		}},
		{"time", func() error { return wiz.SelectTime(req.Time) }},
		{"date and time", wiz.Next},
		{"details", func() error { return wiz.SetDetails(req.Type, req.Notes) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return describe(s.name, err)
		}
	}

	for attempt := 0; ; attempt++ {
		_, err := wiz.Submit(ctx)
		if err == nil {
			break
		}
		ce := booking.Classify(err)
		if !ce.Retryable || attempt >= req.Retries {
			return describe("submit", err)
		}
		fmt.Fprintf(w, "Submit failed (%s), retrying...\n", ce.Message)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * retryBackoff):
		}
	}

	conf, err := wiz.Summary()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Booked %s with Dr. %s on %s at %s (appointment %s)\n",
		conf.Type, conf.DoctorName, conf.Date, conf.Time, conf.AppointmentID)
	return nil
}

func describe(step string, err error) error {
	ce := booking.Classify(err)
	if len(ce.Fields) == 0 {
		return fmt.Errorf("%s: %w", step, err)
	}
	parts := make([]string, 0, len(ce.Fields))
	for field, msg := range ce.Fields {
		parts = append(parts, field+" "+msg)
	}
	sort.Strings(parts)
	return fmt.Errorf("%s: %s: %w", step, strings.Join(parts, ", "), err)
}
