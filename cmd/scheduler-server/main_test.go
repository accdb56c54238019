package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/config"
	"github.com/ehr/scheduler/internal/domain/booking"
	"github.com/ehr/scheduler/internal/domain/calendar"
	"github.com/ehr/scheduler/internal/domain/scheduling"
	"github.com/ehr/scheduler/internal/platform/db"
	"github.com/ehr/scheduler/pkg/schedclient"
)

func testConfig() *config.Config {
	return &config.Config{
		Port: "0", Env: "test",
		CORSOrigins:  []string{"http://localhost:3000"},
		RateLimitRPS: 1000, RateLimitBurst: 1000, BodyLimit: "1M",
		RequestTimeout: 5 * time.Second, ClinicTimezone: "UTC",
		BookingHorizonDays: 30, AvailabilityPolicy: "weekdays",
		BookingSessionTTL: time.Hour, SubmitTimeout: 5 * time.Second,
		MissedGrace: time.Hour, IdempotencyTTL: time.Hour,
		JobSweepSchedule: "@every 1m", JobMissedSchedule: "*/15 * * * *",
		ClientTimeout: 5 * time.Second,
	}
}

func newMemoryServer(t *testing.T) *server {
	t.Helper()
	srv, err := buildServer(context.Background(), testConfig(), zerolog.Nop(), true)
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildServer_MemoryHealth(t *testing.T) {
	srv := newMemoryServer(t)

	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"storage":"memory"`) {
		t.Errorf("unexpected /health: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}

	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/kv", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected /health/kv 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected no /health/db in memory mode, got %d", rec.Code)
	}
}

func TestBuildServer_Jobs(t *testing.T) {
	srv := newMemoryServer(t)

	got := strings.Join(srv.jobs.Jobs(), ",")
	if got != "kv-sweep,missed-appointments" {
		t.Errorf("unexpected jobs %q", got)
	}
}

func TestBuildServer_RejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.JobMissedSchedule = "whenever"
	if _, err := buildServer(context.Background(), cfg, zerolog.Nop(), true); err == nil {
		t.Error("expected invalid job schedule to fail")
	}
}

func TestBuildServer_RoutesMounted(t *testing.T) {
	srv := newMemoryServer(t)

	body := `{"first_name":"Jane","last_name":"Doe","specialization":"Cardiology"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/doctors", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create doctor: %d %s", rec.Code, rec.Body.String())
	}

	for _, path := range []string{"/api/v1/doctors", "/api/v1/calendar/month?year=2025&month=4", "/api/v1/appointments"} {
		rec = httptest.NewRecorder()
		srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestRunBook_AgainstServer(t *testing.T) {
	srv := newMemoryServer(t)
	ctx := context.Background()
	jane := &scheduling.Doctor{FirstName: "Jane", LastName: "Doe", Specialization: "Cardiology"}
	if err := srv.sched.CreateDoctor(ctx, jane); err != nil {
		t.Fatal(err)
	}
	hs := httptest.NewServer(srv.echo)
	defer hs.Close()

	dates, err := scheduling.DefaultResolver().Resolve(nil, time.Now().In(time.UTC))
	if err != nil || len(dates) == 0 {
		t.Fatalf("resolve dates: %v", err)
	}
	client := schedclient.New(hs.URL, 5*time.Second)
	opts := booking.Options{PatientID: uuid.New(), Location: time.UTC}
	req := bookRequest{Doctor: "Jane Doe", Date: dates[0].Format(scheduling.DateLayout), Time: "10:30 AM"}

	var out bytes.Buffer
	if err := runBook(ctx, &out, client, opts, req); err != nil {
		t.Fatalf("book: %v", err)
	}
	if !strings.Contains(out.String(), "Booked regular with Dr. Jane Doe") {
		t.Errorf("unexpected output %q", out.String())
	}

	// same slot again: conflict is not retried
	out.Reset()
	opts.PatientID = uuid.New()
	err = runBook(ctx, &out, client, opts, req)
	if !errors.Is(err, scheduling.ErrSlotConflict) {
		t.Errorf("expected ErrSlotConflict, got %v", err)
	}
	if strings.Contains(out.String(), "retrying") {
		t.Error("conflict must not be retried")
	}
}

func TestRunBook_ValidationStopsEarly(t *testing.T) {
	srv := newMemoryServer(t)
	hs := httptest.NewServer(srv.echo)
	defer hs.Close()

	client := schedclient.New(hs.URL, 5*time.Second)
	err := runBook(context.Background(), &bytes.Buffer{}, client,
		booking.Options{PatientID: uuid.New(), Location: time.UTC}, bookRequest{Doctor: "Nobody"})
	var lerr *booking.LookupError
	if !errors.As(err, &lerr) {
		t.Errorf("expected LookupError, got %v", err)
	}
}

type flakyCreator struct {
	fails int
	calls int
	keys  map[string]bool
}

func (f *flakyCreator) CreateAppointment(_ context.Context, cmd scheduling.CreateAppointmentCommand) (*scheduling.Appointment, error) {
	f.calls++
	f.keys[cmd.IdempotencyKey] = true
	if f.calls <= f.fails {
		return nil, context.DeadlineExceeded
	}
	return &scheduling.Appointment{ID: uuid.New(), DoctorID: cmd.DoctorID, DateTime: cmd.DateTime, Type: cmd.Type}, nil
}

func (f *flakyCreator) ListDoctors(context.Context, scheduling.DoctorFilter) ([]*scheduling.Doctor, error) {
	return []*scheduling.Doctor{{ID: uuid.New(), FirstName: "Omar", LastName: "Haddad"}}, nil
}

func TestRunBook_RetriesWithSameKey(t *testing.T) {
	now := time.Date(2025, 4, 4, 10, 0, 0, 0, time.UTC)
	fc := &flakyCreator{fails: 1, keys: map[string]bool{}}
	opts := booking.Options{PatientID: uuid.New(), Location: time.UTC, Now: func() time.Time { return now }}
	req := bookRequest{Doctor: "omar haddad", Date: "2025-04-07", Time: "2:00 PM", Retries: 2}

	var out bytes.Buffer
	if err := runBook(context.Background(), &out, fc, opts, req); err != nil {
		t.Fatalf("book: %v", err)
	}
	if fc.calls != 2 || len(fc.keys) != 1 {
		t.Errorf("expected two calls sharing one key, got %d calls and %d keys", fc.calls, len(fc.keys))
	}
	if !strings.Contains(out.String(), "retrying") {
		t.Errorf("expected retry notice, got %q", out.String())
	}
}

func TestRenderGrid(t *testing.T) {
	now := time.Date(2025, 4, 4, 10, 0, 0, 0, time.UTC)
	appts := []*scheduling.Appointment{{
		ID: uuid.New(), DoctorID: uuid.New(), Type: scheduling.TypeRegular, Status: scheduling.StatusScheduled,
		DateTime: time.Date(2025, 4, 7, 9, 0, 0, 0, time.UTC),
	}}
	g := calendar.BuildMonthGrid(2025, time.April, appts, now, time.UTC)

	var out bytes.Buffer
	renderGrid(&out, &g, time.UTC)
	text := out.String()
	for _, want := range []string{"April 2025", "(31)", "4*", "7+1", "2025-04-07  9:00 AM"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output:\n%s", want, text)
		}
	}
	if lines := strings.Count(text, "\n"); lines < 8 {
		t.Errorf("expected header plus six week rows, got %d lines", lines)
	}
}

func TestPrintStatuses(t *testing.T) {
	at := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printStatuses(&out, []db.MigrationStatus{
		{Version: 1, Name: "scheduling", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "later"},
	})
	if !strings.Contains(out.String(), "applied    2025-04-01 12:00:00") || !strings.Contains(out.String(), "pending") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestLivenessJSON(t *testing.T) {
	srv := newMemoryServer(t)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected body %v", body)
	}
}
