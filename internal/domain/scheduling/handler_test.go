package scheduling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/scheduler/pkg/pagination"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo, *fixture) {
	f := newFixture(t)
	return NewHandler(f.svc), echo.New(), f
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

func TestHandler_CreateAppointment_DateAndTime(t *testing.T) {
	h, e, f := newTestHandler(t)
	body := `{"patient_id":"` + f.patient.String() + `","doctor_id":"` + f.jane.ID.String() +
		`","date":"2025-04-07","time":"9:00 AM"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", body), rec)

	if err := h.CreateAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var got AppointmentView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != StatusScheduled || got.Label != LabelScheduled {
		t.Errorf("unexpected status=%s label=%s", got.Status, got.Label)
	}
	if got.DateTime.Hour() != 9 {
		t.Errorf("expected 09:00, got %v", got.DateTime)
	}
}

func TestHandler_CreateAppointment_ValidationFields(t *testing.T) {
	h, e, _ := newTestHandler(t)
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{}`), httptest.NewRecorder())

	err := h.CreateAppointment(c)
	if statusOf(t, err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	body, ok := err.(*echo.HTTPError).Message.(ErrorBody)
	if !ok {
		t.Fatalf("expected ErrorBody, got %T", err.(*echo.HTTPError).Message)
	}
	if body.Fields["doctor_id"] == "" || body.Fields["patient_id"] == "" {
		t.Errorf("expected field errors, got %v", body.Fields)
	}
}

func TestHandler_CreateAppointment_Conflict(t *testing.T) {
	h, e, f := newTestHandler(t)
	body := `{"patient_id":"` + f.patient.String() + `","doctor_id":"` + f.jane.ID.String() +
		`","date_time":"2025-04-07T09:00:00Z"}`

	if err := h.CreateAppointment(e.NewContext(jsonRequest(http.MethodPost, "/", body), httptest.NewRecorder())); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := h.CreateAppointment(e.NewContext(jsonRequest(http.MethodPost, "/", body), httptest.NewRecorder()))
	if statusOf(t, err) != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}
}

func TestHandler_CreateAppointment_IdempotencyHeader(t *testing.T) {
	h, e, f := newTestHandler(t)
	body := `{"patient_id":"` + f.patient.String() + `","doctor_id":"` + f.jane.ID.String() +
		`","date_time":"2025-04-07T09:00:00Z"}`

	var ids []string
	for i := 0; i < 2; i++ {
		req := jsonRequest(http.MethodPost, "/", body)
		req.Header.Set(IdempotencyKeyHeader, "abc-123")
		rec := httptest.NewRecorder()
		if err := h.CreateAppointment(e.NewContext(req, rec)); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		var got AppointmentView
		json.Unmarshal(rec.Body.Bytes(), &got)
		ids = append(ids, got.ID.String())
	}
	if ids[0] != ids[1] {
		t.Errorf("expected same appointment for replay, got %v", ids)
	}
}

func TestHandler_GetAppointment_NotFound(t *testing.T) {
	h, e, _ := newTestHandler(t)
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	if code := statusOf(t, h.GetAppointment(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_GetAppointment_InvalidID(t *testing.T) {
	h, e, _ := newTestHandler(t)
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	if code := statusOf(t, h.GetAppointment(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_ListAppointments_ByMonth(t *testing.T) {
	h, e, f := newTestHandler(t)
	ctx := context.Background()
	f.svc.CreateAppointment(ctx, f.command(t, "9:00 AM"))
	f.svc.CreateAppointment(ctx, f.command(t, "1:00 PM"))

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?year=2025&month=4&doctor_id="+f.jane.ID.String(), nil), rec)
	if err := h.ListAppointments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		pagination.Response
		Data []AppointmentView `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 || len(resp.Data) != 2 {
		t.Fatalf("expected 2 appointments, got total=%d len=%d", resp.Total, len(resp.Data))
	}
	if !resp.Data[0].DateTime.Before(resp.Data[1].DateTime) {
		t.Error("expected chronological order")
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?year=2025&month=5", nil), rec)
	if err := h.ListAppointments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 0 {
		t.Errorf("expected no May appointments, got %d", resp.Total)
	}
}

func TestHandler_ListAppointments_BadStatus(t *testing.T) {
	h, e, _ := newTestHandler(t)
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?status=archived", nil), httptest.NewRecorder())
	if code := statusOf(t, h.ListAppointments(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Actions_TerminalConflict(t *testing.T) {
	h, e, f := newTestHandler(t)
	a, _ := f.svc.CreateAppointment(context.Background(), f.command(t, "9:00 AM"))

	call := func(action Action) error {
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
		c.SetParamNames("id")
		c.SetParamValues(a.ID.String())
		return h.actionHandler(action)(c)
	}
	if err := call(ActionComplete); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if code := statusOf(t, call(ActionCancel)); code != http.StatusConflict {
		t.Errorf("expected 409 cancelling a completed appointment, got %d", code)
	}
}

func TestHandler_Reschedule(t *testing.T) {
	h, e, f := newTestHandler(t)
	a, _ := f.svc.CreateAppointment(context.Background(), f.command(t, "9:00 AM"))

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{"date":"2025-04-08","time":"2:30 PM"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.Reschedule(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got AppointmentView
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Label != LabelRescheduled || got.DateTime.Day() != 8 || got.DateTime.Hour() != 14 {
		t.Errorf("unexpected result label=%s date_time=%v", got.Label, got.DateTime)
	}
}

func TestHandler_Slots(t *testing.T) {
	h, e, f := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?date=2025-04-07", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(f.jane.ID.String())

	if err := h.Slots(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var slots []SlotView
	json.Unmarshal(rec.Body.Bytes(), &slots)
	if len(slots) != 14 || slots[0].Time != "9:00 AM" {
		t.Errorf("unexpected slots %v", slots)
	}
}

func TestHandler_AvailableDates(t *testing.T) {
	h, e, f := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?horizon=3", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(f.jane.ID.String())

	if err := h.AvailableDates(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var dates []string
	json.Unmarshal(rec.Body.Bytes(), &dates)
	if len(dates) != 1 || dates[0] != "2025-04-07" {
		t.Errorf("unexpected dates %v", dates)
	}
}

func TestHandler_ListDoctors_Query(t *testing.T) {
	h, e, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?q=jane", nil), rec)
	if err := h.ListDoctors(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var doctors []Doctor
	json.Unmarshal(rec.Body.Bytes(), &doctors)
	if len(doctors) != 1 || doctors[0].FullName() != "Jane Doe" {
		t.Errorf("unexpected doctors %v", doctors)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, e, f := newTestHandler(t)
	h.RegisterRoutes(e.Group("/api/v1"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/doctors/"+f.jane.ID.String(), nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/departments", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Cardiology") {
		t.Errorf("unexpected departments response %d %s", rec.Code, rec.Body.String())
	}
}
