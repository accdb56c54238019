// Package schedclient is an HTTP client for the scheduler API. It satisfies the
// booking wizard's Creator and Directory and the calendar Loader's Source.
package schedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/scheduler/internal/domain/calendar"
	"github.com/ehr/scheduler/internal/domain/scheduling"
)

const (
	DefaultTimeout  = 10 * time.Second
	defaultPageSize = 200
)

// Error is a failed call. Unwrap yields the matching scheduling sentinel (or
// validation error) for API failures and the transport error otherwise.
type Error struct {
	Op        string
	Status    int
	Message   string
	Fields    map[string]string
	retryable bool
	err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %d %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// Retryable reports whether repeating the same request may succeed.
func (e *Error) Retryable() bool { return e.retryable }

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the API rooted at baseURL (e.g. http://host:8000).
// A zero timeout means DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) ListDoctors(ctx context.Context, f scheduling.DoctorFilter) ([]*scheduling.Doctor, error) {
	q := url.Values{}
	if f.Query != "" {
		q.Set("q", f.Query)
	}
	if f.Specialization != "" {
		q.Set("specialization", f.Specialization)
	}
	if f.DepartmentID != nil {
		q.Set("department_id", f.DepartmentID.String())
	}
	var out []*scheduling.Doctor
	err := c.do(ctx, "list doctors", http.MethodGet, "/doctors", q, nil, nil, &out, scheduling.ErrDepartmentNotFound)
	return out, err
}

func (c *Client) GetDoctor(ctx context.Context, id uuid.UUID) (*scheduling.Doctor, error) {
	var d scheduling.Doctor
	if err := c.do(ctx, "get doctor", http.MethodGet, "/doctors/"+id.String(), nil, nil, nil, &d, scheduling.ErrDoctorNotFound); err != nil {
		return nil, err
	}
	return &d, nil
}

// Slots returns the display slots of a doctor's day with their booked flags.
func (c *Client) Slots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]scheduling.SlotView, error) {
	q := url.Values{"date": {date.Format(scheduling.DateLayout)}}
	var out []scheduling.SlotView
	err := c.do(ctx, "list slots", http.MethodGet, "/doctors/"+doctorID.String()+"/slots", q, nil, nil, &out, scheduling.ErrDoctorNotFound)
	return out, err
}

// CreateAppointment posts cmd, sending its idempotency key as a header.
func (c *Client) CreateAppointment(ctx context.Context, cmd scheduling.CreateAppointmentCommand) (*scheduling.Appointment, error) {
	var hdr http.Header
	if cmd.IdempotencyKey != "" {
		hdr = http.Header{scheduling.IdempotencyKeyHeader: {cmd.IdempotencyKey}}
	}
	var a scheduling.Appointment
	if err := c.do(ctx, "create appointment", http.MethodPost, "/appointments", nil, hdr, cmd, &a, scheduling.ErrDoctorNotFound); err != nil {
		return nil, err
	}
	return &a, nil
}

type appointmentPage struct {
	Data    []*scheduling.Appointment `json:"data"`
	Total   int                       `json:"total"`
	HasMore bool                      `json:"has_more"`
}

// AppointmentsBetween pages through every appointment in [from, to).
func (c *Client) AppointmentsBetween(ctx context.Context, from, to time.Time, f calendar.Filter) ([]*scheduling.Appointment, error) {
	q := url.Values{
		"from":  {from.Format(time.RFC3339)},
		"to":    {to.Format(time.RFC3339)},
		"limit": {strconv.Itoa(defaultPageSize)},
	}
	if f.DoctorID != nil {
		q.Set("doctor_id", f.DoctorID.String())
	}
	if f.DepartmentID != nil {
		q.Set("department_id", f.DepartmentID.String())
	}

	var out []*scheduling.Appointment
	for offset := 0; ; offset += defaultPageSize {
		q.Set("offset", strconv.Itoa(offset))
		var page appointmentPage
		if err := c.do(ctx, "list appointments", http.MethodGet, "/appointments", q, nil, nil, &page, nil); err != nil {
			return nil, err
		}
		out = append(out, page.Data...)
		if !page.HasMore || len(page.Data) == 0 {
			return out, nil
		}
	}
}

type errorBody struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, hdr http.Header, in, out interface{}, notFound error) error {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(op, resp, notFound)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func transportError(op string, err error) error {
	e := &Error{Op: op, Message: err.Error(), retryable: true, err: err}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() && !errors.Is(err, context.DeadlineExceeded) {
		e.err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return e
}

func statusError(op string, resp *http.Response, notFound error) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var eb errorBody
	if json.Unmarshal(raw, &eb) != nil || eb.Message == "" {
		eb.Message = strings.TrimSpace(string(raw))
		if eb.Message == "" {
			eb.Message = http.StatusText(resp.StatusCode)
		}
	}

	e := &Error{Op: op, Status: resp.StatusCode, Message: eb.Message, Fields: eb.Fields}
	switch {
	case resp.StatusCode == http.StatusBadRequest && len(eb.Fields) > 0:
		e.err = &scheduling.ValidationError{Fields: eb.Fields}
	case resp.StatusCode == http.StatusNotFound && notFound != nil:
		e.err = notFound
	case resp.StatusCode == http.StatusConflict:
		e.err = conflictSentinel(eb.Message)
		e.retryable = errors.Is(e.err, scheduling.ErrDuplicateRequest)
	case resp.StatusCode == http.StatusGatewayTimeout:
		e.err, e.retryable = context.DeadlineExceeded, true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		e.retryable = true
	}
	return e
}

func conflictSentinel(msg string) error {
	for _, s := range []error{scheduling.ErrDuplicateRequest, scheduling.ErrTerminalStatus,
		scheduling.ErrInvalidTransition, scheduling.ErrConcurrentUpdate} {
		if strings.Contains(msg, s.Error()) {
			return s
		}
	}
	return scheduling.ErrSlotConflict
}
