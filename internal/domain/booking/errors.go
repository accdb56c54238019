package booking

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/ehr/scheduler/internal/domain/scheduling"
)

var (
	ErrSubmitInProgress = errors.New("a submission is already in progress")
	ErrInvalidState     = errors.New("operation not allowed in the current step")
	ErrSessionNotFound  = errors.New("booking session not found or expired")
	ErrSessionBusy      = errors.New("booking session is being updated by another request")
)

// FieldErrors maps a draft field to a message. Returned before any request is sent.
type FieldErrors map[string]string

func (fe FieldErrors) Error() string {
	keys := make([]string, 0, len(fe))
	for k := range fe {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+fe[k])
	}
	return "invalid booking: " + strings.Join(parts, "; ")
}

func (fe FieldErrors) orNil() error {
	if len(fe) == 0 {
		return nil
	}
	return fe
}

// LookupError reports a name or id that does not resolve in the current list.
type LookupError struct {
	Field string
	Value string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Field, e.Value)
}

// Kind classifies a failure for presentation and retry decisions.
type Kind string

const (
	KindValidation Kind = "validation"
	KindLookup     Kind = "lookup"
	KindNetwork    Kind = "network"
	KindConflict   Kind = "conflict"
	KindInternal   Kind = "internal"
)

// Error is a classified failure kept on the wizard as its last error.
type Error struct {
	Kind      Kind              `json:"kind"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Retryable bool              `json:"retryable"`
	err       error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.err }

// retryable is implemented by transport errors that know whether a retry may succeed.
type retryable interface {
	Retryable() bool
}

// Classify maps err onto the booking error taxonomy. A nil err yields nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}

	out := &Error{Message: err.Error(), err: err}
	var (
		fe   FieldErrors
		verr *scheduling.ValidationError
		lerr *LookupError
		nerr net.Error
		rerr retryable
	)
	switch {
	case errors.As(err, &fe):
		out.Kind, out.Fields = KindValidation, map[string]string(fe)
	case errors.As(err, &verr):
		out.Kind, out.Fields = KindValidation, verr.Fields
	case errors.As(err, &lerr):
		out.Kind, out.Fields = KindLookup, map[string]string{lerr.Field: "not found"}
	case scheduling.IsNotFound(err):
		out.Kind = KindLookup
	case errors.Is(err, scheduling.ErrSlotConflict):
		// Retrying the same slot cannot succeed; the user must pick another.
		out.Kind = KindConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.As(err, &nerr):
		out.Kind, out.Retryable = KindNetwork, true
	case errors.As(err, &rerr):
		out.Kind, out.Retryable = KindNetwork, rerr.Retryable()
	case errors.Is(err, scheduling.ErrDuplicateRequest):
		out.Kind, out.Retryable = KindNetwork, true
	default:
		out.Kind = KindInternal
	}
	return out
}
