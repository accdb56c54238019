package validate

import (
	"errors"
	"testing"
)

type sample struct {
	Name string `json:"name" validate:"required"`
	Kind string `json:"kind,omitempty" validate:"omitempty,oneof=a b c"`
	Note string `json:"note" validate:"max=5"`
}

func TestValidate_FieldMessages(t *testing.T) {
	v := New()
	err := v.Validate(&sample{Kind: "z", Note: "too long"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	fields, ok := Fields(err)
	if !ok {
		t.Fatalf("expected validator error, got %T", err)
	}
	if fields["name"] != "is required" {
		t.Errorf("name: got %q", fields["name"])
	}
	if fields["kind"] != "must be one of: a, b, c" {
		t.Errorf("kind: got %q", fields["kind"])
	}
	if fields["note"] != "must be at most 5 characters" {
		t.Errorf("note: got %q", fields["note"])
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := New().Validate(&sample{Name: "x", Kind: "b"}); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestFields_ForeignError(t *testing.T) {
	if _, ok := Fields(errors.New("boom")); ok {
		t.Error("expected ok=false for non-validator error")
	}
}
