// Package validate wraps go-playground/validator for request structs and maps
// its errors to per-field messages keyed by JSON name.
package validate

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var messages = map[string]string{
	"required": "is required",
	"oneof":    "must be one of: %s",
	"max":      "must be at most %s characters",
	"min":      "must be at least %s characters",
	"uuid":     "must be a valid UUID",
	"gt":       "must be greater than %s",
	"gte":      "must be at least %s",
}

// Validator satisfies echo.Validator.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return &Validator{v: v}
}

// Validate runs the struct's validate tags.
func (cv *Validator) Validate(i interface{}) error {
	return cv.v.Struct(i)
}

// Fields converts validator errors into field -> message. ok is false when err
// did not come from the validator.
func Fields(err error) (map[string]string, bool) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil, false
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = message(fe)
	}
	return out, true
}

func message(fe validator.FieldError) string {
	msg, ok := messages[fe.Tag()]
	if !ok {
		return "is invalid"
	}
	if !strings.Contains(msg, "%s") {
		return msg
	}
	param := fe.Param()
	if fe.Tag() == "oneof" {
		param = strings.Join(strings.Fields(param), ", ")
	}
	return strings.Replace(msg, "%s", param, 1)
}
