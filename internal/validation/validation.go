// Package validation wraps go-playground/validator so every decode path
// reports failures as errs.ErrValidation with per-field details.
package validation

import (
	"reflect"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/tenantbilling/internal/errs"
)

var (
	once     sync.Once
	validate *validator.Validate
)

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return field.Name
			}
			return name
		})
	})
	return validate
}

// FieldError is one failed rule, shaped for API responses.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type fieldErrors struct {
	fields []FieldError
}

func (e *fieldErrors) Error() string {
	parts := make([]string, 0, len(e.fields))
	for _, f := range e.fields {
		parts = append(parts, f.Field+": "+f.Code)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Struct validates v and returns an ErrValidation-kinded error on failure.
func Struct(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs.Wrap(errs.ErrValidation, err, "validate")
	}
	out := &fieldErrors{fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.fields = append(out.fields, FieldError{
			Field:   fe.Namespace(),
			Code:    fe.Tag(),
			Message: fe.Error(),
		})
	}
	return errors.Mark(out, errs.ErrValidation)
}

// Field reports a single failed field outside of struct tag validation.
func Field(field, code, message string) error {
	return errors.Mark(&fieldErrors{fields: []FieldError{{Field: field, Code: code, Message: message}}}, errs.ErrValidation)
}

// Fields extracts field details from an error produced by Struct.
func Fields(err error) []FieldError {
	var fe *fieldErrors
	if errors.As(err, &fe) {
		return fe.fields
	}
	return nil
}
