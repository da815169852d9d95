package apperr

import (
	"errors"
	"sort"

	"github.com/go-playground/validator"
)

var validate = validator.New()

// Validate checks v's `validate` struct tags. Failures come back as a
// Validation error whose details list the offending fields and rules.
func Validate(v any, msg string) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &Error{Category: Validation, Message: msg, Cause: err}
	}
	fields := make(map[string]any, len(fieldErrs))
	names := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Namespace()] = fe.Tag()
		names = append(names, fe.Namespace())
	}
	sort.Strings(names)
	return &Error{
		Category: Validation,
		Message:  msg,
		Details:  map[string]any{"fields": fields, "invalid": names},
		Cause:    err,
	}
}
