package rules

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/developingchet/tasteshield/internal/model"
	"github.com/go-playground/validator/v10"
)

// ValidationError reports a rule rejected before it reached state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule: %s %s", e.Field, e.Reason)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		_, err := ParseClock(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("weekday", func(fl validator.FieldLevel) bool {
		_, ok := ParseWeekday(fl.Field().String())
		return ok
	})
	return v
}

// ValidateTimeRule checks a time rule's shape.
func ValidateTimeRule(r model.TimeRule) error {
	return translate(validate.Struct(r))
}

// ValidateDeviceRule checks a device rule's shape, including its optional schedule.
func ValidateDeviceRule(r model.DeviceRule) error {
	if err := translate(validate.Struct(r)); err != nil {
		return err
	}
	if r.TimeEnabled && len(r.Days) == 0 {
		return &ValidationError{Field: "days", Reason: "is required when the schedule is enabled"}
	}
	return nil
}

// translate maps validator output onto the first ValidationError.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	return &ValidationError{Field: fieldName(fe), Reason: reason(fe)}
}

func fieldName(fe validator.FieldError) string {
	name := fe.Field()
	if i := strings.Index(name, "["); i > 0 {
		name = name[:i]
	}
	return name
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "clock":
		return fmt.Sprintf("%q is not a valid time (use \"10:00 PM\" or \"22:00\")", fe.Value())
	case "weekday":
		return fmt.Sprintf("%q is not a weekday name", fe.Value())
	case "min":
		return fmt.Sprintf("needs at least %s entries", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s long", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}
