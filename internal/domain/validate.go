package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their wire names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateLabelPosition, SocketRequest{})
	return v
}

func validateLabelPosition(sl validator.StructLevel) {
	r := sl.Current().Interface().(SocketRequest)
	allowed, ok := labelPositions[r.Orientation]
	if r.LabelPosition == "" || !ok {
		return
	}
	if !allowed[r.LabelPosition] {
		sl.ReportError(r.LabelPosition, "labelPosition", "LabelPosition", "labelposition", string(r.Orientation))
	}
}

// validateRequest returns the first rule r breaks as an *InvalidSpecError.
func validateRequest(r SocketRequest) error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &InvalidSpecError{Field: "spec", Reason: err.Error()}
	}
	fe := verrs[0]
	// Namespace is SocketRequest.<field>[.<nested>].
	path := strings.Split(fe.Namespace(), ".")[1:]
	msg := reason(fe)
	if len(path) > 1 {
		msg = strings.Join(path[1:], ".") + " " + msg
	}
	return &InvalidSpecError{Field: path[0], Reason: msg}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required_if":
		return "required when " + condition(fe.Param())
	case "excluded_if":
		return "not allowed when " + condition(fe.Param())
	case "oneof":
		return fmt.Sprintf("%v is not one of: %s", fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return "must be greater than " + fe.Param()
	case "min", "max":
		return "must be between 1 and 99"
	case "labelposition":
		return fmt.Sprintf("%q is not a %s label position", fe.Value(), fe.Param())
	}
	return "failed " + fe.Tag() + " " + fe.Param()
}

// condition turns "IsMetric true" into "isMetric is true".
func condition(param string) string {
	field, value, _ := strings.Cut(param, " ")
	if field == "" {
		return param
	}
	r := []rune(field)
	r[0] = unicode.ToLower(r[0])
	return string(r) + " is " + value
}
