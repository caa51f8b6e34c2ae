package inventory

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	pkgerrors "github.com/vaultkeys/vaultkeys-backend/pkg/errors"
)

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their json names so details match the request shape
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}()

var tagMessages = map[string]string{
	"required": "is required",
	"min":      "must be at least ",
	"gte":      "must be at least ",
	"gt":       "must be greater than ",
	"max":      "must be at most ",
	"lte":      "must be at most ",
	"oneof":    "must be one of ",
	"dive":     "has an invalid element",
}

// validateInput turns validator failures into a VALIDATION_ERROR whose
// details map each offending field to a readable reason.
func validateInput(input any) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validation failed")
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fe.Namespace()[strings.IndexByte(fe.Namespace(), '.')+1:]] = describe(fe)
	}
	return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details)
}

func describe(fe validator.FieldError) string {
	msg, ok := tagMessages[fe.Tag()]
	if !ok {
		return "is invalid"
	}
	if strings.HasSuffix(msg, " ") {
		return msg + fe.Param()
	}
	return msg
}
