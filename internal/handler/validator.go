package handler

import (
	"errors"
	"reflect"
	"strings"

	"github.com/0097eo/cafe-zuko/internal/apperror"
	"github.com/0097eo/cafe-zuko/internal/service"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// RequestValidator runs go-playground validate tags on request DTOs and
// reports failures by JSON field name
type RequestValidator struct {
	validate *validator.Validate
}

var _ echo.Validator = (*RequestValidator)(nil)

func NewValidator() *RequestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return service.PhonePattern.MatchString(fl.Field().String())
	})
	return &RequestValidator{validate: v}
}

func (rv *RequestValidator) Validate(i interface{}) error {
	err := rv.validate.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Internal("request validation", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = fieldMessage(fe)
	}
	return apperror.Validation("validation failed", fields)
}

// fieldPath drops the struct name from the namespace, leaving e.g.
// items[0].quantity
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "enter a valid email address"
	case "phone":
		return "phone number must be 9 to 15 digits with an optional leading +"
	case "oneof":
		return "must be one of " + strings.Join(strings.Fields(fe.Param()), ", ")
	case "min":
		if fe.Kind() == reflect.Slice {
			return "ensure this field has at least " + fe.Param() + " elements"
		}
		return "ensure this value is greater than or equal to " + fe.Param()
	case "max":
		return "ensure this value is less than or equal to " + fe.Param()
	case "gte":
		return "ensure this value is greater than or equal to " + fe.Param()
	case "lte":
		return "ensure this value is less than or equal to " + fe.Param()
	default:
		return "invalid value"
	}
}
