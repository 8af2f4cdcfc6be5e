// Package validator wraps go-playground/validator with the field-name
// resolution and custom rules this API's request payloads rely on.
package validator

import (
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	validate *validator.Validate

	// Organization join codes are 16 uppercase hex characters; OTPs are
	// 6 decimal digits.
	joinCodePattern = regexp.MustCompile(`^[0-9A-F]{16}$`)
	otpPattern      = regexp.MustCompile(`^[0-9]{6}$`)
)

// ValidationError represents a single field validation failure. Field carries
// the JSON name of the offending field, not the Go struct name.
type ValidationError struct {
	Field string `json:"field"`
	Tag   string `json:"tag"`
	Param string `json:"param"`
}

// ValidationErrors collects multiple validation failures.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "validation failed"
	}

	parts := make([]string, len(v))
	for i, err := range v {
		if err.Param != "" {
			parts[i] = err.Field + " failed on " + err.Tag + "=" + err.Param
		} else {
			parts[i] = err.Field + " failed on " + err.Tag
		}
	}
	return strings.Join(parts, "; ")
}

// ValidateStruct validates a struct using the registered rules.
func ValidateStruct(s interface{}) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	if ve, ok := err.(validator.ValidationErrors); ok {
		failures := make(ValidationErrors, 0, len(ve))
		for _, fe := range ve {
			failures = append(failures, ValidationError{
				Field: fe.Field(),
				Tag:   fe.Tag(),
				Param: fe.Param(),
			})
		}
		return failures
	}

	return err
}

func getValidator() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(jsonFieldName)

		// Never errors for a valid tag name and a non-nil func.
		_ = validate.RegisterValidation("join_code", matches(joinCodePattern))
		_ = validate.RegisterValidation("otp_code", matches(otpPattern))
	})
	return validate
}

func matches(re *regexp.Regexp) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}
}

func jsonFieldName(fld reflect.StructField) string {
	name := fld.Tag.Get("json")
	if name == "" {
		return fld.Name
	}

	if comma := strings.Index(name, ","); comma != -1 {
		name = name[:comma]
	}
	if name == "-" || name == "" {
		return fld.Name
	}
	return name
}
