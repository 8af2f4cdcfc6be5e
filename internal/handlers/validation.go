package handlers

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	appErrors "github.com/conservehq/conserve/pkg/errors"
	"github.com/conservehq/conserve/pkg/response"
	appValidator "github.com/conservehq/conserve/pkg/validator"
)

// bindAndValidate binds the JSON payload into dest and runs struct validation
// rules. When validation fails, an error response is written and false is
// returned.
func bindAndValidate[T any](c *gin.Context, dest *T) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, appErrors.NewBadRequest("invalid JSON payload"))
		return false
	}

	if err := appValidator.ValidateStruct(dest); err != nil {
		response.Error(c, appErrors.NewBadRequest(formatValidationError(err)))
		return false
	}

	return true
}

func formatValidationError(err error) string {
	ve, ok := err.(appValidator.ValidationErrors)
	if !ok || len(ve) == 0 {
		return "invalid request payload"
	}

	messages := make([]string, 0, len(ve))
	for _, failure := range ve {
		switch failure.Tag {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", failure.Field))
		case "email":
			messages = append(messages, fmt.Sprintf("%s must be a valid email address", failure.Field))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s characters", failure.Field, failure.Param))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s characters", failure.Field, failure.Param))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", failure.Field, failure.Param))
		case "join_code":
			messages = append(messages, fmt.Sprintf("%s must be a 16-character organization code", failure.Field))
		case "otp_code":
			messages = append(messages, fmt.Sprintf("%s must be a 6-digit code", failure.Field))
		default:
			if failure.Param != "" {
				messages = append(messages, fmt.Sprintf("%s failed validation: %s=%s", failure.Field, failure.Tag, failure.Param))
			} else {
				messages = append(messages, fmt.Sprintf("%s failed validation: %s", failure.Field, failure.Tag))
			}
		}
	}
	return strings.Join(messages, "; ")
}
