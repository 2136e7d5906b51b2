package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	governordomain "github.com/gitulabs/governor/internal/governor/domain"
	limitsdomain "github.com/gitulabs/governor/internal/limits/domain"
	usagedomain "github.com/gitulabs/governor/internal/usage/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInternal       = errors.New("internal_error")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "rate limited",
		}
	case errors.Is(err, governordomain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	case errors.Is(err, ErrInternal):
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, governordomain.ErrInvalidUser),
		errors.Is(err, governordomain.ErrUserMismatch),
		errors.Is(err, governordomain.ErrInvalidCost),
		errors.Is(err, governordomain.ErrInvalidTokens),
		errors.Is(err, governordomain.ErrInvalidProposedCost),
		errors.Is(err, governordomain.ErrInvalidPeriod),
		errors.Is(err, limitsdomain.ErrInvalidUser),
		errors.Is(err, limitsdomain.ErrInvalidLimit),
		errors.Is(err, limitsdomain.ErrInvalidThreshold),
		errors.Is(err, usagedomain.ErrInvalidUser),
		errors.Is(err, usagedomain.ErrInvalidPlatform),
		errors.Is(err, usagedomain.ErrMissingRecord):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, governordomain.ErrInvalidUser),
		errors.Is(err, limitsdomain.ErrInvalidUser),
		errors.Is(err, usagedomain.ErrInvalidUser):
		return "invalid_user"
	case errors.Is(err, governordomain.ErrUserMismatch):
		return "user_mismatch"
	case errors.Is(err, governordomain.ErrInvalidCost):
		return "invalid_cost"
	case errors.Is(err, governordomain.ErrInvalidTokens):
		return "invalid_tokens"
	case errors.Is(err, governordomain.ErrInvalidProposedCost):
		return "invalid_proposed_cost"
	case errors.Is(err, governordomain.ErrInvalidPeriod):
		return "invalid_period"
	case errors.Is(err, limitsdomain.ErrInvalidLimit):
		return "invalid_limit"
	case errors.Is(err, limitsdomain.ErrInvalidThreshold):
		return "invalid_threshold"
	case errors.Is(err, usagedomain.ErrInvalidPlatform):
		return "invalid_platform"
	case errors.Is(err, usagedomain.ErrMissingRecord):
		return "missing_record"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if code == "user_mismatch" {
		return "user_id"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "user_mismatch":
		return "user id in body does not match the authenticated user"
	default:
		return "invalid value"
	}
}

// classifyErrorForLog maps handler errors onto log-safe labels.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	switch {
	case status == http.StatusBadRequest:
		return "validation_error", code
	case status == http.StatusTooManyRequests:
		return "rate_limited", code
	case status == http.StatusServiceUnavailable:
		return "service_unavailable", code
	case status == http.StatusUnauthorized:
		return "unauthorized", code
	default:
		return "internal_error", code
	}
}
