package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/creditledger/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	authdomain "github.com/smallbiznis/creditledger/internal/auth/domain"
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"github.com/smallbiznis/creditledger/pkg/telemetry/correlation"
	"go.uber.org/zap"
	"gorm.io/gorm"
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
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrRequestInProgress  = errors.New("request_in_progress")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// ErrorHandlingMiddleware renders the last handler error as {"error":{...}}.
// Unexpected failures are logged here with the caller, route and correlation id
// and answered with a generic message.
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
		if status >= http.StatusInternalServerError {
			logInternalError(c, lastErr.Err)
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func logInternalError(c *gin.Context, err error) {
	ctx, correlationID := correlation.EnsureCorrelationID(c.Request.Context())
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	obslogger.FromContext(ctx).Error("request failed",
		zap.String("operation", c.Request.Method+" "+route),
		zap.String("correlation_id", correlationID),
		zap.Error(err),
	)
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
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	switch {
	case isUnauthorizedError(err):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_balance",
			Message: "insufficient credit balance",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "invalid webhook signature",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrRequestInProgress),
		errors.Is(err, consumptiondomain.ErrRequestIDConflict),
		errors.Is(err, subscriptiondomain.ErrAlreadySubscribed),
		errors.Is(err, subscriptiondomain.ErrSubscriptionUnknown):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, subscriptiondomain.ErrProviderError):
		return http.StatusBadGateway, errorPayload{
			Type:    "provider_error",
			Message: "payment provider request failed",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request log with the same type the client sees.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
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
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidActor),
		errors.Is(err, apikeydomain.ErrInvalidUserID),
		errors.Is(err, apikeydomain.ErrInvalidName),
		errors.Is(err, apikeydomain.ErrInvalidExpiry),
		errors.Is(err, apikeydomain.ErrInvalidKeyID),
		errors.Is(err, billingdomain.ErrInvalidUserID),
		errors.Is(err, consumptiondomain.ErrInvalidUserID),
		errors.Is(err, consumptiondomain.ErrInvalidRequestID),
		errors.Is(err, consumptiondomain.ErrInvalidQuantity),
		errors.Is(err, ledgerdomain.ErrInvalidUserID),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, subscriptiondomain.ErrInvalidUserID),
		errors.Is(err, subscriptiondomain.ErrInvalidPriceID),
		errors.Is(err, subscriptiondomain.ErrInvalidRedirectURL),
		errors.Is(err, paymentdomain.ErrInvalidProvider),
		errors.Is(err, paymentdomain.ErrInvalidPayload):
		return true
	default:
		return false
	}
}

func isUnauthorizedError(err error) bool {
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authdomain.ErrInvalidSession),
		errors.Is(err, authdomain.ErrSessionExpired),
		errors.Is(err, authdomain.ErrNotConfigured),
		errors.Is(err, authdomain.ErrInvalidCronToken),
		errors.Is(err, apikeydomain.ErrInvalidKey):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, apikeydomain.ErrNotFound),
		errors.Is(err, subscriptiondomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, consumptiondomain.ErrRequestIDConflict):
		return "request id was already used for a different action"
	case errors.Is(err, ErrRequestInProgress):
		return "a request with this id is still being processed"
	case errors.Is(err, subscriptiondomain.ErrAlreadySubscribed):
		return "an active subscription already exists"
	case errors.Is(err, subscriptiondomain.ErrSubscriptionUnknown):
		return "subscription is not known yet"
	default:
		return "conflict"
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	return strings.TrimPrefix(code, "invalid_")
}
