package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/soundloom/tunesmith/internal/billing/domain"
	ledgerdomain "github.com/soundloom/tunesmith/internal/ledger/domain"
	orchdomain "github.com/soundloom/tunesmith/internal/orchestrator/domain"
	"github.com/soundloom/tunesmith/internal/providers/tunegen"
	taskdomain "github.com/soundloom/tunesmith/internal/task/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	// Required and Available are set on payment_required responses only.
	Required  int64 `json:"required,omitempty"`
	Available int64 `json:"available,omitempty"`
	// ProviderCode is set when the upstream provider rejected the job.
	ProviderCode int `json:"providerCode,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal_error")
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

func mapError(err error) (int, errorPayload) {
	var insufficient *ledgerdomain.InsufficientFundsError
	if errors.As(err, &insufficient) {
		return http.StatusPaymentRequired, errorPayload{
			Type:      "payment_required",
			Message:   "insufficient credits",
			Required:  insufficient.Required,
			Available: insufficient.Available,
		}
	}

	var rejected *tunegen.RejectedError
	if errors.As(err, &rejected) {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:         "provider_rejected",
			Message:      rejected.Message,
			ProviderCode: rejected.Code,
		}
	}

	switch {
	case errors.Is(err, orchdomain.ErrInvalidRequest),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidAccount),
		errors.Is(err, billingdomain.ErrInvalidEvent),
		errors.Is(err, taskdomain.ErrInvalidTask):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, billingdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, orchdomain.ErrNotTaskOwner):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ledgerdomain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "payment_required",
			Message: "insufficient credits",
		}
	case errors.Is(err, taskdomain.ErrTaskNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, tunegen.ErrRejected):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "provider_rejected",
			Message: "provider rejected the job",
		}
	case errors.Is(err, tunegen.ErrUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "generation provider unavailable, retry later",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
