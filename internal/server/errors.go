package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	analyticsdomain "github.com/smallbiznis/cobro/internal/analytics/domain"
	assistantdomain "github.com/smallbiznis/cobro/internal/assistant/domain"
	chargedomain "github.com/smallbiznis/cobro/internal/charge/domain"
	customerdomain "github.com/smallbiznis/cobro/internal/customer/domain"
	ingestdomain "github.com/smallbiznis/cobro/internal/ingest/domain"
	processordomain "github.com/smallbiznis/cobro/internal/processor/domain"
	scheduledomain "github.com/smallbiznis/cobro/internal/schedule/domain"
	transactiondomain "github.com/smallbiznis/cobro/internal/transaction/domain"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
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
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

// processorFault is implemented by errors raised after the processor
// rejected or failed a call.
type processorFault interface {
	ProcessorFault() bool
}

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

	if errors.Is(err, ingestdomain.ErrFileTooLarge) {
		return http.StatusRequestEntityTooLarge, errorPayload{
			Type:    "file_too_large",
			Message: "file too large",
		}
	}

	if code := validationErrorCode(err); code != "" {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code, err),
				},
			},
		}
	}

	var persistErr *scheduledomain.PersistenceError
	var fault processorFault
	var upstream *assistantdomain.UpstreamError

	switch {
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.As(err, &persistErr):
		return http.StatusInternalServerError, errorPayload{
			Type:    "persistence_error",
			Message: "processor state saved remotely but not locally; operators were alerted",
		}
	case errors.As(err, &fault) && fault.ProcessorFault():
		return http.StatusBadGateway, errorPayload{
			Type:    "processor_error",
			Message: processordomain.ErrorMessage(err),
		}
	case errors.As(err, &upstream):
		return http.StatusBadGateway, errorPayload{
			Type:    "assistant_error",
			Message: "the assistant could not answer, retry later",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests, retry later",
		}
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, assistantdomain.ErrNotConfigured):
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

// classifyErrorForLog feeds the request logger the same type the client sees.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if status >= http.StatusInternalServerError && payload.Type == "internal_error" {
		return payload.Type, err.Error()
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

var validationSentinels = []error{
	ErrInvalidRequest,
	pagination.ErrInvalidPageToken,

	ingestdomain.ErrEmptyFile,
	ingestdomain.ErrUnsupportedFile,
	ingestdomain.ErrMissingColumns,
	ingestdomain.ErrInvalidMode,
	ingestdomain.ErrInvalidID,

	scheduledomain.ErrInvalidID,
	scheduledomain.ErrInvalidMode,
	scheduledomain.ErrInvalidAmount,
	scheduledomain.ErrInvalidCurrency,
	scheduledomain.ErrInvalidFrequency,
	scheduledomain.ErrInvalidStartDate,
	scheduledomain.ErrInvalidTimeOfDay,
	scheduledomain.ErrInvalidEmail,
	scheduledomain.ErrInvalidCustomerName,
	scheduledomain.ErrInvalidCard,
	scheduledomain.ErrInvalidRetryPolicy,
	processordomain.ErrInvalidCard,

	customerdomain.ErrInvalidName,
	customerdomain.ErrInvalidEmail,
	customerdomain.ErrInvalidID,

	transactiondomain.ErrInvalidStatus,
	transactiondomain.ErrInvalidRange,
	transactiondomain.ErrUnsupportedFormat,
	transactiondomain.ErrExportLimitExceeded,

	analyticsdomain.ErrInvalidRange,

	assistantdomain.ErrInvalidQuestion,
	assistantdomain.ErrInvalidHistory,
}

// validationErrorCode returns the sentinel code err matches, or "".
func validationErrorCode(err error) string {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, scheduledomain.ErrAlreadyActive),
		errors.Is(err, scheduledomain.ErrNotActive),
		errors.Is(err, scheduledomain.ErrActivationInProgress),
		errors.Is(err, scheduledomain.ErrChargeNotPending),
		errors.Is(err, scheduledomain.ErrNotOneShot),
		errors.Is(err, scheduledomain.ErrNotSubscription),
		errors.Is(err, chargedomain.ErrTransitionLost):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, customerdomain.ErrNotFound),
		errors.Is(err, scheduledomain.ErrNotFound),
		errors.Is(err, ingestdomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "invalid_date_range":
		return "from"
	case "invalid_page_token":
		return "page_token"
	case "empty_file", "unsupported_file_type", "missing_required_columns":
		return "file"
	case "unsupported_export_format":
		return "format"
	case "invalid_question":
		return "message"
	case "export_limit_exceeded":
		return "to"
	}
	return strings.TrimPrefix(code, "invalid_")
}

func validationErrorMessage(code string, err error) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "missing_required_columns":
		// Carries the column names.
		return err.Error()
	case "export_limit_exceeded":
		return "narrow the date range or filters before exporting"
	default:
		return strings.ReplaceAll(code, "_", " ")
	}
}
