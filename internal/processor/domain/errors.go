package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrProviderNotFound      = errors.New("processor_not_found")
	ErrInvalidConfig         = errors.New("invalid_processor_config")
	ErrInvalidCard           = errors.New("invalid_card")
	ErrMissingToken          = errors.New("missing_token")
	ErrMissingSubscriptionID = errors.New("missing_subscription_id")
)

// Codes stored on transactions when the processor never produced an ISO code.
const (
	CodeTokenizationError = "TOKENIZATION_ERROR"
	CodeTransportError    = "TRANSPORT_ERROR"
	CodeProcessingTimeout = "PROCESSING_TIMEOUT"
)

// TokenizationError reports a rejected or unreachable tokenization call.
type TokenizationError struct {
	Code    string
	Message string
	Err     error
}

func (e *TokenizationError) Error() string {
	return describe("tokenization failed", e.Code, e.Message, e.Err)
}

func (e *TokenizationError) Unwrap() error { return e.Err }

func (e *TokenizationError) ProcessorFault() bool { return true }

// ProvisioningError reports a failed subscription create or cancel.
type ProvisioningError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *ProvisioningError) Error() string {
	op := e.Op
	if op == "" {
		op = "provisioning"
	}
	return describe(op+" failed", e.Code, e.Message, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

func (e *ProvisioningError) ProcessorFault() bool { return true }

// ChargeDeclined is a charge the processor executed and refused with an
// error status. The accompanying ChargeResult still carries the raw exchange.
type ChargeDeclined struct {
	ISOCode string
	Message string
}

func (e *ChargeDeclined) Error() string {
	return fmt.Sprintf("charge declined: iso %s: %s", e.ISOCode, e.Message)
}

// ChargeTransportError is a charge that never got an answer (network, timeout, 5xx).
type ChargeTransportError struct {
	Err error
}

func (e *ChargeTransportError) Error() string {
	return describe("charge transport failed", "", "", e.Err)
}

func (e *ChargeTransportError) Unwrap() error { return e.Err }

func (e *ChargeTransportError) ProcessorFault() bool { return true }

// ErrorCode returns the processor code carried by err, if any.
func ErrorCode(err error) string {
	var tokErr *TokenizationError
	if errors.As(err, &tokErr) {
		return tokErr.Code
	}
	var provErr *ProvisioningError
	if errors.As(err, &provErr) {
		return provErr.Code
	}
	var declined *ChargeDeclined
	if errors.As(err, &declined) {
		return declined.ISOCode
	}
	return ""
}

// ErrorMessage returns the processor message carried by err, falling back to err.Error().
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var tokErr *TokenizationError
	if errors.As(err, &tokErr) && tokErr.Message != "" {
		return tokErr.Message
	}
	var provErr *ProvisioningError
	if errors.As(err, &provErr) && provErr.Message != "" {
		return provErr.Message
	}
	var declined *ChargeDeclined
	if errors.As(err, &declined) && declined.Message != "" {
		return declined.Message
	}
	return err.Error()
}

func describe(prefix, code, message string, err error) string {
	parts := []string{prefix}
	if code = strings.TrimSpace(code); code != "" {
		parts = append(parts, "code "+code)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if err != nil {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, ": ")
}
