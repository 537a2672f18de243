package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents an error related to payment processing.
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Error codes.
const (
	ErrCodeInvalidConfig       = "INVALID_CONFIG"
	ErrCodeNetworkNotSupported = "NETWORK_NOT_SUPPORTED"
	ErrCodeInvalidPayment      = "INVALID_PAYMENT"
	ErrCodeVerificationFailed  = "VERIFICATION_FAILED"
	ErrCodeSettlementFailed    = "SETTLEMENT_FAILED"
	ErrCodeFacilitatorFailed   = "FACILITATOR_FAILED"
)

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsPaymentError checks if an error is (or wraps) a PaymentError.
func IsPaymentError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}

// GetPaymentErrorCode extracts the error code from a PaymentError.
func GetPaymentErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
