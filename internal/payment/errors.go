package payment

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies a payment backend failure independently of the backend.
type ErrorCategory string

const (
	ErrorTimeout ErrorCategory = "timeout"
	// ErrorBadData covers malformed responses and invoices that can no longer change state.
	ErrorBadData        ErrorCategory = "bad_data"
	ErrorAuthentication ErrorCategory = "authentication"
	// ErrorProviderOutage is a transport failure or a 5xx from the node.
	ErrorProviderOutage ErrorCategory = "provider_outage"
	// ErrorNotFound means the backend does not know the payment hash.
	ErrorNotFound    ErrorCategory = "not_found"
	ErrorRateLimited ErrorCategory = "rate_limited"
	// ErrorCircuitOpen is returned by Guarded without calling the backend.
	ErrorCircuitOpen ErrorCategory = "circuit_open"
	ErrorInternal    ErrorCategory = "internal"
)

// ProviderError is what every Provider returns on failure. Retryable is set
// from the category: only transient conditions are worth polling again.
type ProviderError struct {
	Category   ErrorCategory
	ProviderID string
	Message    string
	Underlying error
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("provider %s [%s]: %s: %v", e.ProviderID, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("provider %s [%s]: %s", e.ProviderID, e.Category, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Underlying
}

func NewProviderError(category ErrorCategory, providerID, message string, underlying error) *ProviderError {
	retryable := category == ErrorTimeout ||
		category == ErrorProviderOutage ||
		category == ErrorRateLimited ||
		category == ErrorCircuitOpen

	return &ProviderError{
		Category:   category,
		ProviderID: providerID,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// IsRetryable is false for anything that is not a ProviderError.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory returns ErrorInternal for errors from outside a provider.
func GetCategory(err error) ErrorCategory {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ErrorInternal
}

// countsAsFailure reports whether err says something about provider health.
// A missing invoice or a rejected credential is an answer, not an outage.
func countsAsFailure(err error) bool {
	switch GetCategory(err) {
	case ErrorNotFound, ErrorAuthentication:
		return false
	}
	return true
}
