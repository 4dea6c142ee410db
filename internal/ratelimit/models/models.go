package models

import (
	"fmt"
	"time"

	dErrors "nip05/pkg/domain-errors"
)

// EndpointClass groups routes that share one per-client budget.
type EndpointClass string

const (
	ClassCreateInvoice     EndpointClass = "create_invoice"
	ClassCheckPayment      EndpointClass = "check_payment"
	ClassCheckAvailability EndpointClass = "check_availability"
	ClassCheckPublicKey    EndpointClass = "check_pubkey"
	ClassRegister          EndpointClass = "register"
)

// IsValid checks if the endpoint class is one of the supported enum values.
func (c EndpointClass) IsValid() bool {
	switch c {
	case ClassCreateInvoice, ClassCheckPayment, ClassCheckAvailability, ClassCheckPublicKey, ClassRegister:
		return true
	}
	return false
}

// Limit is a request budget over a window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultLimits are the per-minute budgets applied to each client IP.
func DefaultLimits() map[EndpointClass]Limit {
	return map[EndpointClass]Limit{
		ClassCreateInvoice:     {Requests: 10, Window: time.Minute},
		ClassCheckPayment:      {Requests: 30, Window: time.Minute},
		ClassCheckAvailability: {Requests: 30, Window: time.Minute},
		ClassCheckPublicKey:    {Requests: 20, Window: time.Minute},
		ClassRegister:          {Requests: 5, Window: time.Minute},
	}
}

// Validate rejects budgets a store cannot enforce.
func (l Limit) Validate() error {
	if l.Requests <= 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "rate limit requests must be positive")
	}
	if l.Window <= 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "rate limit window must be positive")
	}
	return nil
}

// RateLimitResult represents the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// RateLimitExceededResponse is the API response when rate limit is exceeded.
type RateLimitExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"` // seconds
}

// Key builds the bucket key for a client on an endpoint class.
func Key(class EndpointClass, clientIP string) string {
	return fmt.Sprintf("ratelimit:%s:%s", class, SanitizeKeySegment(clientIP))
}
