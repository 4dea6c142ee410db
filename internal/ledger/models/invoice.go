package models

import (
	"time"

	"nip05/pkg/domain"
	dErrors "nip05/pkg/domain-errors"
)

// State is the lifecycle position of a pending invoice.
type State string

const (
	StateAwaitingPayment State = "AWAITING_PAYMENT"
	StatePaid            State = "PAID"
	StateCommitted       State = "COMMITTED"
	StateExpired         State = "EXPIRED"
	// StateConflicted: paid, but the identifier went to someone else first.
	StateConflicted State = "CONFLICTED"
)

var transitions = map[State][]State{
	StateAwaitingPayment: {StatePaid, StateExpired},
	StatePaid:            {StateCommitted, StateConflicted},
}

func (s State) IsValid() bool {
	switch s {
	case StateAwaitingPayment, StatePaid, StateCommitted, StateExpired, StateConflicted:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is an edge of the lifecycle.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive states block another invoice for the same identifier.
func (s State) IsActive() bool {
	return s == StateAwaitingPayment || s == StatePaid
}

func (s State) IsTerminal() bool {
	return s == StateCommitted || s == StateExpired || s == StateConflicted
}

// ActiveStates lists the states that hold a claim on an identifier.
func ActiveStates() []State {
	return []State{StateAwaitingPayment, StatePaid}
}

// PendingInvoice tracks one paid-registration attempt.
//
// Invariants:
//   - Reference is the provider's payment hash, unique across the ledger
//   - at most one invoice per identifier Key is in an active state
//   - State only moves along the lifecycle edges; terminal states never change
type PendingInvoice struct {
	Reference      domain.InvoiceReference
	Identifier     domain.Identifier
	PublicKey      string
	AmountSats     int64
	PaymentRequest string
	State          State
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewPendingInvoice(
	ref domain.InvoiceReference,
	identifier domain.Identifier,
	publicKey string,
	amountSats int64,
	paymentRequest string,
	now time.Time,
) (*PendingInvoice, error) {
	if ref == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invoice reference cannot be empty")
	}
	if identifier.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "identifier cannot be empty")
	}
	if len(publicKey) != 64 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "public key must be canonical hex")
	}
	if amountSats <= 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "amount must be positive")
	}
	if paymentRequest == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "payment request cannot be empty")
	}
	return &PendingInvoice{
		Reference:      ref,
		Identifier:     identifier,
		PublicKey:      publicKey,
		AmountSats:     amountSats,
		PaymentRequest: paymentRequest,
		State:          StateAwaitingPayment,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Key is the folded identifier.
func (p *PendingInvoice) Key() string {
	return p.Identifier.Key()
}

// ExpiredAt reports whether an awaiting invoice has outlived retention at now.
func (p *PendingInvoice) ExpiredAt(now time.Time, retention time.Duration) bool {
	return p.State == StateAwaitingPayment && !p.CreatedAt.Add(retention).After(now)
}

func (p *PendingInvoice) Clone() *PendingInvoice {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
