package audit

import "time"

// Action names what happened to a registration.
type Action string

const (
	// ActionRegistrationCommitted: a paid invoice produced a registry entry.
	ActionRegistrationCommitted Action = "registration.committed"
	// ActionRegistrationConflict: the invoice was paid but the identifier went to
	// someone else first. Consumers use this to drive refunds.
	ActionRegistrationConflict Action = "registration.conflict"
	// ActionDirectRegistration: an admin bound a name without payment.
	ActionDirectRegistration Action = "registration.direct"
	// ActionNameRemoved: an admin deleted a registry entry.
	ActionNameRemoved Action = "registration.removed"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Action     Action    `json:"action"`
	Timestamp  time.Time `json:"timestamp"`
	Identifier string    `json:"identifier"`
	PublicKey  string    `json:"public_key,omitempty"`
	Reference  string    `json:"reference,omitempty"`
	AmountSats int64     `json:"amount_sats,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
}
