// Package models holds the wire shapes of the registration API.
package models

import "strings"

// NameRequest carries a name and the key it should point at.
type NameRequest struct {
	Username  string `json:"username"`
	PublicKey string `json:"pubkey"`
}

// Normalize trims surrounding whitespace.
func (r *NameRequest) Normalize() {
	r.Username = strings.TrimSpace(r.Username)
	r.PublicKey = strings.TrimSpace(r.PublicKey)
}

// PublicKeyRequest carries a key as hex or npub.
type PublicKeyRequest struct {
	PublicKey string `json:"pubkey"`
}

// CheckPaymentRequest polls an invoice. Username and pubkey are optional; when
// present they must match the invoice.
type CheckPaymentRequest struct {
	PaymentHash string `json:"payment_hash"`
	Username    string `json:"username,omitempty"`
	PublicKey   string `json:"pubkey,omitempty"`
}

func (r *CheckPaymentRequest) Normalize() {
	r.PaymentHash = strings.TrimSpace(r.PaymentHash)
	r.Username = strings.TrimSpace(r.Username)
	r.PublicKey = strings.TrimSpace(r.PublicKey)
}

type AvailabilityResponse struct {
	Available bool `json:"available"`
}

type ConvertPublicKeyResponse struct {
	Hex string `json:"hex"`
}

type CheckPublicKeyResponse struct {
	Hex        string `json:"hex"`
	Npub       string `json:"npub"`
	Registered bool   `json:"registered"`
}

type InvoiceResponse struct {
	PaymentRequest string `json:"payment_request,omitempty"`
	PaymentHash    string `json:"payment_hash"`
	AmountSats     int64  `json:"amount_sats"`
	Username       string `json:"username"`
	PublicKey      string `json:"pubkey"`
	Status         string `json:"status"`
	Message        string `json:"message"`
	Warning        string `json:"warning,omitempty"`
}

type CheckPaymentResponse struct {
	Paid   bool   `json:"paid"`
	Status string `json:"status"`
	NIP05  string `json:"nip05,omitempty"`
	Error  string `json:"error,omitempty"`
}

type RegisterResponse struct {
	Success bool   `json:"success"`
	NIP05   string `json:"nip05"`
}

type RemoveResponse struct {
	Success bool `json:"success"`
}

type HealthResponse struct {
	Status          string `json:"status"`
	Domain          string `json:"domain"`
	RegisteredUsers int    `json:"registered_users"`
	NostrJSON       string `json:"nostr_json,omitempty"`
}
