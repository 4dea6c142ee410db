package sentinel

import "errors"

// Sentinel errors for storage facts. Registry and ledger stores return these
// (optionally wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: the identifier or invoice does not exist
//   - ErrAlreadyExists: a uniqueness check failed under the store's lock
//   - ErrInvalidState: a compare-and-swap saw a state other than the expected one
//   - ErrExpired: the record outlived its retention window
//   - ErrUnavailable: a backing service is temporarily unreachable
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidState  = errors.New("invalid state")
	ErrExpired       = errors.New("expired")
	ErrUnavailable   = errors.New("unavailable")
)
