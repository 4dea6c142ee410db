// Package httputil renders JSON responses and coded errors for the HTTP layer.
package httputil

import (
	"encoding/json"
	"net/http"

	dErrors "nip05/pkg/domain-errors"
)

// ErrorResponse is the wire shape of every error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

var statusByCode = map[dErrors.Code]int{
	dErrors.CodeBadRequest:           http.StatusBadRequest,
	dErrors.CodeValidation:           http.StatusBadRequest,
	dErrors.CodeInvalidInput:         http.StatusBadRequest,
	dErrors.CodeInvalidEncoding:      http.StatusUnprocessableEntity,
	dErrors.CodeNotFound:             http.StatusNotFound,
	dErrors.CodeConflict:             http.StatusConflict,
	dErrors.CodeIdentifierTaken:      http.StatusConflict,
	dErrors.CodeAlreadyPending:       http.StatusConflict,
	dErrors.CodeRegistrationConflict: http.StatusConflict,
	dErrors.CodeUnauthorized:         http.StatusUnauthorized,
	dErrors.CodeForbidden:            http.StatusForbidden,
	dErrors.CodeNotImplemented:       http.StatusNotImplemented,
	dErrors.CodeRateLimited:          http.StatusTooManyRequests,
	dErrors.CodeTimeout:              http.StatusGatewayTimeout,
	dErrors.CodeProviderUnavailable:  http.StatusServiceUnavailable,
	dErrors.CodeStorageFailure:       http.StatusInternalServerError,
	dErrors.CodeInvariantViolation:   http.StatusInternalServerError,
	dErrors.CodeInternal:             http.StatusInternalServerError,
}

// StatusFor maps a domain error onto an HTTP status.
func StatusFor(err error) int {
	if status, ok := statusByCode[dErrors.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteError writes a coded error. Descriptions of server-side failures are withheld.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status := StatusFor(err)
	resp := ErrorResponse{Error: string(code)}
	if status < http.StatusInternalServerError || code == dErrors.CodeProviderUnavailable {
		resp.ErrorDescription = dErrors.MessageOf(err)
	}
	WriteJSON(w, status, resp)
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes a request body into v. Bodies over 4 KiB are rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid request body")
	}
	return nil
}
