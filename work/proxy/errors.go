package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"playback-proxy/work/hostguard"
	"playback-proxy/work/logger"
	"playback-proxy/work/session"
	"playback-proxy/work/signer"
)

// ValidationError is a malformed client request. Surfaced as 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// UpstreamError is a failed upstream fetch: network failure, timeout, blocked
// host or an unexpected status. Message is safe to show the client; Err is not.
type UpstreamError struct {
	Status  int // upstream status when one was received, 0 otherwise
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// statusFor maps gateway errors to HTTP status codes for the playback endpoints.
func statusFor(err error) int {
	var verr *ValidationError
	var uerr *UpstreamError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, signer.ErrInvalidToken):
		return http.StatusBadRequest
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &uerr), errors.Is(err, hostguard.ErrForbiddenHost):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// messageFor is the plain-text body sent with statusFor's code.
func messageFor(err error) string {
	var verr *ValidationError
	var uerr *UpstreamError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "Not found"
	case errors.Is(err, signer.ErrInvalidToken):
		return "Bad token"
	case errors.As(err, &verr):
		return verr.Message
	case errors.As(err, &uerr):
		return uerr.Message
	case errors.Is(err, hostguard.ErrForbiddenHost):
		return "Forbidden upstream host"
	default:
		return "Internal error"
	}
}

// writeTextError answers a playback endpoint with a short plain-text body.
func writeTextError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusFor(err))
	fmt.Fprint(w, messageFor(err))
}

type errorResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("{proxy/errors - writeJSON} Failed to encode response: %v", err)
	}
}
