package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Error kinds recorded on failed calls and dead-letter entries.
const (
	KindRateLimit   = "rate_limit"
	KindTimeout     = "timeout"
	KindUnavailable = "unavailable"
	KindMalformed   = "malformed"
	KindRejected    = "rejected"
	KindNoRoute     = "no_route"
	KindCircuitOpen = "circuit_open"
	KindUnknown     = "unknown"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
	Kind       string
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	kind := KindUnavailable
	switch {
	case statusCode == 429:
		kind = KindRateLimit
	case statusCode == 408 || errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	}
	return &TransientError{Err: err, StatusCode: statusCode, Kind: kind}
}

// TerminalError wraps an error that retrying will not fix: a malformed
// provider response, a rejected request, a missing route.
type TerminalError struct {
	Err        error
	StatusCode int
	Kind       string
}

func (e *TerminalError) Error() string {
	return e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// NewTerminalError wraps err as terminal with the given kind.
func NewTerminalError(err error, kind string) *TerminalError {
	return &TerminalError{Err: err, Kind: kind}
}

// IsTerminal reports whether err carries a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// RetryExhaustedError reports a stage that failed on every attempt of its
// retry budget. The owning entity has been moved to FAILED.
type RetryExhaustedError struct {
	Stage    string
	UnitID   string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s %s: retries exhausted after %d attempts: %v", e.Stage, e.UnitID, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures). A TerminalError anywhere in the
// chain wins.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsTerminal(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"overloaded",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504, // Gateway Timeout
		529: // Overloaded
		return true
	default:
		return false
	}
}

// KindOf returns the recorded kind of err.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var term *TerminalError
	if errors.As(err, &term) && term.Kind != "" {
		return term.Kind
	}
	var tr *TransientError
	if errors.As(err, &tr) && tr.Kind != "" {
		return tr.Kind
	}
	if errors.Is(err, ErrCircuitOpen) {
		return KindCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if IsTransient(err) {
		return KindUnavailable
	}
	return KindUnknown
}
