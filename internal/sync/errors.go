package sync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies a sync failure. The backoff policy and the engine's
// control flow both dispatch on it.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuthorization
	KindRateLimited
	KindQuotaExceeded
	KindNotFound
	KindMalformedResponse
	KindNetwork
	KindServer
	KindHistoryExpired
	KindLocalStorage
)

// String returns a short name for the kind, used in status messages and logs.
func (k ErrorKind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindRateLimited:
		return "rate_limited"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindNotFound:
		return "not_found"
	case KindMalformedResponse:
		return "malformed_response"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindHistoryExpired:
		return "history_expired"
	case KindLocalStorage:
		return "local_storage"
	default:
		return "unknown"
	}
}

// Error is a classified sync failure. Provider adapters wrap their transport
// errors into this type at the boundary so the engine never inspects
// provider-specific error values.
type Error struct {
	Kind       ErrorKind
	RetryAfter time.Duration // server-provided delay for rate-limited errors, 0 if none
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a classification.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Classify extracts the error kind from err. Unclassified network-ish errors
// (timeouts, cancelled contexts mid-call) count as transient network errors.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	return KindUnknown
}

// retryAfterOf returns the server-provided delay if err carries one.
func retryAfterOf(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
