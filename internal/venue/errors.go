package venue

import (
	"errors"
	"fmt"
)

// ConnectivityError means the venue was unreachable or the call timed out.
// Callers retry with backoff; for trading round-trips the outcome is unknown
// and the next reconciliation settles it.
type ConnectivityError struct {
	Op         string
	Underlying error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("venue unreachable during %s: %v", e.Op, e.Underlying)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Underlying
}

// NewConnectivityError wraps a transport failure
func NewConnectivityError(op string, err error) *ConnectivityError {
	return &ConnectivityError{Op: op, Underlying: err}
}

// BusinessRejection means the venue declined an order. Surfaced verbatim and
// never retried automatically; blind retry risks duplicate exposure.
type BusinessRejection struct {
	Op     string
	Code   string
	Reason string
}

func (e *BusinessRejection) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("venue rejected %s: %s (code %s)", e.Op, e.Reason, e.Code)
	}
	return fmt.Sprintf("venue rejected %s: %s", e.Op, e.Reason)
}

// NewBusinessRejection wraps a venue-side order rejection
func NewBusinessRejection(op, code, reason string) *BusinessRejection {
	return &BusinessRejection{Op: op, Code: code, Reason: reason}
}

// ErrNotFound is returned when a ticket is unknown to the venue or registry
var ErrNotFound = errors.New("ticket not found")

// IsConnectivity reports whether err is (or wraps) a connectivity failure
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsRejection reports whether err is (or wraps) a business rejection
func IsRejection(err error) bool {
	var br *BusinessRejection
	return errors.As(err, &br)
}
