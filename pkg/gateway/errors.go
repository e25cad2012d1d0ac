package gateway

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

var (
	// ErrBusy is returned by Dispatch while another exchange is in flight.
	ErrBusy = errors.New("gateway: exchange already in flight")
	// ErrCanceled is returned when the exchange was abandoned, either by
	// Cancel or by the caller's context.
	ErrCanceled = errors.New("gateway: exchange canceled")
)

// TransientError marks an attempt failure worth retrying: timeouts,
// connection drops, provider overload.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return "gateway: transient: " + e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

func Transient(cause error) error {
	if cause == nil {
		return nil
	}
	return &TransientError{Cause: cause}
}

// IsTransient reports whether the attempt may be retried. Deadline
// expirations and net timeouts count even when the transport forgot to wrap
// them.
func IsTransient(err error) bool {
	if err == nil {
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
	return false
}

// TerminalError ends an exchange: either retries ran out on transient
// failures (Exhausted) or the collaborator failed in a way retrying cannot
// fix.
type TerminalError struct {
	Cause     error
	Attempts  int
	Exhausted bool
}

func (e *TerminalError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("gateway: gave up after %d attempts: %v", e.Attempts, e.Cause)
	}
	return fmt.Sprintf("gateway: failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *TerminalError) Unwrap() error { return e.Cause }
