package comm

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnClosed indicates that the connection is closed and the pending
	// operation cannot complete. The next facade call re-opens lazily.
	ErrConnClosed = errors.New("comm: connection closed")

	// ErrTimeout is the base error matched by every TimeoutError via errors.Is.
	ErrTimeout = errors.New("comm: timeout")

	// ErrConnection is the base error matched by every ConnectionError via errors.Is.
	ErrConnection = errors.New("comm: connection error")

	// ErrProtocol is the base error matched by every ProtocolError via errors.Is.
	ErrProtocol = errors.New("comm: protocol violation")

	// ErrNotConnected indicates an operation that requires an established
	// connection was attempted while closed and lazy reopen was not possible.
	ErrNotConnected = errors.New("comm: not connected")
)

// TimeoutError reports that a bounded wait exceeded its deadline.
// It always carries the operation name and the target address (host:port or
// device path) so the caller can log a meaningful diagnostic.
type TimeoutError struct {
	Op    string
	Addr  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout on %s after %v", e.Op, e.Addr, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Timeout reports true so that a TimeoutError satisfies net.Error style checks.
func (e *TimeoutError) Timeout() bool { return true }

// ConnectionError reports that the underlying open/connect failed or that the
// background reader detected a disconnection.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error on %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports that a sized read returned fewer bytes than requested
// without timing out. It indicates a framing bug or a race at the read
// boundary and is fatal for that one call.
type ProtocolError struct {
	Op   string
	Addr string
	Want int
	Got  int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s on %s returned %d bytes, expected %d", e.Op, e.Addr, e.Got, e.Want)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }
