// Package comm defines the shared surface of the beamkit communication
// transports: the Channel facade contract, the error taxonomy, write
// synchronization hooks, background task management, and a process-wide
// registry of open channels.
//
// Concrete transports live in the tcp, udp and serial subpackages. All of
// them expose the same byte-stream facade: device drivers format a command,
// call one of the combined write/read operations, and interpret the returned
// bytes according to their own protocol. The transport imposes no framing of
// its own beyond the per-call size or delimiter bound.
package comm

import "time"

// Channel is the facade implemented by every transport (serial, TCP socket,
// TCP command, UDP).
//
// All I/O methods open the underlying connection lazily: a channel whose
// connection dropped is re-opened transparently on the next call. A timeout
// of zero selects the channel's configured default timeout.
type Channel interface {
	// Open establishes the underlying connection. It is idempotent; all I/O
	// methods call it implicitly.
	Open() error

	// Close releases the underlying connection and stops the background
	// reader, waiting for its termination. Safe to call multiple times.
	Close() error

	// Read blocks until exactly size bytes are buffered and returns them.
	// On deadline expiry it fails with a TimeoutError; a short result that is
	// not a timeout fails with a ProtocolError.
	Read(size int, timeout time.Duration) ([]byte, error)

	// ReadLine blocks until the delimiter eol is found and returns the bytes
	// preceding it, consuming the delimiter. A nil or empty eol selects the
	// channel's configured default.
	ReadLine(eol []byte, timeout time.Duration) ([]byte, error)

	// RawRead waits until at least one byte is buffered, then returns up to
	// maxsize bytes, or everything buffered when maxsize <= 0.
	RawRead(maxsize int, timeout time.Duration) ([]byte, error)

	// Write sends the full payload under the channel lock, looping over
	// partial writes.
	Write(msg []byte, timeout time.Duration) error

	// WriteRead performs Write then Read under a single lock acquisition so
	// that no other caller's write can be interleaved between them. If
	// synchro is non-nil, Notify is called after the write completes and
	// before the read begins.
	WriteRead(msg []byte, synchro WriteSynchro, size int, timeout time.Duration) ([]byte, error)

	// WriteReadLine is WriteRead with a delimiter-bounded read.
	WriteReadLine(msg []byte, synchro WriteSynchro, eol []byte, timeout time.Duration) ([]byte, error)

	// WriteReadLines is WriteReadLine collecting n successive lines. The
	// timeout bounds the whole exchange; the budget left after each line
	// carries over to the next.
	WriteReadLines(msg []byte, n int, synchro WriteSynchro, eol []byte, timeout time.Duration) ([][]byte, error)

	// Flush discards all currently buffered unread bytes. Used before a new
	// command to drop stale responses from a previous, possibly timed-out
	// exchange.
	Flush() error

	// Addr returns the channel's target address (host:port or device path)
	// for diagnostics.
	Addr() string
}
