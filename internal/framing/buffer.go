// Package framing implements the receive-side framing engine shared by the
// serial, TCP and UDP transports: a single append-only byte buffer fed by a
// background reader goroutine and consumed in strict FIFO order by whichever
// caller holds the channel lock.
//
// Arrival signaling is a broadcast: every append closes the current arrival
// channel and installs a fresh one, so any number of waiters wake up and
// re-check their predicate. A wake never implies that a particular waiter's
// request is satisfiable; waiters always loop.
package framing

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/beamkit/comm/internal/pool"
)

var (
	// ErrDeadline reports that a blocking take did not complete before its
	// deadline. The transport wraps it with addressing context.
	ErrDeadline = errors.New("framing: deadline exceeded")

	// ErrClosed reports that the buffer was closed (end of stream or I/O
	// error) while a blocking take was waiting and no buffered data can
	// satisfy it.
	ErrClosed = errors.New("framing: buffer closed")
)

// Buffer is the shared receive buffer of one connection. Its lifetime is tied
// to the connection: a reconnect builds a fresh Buffer.
//
// The background reader is the only appender; consumers remove bytes from the
// front only. All methods are goroutine-safe.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	arrival chan struct{}
	closed  bool
	cause   error

	// gen counts front-of-buffer removals. A delimiter scan that resumes
	// mid-buffer is only valid while no other consumer shifted the data under
	// it; a gen change forces a rescan from the front.
	gen uint64
}

// NewBuffer creates an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{arrival: make(chan struct{})}
}

// Append adds newly received bytes to the tail of the buffer and wakes every
// waiter. Bytes appended after Close are dropped.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.data = append(b.data, p...)
	b.broadcast()
}

// Close marks the end of the stream and wakes every waiter so that blocked
// takes observe the closed state instead of hanging. The cause, if non-nil,
// is retained for Err. Close is idempotent.
func (b *Buffer) Close(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.cause = cause
	b.broadcast()
}

// Err returns the cause recorded by Close, or nil.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.cause
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.data)
}

// Reset discards all buffered unread bytes. The buffer stays usable; Reset on
// a closed buffer only clears the data.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = nil
	b.gen++
}

// TakeExact blocks until n bytes are buffered, removes them from the front
// and returns them. It fails with ErrDeadline when the deadline expires first
// and with ErrClosed when the buffer is closed with fewer than n bytes
// buffered.
func (b *Buffer) TakeExact(n int, deadline time.Time) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.data) < n {
		if b.closed {
			return nil, ErrClosed
		}
		if err := b.wait(deadline); err != nil {
			return nil, err
		}
	}

	return b.consume(n, 0), nil
}

// TakeUntil blocks until the delimiter eol occurs in the buffer, then returns
// the bytes preceding it and removes both the returned bytes and the
// delimiter. A partial delimiter match at the buffer tail consumes nothing:
// the search simply resumes once more bytes arrive, so a delimiter split
// across two arrivals is still found exactly once complete.
func (b *Buffer) TakeUntil(eol []byte, deadline time.Time) ([]byte, error) {
	if len(eol) == 0 {
		return nil, errors.New("framing: empty delimiter")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Resume the scan where the previous miss left off. A failed search over
	// len(data) bytes can only have missed a match starting in the last
	// len(eol)-1 bytes. The resume point is an absolute index, so any
	// front-of-buffer removal by another consumer while this one waited
	// invalidates it and the scan restarts from the front.
	from := 0
	gen := b.gen
	for {
		if b.gen != gen {
			from = 0
			gen = b.gen
		}

		if i := indexFrom(b.data, eol, from); i >= 0 {
			msg := b.consume(i, len(eol))
			return msg, nil
		}

		if b.closed {
			return nil, ErrClosed
		}

		from = len(b.data) - len(eol) + 1
		if from < 0 {
			from = 0
		}

		if err := b.wait(deadline); err != nil {
			return nil, err
		}
	}
}

// TakeAtMost blocks until at least one byte is buffered, then removes and
// returns up to max bytes, or everything buffered when max <= 0.
func (b *Buffer) TakeAtMost(max int, deadline time.Time) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.data) == 0 {
		if b.closed {
			return nil, ErrClosed
		}
		if err := b.wait(deadline); err != nil {
			return nil, err
		}
	}

	n := len(b.data)
	if max > 0 && max < n {
		n = max
	}

	return b.consume(n, 0), nil
}

// consume removes and returns the first n bytes, additionally dropping skip
// bytes (a consumed delimiter) behind them. Caller holds b.mu.
func (b *Buffer) consume(n, skip int) []byte {
	msg := make([]byte, n)
	copy(msg, b.data[:n])
	b.data = b.data[n+skip:]
	b.gen++

	return msg
}

// wait releases the lock until the next arrival broadcast or the deadline,
// then re-acquires it. Caller holds b.mu and must re-check its predicate on
// return.
func (b *Buffer) wait(deadline time.Time) error {
	ch := b.arrival
	b.mu.Unlock()

	timer := pool.GetTimer(time.Until(deadline))
	defer pool.PutTimer(timer)

	select {
	case <-ch:
		b.mu.Lock()
		return nil
	case <-timer.C:
		b.mu.Lock()
		return ErrDeadline
	}
}

// broadcast wakes every waiter. Caller holds b.mu.
func (b *Buffer) broadcast() {
	close(b.arrival)
	b.arrival = make(chan struct{})
}

// indexFrom locates the first occurrence of sep in data at or after position
// from, returning -1 when absent.
func indexFrom(data, sep []byte, from int) int {
	if from >= len(data) {
		return -1
	}
	if i := bytes.Index(data[from:], sep); i >= 0 {
		return from + i
	}

	return -1
}
