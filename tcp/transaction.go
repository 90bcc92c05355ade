package tcp

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/beamkit/comm/internal/pool"
	"github.com/beamkit/comm/internal/queue"
)

var (
	errTxnDeadline = errors.New("tcp: transaction deadline exceeded")
	errTxnClosed   = errors.New("tcp: transaction aborted, connection closed")
)

// transaction represents one caller's ownership of its slice of the incoming
// byte stream on a Command channel. The background reader always feeds the
// oldest outstanding transaction; strict FIFO completion keeps request and
// response paired even though the socket itself is an undifferentiated byte
// stream.
type transaction struct {
	mu      sync.Mutex
	q       *queue.ChunkQueue
	arrival chan struct{}
	failed  error

	// data holds bytes already dequeued but not yet consumed by the calling
	// read. Guarded by mu.
	data []byte
}

func newTransaction() *transaction {
	return &transaction{
		q:       queue.NewChunkQueue(4),
		arrival: make(chan struct{}),
	}
}

// push appends a received chunk and wakes the waiting reader.
func (t *transaction) push(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.q.Enqueue(chunk)
	t.broadcast()
}

// pushFront prepends leftover bytes merged forward from a completed older
// transaction; they precede anything this transaction has received itself.
func (t *transaction) pushFront(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.q.PushFront(chunk)
	t.broadcast()
}

// fail aborts the transaction; a blocked reader wakes up and observes the
// error instead of hanging.
func (t *transaction) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failed == nil {
		t.failed = err
	}
	t.broadcast()
}

func (t *transaction) broadcast() {
	close(t.arrival)
	t.arrival = make(chan struct{})
}

// takeChunk blocks until a chunk is available and returns it. It fails with
// errTxnDeadline when the deadline expires and with the recorded failure when
// the transaction was aborted with no chunks left.
func (t *transaction) takeChunk(deadline time.Time) ([]byte, error) {
	t.mu.Lock()
	for {
		if chunk := t.q.Dequeue(); chunk != nil {
			t.mu.Unlock()
			return chunk, nil
		}
		if t.failed != nil {
			err := t.failed
			t.mu.Unlock()

			return nil, err
		}

		ch := t.arrival
		t.mu.Unlock()

		timer := pool.GetTimer(time.Until(deadline))
		select {
		case <-ch:
			pool.PutTimer(timer)
			t.mu.Lock()
		case <-timer.C:
			pool.PutTimer(timer)
			return nil, errTxnDeadline
		}
	}
}

// fill grows t.data until it holds at least want bytes, or until the first
// delimiter occurrence when eol is non-nil. It returns the delimiter position
// (-1 when filling by size).
func (t *transaction) fill(want int, eol []byte, deadline time.Time) (int, error) {
	for {
		t.mu.Lock()
		if eol != nil {
			if i := bytes.Index(t.data, eol); i >= 0 {
				t.mu.Unlock()
				return i, nil
			}
		} else if len(t.data) >= want {
			t.mu.Unlock()
			return -1, nil
		}
		t.mu.Unlock()

		chunk, err := t.takeChunk(deadline)
		if err != nil {
			return -1, err
		}

		t.mu.Lock()
		t.data = append(t.data, chunk...)
		t.mu.Unlock()
	}
}

// consume removes and returns the first n assembled bytes, dropping skip
// delimiter bytes behind them.
func (t *transaction) consume(n, skip int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := make([]byte, n)
	copy(msg, t.data[:n])
	t.data = t.data[n+skip:]

	return msg
}

// buffered returns the number of assembled, unconsumed bytes.
func (t *transaction) buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.data)
}

// remainder drains everything the transaction still holds: assembled but
// unconsumed bytes followed by any chunks still queued.
func (t *transaction) remainder() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	rest := t.data
	t.data = nil
	if !t.q.IsEmpty() {
		rest = append(rest, t.q.DrainAll()...)
	}

	return rest
}

// discard drops all buffered bytes (Flush support).
func (t *transaction) discard() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data = nil
	t.q.Reset()
}
