package comm

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/beamkit/comm/internal/framing"
	"github.com/beamkit/comm/logger"
)

// Port is one established connection of a transport: a byte stream (or
// datagram sequence) with no framing of its own. Read performs one blocking
// read of whatever is available; Write sends the full payload, looping over
// partial writes. Close releases the OS resource and unblocks a pending Read.
//
// A Port may additionally implement Flusher to discard device-side input and
// WriteDeadliner to bound writes.
type Port interface {
	io.ReadWriteCloser
}

// Flusher is implemented by ports that can purge their device-side receive
// state (termios input queue, RFC2217 purge).
type Flusher interface {
	Flush() error
}

// WriteDeadliner is implemented by ports whose writes can be bounded by an
// absolute deadline.
type WriteDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Connector establishes Ports for one transport kind (serial, TCP, UDP,
// telnet-tunneled serial). The transport kind is selected by configuration at
// construction time, not by subclassing.
type Connector interface {
	// Connect establishes a new Port. The timeout bounds the whole
	// establishment, including any in-band negotiation.
	Connect(timeout time.Duration) (Port, error)

	// Addr returns the target address (host:port or device path) used in
	// diagnostics.
	Addr() string
}

// StreamChannel is the shared-buffer channel facade: one background reader
// drains the Port into a FIFO receive buffer, and the facade operations
// extract size- or delimiter-bounded messages from it under a per-channel
// lock. The serial, TCP socket and UDP transports are all StreamChannels over
// different Connectors.
//
// The channel opens lazily: any I/O method on a CLOSED channel connects
// first. When the background reader detects end of stream, pending waiters
// fail fast with a ConnectionError and the next call re-opens. Residual
// buffered bytes remain readable across the disconnection.
type StreamChannel struct {
	connector  Connector
	defTimeout time.Duration
	eol        []byte
	log        logger.Logger
	taskMgr    *TaskManager

	opMu    sync.Mutex // serializes writes and combined write/read exchanges
	stateMu sync.Mutex // guards port, buf, regID and the open flag
	port    Port
	buf     *framing.Buffer
	open    bool
	regID   uint64
}

var _ Channel = (*StreamChannel)(nil)

// NewStream creates a StreamChannel over the given connector.
//
// defTimeout is the default timeout applied when a call passes zero; eol is
// the default line terminator for ReadLine/WriteReadLine.
func NewStream(connector Connector, defTimeout time.Duration, eol []byte, log logger.Logger) *StreamChannel {
	if log == nil {
		log = logger.GetLogger()
	}
	if len(eol) == 0 {
		eol = []byte("\n")
	}
	if defTimeout <= 0 {
		defTimeout = 5 * time.Second
	}

	s := &StreamChannel{
		connector:  connector,
		defTimeout: defTimeout,
		eol:        eol,
		log:        log.With("addr", connector.Addr()),
		taskMgr:    NewTaskManager(context.Background(), log),
	}
	s.regID = Register(s)

	return s
}

// Addr returns the channel's target address.
func (s *StreamChannel) Addr() string { return s.connector.Addr() }

// EOL returns the channel's default line terminator.
func (s *StreamChannel) EOL() []byte { return s.eol }

// Timeout returns the channel's default timeout.
func (s *StreamChannel) Timeout() time.Duration { return s.defTimeout }

// Open establishes the connection if the channel is CLOSED. Idempotent.
func (s *StreamChannel) Open() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	return s.openLocked(s.defTimeout)
}

// Close stops the background reader, waits for its termination and releases
// the port. Safe to call multiple times; buffered unread bytes are discarded.
func (s *StreamChannel) Close() error {
	s.stateMu.Lock()
	port := s.port
	buf := s.buf
	wasOpen := s.open
	s.open = false
	s.port = nil
	s.buf = nil
	if s.regID != 0 {
		Unregister(s.regID)
		s.regID = 0
	}
	s.stateMu.Unlock()

	if !wasOpen {
		return nil
	}

	s.log.Debug("close channel")

	// Closing the port unblocks the reader's pending Read.
	if port != nil {
		_ = port.Close()
	}
	s.taskMgr.Stop()
	s.taskMgr.Wait()
	if buf != nil {
		buf.Close(ErrConnClosed)
	}

	return nil
}

// Read blocks until exactly size bytes are buffered and returns them.
func (s *StreamChannel) Read(size int, timeout time.Duration) ([]byte, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	to := s.timeout(timeout)

	return s.readAt(size, time.Now().Add(to), to)
}

// ReadLine blocks until eol (the channel default when nil) is found and
// returns the bytes preceding it, consuming the delimiter.
func (s *StreamChannel) ReadLine(eol []byte, timeout time.Duration) ([]byte, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	to := s.timeout(timeout)

	return s.readlineAt(s.lineEOL(eol), time.Now().Add(to), to)
}

// RawRead waits for at least one buffered byte, then returns up to maxsize
// bytes, or everything buffered when maxsize <= 0.
func (s *StreamChannel) RawRead(maxsize int, timeout time.Duration) ([]byte, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	to := s.timeout(timeout)

	return s.rawReadAt(maxsize, time.Now().Add(to), to)
}

// Write sends the full payload under the channel lock.
func (s *StreamChannel) Write(msg []byte, timeout time.Duration) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	to := s.timeout(timeout)

	return s.writeAt(msg, time.Now().Add(to), to)
}

// WriteRead performs Write then Read under a single lock acquisition, so no
// other caller's write can be interleaved between this caller's request and
// its response. synchro, if non-nil, is notified after the write and before
// the read.
func (s *StreamChannel) WriteRead(msg []byte, synchro WriteSynchro, size int, timeout time.Duration) ([]byte, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	to := s.timeout(timeout)
	dl := time.Now().Add(to)

	if err := s.writeAt(msg, dl, to); err != nil {
		return nil, err
	}
	if synchro != nil {
		synchro.Notify()
	}

	return s.readAt(size, dl, to)
}

// WriteReadLine is WriteRead with a delimiter-bounded read.
func (s *StreamChannel) WriteReadLine(msg []byte, synchro WriteSynchro, eol []byte, timeout time.Duration) ([]byte, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	to := s.timeout(timeout)
	dl := time.Now().Add(to)

	if err := s.writeAt(msg, dl, to); err != nil {
		return nil, err
	}
	if synchro != nil {
		synchro.Notify()
	}

	return s.readlineAt(s.lineEOL(eol), dl, to)
}

// WriteReadLines is WriteReadLine collecting n lines. The timeout bounds the
// whole exchange; budget consumed by one line is gone for the next.
func (s *StreamChannel) WriteReadLines(msg []byte, n int, synchro WriteSynchro, eol []byte, timeout time.Duration) ([][]byte, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	to := s.timeout(timeout)
	dl := time.Now().Add(to)

	if err := s.writeAt(msg, dl, to); err != nil {
		return nil, err
	}
	if synchro != nil {
		synchro.Notify()
	}

	lines := make([][]byte, 0, n)
	lineEOL := s.lineEOL(eol)
	for i := 0; i < n; i++ {
		line, err := s.readlineAt(lineEOL, dl, to)
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}

	return lines, nil
}

// Flush discards all buffered unread bytes, purging the device-side input
// queue when the port supports it.
func (s *StreamChannel) Flush() error {
	s.stateMu.Lock()
	port := s.port
	buf := s.buf
	isOpen := s.open
	s.stateMu.Unlock()

	s.log.Debug("flush")

	if isOpen {
		if f, ok := port.(Flusher); ok {
			if err := f.Flush(); err != nil {
				return err
			}
		}
	}
	if buf != nil {
		buf.Reset()
	}

	return nil
}

// timeout resolves a per-call timeout against the channel default.
func (s *StreamChannel) timeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return s.defTimeout
	}

	return timeout
}

// lineEOL resolves a per-call delimiter against the channel default.
func (s *StreamChannel) lineEOL(eol []byte) []byte {
	if len(eol) == 0 {
		return s.eol
	}

	return eol
}

// openLocked performs the CLOSED -> OPEN transition, restoring the registry
// entry an explicit Close removed. Caller holds stateMu.
func (s *StreamChannel) openLocked(timeout time.Duration) error {
	if s.open {
		return nil
	}
	if s.regID == 0 {
		s.regID = Register(s)
	}

	s.log.Debug("connect", "timeout", timeout)

	port, err := s.connector.Connect(timeout)
	if err != nil {
		return &ConnectionError{Addr: s.connector.Addr(), Err: err}
	}

	buf := framing.NewBuffer()
	s.port = port
	s.buf = buf
	s.open = true

	err = s.taskMgr.StartReceiver("streamReader",
		func(scratch []byte) bool { return s.readerIter(port, buf, scratch) },
		func() { s.readerDone(port, buf) },
	)
	if err != nil {
		s.open = false
		s.port = nil
		s.buf = nil
		_ = port.Close()

		return &ConnectionError{Addr: s.connector.Addr(), Err: err}
	}

	return nil
}

// readerIter is one iteration of the background reader: move whatever bytes
// are available from the port into the shared buffer and wake waiters.
// Returns false on end of stream or error, terminating the task.
func (s *StreamChannel) readerIter(port Port, buf *framing.Buffer, scratch []byte) bool {
	n, err := port.Read(scratch)
	if n > 0 {
		if s.log.Level() == logger.DebugLevel {
			s.log.Debug("rx", "data", scratch[:n])
		}
		buf.Append(scratch[:n])
	}
	if err != nil {
		if err != io.EOF && !errors.Is(err, net.ErrClosed) {
			s.log.Warn("background read terminated", "error", err)
		}
		buf.Close(err)

		return false
	}

	return true
}

// readerDone marks the channel CLOSED when its reader exits, so the next
// facade call re-opens instead of blocking forever.
func (s *StreamChannel) readerDone(port Port, buf *framing.Buffer) {
	buf.Close(ErrConnClosed)

	s.stateMu.Lock()
	if s.port == port {
		s.open = false
	}
	s.stateMu.Unlock()

	_ = port.Close()
}

// ensureOpen returns the buffer and port to use for one operation, opening
// lazily. A read-type operation on a CLOSED channel whose buffer still holds
// residual bytes is served from that buffer without reconnecting.
func (s *StreamChannel) ensureOpen(forWrite bool, timeout time.Duration) (*framing.Buffer, Port, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.open {
		return s.buf, s.port, nil
	}
	if !forWrite && s.buf != nil && s.buf.Len() > 0 {
		return s.buf, s.port, nil
	}
	if err := s.openLocked(timeout); err != nil {
		return nil, nil, err
	}

	return s.buf, s.port, nil
}

// reopen forces a fresh connection, used when residual buffered data could
// not satisfy a read on an already-dead stream.
func (s *StreamChannel) reopen(timeout time.Duration) (*framing.Buffer, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if !s.open {
		s.buf = nil
	}
	if err := s.openLocked(timeout); err != nil {
		return nil, err
	}

	return s.buf, nil
}

// take runs one bounded extraction against the receive buffer, handling the
// lazy-reopen contract and error translation. op names the operation for
// diagnostics.
func (s *StreamChannel) take(op string, to time.Duration, fn func(buf *framing.Buffer) ([]byte, error)) ([]byte, error) {
	buf, _, err := s.ensureOpen(false, to)
	if err != nil {
		return nil, err
	}

	deadStream := buf.Closed()
	msg, err := fn(buf)
	if errors.Is(err, framing.ErrClosed) && deadStream {
		// The stream was already dead on entry and its residue could not
		// satisfy the request: reconnect once and retry on the fresh stream.
		fresh, rerr := s.reopen(to)
		if rerr != nil {
			return nil, rerr
		}
		msg, err = fn(fresh)
		buf = fresh
	}

	switch {
	case err == nil:
		return msg, nil
	case errors.Is(err, framing.ErrDeadline):
		return nil, &TimeoutError{Op: op, Addr: s.Addr(), After: to}
	case errors.Is(err, framing.ErrClosed):
		cause := buf.Err()
		if cause == nil || cause == io.EOF {
			cause = ErrConnClosed
		}

		return nil, &ConnectionError{Addr: s.Addr(), Err: cause}
	default:
		return nil, err
	}
}

func (s *StreamChannel) readAt(size int, dl time.Time, to time.Duration) ([]byte, error) {
	msg, err := s.take("read", to, func(buf *framing.Buffer) ([]byte, error) {
		return buf.TakeExact(size, dl)
	})
	if err != nil {
		return nil, err
	}
	if len(msg) != size {
		return nil, &ProtocolError{Op: "read", Addr: s.Addr(), Want: size, Got: len(msg)}
	}

	return msg, nil
}

func (s *StreamChannel) readlineAt(eol []byte, dl time.Time, to time.Duration) ([]byte, error) {
	return s.take("readline", to, func(buf *framing.Buffer) ([]byte, error) {
		return buf.TakeUntil(eol, dl)
	})
}

func (s *StreamChannel) rawReadAt(maxsize int, dl time.Time, to time.Duration) ([]byte, error) {
	return s.take("raw_read", to, func(buf *framing.Buffer) ([]byte, error) {
		return buf.TakeAtMost(maxsize, dl)
	})
}

// writeAt sends the full payload, opening lazily first. A failed write closes
// the connection so the next call reopens.
func (s *StreamChannel) writeAt(msg []byte, dl time.Time, to time.Duration) error {
	_, port, err := s.ensureOpen(true, to)
	if err != nil {
		return err
	}

	if s.log.Level() == logger.DebugLevel {
		s.log.Debug("tx", "data", msg)
	}

	if wd, ok := port.(WriteDeadliner); ok {
		if err := wd.SetWriteDeadline(dl); err != nil {
			return &ConnectionError{Addr: s.Addr(), Err: err}
		}
	}

	_, err = port.Write(msg)
	if err == nil {
		return nil
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Op: "write", Addr: s.Addr(), After: to}
	}

	// A failed write invalidates the connection; drop it so the next call
	// re-opens.
	_ = port.Close()
	s.stateMu.Lock()
	if s.port == port {
		s.open = false
	}
	s.stateMu.Unlock()

	return &ConnectionError{Addr: s.Addr(), Err: err}
}
