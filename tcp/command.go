package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/beamkit/comm"
	"github.com/beamkit/comm/logger"
)

// Command is the transaction-pipelined TCP channel. Every write opens a
// transaction, a claim on the next slice of the incoming byte stream, and
// the background reader always feeds the oldest outstanding one. This keeps
// request/response pairing strict even when several callers pipeline
// exchanges over the single connection.
//
// When a transaction completes, bytes it received beyond what its caller
// consumed are merged forward to the next outstanding transaction; with none
// outstanding they are retained and seed the next transaction created. A
// response boundary guessed by size or delimiter therefore never loses bytes
// that logically belong to the following exchange.
type Command struct {
	cfg     *Config
	log     logger.Logger
	taskMgr *comm.TaskManager

	// writeMu makes transaction registration and the socket write one atomic
	// step, so the FIFO transaction order always matches the wire order.
	// Reads wait on their own transaction without holding it, which is what
	// lets exchanges pipeline.
	writeMu sync.Mutex
	stateMu sync.Mutex // guards conn, regID and the open flag
	conn    net.Conn
	open    bool
	regID   uint64

	transMu  sync.Mutex // guards pending and leftover
	pending  []*transaction
	leftover []byte
}

var _ comm.Channel = (*Command)(nil)

// NewCommand creates a Command channel from the given configuration. The
// connection is established lazily by the first I/O call (or by Open).
func NewCommand(cfg *Config) (*Command, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}

	c := &Command{
		cfg:     cfg,
		log:     cfg.logger.With("addr", cfg.Addr()),
		taskMgr: comm.NewTaskManager(context.Background(), cfg.logger),
	}
	c.regID = comm.Register(c)

	return c, nil
}

// Addr returns the channel's target address.
func (c *Command) Addr() string { return c.cfg.Addr() }

// Open establishes the connection if the channel is CLOSED. Idempotent.
func (c *Command) Open() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	return c.openLocked()
}

// Close stops the background reader, aborts all pending transactions and
// releases the connection. Safe to call multiple times.
func (c *Command) Close() error {
	c.stateMu.Lock()
	conn := c.conn
	wasOpen := c.open
	c.open = false
	c.conn = nil
	if c.regID != 0 {
		comm.Unregister(c.regID)
		c.regID = 0
	}
	c.stateMu.Unlock()

	if !wasOpen {
		return nil
	}

	c.log.Debug("close channel")

	if conn != nil {
		_ = conn.Close()
	}
	c.taskMgr.Stop()
	c.taskMgr.Wait()

	c.transMu.Lock()
	for _, tr := range c.pending {
		tr.fail(errTxnClosed)
	}
	c.pending = nil
	c.leftover = nil
	c.transMu.Unlock()

	return nil
}

// Read blocks until exactly size bytes arrive and returns them. It claims its
// own transaction, so any retained leftover bytes are served first.
func (c *Command) Read(size int, timeout time.Duration) ([]byte, error) {
	to := c.timeout(timeout)
	dl := time.Now().Add(to)

	tr, err := c.claimTransaction()
	if err != nil {
		return nil, err
	}
	defer c.complete(tr)

	return c.readExact(tr, size, dl, to)
}

// ReadLine blocks until eol (the channel default when nil) arrives and
// returns the bytes preceding it, consuming the delimiter.
func (c *Command) ReadLine(eol []byte, timeout time.Duration) ([]byte, error) {
	to := c.timeout(timeout)
	dl := time.Now().Add(to)

	tr, err := c.claimTransaction()
	if err != nil {
		return nil, err
	}
	defer c.complete(tr)

	return c.readLine(tr, c.lineEOL(eol), dl, to)
}

// RawRead waits for at least one byte, then returns up to maxsize bytes, or
// everything received when maxsize <= 0.
func (c *Command) RawRead(maxsize int, timeout time.Duration) ([]byte, error) {
	to := c.timeout(timeout)
	dl := time.Now().Add(to)

	tr, err := c.claimTransaction()
	if err != nil {
		return nil, err
	}
	defer c.complete(tr)

	if _, err := tr.fill(1, nil, dl); err != nil {
		return nil, c.translate(err, "raw_read", to)
	}

	n := tr.buffered()
	if maxsize > 0 && maxsize < n {
		n = maxsize
	}

	return tr.consume(n, 0), nil
}

// Write sends the full payload without opening a transaction; any response
// bytes are routed to the oldest outstanding transaction, or retained for the
// next one.
func (c *Command) Write(msg []byte, timeout time.Duration) error {
	to := c.timeout(timeout)
	_, err := c.write(msg, time.Now().Add(to), to, false)

	return err
}

// WriteRead sends the request and reads its size-bounded response within one
// transaction. synchro, if non-nil, is notified after the write and before
// the read.
func (c *Command) WriteRead(msg []byte, synchro comm.WriteSynchro, size int, timeout time.Duration) ([]byte, error) {
	to := c.timeout(timeout)
	dl := time.Now().Add(to)

	tr, err := c.write(msg, dl, to, true)
	if err != nil {
		return nil, err
	}
	defer c.complete(tr)

	if synchro != nil {
		synchro.Notify()
	}

	return c.readExact(tr, size, dl, to)
}

// WriteReadLine sends the request and reads its delimiter-bounded response
// within one transaction.
func (c *Command) WriteReadLine(msg []byte, synchro comm.WriteSynchro, eol []byte, timeout time.Duration) ([]byte, error) {
	to := c.timeout(timeout)
	dl := time.Now().Add(to)

	tr, err := c.write(msg, dl, to, true)
	if err != nil {
		return nil, err
	}
	defer c.complete(tr)

	if synchro != nil {
		synchro.Notify()
	}

	return c.readLine(tr, c.lineEOL(eol), dl, to)
}

// WriteReadLines sends the request and reads n successive delimiter-bounded
// lines within one transaction. The timeout bounds the whole exchange.
func (c *Command) WriteReadLines(msg []byte, n int, synchro comm.WriteSynchro, eol []byte, timeout time.Duration) ([][]byte, error) {
	to := c.timeout(timeout)
	dl := time.Now().Add(to)

	tr, err := c.write(msg, dl, to, true)
	if err != nil {
		return nil, err
	}
	defer c.complete(tr)

	if synchro != nil {
		synchro.Notify()
	}

	lines := make([][]byte, 0, n)
	lineEOL := c.lineEOL(eol)
	for i := 0; i < n; i++ {
		line, err := c.readLine(tr, lineEOL, dl, to)
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}

	return lines, nil
}

// Flush discards all received, unconsumed bytes: the retained leftover and
// anything buffered inside pending transactions.
func (c *Command) Flush() error {
	c.log.Debug("flush")

	c.transMu.Lock()
	defer c.transMu.Unlock()

	c.leftover = nil
	for _, tr := range c.pending {
		tr.discard()
	}

	return nil
}

func (c *Command) timeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return c.cfg.timeout
	}

	return timeout
}

func (c *Command) lineEOL(eol []byte) []byte {
	if len(eol) == 0 {
		return c.cfg.eol
	}

	return eol
}

// openLocked performs the CLOSED -> OPEN transition, restoring the registry
// entry an explicit Close removed. Caller holds stateMu.
func (c *Command) openLocked() error {
	if c.open {
		return nil
	}
	if c.regID == 0 {
		c.regID = comm.Register(c)
	}

	c.log.Debug("connect", "timeout", c.cfg.connectTimeout)

	conn, err := net.DialTimeout("tcp", c.cfg.Addr(), c.cfg.connectTimeout)
	if err != nil {
		return &comm.ConnectionError{Addr: c.cfg.Addr(), Err: err}
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(c.cfg.noDelay); err != nil {
			_ = conn.Close()
			return &comm.ConnectionError{Addr: c.cfg.Addr(), Err: err}
		}
	}
	if c.cfg.tos != 0 {
		_ = ipv4.NewConn(conn).SetTOS(c.cfg.tos)
	}

	c.conn = conn
	c.open = true

	err = c.taskMgr.StartReceiver("commandReader",
		func(scratch []byte) bool { return c.readerIter(conn, scratch) },
		func() { c.readerDone(conn) },
	)
	if err != nil {
		c.open = false
		c.conn = nil
		_ = conn.Close()

		return &comm.ConnectionError{Addr: c.cfg.Addr(), Err: err}
	}

	return nil
}

// ensureOpen opens lazily and returns the live connection, so callers never
// observe the nil conn a concurrent Close leaves behind. Caller must not hold
// stateMu.
func (c *Command) ensureOpen() (net.Conn, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if err := c.openLocked(); err != nil {
		return nil, err
	}

	return c.conn, nil
}

// readerIter is one iteration of the background reader: route newly received
// bytes to the oldest outstanding transaction, or retain them for the next.
func (c *Command) readerIter(conn net.Conn, scratch []byte) bool {
	n, err := conn.Read(scratch)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, scratch[:n])
		c.routeChunk(chunk)
	}
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			c.log.Warn("background read terminated", "error", err)
		}

		return false
	}

	return true
}

func (c *Command) routeChunk(chunk []byte) {
	if c.log.Level() == logger.DebugLevel {
		c.log.Debug("rx", "data", chunk)
	}

	c.transMu.Lock()
	defer c.transMu.Unlock()

	if len(c.pending) > 0 {
		c.pending[0].push(chunk)
		return
	}

	// No outstanding request: keep the bytes for whoever reads next.
	c.leftover = append(c.leftover, chunk...)
}

// readerDone marks the channel CLOSED when its reader exits and aborts every
// pending transaction so blocked waiters fail fast instead of hanging.
func (c *Command) readerDone(conn net.Conn) {
	c.stateMu.Lock()
	if c.conn == conn {
		c.open = false
	}
	c.stateMu.Unlock()

	_ = conn.Close()

	c.transMu.Lock()
	for _, tr := range c.pending {
		tr.fail(errTxnClosed)
	}
	c.pending = nil
	c.transMu.Unlock()
}

// claimTransaction opens the channel lazily and registers a new transaction,
// seeded with any retained leftover bytes.
func (c *Command) claimTransaction() (*transaction, error) {
	if _, err := c.ensureOpen(); err != nil {
		return nil, err
	}

	c.transMu.Lock()
	defer c.transMu.Unlock()

	tr := newTransaction()
	if len(c.leftover) > 0 {
		tr.push(c.leftover)
		c.leftover = nil
	}
	c.pending = append(c.pending, tr)

	return tr, nil
}

// write sends the payload, opening the channel lazily and, when withTxn is
// set, claiming a transaction before the bytes hit the wire so the response
// cannot race the registration.
func (c *Command) write(msg []byte, dl time.Time, to time.Duration, withTxn bool) (*transaction, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn, err := c.ensureOpen()
	if err != nil {
		return nil, err
	}

	var tr *transaction
	if withTxn {
		if tr, err = c.claimTransaction(); err != nil {
			return nil, err
		}
	}

	if c.log.Level() == logger.DebugLevel {
		c.log.Debug("tx", "data", msg)
	}

	err = conn.SetWriteDeadline(dl)
	if err == nil {
		_, err = conn.Write(msg)
	}
	if err == nil {
		return tr, nil
	}

	if tr != nil {
		c.complete(tr)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil, &comm.TimeoutError{Op: "write", Addr: c.cfg.Addr(), After: to}
	}
	_ = conn.Close()

	return nil, &comm.ConnectionError{Addr: c.cfg.Addr(), Err: err}
}

// complete closes out a transaction: remaining unread bytes are merged
// forward to the next-oldest transaction, or retained for the next one
// created, and the transaction leaves the pending list.
func (c *Command) complete(tr *transaction) {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	idx := -1
	for i, p := range c.pending {
		if p == tr {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}

	if idx == 0 {
		rest := tr.remainder()
		if len(c.pending) > 1 {
			c.pending[1].pushFront(rest)
		} else if len(rest) > 0 {
			c.leftover = append(rest, c.leftover...)
		}
	}

	c.pending = append(c.pending[:idx], c.pending[idx+1:]...)
}

func (c *Command) readExact(tr *transaction, size int, dl time.Time, to time.Duration) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}

	if _, err := tr.fill(size, nil, dl); err != nil {
		return nil, c.translate(err, "read", to)
	}

	msg := tr.consume(size, 0)
	if len(msg) != size {
		return nil, &comm.ProtocolError{Op: "read", Addr: c.cfg.Addr(), Want: size, Got: len(msg)}
	}

	return msg, nil
}

func (c *Command) readLine(tr *transaction, eol []byte, dl time.Time, to time.Duration) ([]byte, error) {
	pos, err := tr.fill(0, eol, dl)
	if err != nil {
		return nil, c.translate(err, "readline", to)
	}

	return tr.consume(pos, len(eol)), nil
}

func (c *Command) translate(err error, op string, to time.Duration) error {
	switch {
	case errors.Is(err, errTxnDeadline):
		return &comm.TimeoutError{Op: op, Addr: c.cfg.Addr(), After: to}
	case errors.Is(err, errTxnClosed):
		return &comm.ConnectionError{Addr: c.cfg.Addr(), Err: comm.ErrConnClosed}
	default:
		return err
	}
}
