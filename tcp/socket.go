package tcp

import (
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/beamkit/comm"
)

// Socket is the shared-buffer TCP channel: a background reader drains the
// connection into one FIFO buffer and all facade reads consume from its
// front. It is the transport used by devices that speak one request/response
// exchange at a time over a plain socket.
type Socket struct {
	*comm.StreamChannel
	cfg *Config
}

var _ comm.Channel = (*Socket)(nil)

// NewSocket creates a Socket channel from the given configuration. The
// connection is established lazily by the first I/O call (or by Open).
func NewSocket(cfg *Config) (*Socket, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}

	s := &Socket{cfg: cfg}
	s.StreamChannel = comm.NewStream(&socketConnector{cfg: cfg}, cfg.timeout, cfg.eol, cfg.logger)

	return s, nil
}

// socketConnector establishes plain TCP connections tuned for instrument
// request/response traffic.
type socketConnector struct {
	cfg *Config
}

func (c *socketConnector) Addr() string { return c.cfg.Addr() }

func (c *socketConnector) Connect(timeout time.Duration) (comm.Port, error) {
	if c.cfg.connectTimeout > 0 {
		timeout = c.cfg.connectTimeout
	}

	conn, err := net.DialTimeout("tcp", c.cfg.Addr(), timeout)
	if err != nil {
		return nil, err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(c.cfg.noDelay); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	if c.cfg.tos != 0 {
		// Low-delay marking; a failure here (IPv6 peer, restricted stack) is
		// not fatal to the connection.
		_ = ipv4.NewConn(conn).SetTOS(c.cfg.tos)
	}

	return conn, nil
}
