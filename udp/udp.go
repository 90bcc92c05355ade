// Package udp provides a line-oriented UDP channel for instrument control.
//
// The channel uses a connected datagram socket, so it exposes the same
// interface as the TCP variants: a background reader drains incoming
// datagrams into a shared buffer and the facade reads consume from its
// front. Datagram boundaries are not preserved; reads are bounded by size or
// delimiter like on a stream transport.
package udp

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/beamkit/comm"
)

// Socket is the shared-buffer UDP channel.
type Socket struct {
	*comm.StreamChannel
	cfg *Config
}

var _ comm.Channel = (*Socket)(nil)

// NewSocket creates a UDP channel from the given configuration. The socket
// is connected lazily by the first I/O call (or by Open).
func NewSocket(cfg *Config) (*Socket, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}

	s := &Socket{cfg: cfg}
	s.StreamChannel = comm.NewStream(&udpConnector{cfg: cfg}, cfg.timeout, cfg.eol, cfg.logger)

	return s, nil
}

// New creates a UDP channel from a URL of the form "udp://host:port" or
// "host:port".
func New(url string, opts ...Option) (*Socket, error) {
	rest := strings.TrimPrefix(url, "udp://")

	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	cfg, err := NewConfig(host, port, opts...)
	if err != nil {
		return nil, err
	}

	return NewSocket(cfg)
}

type udpConnector struct {
	cfg *Config
}

func (c *udpConnector) Addr() string { return c.cfg.Addr() }

func (c *udpConnector) Connect(timeout time.Duration) (comm.Port, error) {
	return net.DialTimeout("udp", c.cfg.Addr(), timeout)
}
