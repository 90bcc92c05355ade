// Package tcp provides line-oriented TCP channels for instrument control.
//
// Two variants exist. Socket is a plain stream channel: received bytes
// accumulate in one shared buffer that all read operations consume from.
// Command adds transaction pipelining on top of the same connection, pairing
// each request with the slice of the response stream that belongs to it.
package tcp

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/beamkit/comm"
)

// New creates a TCP channel from a URL. Recognized forms:
//
//	socket://host:port    plain stream channel
//	command://host:port   transaction-pipelined channel
//	host:port             same as socket://
func New(url string, opts ...Option) (comm.Channel, error) {
	scheme := "socket"
	rest := url
	if s, r, ok := strings.Cut(url, "://"); ok {
		scheme = strings.ToLower(s)
		rest = r
	}

	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return nil, fmt.Errorf("tcp: invalid url %q: %w", url, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("tcp: invalid port in url %q: %w", url, err)
	}

	cfg, err := NewConfig(host, port, opts...)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case "socket":
		return NewSocket(cfg)
	case "command":
		return NewCommand(cfg)
	default:
		return nil, fmt.Errorf("tcp: unsupported scheme %q in url %q", scheme, url)
	}
}
