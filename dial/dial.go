// Package dial creates a channel of the right transport from a URL alone,
// so device classes can take a single connection string from configuration:
//
//	ch, err := dial.Dial("socket://gauge1.lab:8000")
//	ch, err := dial.Dial("command://plc1:5025")
//	ch, err := dial.Dial("udp://sensor3:7000")
//	ch, err := dial.Dial("serial:///dev/ttyS0")
//	ch, err := dial.Dial("rfc2217://moxa1:4001")
//	ch, err := dial.Dial("ser2net://moxa2:3000/dev/ttyUSB0")
//
// A bare host:port dials a TCP socket channel; a bare device path opens a
// local serial port. Transport-specific settings (baudrate, TCP_NODELAY and
// the like) need the transport package directly; Dial covers the options all
// transports share.
package dial

import (
	"fmt"
	"strings"
	"time"

	"github.com/beamkit/comm"
	"github.com/beamkit/comm/logger"
	"github.com/beamkit/comm/serial"
	"github.com/beamkit/comm/tcp"
	"github.com/beamkit/comm/udp"
)

// Option is a transport-independent channel setting.
type Option func(*options)

type options struct {
	timeout time.Duration
	eol     []byte
	logger  logger.Logger
}

// WithTimeout sets the default timeout for read/write operations.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) { o.timeout = timeout }
}

// WithEOL sets the default line terminator.
func WithEOL(eol []byte) Option {
	return func(o *options) { o.eol = eol }
}

// WithLogger sets the logger used for channel events.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Dial creates a channel for the given URL. The scheme selects the
// transport; see the package documentation for the recognized forms.
func Dial(url string, opts ...Option) (comm.Channel, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	scheme := ""
	if s, _, ok := strings.Cut(url, "://"); ok {
		scheme = strings.ToLower(s)
	}

	switch scheme {
	case "tcp":
		return tcp.New("socket://"+url[len("tcp://"):], tcpOpts(&o)...)
	case "socket", "command":
		return tcp.New(url, tcpOpts(&o)...)
	case "udp":
		return udp.New(url, udpOpts(&o)...)
	case "serial":
		return serial.New(url[len("serial://"):], serialOpts(&o)...)
	case "rfc2217", "ser2net":
		return serial.New(url, serialOpts(&o)...)
	case "":
		if strings.HasPrefix(url, "/") {
			return serial.New(url, serialOpts(&o)...)
		}
		if strings.Contains(url, ":") {
			return tcp.New(url, tcpOpts(&o)...)
		}

		return nil, fmt.Errorf("dial: cannot infer transport from %q", url)
	default:
		return nil, fmt.Errorf("dial: unsupported scheme %q in url %q", scheme, url)
	}
}

func tcpOpts(o *options) []tcp.Option {
	var opts []tcp.Option
	if o.timeout > 0 {
		opts = append(opts, tcp.WithTimeout(o.timeout))
	}
	if len(o.eol) > 0 {
		opts = append(opts, tcp.WithEOL(o.eol))
	}
	if o.logger != nil {
		opts = append(opts, tcp.WithLogger(o.logger))
	}

	return opts
}

func udpOpts(o *options) []udp.Option {
	var opts []udp.Option
	if o.timeout > 0 {
		opts = append(opts, udp.WithTimeout(o.timeout))
	}
	if len(o.eol) > 0 {
		opts = append(opts, udp.WithEOL(o.eol))
	}
	if o.logger != nil {
		opts = append(opts, udp.WithLogger(o.logger))
	}

	return opts
}

func serialOpts(o *options) []serial.Option {
	var opts []serial.Option
	if o.timeout > 0 {
		opts = append(opts, serial.WithTimeout(o.timeout))
	}
	if len(o.eol) > 0 {
		opts = append(opts, serial.WithEOL(o.eol))
	}
	if o.logger != nil {
		opts = append(opts, serial.WithLogger(o.logger))
	}

	return opts
}
