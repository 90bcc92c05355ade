package tcp

import (
	"errors"
	"fmt"
	"time"

	"github.com/beamkit/comm/logger"
)

// ErrConfigNil indicates that a nil Config was provided to an option.
var ErrConfigNil = errors.New("tcp: config is nil")

// Config holds the configuration parameters of a TCP channel (Socket or
// Command variant).
type Config struct {
	// host of the remote device.
	host string

	// port is the remote TCP port number.
	port int

	// timeout is the default timeout applied to every operation that does
	// not pass an explicit one.
	// Defaults to 5 seconds.
	timeout time.Duration

	// connectTimeout bounds connection establishment.
	// Defaults to the default timeout.
	connectTimeout time.Duration

	// eol is the default line terminator used by ReadLine/WriteReadLine when
	// the call does not supply one.
	// Defaults to "\n".
	eol []byte

	// noDelay disables Nagle's algorithm on the connection. Instrument
	// request/response exchanges are latency-bound, so it defaults to true.
	noDelay bool

	// tos is the IP type-of-service byte set on the connection; 0 leaves the
	// OS default. Defaults to 0x10 (low delay).
	tos int

	// logger used for channel events.
	logger logger.Logger
}

// NewConfig creates a TCP channel configuration for host:port with default
// values, then applies the given options.
func NewConfig(host string, port int, opts ...Option) (*Config, error) {
	cfg := &Config{
		host:    host,
		port:    port,
		timeout: 5 * time.Second,
		eol:     []byte("\n"),
		noDelay: true,
		tos:     0x10,
		logger:  logger.GetLogger(),
	}

	if host == "" {
		return nil, errors.New("tcp: host is empty")
	}
	if port <= 0 || port > 65535 {
		return nil, errors.New("tcp: port is out of range [1, 65535]")
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.connectTimeout <= 0 {
		cfg.connectTimeout = cfg.timeout
	}

	return cfg, nil
}

// Addr returns the host:port string of the configuration.
func (cfg *Config) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.host, cfg.port)
}

// Timeout returns the configured default timeout.
func (cfg *Config) Timeout() time.Duration { return cfg.timeout }

// EOL returns the configured default line terminator.
func (cfg *Config) EOL() []byte { return cfg.eol }

// Option represents a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc struct {
	name      string
	applyFunc func(*Config) error
}

func (o *optFunc) apply(cfg *Config) error { return o.applyFunc(cfg) }

func newOptFunc(name string, f func(*Config) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithTimeout sets the default timeout for read/write operations.
func WithTimeout(timeout time.Duration) Option {
	return newOptFunc("WithTimeout", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if timeout <= 0 {
			return fmt.Errorf("tcp: invalid timeout: %v", timeout)
		}
		cfg.timeout = timeout

		return nil
	})
}

// WithConnectTimeout sets the timeout for connection establishment.
func WithConnectTimeout(timeout time.Duration) Option {
	return newOptFunc("WithConnectTimeout", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if timeout <= 0 {
			return fmt.Errorf("tcp: invalid connect timeout: %v", timeout)
		}
		cfg.connectTimeout = timeout

		return nil
	})
}

// WithEOL sets the default line terminator.
func WithEOL(eol []byte) Option {
	return newOptFunc("WithEOL", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if len(eol) == 0 {
			return errors.New("tcp: eol is empty")
		}
		cfg.eol = append([]byte(nil), eol...)

		return nil
	})
}

// WithNoDelay enables or disables TCP_NODELAY. The default is enabled.
func WithNoDelay(enable bool) Option {
	return newOptFunc("WithNoDelay", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		cfg.noDelay = enable

		return nil
	})
}

// WithTOS sets the IP type-of-service byte; zero leaves the OS default.
func WithTOS(tos int) Option {
	return newOptFunc("WithTOS", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if tos < 0 || tos > 0xFF {
			return fmt.Errorf("tcp: invalid TOS value: %d", tos)
		}
		cfg.tos = tos

		return nil
	})
}

// WithLogger sets the logger used for channel events.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if l == nil {
			return errors.New("tcp: logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
