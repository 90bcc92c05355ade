package udp

import (
	"errors"
	"fmt"
	"time"

	"github.com/beamkit/comm/logger"
)

// ErrConfigNil indicates that a nil Config was provided to an option.
var ErrConfigNil = errors.New("udp: config is nil")

// Config holds the configuration parameters of a UDP channel.
type Config struct {
	host string
	port int

	// timeout is the default timeout applied to every operation that does
	// not pass an explicit one.
	// Defaults to 5 seconds.
	timeout time.Duration

	// eol is the default line terminator used by ReadLine/WriteReadLine when
	// the call does not supply one.
	// Defaults to "\n".
	eol []byte

	logger logger.Logger
}

// NewConfig creates a UDP channel configuration for host:port with default
// values, then applies the given options.
func NewConfig(host string, port int, opts ...Option) (*Config, error) {
	cfg := &Config{
		host:    host,
		port:    port,
		timeout: 5 * time.Second,
		eol:     []byte("\n"),
		logger:  logger.GetLogger(),
	}

	if host == "" {
		return nil, errors.New("udp: host is empty")
	}
	if port <= 0 || port > 65535 {
		return nil, errors.New("udp: port is out of range [1, 65535]")
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Addr returns the host:port string of the configuration.
func (cfg *Config) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.host, cfg.port)
}

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
			return fmt.Errorf("udp: invalid timeout: %v", timeout)
		}
		cfg.timeout = timeout

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
			return errors.New("udp: eol is empty")
		}
		cfg.eol = append([]byte(nil), eol...)

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
			return errors.New("udp: logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
