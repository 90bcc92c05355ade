package serial

import (
	"errors"
	"fmt"
	"time"

	"github.com/beamkit/comm/logger"
)

// ErrConfigNil indicates that a nil Config was provided to an option.
var ErrConfigNil = errors.New("serial: config is nil")

// Parity setting of the serial line.
type Parity byte

const (
	ParityNone  Parity = 'N'
	ParityOdd   Parity = 'O'
	ParityEven  Parity = 'E'
	ParityMark  Parity = 'M'
	ParitySpace Parity = 'S'
)

// StopBits setting of the serial line.
type StopBits byte

const (
	StopBitsOne StopBits = 1
	StopBitsTwo StopBits = 2
)

// Config holds the configuration parameters of a serial channel.
type Config struct {
	// port is the device URL: a local device path (/dev/ttyS0), a telnet
	// COM-port redirector (rfc2217://host:port) or a ser2net server
	// (ser2net://host:port followed by a device name pattern).
	port string

	// baudrate of the line. Defaults to 9600.
	baudrate int

	// bytesize is the number of data bits, 5 to 8. Defaults to 8.
	bytesize int

	parity   Parity
	stopbits StopBits

	// timeout is the default timeout applied to every operation that does
	// not pass an explicit one.
	// Defaults to 5 seconds.
	timeout time.Duration

	// eol is the default line terminator used by ReadLine/WriteReadLine when
	// the call does not supply one.
	// Defaults to "\n".
	eol []byte

	// xonxoff enables software flow control; rtscts enables hardware flow
	// control. They are mutually exclusive.
	xonxoff bool
	rtscts  bool

	// dsrdtr enables DSR/DTR hardware flow control (local ports only).
	dsrdtr bool

	// interCharTimeout, when positive, lets a local read return once the
	// line goes idle for that long between characters.
	interCharTimeout time.Duration

	logger logger.Logger
}

// NewConfig creates a serial channel configuration for the given port URL
// with default values, then applies the given options.
func NewConfig(port string, opts ...Option) (*Config, error) {
	cfg := &Config{
		port:     port,
		baudrate: 9600,
		bytesize: 8,
		parity:   ParityNone,
		stopbits: StopBitsOne,
		timeout:  5 * time.Second,
		eol:      []byte("\n"),
		logger:   logger.GetLogger(),
	}

	if port == "" {
		return nil, errors.New("serial: port is empty")
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.xonxoff && cfg.rtscts {
		return nil, errors.New("serial: xonxoff and rtscts together are not supported")
	}

	return cfg, nil
}

// Port returns the device URL of the configuration.
func (cfg *Config) Port() string { return cfg.port }

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

// WithBaudrate sets the line speed in bits per second.
func WithBaudrate(baudrate int) Option {
	return newOptFunc("WithBaudrate", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if _, ok := baudFlags[baudrate]; !ok {
			return fmt.Errorf("serial: unsupported baudrate: %d", baudrate)
		}
		cfg.baudrate = baudrate

		return nil
	})
}

// WithByteSize sets the number of data bits, 5 to 8.
func WithByteSize(bits int) Option {
	return newOptFunc("WithByteSize", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if bits < 5 || bits > 8 {
			return fmt.Errorf("serial: bytesize is out of range [5, 8]: %d", bits)
		}
		cfg.bytesize = bits

		return nil
	})
}

// WithParity sets the parity mode.
func WithParity(parity Parity) Option {
	return newOptFunc("WithParity", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		switch parity {
		case ParityNone, ParityOdd, ParityEven, ParityMark, ParitySpace:
			cfg.parity = parity
			return nil
		default:
			return fmt.Errorf("serial: invalid parity: %q", parity)
		}
	})
}

// WithStopBits sets the number of stop bits.
func WithStopBits(stopbits StopBits) Option {
	return newOptFunc("WithStopBits", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if stopbits != StopBitsOne && stopbits != StopBitsTwo {
			return fmt.Errorf("serial: invalid stop bits: %d", stopbits)
		}
		cfg.stopbits = stopbits

		return nil
	})
}

// WithTimeout sets the default timeout for read/write operations.
func WithTimeout(timeout time.Duration) Option {
	return newOptFunc("WithTimeout", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if timeout <= 0 {
			return fmt.Errorf("serial: invalid timeout: %v", timeout)
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
			return errors.New("serial: eol is empty")
		}
		cfg.eol = append([]byte(nil), eol...)

		return nil
	})
}

// WithXonXoff enables software flow control.
func WithXonXoff(enable bool) Option {
	return newOptFunc("WithXonXoff", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		cfg.xonxoff = enable

		return nil
	})
}

// WithRtsCts enables hardware flow control.
func WithRtsCts(enable bool) Option {
	return newOptFunc("WithRtsCts", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		cfg.rtscts = enable

		return nil
	})
}

// WithDsrDtr enables DSR/DTR flow control on local ports.
func WithDsrDtr(enable bool) Option {
	return newOptFunc("WithDsrDtr", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		cfg.dsrdtr = enable

		return nil
	})
}

// WithInterCharTimeout sets the inter-character idle timeout of local reads.
func WithInterCharTimeout(timeout time.Duration) Option {
	return newOptFunc("WithInterCharTimeout", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if timeout < 0 {
			return fmt.Errorf("serial: invalid inter-character timeout: %v", timeout)
		}
		cfg.interCharTimeout = timeout

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
			return errors.New("serial: logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
