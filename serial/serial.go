// Package serial provides a line-oriented serial channel for instrument
// control.
//
// The port URL selects the transport: a plain device path opens a local
// termios port, rfc2217://host:port tunnels the line over a telnet COM-port
// redirector, and ser2net://host:port<device> locates the device on a
// ser2net server and connects to its RFC2217 port. Whatever the transport,
// the channel behaves identically: a background reader drains the line into
// a shared buffer and reads extract size- or delimiter-bounded messages.
package serial

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/beamkit/comm"
	"github.com/beamkit/comm/tcp"
)

// Serial is the shared-buffer serial channel.
type Serial struct {
	*comm.StreamChannel
	cfg *Config
}

var _ comm.Channel = (*Serial)(nil)

// NewSerial creates a serial channel from the given configuration. The port
// is opened lazily by the first I/O call (or by Open).
func NewSerial(cfg *Config) (*Serial, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}

	s := &Serial{cfg: cfg}
	s.StreamChannel = comm.NewStream(&serialConnector{cfg: cfg}, cfg.timeout, cfg.eol, cfg.logger)

	return s, nil
}

// New creates a serial channel for the given port URL.
func New(port string, opts ...Option) (*Serial, error) {
	cfg, err := NewConfig(port, opts...)
	if err != nil {
		return nil, err
	}

	return NewSerial(cfg)
}

var (
	rfc2217URL = regexp.MustCompile(`^(rfc2217://)?([^:/]+?):([0-9]+)$`)
	ser2netURL = regexp.MustCompile(`^(ser2net://)?([^:/]+?):([0-9]+)(.+)$`)
)

// serialConnector opens the port backend matching the configured URL scheme.
type serialConnector struct {
	cfg *Config
}

func (c *serialConnector) Addr() string { return c.cfg.port }

func (c *serialConnector) Connect(timeout time.Duration) (comm.Port, error) {
	port := strings.ToLower(c.cfg.port)
	switch {
	case strings.HasPrefix(port, "rfc2217://"):
		return c.connectRFC2217(c.cfg.port, timeout)
	case strings.HasPrefix(port, "ser2net://"):
		return c.connectSER2NET(timeout)
	default:
		return openLocalPort(c.cfg)
	}
}

func (c *serialConnector) connectRFC2217(url string, timeout time.Duration) (comm.Port, error) {
	m := rfc2217URL.FindStringSubmatch(url)
	if m == nil {
		return nil, fmt.Errorf("serial: port is not a valid rfc2217 url: %s", url)
	}

	return openRFC2217Port(c.cfg, m[2]+":"+m[3], timeout, c.cfg.logger)
}

// connectSER2NET asks the ser2net control server which TCP port serves the
// configured device, then connects to it with the RFC2217 backend.
func (c *serialConnector) connectSER2NET(timeout time.Duration) (comm.Port, error) {
	m := ser2netURL.FindStringSubmatch(c.cfg.port)
	if m == nil {
		return nil, fmt.Errorf("serial: port is not a valid ser2net url: %s", c.cfg.port)
	}
	host, ctlPort, device := m[2], m[3], m[4]

	ctl, err := tcp.New("command://"+host+":"+ctlPort,
		tcp.WithEOL([]byte("\r\n->")),
		tcp.WithTimeout(timeout),
		tcp.WithLogger(c.cfg.logger),
	)
	if err != nil {
		return nil, err
	}
	defer ctl.Close()

	req := []byte("showshortport\n\r")
	rx, err := ctl.WriteReadLine(req, nil, nil, timeout)
	if err != nil {
		return nil, fmt.Errorf("serial: ser2net query failed: %w", err)
	}

	// The reply echoes the request before the port table.
	reply := string(rx)
	if pos := strings.Index(reply, string(req)); pos != -1 {
		reply = reply[pos+len(req):]
	}

	linePattern, err := regexp.Compile(`^([0-9]+).+?` + regexp.QuoteMeta(device))
	if err != nil {
		return nil, err
	}

	for _, line := range strings.Split(reply, "\r\n") {
		g := linePattern.FindStringSubmatch(line)
		if g == nil {
			continue
		}
		rfcPort, err := strconv.Atoi(g[1])
		if err != nil {
			continue
		}

		return openRFC2217Port(c.cfg, host+":"+strconv.Itoa(rfcPort), timeout, c.cfg.logger)
	}

	return nil, fmt.Errorf("serial: device %s not found on ser2net server %s:%s", device, host, ctlPort)
}
