package serial

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/beamkit/comm/logger"
)

// Telnet protocol bytes (RFC 854).
const (
	telnetIAC  = 0xFF
	telnetDONT = 0xFE
	telnetDO   = 0xFD
	telnetWONT = 0xFC
	telnetWILL = 0xFB
	telnetSB   = 0xFA
	telnetSE   = 0xF0
)

// Telnet options.
const (
	optBinary        = 0
	optEcho          = 1
	optSGA           = 3
	optComPortOption = 44
)

// COM-PORT-OPTION suboptions (RFC 2217). The server acknowledges and
// notifies with the client value offset by 100.
const (
	comSetBaudrate        = 1
	comSetDatasize        = 2
	comSetParity          = 3
	comSetStopsize        = 4
	comSetControl         = 5
	comNotifyLinestate    = 6
	comNotifyModemstate   = 7
	comFlowControlSuspend = 8
	comFlowControlResume  = 9
	comPurgeData          = 12

	comServerOffset = 100
)

// SET_CONTROL values.
const (
	controlUseNoFlow = 1
	controlUseSwFlow = 2
	controlUseHwFlow = 3
)

// PURGE_DATA values.
const purgeReceiveBuffer = 1

var rfc2217ParityCode = map[Parity]byte{
	ParityNone:  1,
	ParityOdd:   2,
	ParityEven:  3,
	ParityMark:  4,
	ParitySpace: 5,
}

// ErrNegotiation indicates that the RFC2217 server rejected or never
// acknowledged a requested option or port setting.
var ErrNegotiation = errors.New("serial: rfc2217 negotiation failed")

// Telnet decoder states.
const (
	stData = iota
	stIAC
	stNego
	stSub
	stSubIAC
)

// rfc2217Port tunnels a serial line over a telnet connection to a COM-port
// redirector (RFC 2217). The line parameters are negotiated in-band during
// Connect; afterwards the decoder strips telnet commands out of the byte
// stream and Write escapes IAC bytes.
//
// The decoder state is only touched by Connect (before the background reader
// exists) and then by the single reader goroutine, so it needs no lock.
type rfc2217Port struct {
	conn net.Conn
	log  logger.Logger

	// decoder
	state   int
	negoCmd byte
	subBuf  []byte
	pending []byte
	scratch [4096]byte

	usActive   map[byte]bool
	themActive map[byte]bool
	replies    []byte

	ackMu  sync.Mutex
	acks   map[byte][]byte
	purgeC chan struct{}

	linestate     byte
	modemstate    byte
	remoteSuspend bool

	wmu sync.Mutex // serializes application writes and decoder replies
}

// openRFC2217Port dials hostport and performs the telnet and COM-port-option
// negotiation for the configured line parameters. The timeout bounds the
// whole establishment.
func openRFC2217Port(cfg *Config, hostport string, timeout time.Duration, log logger.Logger) (*rfc2217Port, error) {
	conn, err := net.DialTimeout("tcp", hostport, timeout)
	if err != nil {
		return nil, err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	_ = ipv4.NewConn(conn).SetTOS(0x10)

	p := &rfc2217Port{
		conn:       conn,
		log:        log,
		usActive:   make(map[byte]bool),
		themActive: make(map[byte]bool),
		acks:       make(map[byte][]byte),
		purgeC:     make(chan struct{}, 1),
	}

	if err := p.negotiate(cfg, timeout); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return p, nil
}

func (p *rfc2217Port) negotiate(cfg *Config, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if err := p.conn.SetDeadline(deadline); err != nil {
		return err
	}

	// Initial option requests: binary transmission both ways, suppress
	// go-ahead and the COM-port extension.
	req := []byte{
		telnetIAC, telnetDO, optEcho,
		telnetIAC, telnetWILL, optSGA,
		telnetIAC, telnetDO, optSGA,
		telnetIAC, telnetWILL, optBinary,
		telnetIAC, telnetDO, optBinary,
		telnetIAC, telnetWILL, optComPortOption,
		telnetIAC, telnetDO, optComPortOption,
	}
	if err := p.sendRaw(req); err != nil {
		return err
	}

	// The server must accept binary mode and the COM-port extension before
	// any line parameter can be set.
	err := p.pump(func() bool {
		return p.usActive[optBinary] && p.usActive[optComPortOption]
	})
	if err != nil {
		return fmt.Errorf("%w: options not accepted: %v", ErrNegotiation, err)
	}

	baud := make([]byte, 4)
	binary.BigEndian.PutUint32(baud, uint32(cfg.baudrate))

	control := byte(controlUseNoFlow)
	if cfg.rtscts {
		control = controlUseHwFlow
	} else if cfg.xonxoff {
		control = controlUseSwFlow
	}

	settings := []struct {
		suboption byte
		value     []byte
	}{
		{comSetBaudrate, baud},
		{comSetDatasize, []byte{byte(cfg.bytesize)}},
		{comSetParity, []byte{rfc2217ParityCode[cfg.parity]}},
		{comSetStopsize, []byte{byte(cfg.stopbits)}},
		{comSetControl, []byte{control}},
	}
	for _, s := range settings {
		if err := p.sendSubnegotiation(s.suboption, s.value); err != nil {
			return err
		}
	}

	err = p.pump(func() bool {
		p.ackMu.Lock()
		defer p.ackMu.Unlock()
		for _, s := range settings {
			if p.acks[s.suboption] == nil {
				return false
			}
		}

		return true
	})
	if err != nil {
		return fmt.Errorf("%w: port settings not acknowledged: %v", ErrNegotiation, err)
	}

	p.ackMu.Lock()
	defer p.ackMu.Unlock()
	for _, s := range settings {
		if !bytes.Equal(p.acks[s.suboption], s.value) {
			return fmt.Errorf("%w: server set %d to %v instead of %v",
				ErrNegotiation, s.suboption, p.acks[s.suboption], s.value)
		}
	}

	p.log.Debug("rfc2217 line configured",
		"baudrate", cfg.baudrate, "bytesize", cfg.bytesize,
		"parity", string(cfg.parity), "stopbits", int(cfg.stopbits))

	return p.conn.SetDeadline(time.Time{})
}

// pump reads and decodes until done reports true. Used only during
// negotiation; the connection deadline bounds it.
func (p *rfc2217Port) pump(done func() bool) error {
	for !done() {
		n, err := p.conn.Read(p.scratch[:])
		if n > 0 {
			if ferr := p.feed(p.scratch[:n]); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// Read returns decoded data bytes, pulling from the connection until the
// decoder produces at least one.
func (p *rfc2217Port) Read(b []byte) (int, error) {
	for len(p.pending) == 0 {
		n, err := p.conn.Read(p.scratch[:])
		if n > 0 {
			if ferr := p.feed(p.scratch[:n]); ferr != nil {
				return 0, ferr
			}
		}
		if err != nil {
			if len(p.pending) > 0 {
				break
			}

			return 0, err
		}
	}

	n := copy(b, p.pending)
	p.pending = p.pending[n:]

	return n, nil
}

// Write escapes IAC bytes and sends the payload.
func (p *rfc2217Port) Write(b []byte) (int, error) {
	escaped := bytes.ReplaceAll(b, []byte{telnetIAC}, []byte{telnetIAC, telnetIAC})
	if err := p.sendRaw(escaped); err != nil {
		return 0, err
	}

	return len(b), nil
}

func (p *rfc2217Port) SetWriteDeadline(t time.Time) error {
	return p.conn.SetWriteDeadline(t)
}

// Flush asks the server to purge its receive buffer and waits for the
// acknowledgment.
func (p *rfc2217Port) Flush() error {
	if err := p.sendSubnegotiation(comPurgeData, []byte{purgeReceiveBuffer}); err != nil {
		return err
	}

	select {
	case <-p.purgeC:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("%w: purge not acknowledged", ErrNegotiation)
	}
}

func (p *rfc2217Port) Close() error {
	return p.conn.Close()
}

func (p *rfc2217Port) sendRaw(b []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	_, err := p.conn.Write(b)

	return err
}

func (p *rfc2217Port) sendSubnegotiation(suboption byte, value []byte) error {
	escaped := bytes.ReplaceAll(value, []byte{telnetIAC}, []byte{telnetIAC, telnetIAC})

	msg := make([]byte, 0, len(escaped)+6)
	msg = append(msg, telnetIAC, telnetSB, optComPortOption, suboption)
	msg = append(msg, escaped...)
	msg = append(msg, telnetIAC, telnetSE)

	return p.sendRaw(msg)
}

// feed runs the telnet decoder over one received chunk: data bytes accumulate
// in pending, commands are answered, COM-port notifications update the cached
// line state.
func (p *rfc2217Port) feed(chunk []byte) error {
	for _, b := range chunk {
		switch p.state {
		case stData:
			if b == telnetIAC {
				p.state = stIAC
			} else {
				p.pending = append(p.pending, b)
			}
		case stIAC:
			switch b {
			case telnetIAC:
				p.pending = append(p.pending, telnetIAC)
				p.state = stData
			case telnetDO, telnetDONT, telnetWILL, telnetWONT:
				p.negoCmd = b
				p.state = stNego
			case telnetSB:
				p.subBuf = p.subBuf[:0]
				p.state = stSub
			default:
				p.state = stData
			}
		case stNego:
			p.handleNegotiation(p.negoCmd, b)
			p.state = stData
		case stSub:
			if b == telnetIAC {
				p.state = stSubIAC
			} else {
				p.subBuf = append(p.subBuf, b)
			}
		case stSubIAC:
			switch b {
			case telnetIAC:
				p.subBuf = append(p.subBuf, telnetIAC)
				p.state = stSub
			case telnetSE:
				p.handleSubnegotiation(p.subBuf)
				p.state = stData
			default:
				p.state = stData
			}
		}
	}

	if len(p.replies) > 0 {
		replies := p.replies
		p.replies = nil

		return p.sendRaw(replies)
	}

	return nil
}

func (p *rfc2217Port) handleNegotiation(cmd, opt byte) {
	offered := opt == optBinary || opt == optSGA || opt == optComPortOption
	accepted := offered || opt == optEcho

	switch cmd {
	case telnetDO:
		if offered {
			if !p.usActive[opt] {
				p.usActive[opt] = true
				p.replies = append(p.replies, telnetIAC, telnetWILL, opt)
			}
		} else {
			p.replies = append(p.replies, telnetIAC, telnetWONT, opt)
		}
	case telnetDONT:
		p.usActive[opt] = false
	case telnetWILL:
		if accepted {
			if !p.themActive[opt] {
				p.themActive[opt] = true
				p.replies = append(p.replies, telnetIAC, telnetDO, opt)
			}
		} else {
			p.replies = append(p.replies, telnetIAC, telnetDONT, opt)
		}
	case telnetWONT:
		p.themActive[opt] = false
	}
}

func (p *rfc2217Port) handleSubnegotiation(sub []byte) {
	if len(sub) < 2 || sub[0] != optComPortOption {
		return
	}
	suboption, value := sub[1], sub[2:]

	switch suboption {
	case comServerOffset + comNotifyLinestate:
		if len(value) > 0 {
			p.linestate = value[0]
		}
	case comServerOffset + comNotifyModemstate:
		if len(value) > 0 {
			p.modemstate = value[0]
		}
	case comServerOffset + comFlowControlSuspend:
		p.remoteSuspend = true
	case comServerOffset + comFlowControlResume:
		p.remoteSuspend = false
	case comServerOffset + comPurgeData:
		select {
		case p.purgeC <- struct{}{}:
		default:
		}
	case comServerOffset + comSetBaudrate,
		comServerOffset + comSetDatasize,
		comServerOffset + comSetParity,
		comServerOffset + comSetStopsize,
		comServerOffset + comSetControl:
		p.ackMu.Lock()
		p.acks[suboption-comServerOffset] = append([]byte(nil), value...)
		p.ackMu.Unlock()
	}
}
