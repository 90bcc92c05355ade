package serial

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// baudFlags maps line speeds to termios Bxxx flags.
var baudFlags = map[int]uint32{
	50:      unix.B50,
	75:      unix.B75,
	110:     unix.B110,
	134:     unix.B134,
	150:     unix.B150,
	200:     unix.B200,
	300:     unix.B300,
	600:     unix.B600,
	1200:    unix.B1200,
	1800:    unix.B1800,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1152000: unix.B1152000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
	2500000: unix.B2500000,
	3000000: unix.B3000000,
	3500000: unix.B3500000,
	4000000: unix.B4000000,
}

// localPort is a raw-mode termios serial device. Reads block in poll(2) on
// the device and a self-pipe; closing the port writes the pipe, which
// unblocks a pending Read immediately instead of waiting for line activity.
type localPort struct {
	fd    int
	pipeR int
	pipeW int

	// dropDTR records that the DTR line was asserted at open and must be
	// released again on Close.
	dropDTR bool

	closeOnce sync.Once
	closeErr  error
}

func openLocalPort(cfg *Config) (*localPort, error) {
	fd, err := unix.Open(cfg.port, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.port, err)
	}

	if err := configureTermios(fd, cfg); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	if err := unix.SetNonblock(fd, false); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set blocking %s: %w", cfg.port, err)
	}

	// DSR/DTR handshake: assert DTR so the device sees the host as ready.
	// Fails on devices without modem lines rather than pretending the
	// handshake is in place.
	if cfg.dsrdtr {
		if err := unix.IoctlSetPointerInt(fd, unix.TIOCMBIS, unix.TIOCM_DTR); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("assert DTR on %s: %w", cfg.port, err)
		}
	}

	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("self pipe: %w", err)
	}

	return &localPort{fd: fd, pipeR: pipeFds[0], pipeW: pipeFds[1], dropDTR: cfg.dsrdtr}, nil
}

func configureTermios(fd int, cfg *Config) error {
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios %s: %w", cfg.port, err)
	}

	// Raw mode.
	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag |= unix.CLOCAL | unix.CREAD

	tio.Cflag &^= unix.CSIZE
	switch cfg.bytesize {
	case 5:
		tio.Cflag |= unix.CS5
	case 6:
		tio.Cflag |= unix.CS6
	case 7:
		tio.Cflag |= unix.CS7
	default:
		tio.Cflag |= unix.CS8
	}

	tio.Cflag &^= unix.PARENB | unix.PARODD | unix.CMSPAR
	switch cfg.parity {
	case ParityOdd:
		tio.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		tio.Cflag |= unix.PARENB
	case ParityMark:
		tio.Cflag |= unix.PARENB | unix.CMSPAR | unix.PARODD
	case ParitySpace:
		tio.Cflag |= unix.PARENB | unix.CMSPAR
	}

	if cfg.stopbits == StopBitsTwo {
		tio.Cflag |= unix.CSTOPB
	} else {
		tio.Cflag &^= unix.CSTOPB
	}

	if cfg.rtscts {
		tio.Cflag |= unix.CRTSCTS
	} else {
		tio.Cflag &^= unix.CRTSCTS
	}
	if cfg.xonxoff {
		tio.Iflag |= unix.IXON | unix.IXOFF
	}

	baud := baudFlags[cfg.baudrate]
	tio.Cflag &^= unix.CBAUD
	tio.Cflag |= baud
	tio.Ispeed = baud
	tio.Ospeed = baud

	// VMIN=1 blocks until the first byte; a positive inter-character timeout
	// lets a read return once the line goes idle.
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0
	if cfg.interCharTimeout > 0 {
		decis := cfg.interCharTimeout.Milliseconds() / 100
		if decis < 1 {
			decis = 1
		} else if decis > 255 {
			decis = 255
		}
		tio.Cc[unix.VTIME] = uint8(decis)
	}

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		return fmt.Errorf("set termios %s: %w", cfg.port, err)
	}

	return nil
}

func (p *localPort) Read(b []byte) (int, error) {
	for {
		pfd := []unix.PollFd{
			{Fd: int32(p.fd), Events: unix.POLLIN},
			{Fd: int32(p.pipeR), Events: unix.POLLIN},
		}
		n, err := unix.Poll(pfd, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			continue
		}

		if pfd[1].Revents != 0 {
			// Close requested.
			return 0, io.EOF
		}
		if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return 0, io.EOF
		}
		if pfd[0].Revents&unix.POLLIN == 0 {
			continue
		}

		rn, err := unix.Read(p.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if rn == 0 {
			return 0, io.EOF
		}

		return rn, nil
	}
}

func (p *localPort) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		pfd := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLOUT}}
		if _, err := unix.Poll(pfd, -1); err != nil {
			if err == unix.EINTR {
				continue
			}

			return written, err
		}

		n, err := unix.Write(p.fd, b[written:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return written, err
		}
		written += n
	}

	return written, nil
}

// Flush discards the device-side input queue.
func (p *localPort) Flush() error {
	return unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIFLUSH)
}

func (p *localPort) Close() error {
	p.closeOnce.Do(func() {
		// Wake up a blocked Read before tearing the descriptors down.
		_, _ = unix.Write(p.pipeW, []byte{0})
		if p.dropDTR {
			_ = unix.IoctlSetPointerInt(p.fd, unix.TIOCMBIC, unix.TIOCM_DTR)
		}
		p.closeErr = unix.Close(p.fd)
		_ = unix.Close(p.pipeR)
		_ = unix.Close(p.pipeW)
	})

	return p.closeErr
}
