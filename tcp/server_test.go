package tcp

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// testServer is a loopback TCP server driven by a per-connection handler.
type testServer struct {
	t  *testing.T
	ln net.Listener
	wg sync.WaitGroup
}

func newTestServer(t *testing.T, handler func(conn net.Conn)) *testServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{t: t, ln: ln}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer conn.Close()
				handler(conn)
			}()
		}
	}()

	t.Cleanup(s.close)

	return s
}

func (s *testServer) close() {
	_ = s.ln.Close()
	s.wg.Wait()
}

func (s *testServer) host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

func (s *testServer) port() int {
	_, portStr, _ := net.SplitHostPort(s.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	return port
}

func (s *testServer) addr() string { return s.ln.Addr().String() }

// lineEchoHandler replies to every received line with prefix + line + "\n".
func lineEchoHandler(prefix string) func(conn net.Conn) {
	return func(conn net.Conn) {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			if _, err := conn.Write([]byte(prefix + scanner.Text() + "\n")); err != nil {
				return
			}
		}
	}
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()

	n, err := strconv.Atoi(s)
	require.NoError(t, err)

	return n
}

// silentHandler accepts the connection and never sends anything.
func silentHandler(conn net.Conn) {
	buf := make([]byte, 1024)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}
