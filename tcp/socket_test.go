package tcp

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/beamkit/comm"
)

func newTestSocket(t *testing.T, srv *testServer, opts ...Option) *Socket {
	t.Helper()

	cfg, err := NewConfig(srv.host(), srv.port(), opts...)
	require.NoError(t, err)

	sock, err := NewSocket(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })

	return sock
}

func TestSocketReadLine(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("hello\nworld\n"))
		silentHandler(conn)
	})
	sock := newTestSocket(t, srv)

	line, err := sock.ReadLine(nil, time.Second)
	require.NoError(err)
	require.Equal([]byte("hello"), line)

	line, err = sock.ReadLine(nil, time.Second)
	require.NoError(err)
	require.Equal([]byte("world"), line)
}

func TestSocketReadLineCustomEOL(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("status=ok,EndOfAPI"))
		silentHandler(conn)
	})
	sock := newTestSocket(t, srv)

	line, err := sock.ReadLine([]byte(",EndOfAPI"), time.Second)
	require.NoError(err)
	require.Equal([]byte("status=ok"), line)
}

func TestSocketReadAcrossArrivals(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("ABC"))
		time.Sleep(50 * time.Millisecond)
		_, _ = conn.Write([]byte("DEFGH"))
		silentHandler(conn)
	})
	sock := newTestSocket(t, srv)

	msg, err := sock.Read(3, time.Second)
	require.NoError(err)
	require.Equal([]byte("ABC"), msg)

	msg, err = sock.Read(5, time.Second)
	require.NoError(err)
	require.Equal([]byte("DEFGH"), msg)
}

func TestSocketRawRead(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("xyz"))
		silentHandler(conn)
	})
	sock := newTestSocket(t, srv)

	require.NoError(sock.Open())
	time.Sleep(100 * time.Millisecond)

	msg, err := sock.RawRead(0, time.Second)
	require.NoError(err)
	require.Equal([]byte("xyz"), msg)
}

func TestSocketWriteReadLine(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, func(conn net.Conn) {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			reply := strings.ToUpper(scanner.Text())
			if _, err := conn.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	})

	defer leaktest.Check(t)()
	sock := newTestSocket(t, srv)

	synchro := comm.NewChanSynchro()
	reply, err := sock.WriteReadLine([]byte("*idn?\n"), synchro, nil, time.Second)
	require.NoError(err)
	require.Equal([]byte("*IDN?"), reply)

	select {
	case <-synchro.Done():
	default:
		t.Fatal("synchro was not notified")
	}

	require.NoError(sock.Close())
}

func TestSocketConcurrentWriteReadLine(t *testing.T) {
	srv := newTestServer(t, func(conn net.Conn) {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var reply string
			switch scanner.Text() {
			case "PING":
				reply = "PONG"
			case "FOO":
				reply = "BAR"
			default:
				reply = "?"
			}
			if _, err := conn.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	})
	sock := newTestSocket(t, srv)

	exchanges := map[string]string{"PING": "PONG", "FOO": "BAR"}

	var wg sync.WaitGroup
	for req, want := range exchanges {
		wg.Add(1)
		go func(req, want string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				reply, err := sock.WriteReadLine([]byte(req+"\n"), nil, nil, time.Second)
				require.NoError(t, err)
				require.Equal(t, []byte(want), reply)
			}
		}(req, want)
	}
	wg.Wait()
}

func TestSocketWriteRead(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, func(conn net.Conn) {
		buf := make([]byte, 4)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
			if string(buf) == "PING" {
				_, _ = conn.Write([]byte("PONG"))
			}
		}
	})
	sock := newTestSocket(t, srv)

	reply, err := sock.WriteRead([]byte("PING"), nil, 4, time.Second)
	require.NoError(err)
	require.Equal([]byte("PONG"), reply)
}

func TestSocketWriteReadLines(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, func(conn net.Conn) {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			if _, err := conn.Write([]byte("a\nb\nc\n")); err != nil {
				return
			}
		}
	})
	sock := newTestSocket(t, srv)

	lines, err := sock.WriteReadLines([]byte("multi\n"), 3, nil, nil, time.Second)
	require.NoError(err)
	require.Equal([][]byte{[]byte("a"), []byte("b"), []byte("c")}, lines)
}

func TestSocketReadTimeout(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, silentHandler)
	sock := newTestSocket(t, srv)

	start := time.Now()
	_, err := sock.Read(1, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(err)
	require.ErrorIs(err, comm.ErrTimeout)
	require.Contains(err.Error(), srv.addr())
	require.GreaterOrEqual(elapsed, 100*time.Millisecond)
	require.Less(elapsed, 2*time.Second)
}

func TestSocketConnectionRefused(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	require.NoError(ln.Close())

	cfg, err := NewConfig(host, mustAtoi(t, portStr), WithConnectTimeout(500*time.Millisecond))
	require.NoError(err)
	sock, err := NewSocket(cfg)
	require.NoError(err)
	defer sock.Close()

	_, err = sock.ReadLine(nil, time.Second)
	require.Error(err)
	require.ErrorIs(err, comm.ErrConnection)
}

func TestSocketLazyReopen(t *testing.T) {
	require := require.New(t)

	var mu sync.Mutex
	greetings := []string{"one\n", "two\n"}

	srv := newTestServer(t, func(conn net.Conn) {
		mu.Lock()
		greeting := greetings[0]
		if len(greetings) > 1 {
			greetings = greetings[1:]
		}
		mu.Unlock()

		_, _ = conn.Write([]byte(greeting))
		if greeting == "one\n" {
			return // drop the connection after the first greeting
		}
		silentHandler(conn)
	})
	sock := newTestSocket(t, srv)

	line, err := sock.ReadLine(nil, time.Second)
	require.NoError(err)
	require.Equal([]byte("one"), line)

	// Let the channel notice the peer hangup before the next call.
	time.Sleep(200 * time.Millisecond)

	line, err = sock.ReadLine(nil, time.Second)
	require.NoError(err)
	require.Equal([]byte("two"), line)
}

func TestSocketFlush(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("stale-noise"))
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			if _, err := conn.Write([]byte("ok\n")); err != nil {
				return
			}
		}
	})
	sock := newTestSocket(t, srv)

	require.NoError(sock.Open())
	time.Sleep(100 * time.Millisecond)
	require.NoError(sock.Flush())

	reply, err := sock.WriteReadLine([]byte("cmd\n"), nil, nil, time.Second)
	require.NoError(err)
	require.Equal([]byte("ok"), reply)
}

func TestSocketCloseIdempotent(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, silentHandler)

	defer leaktest.Check(t)()
	sock := newTestSocket(t, srv)

	require.NoError(sock.Open())
	require.NoError(sock.Close())
	require.NoError(sock.Close())
}

func TestSocketReadAfterClose(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("late\n"))
		silentHandler(conn)
	})
	sock := newTestSocket(t, srv)

	line, err := sock.ReadLine(nil, time.Second)
	require.NoError(err)
	require.Equal([]byte("late"), line)
	require.NoError(sock.Close())

	// A closed channel reopens lazily on the next call.
	line, err = sock.ReadLine(nil, time.Second)
	require.NoError(err)
	require.Equal([]byte("late"), line)
}
