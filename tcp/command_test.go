package tcp

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/beamkit/comm"
)

func newTestCommand(t *testing.T, srv *testServer, opts ...Option) *Command {
	t.Helper()

	cfg, err := NewConfig(srv.host(), srv.port(), opts...)
	require.NoError(t, err)

	cmd, err := NewCommand(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cmd.Close() })

	return cmd
}

func TestCommandWriteReadLine(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, lineEchoHandler("echo:"))
	cmd := newTestCommand(t, srv)

	reply, err := cmd.WriteReadLine([]byte("*idn?\n"), nil, nil, time.Second)
	require.NoError(err)
	require.Equal([]byte("echo:*idn?"), reply)
}

func TestCommandPipelinedExchanges(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, lineEchoHandler("echo:"))
	cmd := newTestCommand(t, srv)

	const workers = 8

	var wg sync.WaitGroup
	results := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			msg := []byte("req-" + string(rune('a'+id)) + "\n")
			reply, err := cmd.WriteReadLine(msg, nil, nil, 2*time.Second)
			if err == nil {
				results[id] = string(reply)
			}
		}(i)
	}
	wg.Wait()

	// Each caller must receive the response to its own request, never a
	// sibling's, regardless of interleaving.
	for i := 0; i < workers; i++ {
		require.Equal("echo:req-"+string(rune('a'+i)), results[i])
	}
}

func TestCommandCloseDuringWrite(t *testing.T) {
	srv := newTestServer(t, lineEchoHandler(""))
	cmd := newTestCommand(t, srv)

	// Hammer Write against concurrent Close: the writer must either succeed
	// on a freshly reopened connection or fail with a channel error, never
	// crash on the connection Close tears down.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := cmd.Write([]byte("ping\n"), time.Second); err != nil {
				require.ErrorIs(t, err, comm.ErrConnection)
			}
		}()
		go func() {
			defer wg.Done()
			require.NoError(t, cmd.Close())
		}()
		wg.Wait()
	}
}

func TestCommandMergeForward(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, func(conn net.Conn) {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			// Reply plus bytes that belong to the next exchange.
			if _, err := conn.Write([]byte("12345678\nEXTRA")); err != nil {
				return
			}
		}
	})
	cmd := newTestCommand(t, srv)

	reply, err := cmd.WriteReadLine([]byte("go\n"), nil, nil, time.Second)
	require.NoError(err)
	require.Equal([]byte("12345678"), reply)

	// The trailing bytes must not be lost: the next read picks them up.
	msg, err := cmd.Read(5, time.Second)
	require.NoError(err)
	require.Equal([]byte("EXTRA"), msg)
}

func TestCommandWriteReadLines(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, func(conn net.Conn) {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			if _, err := conn.Write([]byte("a\nb\nc\n")); err != nil {
				return
			}
		}
	})
	cmd := newTestCommand(t, srv)

	lines, err := cmd.WriteReadLines([]byte("multi\n"), 3, nil, nil, time.Second)
	require.NoError(err)
	require.Equal([][]byte{[]byte("a"), []byte("b"), []byte("c")}, lines)
}

func TestCommandWriteRead(t *testing.T) {
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
	cmd := newTestCommand(t, srv)

	synchro := comm.NewChanSynchro()
	reply, err := cmd.WriteRead([]byte("PING"), synchro, 4, time.Second)
	require.NoError(err)
	require.Equal([]byte("PONG"), reply)

	select {
	case <-synchro.Done():
	default:
		t.Fatal("synchro was not notified")
	}
}

func TestCommandReadTimeout(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, silentHandler)
	cmd := newTestCommand(t, srv)

	start := time.Now()
	_, err := cmd.WriteRead([]byte("PING"), nil, 4, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(err)
	require.ErrorIs(err, comm.ErrTimeout)
	require.Contains(err.Error(), srv.addr())
	require.GreaterOrEqual(elapsed, 100*time.Millisecond)
	require.Less(elapsed, 2*time.Second)
}

func TestCommandPeerCloseFailsPending(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, func(conn net.Conn) {
		buf := make([]byte, 64)
		_, _ = conn.Read(buf)
		// Hang up instead of answering.
	})
	cmd := newTestCommand(t, srv)

	_, err := cmd.WriteReadLine([]byte("bye\n"), nil, nil, 2*time.Second)
	require.Error(err)
	require.ErrorIs(err, comm.ErrConnection)
}

func TestCommandUnsolicitedDataFlushed(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("noise"))
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			if _, err := conn.Write([]byte("echo:" + scanner.Text() + "\n")); err != nil {
				return
			}
		}
	})
	cmd := newTestCommand(t, srv)

	require.NoError(cmd.Open())
	time.Sleep(100 * time.Millisecond)
	require.NoError(cmd.Flush())

	reply, err := cmd.WriteReadLine([]byte("ping\n"), nil, nil, time.Second)
	require.NoError(err)
	require.Equal([]byte("echo:ping"), reply)
}

func TestCommandUnsolicitedDataRetained(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("HELLO"))
		silentHandler(conn)
	})
	cmd := newTestCommand(t, srv)

	require.NoError(cmd.Open())
	time.Sleep(100 * time.Millisecond)

	// Bytes received with no transaction outstanding seed the next one.
	msg, err := cmd.Read(5, time.Second)
	require.NoError(err)
	require.Equal([]byte("HELLO"), msg)
}

func TestCommandCloseIdempotent(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, silentHandler)

	defer leaktest.Check(t)()
	cmd := newTestCommand(t, srv)

	require.NoError(cmd.Open())
	require.NoError(cmd.Close())
	require.NoError(cmd.Close())
}

func TestCommandLazyReopen(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, lineEchoHandler("echo:"))
	cmd := newTestCommand(t, srv)

	reply, err := cmd.WriteReadLine([]byte("one\n"), nil, nil, time.Second)
	require.NoError(err)
	require.Equal([]byte("echo:one"), reply)

	require.NoError(cmd.Close())

	reply, err = cmd.WriteReadLine([]byte("two\n"), nil, nil, time.Second)
	require.NoError(err)
	require.Equal([]byte("echo:two"), reply)
}
