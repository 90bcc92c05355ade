package comm

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeoutError(t *testing.T) {
	require := require.New(t)

	err := &TimeoutError{Op: "readline", Addr: "10.0.0.1:5025", After: 3 * time.Second}
	require.ErrorIs(err, ErrTimeout)
	require.True(err.Timeout())
	require.Contains(err.Error(), "readline")
	require.Contains(err.Error(), "10.0.0.1:5025")
	require.Contains(err.Error(), "3s")

	require.NotErrorIs(err, ErrConnection)
}

func TestConnectionError(t *testing.T) {
	require := require.New(t)

	err := &ConnectionError{Addr: "/dev/ttyS0", Err: io.EOF}
	require.ErrorIs(err, ErrConnection)
	require.ErrorIs(err, io.EOF)
	require.Contains(err.Error(), "/dev/ttyS0")

	wrapped := fmt.Errorf("query failed: %w", err)
	require.ErrorIs(wrapped, ErrConnection)

	var connErr *ConnectionError
	require.True(errors.As(wrapped, &connErr))
	require.Equal("/dev/ttyS0", connErr.Addr)
}

func TestProtocolError(t *testing.T) {
	require := require.New(t)

	err := &ProtocolError{Op: "read", Addr: "plc1:5000", Want: 8, Got: 3}
	require.ErrorIs(err, ErrProtocol)
	require.Contains(err.Error(), "expected 8")
	require.Contains(err.Error(), "3 bytes")
}
