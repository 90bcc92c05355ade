package tcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	require := require.New(t)

	t.Run("socket scheme", func(t *testing.T) {
		ch, err := New("socket://192.168.1.1:5025")
		require.NoError(err)
		require.IsType(&Socket{}, ch)
		require.Equal("192.168.1.1:5025", ch.Addr())
		require.NoError(ch.Close())
	})

	t.Run("command scheme", func(t *testing.T) {
		ch, err := New("command://192.168.1.1:5025")
		require.NoError(err)
		require.IsType(&Command{}, ch)
		require.Equal("192.168.1.1:5025", ch.Addr())
		require.NoError(ch.Close())
	})

	t.Run("bare host:port defaults to socket", func(t *testing.T) {
		ch, err := New("192.168.1.1:5025")
		require.NoError(err)
		require.IsType(&Socket{}, ch)
		require.NoError(ch.Close())
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := New("gopher://192.168.1.1:5025")
		require.Error(err)
		require.Contains(err.Error(), "unsupported scheme")
	})

	t.Run("missing port", func(t *testing.T) {
		_, err := New("socket://192.168.1.1")
		require.Error(err)
	})

	t.Run("non-numeric port", func(t *testing.T) {
		_, err := New("socket://192.168.1.1:abc")
		require.Error(err)
	})
}
