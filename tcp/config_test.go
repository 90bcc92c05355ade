package tcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beamkit/comm/logger"
)

func TestNewConfig(t *testing.T) {
	require := require.New(t)

	t.Run("Valid Configuration", func(t *testing.T) {
		cfg, err := NewConfig("192.168.1.1", 5025,
			WithTimeout(10*time.Second),
			WithConnectTimeout(2*time.Second),
			WithEOL([]byte("\r\n")),
			WithNoDelay(false),
			WithTOS(0),
		)
		require.NoError(err)
		require.Equal("192.168.1.1", cfg.host)
		require.Equal(5025, cfg.port)
		require.Equal("192.168.1.1:5025", cfg.Addr())
		require.Equal(10*time.Second, cfg.timeout)
		require.Equal(2*time.Second, cfg.connectTimeout)
		require.Equal([]byte("\r\n"), cfg.eol)
		require.False(cfg.noDelay)
		require.Equal(0, cfg.tos)
	})

	t.Run("Defaults", func(t *testing.T) {
		cfg, err := NewConfig("localhost", 5025)
		require.NoError(err)
		require.Equal(5*time.Second, cfg.timeout)
		require.Equal(cfg.timeout, cfg.connectTimeout)
		require.Equal([]byte("\n"), cfg.eol)
		require.True(cfg.noDelay)
		require.Equal(0x10, cfg.tos)
		require.NotNil(cfg.logger)
	})

	t.Run("Empty Host", func(t *testing.T) {
		_, err := NewConfig("", 5025)
		require.Error(err)
		require.EqualError(err, "tcp: host is empty")
	})

	t.Run("Port Out of Range", func(t *testing.T) {
		_, err := NewConfig("localhost", 0)
		require.Error(err)
		require.EqualError(err, "tcp: port is out of range [1, 65535]")

		_, err = NewConfig("localhost", 65536)
		require.Error(err)
		require.EqualError(err, "tcp: port is out of range [1, 65535]")
	})

	t.Run("Invalid Timeout", func(t *testing.T) {
		_, err := NewConfig("localhost", 5025, WithTimeout(0))
		require.Error(err)

		_, err = NewConfig("localhost", 5025, WithConnectTimeout(-time.Second))
		require.Error(err)
	})

	t.Run("Empty EOL", func(t *testing.T) {
		_, err := NewConfig("localhost", 5025, WithEOL(nil))
		require.Error(err)
		require.EqualError(err, "tcp: eol is empty")
	})

	t.Run("Invalid TOS", func(t *testing.T) {
		_, err := NewConfig("localhost", 5025, WithTOS(-1))
		require.Error(err)

		_, err = NewConfig("localhost", 5025, WithTOS(256))
		require.Error(err)
	})

	t.Run("Nil Logger", func(t *testing.T) {
		_, err := NewConfig("localhost", 5025, WithLogger(nil))
		require.Error(err)
	})

	t.Run("Nil Config", func(t *testing.T) {
		err := WithTimeout(time.Second).apply(nil)
		require.ErrorIs(err, ErrConfigNil)

		err = WithLogger(logger.GetLogger()).apply(nil)
		require.ErrorIs(err, ErrConfigNil)
	})
}
