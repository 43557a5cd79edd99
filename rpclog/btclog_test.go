package rpclog_test

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/barebitcoin/btc-mcp/rpclog"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := rpclog.New(zerolog.New(&buf).Level(zerolog.InfoLevel), "TXSC")

	t.Run("tags the subsystem", func(t *testing.T) {
		buf.Reset()
		logger.Infof("opcode %d", 172)
		require.Contains(t, buf.String(), `"subsystem":"TXSC"`)
		require.Contains(t, buf.String(), `"message":"opcode 172"`)
		require.Contains(t, buf.String(), `"level":"info"`)
	})

	t.Run("critical maps to error", func(t *testing.T) {
		buf.Reset()
		logger.Critical("bad", " script")
		require.Contains(t, buf.String(), `"level":"error"`)
		require.Contains(t, buf.String(), `"message":"bad script"`)
	})

	t.Run("respects the level", func(t *testing.T) {
		buf.Reset()
		logger.Debugf("hidden")
		require.Empty(t, buf.String())
		require.Equal(t, btclog.LevelInfo, logger.Level())
	})

	t.Run("set level", func(t *testing.T) {
		logger.SetLevel(btclog.LevelWarn)
		require.Equal(t, btclog.LevelWarn, logger.Level())

		buf.Reset()
		logger.Info("hidden")
		require.Empty(t, buf.String())

		logger.SetLevel(btclog.LevelOff)
		require.Equal(t, btclog.LevelOff, logger.Level())
		logger.Error("hidden")
		require.Empty(t, buf.String())
	})
}
