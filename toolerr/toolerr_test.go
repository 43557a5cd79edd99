package toolerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/barebitcoin/btc-mcp/toolerr"
)

func TestCodeOf(t *testing.T) {
	t.Run("codes survive wrapping", func(t *testing.T) {
		err := fmt.Errorf("input 0: %w", toolerr.Range("Invalid m value: %d", 0))
		require.Equal(t, toolerr.CodeInvalidRange, toolerr.CodeOf(err))
		require.Equal(t, "input 0: Invalid m value: 0", err.Error())
	})

	t.Run("plain errors are library failures", func(t *testing.T) {
		require.Equal(t, toolerr.CodeLibraryOperation, toolerr.CodeOf(errors.New("boom")))
		require.Equal(t, toolerr.Code(""), toolerr.CodeOf(nil))
	})

	t.Run("library keeps existing codes", func(t *testing.T) {
		err := toolerr.Library(toolerr.Format("bad hex"))
		require.Equal(t, toolerr.CodeInvalidFormat, toolerr.CodeOf(err))
		require.NoError(t, toolerr.Library(nil))
	})
}

func TestMessage(t *testing.T) {
	require.Equal(t, "Unknown error", toolerr.Message(nil))
	require.Equal(t, "Unknown error", toolerr.Message(errors.New("")))
	require.Equal(t, "checksum mismatch", toolerr.Message(toolerr.Library(errors.New("checksum mismatch"))))
}
