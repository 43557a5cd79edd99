package validate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/barebitcoin/btc-mcp/network"
	"github.com/barebitcoin/btc-mcp/toolerr"
	"github.com/barebitcoin/btc-mcp/validate"
)

func TestIsHex(t *testing.T) {
	require.True(t, validate.IsHex(""))
	require.True(t, validate.IsHex("00ff"))
	require.True(t, validate.IsHex("DEADbeef"))
	require.False(t, validate.IsHex("abc"))
	require.False(t, validate.IsHex("zz"))
	require.False(t, validate.IsHex("0x00"))
}

func TestDecodeHex(t *testing.T) {
	b, err := validate.DecodeHex("script", "76a9")
	require.NoError(t, err)
	require.Equal(t, []byte{0x76, 0xa9}, b)

	_, err = validate.DecodeHex("script", "76a")
	require.ErrorContains(t, err, "script must be a hex string")
	require.Equal(t, toolerr.CodeInvalidFormat, toolerr.CodeOf(err))
}

func TestIsValidAddress(t *testing.T) {
	testnet, err := network.Resolve("testnet")
	require.NoError(t, err)
	mainnet, err := network.Resolve("mainnet")
	require.NoError(t, err)

	t.Run("network specific", func(t *testing.T) {
		require.True(t, validate.IsValidAddress("mkVXZnqaaKt4puQNr4ovPHYg48mjguFCnT", testnet))
		require.False(t, validate.IsValidAddress("mkVXZnqaaKt4puQNr4ovPHYg48mjguFCnT", mainnet))
		require.True(t, validate.IsValidAddress("1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH", mainnet))
		require.False(t, validate.IsValidAddress("1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH", testnet))
	})

	t.Run("bech32 hrp must match", func(t *testing.T) {
		require.True(t, validate.IsValidAddress("tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", testnet))
		require.False(t, validate.IsValidAddress("tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", mainnet))
	})

	t.Run("any network", func(t *testing.T) {
		require.True(t, validate.IsValidAddress("1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH"))
		require.True(t, validate.IsValidAddress("mkVXZnqaaKt4puQNr4ovPHYg48mjguFCnT"))
		require.False(t, validate.IsValidAddress("not-an-address"))
	})

	t.Run("public keys are rejected", func(t *testing.T) {
		require.False(t, validate.IsValidAddress(
			"0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798",
		))
	})

	t.Run("network detection", func(t *testing.T) {
		params, ok := validate.NetworkOf("1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH")
		require.True(t, ok)
		require.Equal(t, "mainnet", params.Name)
	})
}

func TestEstimateSize(t *testing.T) {
	require.Equal(t, 374, validate.EstimateSize(2, 2, false))
	require.Equal(t, 214, validate.EstimateSize(2, 2, true))
	// ceil(107 / 4) = 27
	require.Equal(t, 10+41+34+27, validate.EstimateSize(1, 1, true))
}

func TestParseMajorUnitAmount(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1", 100_000_000},
		{"0.5 BTC", 50_000_000},
		{"1,234.5", 123_450_000_000},
		{"0.00000001", 1},
		{"0.000000015", 2},
		{"0.000000014", 1},
	}
	for _, tt := range tests {
		got, err := validate.ParseMajorUnitAmount(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "abc", "1.2.3", "."} {
		_, err := validate.ParseMajorUnitAmount(bad)
		require.Error(t, err, bad)
		require.Equal(t, toolerr.CodeInvalidFormat, toolerr.CodeOf(err))
	}
}

func TestFormatBaseUnits(t *testing.T) {
	require.Equal(t, "1.50000000", validate.FormatBaseUnits(150_000_000, validate.UnitBTC))
	require.Equal(t, "0.00000001", validate.FormatBaseUnits(1, validate.UnitBTC))
	require.Equal(t, "1500.00000", validate.FormatBaseUnits(150_000_000, validate.UnitMilliBTC))
	require.Equal(t, "150000000", validate.FormatBaseUnits(150_000_000, validate.UnitSatoshi))
	require.Equal(t, "42", validate.FormatBaseUnits(42, "unknown"))
}

func TestParseAmount(t *testing.T) {
	sats, err := validate.ParseAmount("1.5", validate.UnitMilliBTC)
	require.NoError(t, err)
	require.Equal(t, int64(150_000), sats)

	sats, err = validate.ParseAmount("2100", validate.UnitSatoshi)
	require.NoError(t, err)
	require.Equal(t, int64(2100), sats)

	sats, err = validate.ParseAmount("2100.00", validate.UnitSatoshi)
	require.NoError(t, err)
	require.Equal(t, int64(2100), sats)

	_, err = validate.ParseAmount("1.5", validate.UnitSatoshi)
	require.ErrorContains(t, err, "whole numbers")

	_, err = validate.ParseAmount("1", "doge")
	require.ErrorContains(t, err, "unsupported unit")
}
