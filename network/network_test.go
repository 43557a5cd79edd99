package network_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/barebitcoin/btc-mcp/network"
	"github.com/barebitcoin/btc-mcp/toolerr"
)

func TestResolve(t *testing.T) {
	t.Run("recognized names round trip", func(t *testing.T) {
		for _, name := range []string{"mainnet", "testnet", "regtest", "MainNet", "REGTEST"} {
			params, err := network.Resolve(name)
			require.NoError(t, err, name)
			require.True(t, network.IsRecognized(params.Name))
			require.True(t, network.IsRecognized(name))
		}
	})

	t.Run("profiles carry the right prefixes", func(t *testing.T) {
		main, err := network.Resolve("mainnet")
		require.NoError(t, err)
		require.Equal(t, "bc", main.Bech32HRPSegwit)
		require.Equal(t, byte(0x00), main.PubKeyHashAddrID)

		test, err := network.Resolve("testnet")
		require.NoError(t, err)
		require.Equal(t, "tb", test.Bech32HRPSegwit)
		require.Equal(t, uint32(1), test.CoinType())

		reg, err := network.Resolve("regtest")
		require.NoError(t, err)
		require.Equal(t, "bcrt", reg.Bech32HRPSegwit)
	})

	t.Run("unknown names fail both", func(t *testing.T) {
		for _, name := range []string{"", "signet", "bitcoin", "test net"} {
			_, err := network.Resolve(name)
			require.Error(t, err, name)
			require.Equal(t, toolerr.CodeInvalidNetwork, toolerr.CodeOf(err))
			require.False(t, network.IsRecognized(name))
		}
	})

	t.Run("all profiles in lookup order", func(t *testing.T) {
		all := network.All()
		require.Len(t, all, 3)
		require.Equal(t, []string{"mainnet", "testnet", "regtest"},
			[]string{all[0].Name, all[1].Name, all[2].Name})
	})
}
