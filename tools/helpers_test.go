package tools_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/barebitcoin/btc-mcp/tools"
)

// Keys with private scalars 1, 2 and 3 on testnet.
const (
	wif1 = "cMahea7zqjxrtgAbB7LSGbcQUr1uX1ojuat9jZodMN87JcbXMTcA"
	pub1 = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	pub2 = "02c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7abac09b95c709ee5"
	pub3 = "02f9308a019258c31049344f85f89d5229b531c845836f99b08601f113bce036f9"

	p2pkh1  = "mrCDrCybB6J1vRfbwM5hemdJz73FwDBC8r"
	p2wpkh1 = "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"
	p2tr1   = "tb1pmfr3p9j00pfxjh0zmgp99y8zftmd3s5pmedqhyptwy6lm87hf5ssk79hv2"

	wifA    = "cNSHjGk52rQ6iya8jdNT9VJ8dvvQ8kPAq5pcFHsYBYdDqahWuneH"
	p2wpkhA = "tb1qx6feyrrsmw4hkwxjfnp0sn8v37vcy47u5f2cdd"
	wifB    = "cQthTMaKUU9f6br1hMXdGFXHwGaAfFFerNkn632BpGE6KXhTMmGY"
	p2wpkhB = "tb1q25mclts78807n850mjuprmmq6szdqlrwkn9he0"

	txidA = "1111111111111111111111111111111111111111111111111111111111111111"
	txidB = "2222222222222222222222222222222222222222222222222222222222222222"
)

func newDispatcher(t *testing.T) *tools.Dispatcher {
	t.Helper()
	d, err := tools.New(tools.Config{})
	require.NoError(t, err)
	return d
}

func mustCall[R any](t *testing.T, d *tools.Dispatcher, name string, args map[string]any) R {
	t.Helper()
	env := d.Call(context.Background(), name, args)
	require.True(t, env.Success, "%s failed: %+v", name, env.Error)

	res, ok := env.Result.(R)
	require.True(t, ok, "unexpected result type %T", env.Result)
	return res
}

func mustFail(t *testing.T, d *tools.Dispatcher, name string, args map[string]any) *tools.EnvelopeError {
	t.Helper()
	env := d.Call(context.Background(), name, args)
	require.False(t, env.Success, "%s unexpectedly succeeded: %+v", name, env.Result)
	require.NotNil(t, env.Error)
	require.Nil(t, env.Result)
	return env.Error
}

// scriptOf returns the output script for a testnet address.
func scriptOf(t *testing.T, d *tools.Dispatcher, address string) string {
	t.Helper()
	res := mustCall[*tools.AddressValidation](t, d, "validate_address", map[string]any{"address": address})
	require.True(t, res.Valid, res.Error)
	return res.ScriptPubKey
}
