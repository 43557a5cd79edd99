package network

import (
	"strings"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/barebitcoin/btc-mcp/toolerr"
)

const (
	Mainnet = "mainnet"
	Testnet = "testnet"
	Regtest = "regtest"
)

// Default is the network used when a caller does not name one. Mistakes on
// the test network cost nothing.
const Default = Testnet

// Names lists the recognized networks in lookup order.
var Names = []string{Mainnet, Testnet, Regtest}

// Params is one network profile. The embedded chaincfg parameters carry
// the address prefixes, the bech32 HRP and the BIP32 version bytes.
type Params struct {
	Name string
	*chaincfg.Params
}

var profiles = map[string]Params{
	Mainnet: {Name: Mainnet, Params: &chaincfg.MainNetParams},
	Testnet: {Name: Testnet, Params: &chaincfg.TestNet3Params},
	Regtest: {Name: Regtest, Params: &chaincfg.RegressionNetParams},
}

// Resolve looks up a network by name, case-insensitively.
func Resolve(name string) (Params, error) {
	params, ok := profiles[strings.ToLower(name)]
	if !ok {
		return Params{}, toolerr.Network(
			"unsupported network %q: must be one of %s", name, strings.Join(Names, ", "),
		)
	}
	return params, nil
}

func IsRecognized(name string) bool {
	_, ok := profiles[strings.ToLower(name)]
	return ok
}

// All returns every profile in lookup order.
func All() []Params {
	out := make([]Params, 0, len(Names))
	for _, name := range Names {
		out = append(out, profiles[name])
	}
	return out
}

// CoinType is the BIP44 coin type for the network.
func (p Params) CoinType() uint32 {
	return p.HDCoinType
}
