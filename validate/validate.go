// Package validate contains the input checks and amount helpers shared by
// the tool handlers.
package validate

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/shopspring/decimal"

	"github.com/barebitcoin/btc-mcp/network"
	"github.com/barebitcoin/btc-mcp/toolerr"
)

// IsHex reports whether s is an even-length string of hex digits. The empty
// string is valid hex; callers needing content must check the length.
func IsHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// DecodeHex decodes a hex argument, naming the field on failure.
func DecodeHex(field, value string) ([]byte, error) {
	if !IsHex(value) {
		return nil, toolerr.Format("%s must be a hex string", field)
	}
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return nil, toolerr.Format("%s: %s", field, err)
	}
	return decoded, nil
}

// DecodeAddress decodes an address for the given network and returns it
// together with its output script. Bare public keys are not addresses.
func DecodeAddress(address string, params network.Params) (btcutil.Address, []byte, error) {
	decoded, err := btcutil.DecodeAddress(address, params.Params)
	if err != nil {
		return nil, nil, err
	}

	if _, ok := decoded.(*btcutil.AddressPubKey); ok {
		return nil, nil, errors.New("public keys are not addresses")
	}

	if !decoded.IsForNet(params.Params) {
		return nil, nil, fmt.Errorf("address is not for %s", params.Name)
	}

	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, nil, err
	}

	return decoded, script, nil
}

// IsValidAddress reports whether address decodes under the given network.
// Without a network every profile is tried in lookup order.
func IsValidAddress(address string, params ...network.Params) bool {
	if len(params) == 0 {
		params = network.All()
	}
	for _, p := range params {
		if _, _, err := DecodeAddress(address, p); err == nil {
			return true
		}
	}
	return false
}

// NetworkOf returns the first network the address decodes under.
func NetworkOf(address string) (network.Params, bool) {
	for _, p := range network.All() {
		if _, _, err := DecodeAddress(address, p); err == nil {
			return p, true
		}
	}
	return network.Params{}, false
}

// EstimateSize is a closed-form size heuristic, not a serializer.
func EstimateSize(inputCount, outputCount int, hasWitness bool) int {
	perInput := 148
	if hasWitness {
		perInput = 41
	}

	size := 10 + inputCount*perInput + outputCount*34
	if hasWitness {
		size += (inputCount*107 + 3) / 4
	}
	return size
}

const satoshiDecimals = 8

// ParseMajorUnitAmount turns text such as "0.5 BTC" into satoshis. Every
// character that is not a digit or a dot is dropped first.
func ParseMajorUnitAmount(text string) (int64, error) {
	return parseAmount(text, satoshiDecimals)
}

// ParseAmount is ParseMajorUnitAmount generalized to the other units.
// Satoshi amounts must be whole numbers.
func ParseAmount(text string, unit Unit) (int64, error) {
	switch unit {
	case UnitBTC:
		return parseAmount(text, satoshiDecimals)
	case UnitMilliBTC:
		return parseAmount(text, satoshiDecimals-3)
	case UnitSatoshi:
		sats, err := parseAmount(text, 0)
		if err != nil {
			return 0, err
		}
		if strings.Contains(text, ".") && !isWholeNumber(text) {
			return 0, toolerr.Format("satoshi amounts must be whole numbers: %q", text)
		}
		return sats, nil
	default:
		return 0, toolerr.Format("unsupported unit %q", unit)
	}
}

func parseAmount(text string, shift int32) (int64, error) {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, text)

	value, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, toolerr.Format("invalid amount %q", text)
	}

	sats := value.Shift(shift).Round(0)
	if sats.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, toolerr.Range("amount %q is too large", text)
	}
	return sats.IntPart(), nil
}

func isWholeNumber(text string) bool {
	_, frac, _ := strings.Cut(text, ".")
	return strings.Trim(frac, "0 ") == ""
}

type Unit string

const (
	UnitBTC      Unit = "btc"
	UnitMilliBTC Unit = "mbtc"
	UnitSatoshi  Unit = "sat"
)

// FormatBaseUnits renders satoshis in the requested unit. Unknown units
// fall back to the raw satoshi count.
func FormatBaseUnits(n int64, unit Unit) string {
	switch unit {
	case UnitBTC:
		return decimal.New(n, -satoshiDecimals).StringFixed(8)
	case UnitMilliBTC:
		return decimal.New(n, -5).StringFixed(5)
	default:
		return strconv.FormatInt(n, 10)
	}
}
