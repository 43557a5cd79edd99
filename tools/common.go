package tools

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/barebitcoin/btc-mcp/network"
	"github.com/barebitcoin/btc-mcp/toolerr"
	"github.com/barebitcoin/btc-mcp/validate"
)

// pubKeyBytesLenUncompressed is the size of a 0x04 prefixed public key.
const pubKeyBytesLenUncompressed = 65

// Address and script template names.
const (
	typeP2PKH     = "p2pkh"
	typeP2SH      = "p2sh"
	typeP2WPKH    = "p2wpkh"
	typeP2WSH     = "p2wsh"
	typeP2TR      = "p2tr"
	typeP2SHP2WSH = "p2sh-p2wsh"
	typeP2PK      = "p2pk"
	typeMultisig  = "multisig"
	typeNullData  = "nulldata"
	typeUnknown   = "unknown"
)

var addressTypes = []string{typeP2PKH, typeP2SH, typeP2WPKH, typeP2WSH, typeP2TR}

type handlers struct {
	defaultNetwork string
}

func (h *handlers) network(name string) (network.Params, error) {
	if name == "" {
		name = h.defaultNetwork
	}
	return network.Resolve(name)
}

func (h *handlers) networkProp() Property {
	return enumProp("network", "Bitcoin network", h.defaultNetwork, network.Names...)
}

// addressType matches an output script against the five address
// templates, in order.
func addressType(script []byte) string {
	switch {
	case txscript.IsPayToPubKeyHash(script):
		return typeP2PKH
	case txscript.IsPayToScriptHash(script):
		return typeP2SH
	case txscript.IsPayToWitnessPubKeyHash(script):
		return typeP2WPKH
	case txscript.IsPayToWitnessScriptHash(script):
		return typeP2WSH
	case txscript.IsPayToTaproot(script):
		return typeP2TR
	default:
		return typeUnknown
	}
}

// scriptType extends addressType with the standard non-address templates.
func scriptType(script []byte) string {
	if t := addressType(script); t != typeUnknown {
		return t
	}

	switch txscript.GetScriptClass(script) {
	case txscript.PubKeyTy:
		return typeP2PK
	case txscript.MultiSigTy:
		return typeMultisig
	case txscript.NullDataTy:
		return typeNullData
	default:
		return typeUnknown
	}
}

// scriptAddress returns the address encoded by an output script, or the
// empty string for scripts without an address form.
func scriptAddress(script []byte, params network.Params) string {
	if addressType(script) == typeUnknown {
		return ""
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params.Params)
	if err != nil || len(addrs) != 1 {
		return ""
	}
	return addrs[0].EncodeAddress()
}

func disasm(script []byte) string {
	asm, err := txscript.DisasmString(script)
	if err != nil {
		// DisasmString still returns everything up to the failure.
		return asm + " [error]"
	}
	return asm
}

// parsePublicKey accepts compressed (33 byte) or uncompressed (65 byte)
// keys and returns the key with its serialization as given.
func parsePublicKey(field, value string) (*btcec.PublicKey, []byte, error) {
	raw, err := validate.DecodeHex(field, value)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) != btcec.PubKeyBytesLenCompressed && len(raw) != pubKeyBytesLenUncompressed {
		return nil, nil, toolerr.Format("%s must be 33 or 65 bytes, got %d", field, len(raw))
	}

	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, nil, toolerr.Format("%s: %s", field, err)
	}
	return key, raw, nil
}

// parseTaprootKey accepts a 32 byte x-only key or a full public key, and
// drops the parity prefix of the latter.
func parseTaprootKey(field, value string) (*btcec.PublicKey, error) {
	raw, err := validate.DecodeHex(field, value)
	if err != nil {
		return nil, err
	}
	if len(raw) == schnorr.PubKeyBytesLen {
		key, err := schnorr.ParsePubKey(raw)
		if err != nil {
			return nil, toolerr.Format("%s: %s", field, err)
		}
		return key, nil
	}

	key, _, err := parsePublicKey(field, value)
	if err != nil {
		return nil, err
	}
	return schnorr.ParsePubKey(key.SerializeCompressed()[1:])
}

func parseWIF(value string, params network.Params) (*btcutil.WIF, error) {
	wif, err := btcutil.DecodeWIF(value)
	if err != nil {
		return nil, toolerr.Format("invalid WIF private key: %s", err)
	}
	if !wif.IsForNet(params.Params) {
		return nil, toolerr.Format("private key is not for %s", params.Name)
	}
	return wif, nil
}

// taprootOutputKey applies the BIP86 key-path-only tweak.
func taprootOutputKey(internal *btcec.PublicKey) []byte {
	return schnorr.SerializePubKey(txscript.ComputeTaprootKeyNoScript(internal))
}
