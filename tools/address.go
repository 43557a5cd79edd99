package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/txscript"
	"github.com/rs/zerolog"

	"github.com/barebitcoin/btc-mcp/network"
	"github.com/barebitcoin/btc-mcp/toolerr"
	"github.com/barebitcoin/btc-mcp/validate"
)

// maxRedeemScriptSize is the consensus push limit for a P2SH redeem script.
const maxRedeemScriptSize = txscript.MaxScriptElementSize

func (h *handlers) addressTools() []*Tool {
	return []*Tool{
		{
			Descriptor: Descriptor{
				Name:        "generate_address",
				Description: "Generate a Bitcoin address of the given type, from a supplied public key or a freshly generated key pair",
				InputSchema: Schema{Properties: []Property{
					required(enumProp("type", "Address type", "", addressTypes...)),
					h.networkProp(),
					stringProp("publicKey", "Hex public key to use instead of generating one"),
					stringProp("redeemScript", "Hex redeem script (p2sh). Without it a nested SegWit script is generated"),
					stringProp("witnessScript", "Hex witness script (required for p2wsh)"),
				}},
			},
			Handler: handle(h.generateAddress),
		},
		{
			Descriptor: Descriptor{
				Name:        "validate_address",
				Description: "Check whether an address is valid for a network and detect its type",
				InputSchema: Schema{Properties: []Property{
					required(stringProp("address", "Address to validate")),
					h.networkProp(),
				}},
			},
			Handler: handle(h.validateAddress),
		},
		{
			Descriptor: Descriptor{
				Name:        "decode_address",
				Description: "Decode an address into its output script, hash and encoding details",
				InputSchema: Schema{Properties: []Property{
					required(stringProp("address", "Address to decode")),
					h.networkProp(),
				}},
			},
			Handler: handle(h.decodeAddress),
		},
		{
			Descriptor: Descriptor{
				Name:        "address_from_script",
				Description: "Derive an address from a script: wrap it as p2sh, p2wsh or p2sh-p2wsh, or read it as an output script",
				InputSchema: Schema{Properties: []Property{
					required(stringProp("script", "Hex script")),
					required(enumProp("type", "How to interpret the script", "",
						typeP2SH, typeP2WSH, typeP2SHP2WSH, "output")),
					h.networkProp(),
				}},
			},
			Handler: handle(h.addressFromScript),
		},
	}
}

type AddressInfo struct {
	Address        string `json:"address"`
	Type           string `json:"type"`
	Network        string `json:"network"`
	ScriptPubKey   string `json:"scriptPubKey"`
	PublicKey      string `json:"publicKey,omitempty"`
	PrivateKey     string `json:"privateKey,omitempty"`
	RedeemScript   string `json:"redeemScript,omitempty"`
	WitnessScript  string `json:"witnessScript,omitempty"`
	InternalPubkey string `json:"internalPubkey,omitempty"`
}

type generateAddressArgs struct {
	Type          string `json:"type"`
	Network       string `json:"network"`
	PublicKey     string `json:"publicKey"`
	RedeemScript  string `json:"redeemScript"`
	WitnessScript string `json:"witnessScript"`
}

func (h *handlers) generateAddress(ctx context.Context, in generateAddressArgs) (*AddressInfo, error) {
	params, err := h.network(in.Network)
	if err != nil {
		return nil, err
	}

	// Script based addresses need no key.
	switch {
	case in.Type == typeP2WSH:
		if in.WitnessScript == "" {
			return nil, toolerr.Format("witnessScript is required for p2wsh addresses")
		}
		witnessScript, err := validate.DecodeHex("witnessScript", in.WitnessScript)
		if err != nil {
			return nil, err
		}
		return wrapScript(witnessScript, typeP2WSH, params)

	case in.Type == typeP2SH && in.RedeemScript != "":
		redeemScript, err := validate.DecodeHex("redeemScript", in.RedeemScript)
		if err != nil {
			return nil, err
		}
		return wrapScript(redeemScript, typeP2SH, params)
	}

	info := &AddressInfo{Type: in.Type, Network: params.Name}

	var (
		pubKey    *btcec.PublicKey
		pubKeyRaw []byte
	)
	switch {
	case in.PublicKey != "" && in.Type == typeP2TR:
		pubKey, err = parseTaprootKey("publicKey", in.PublicKey)
		if err != nil {
			return nil, err
		}
		pubKeyRaw = pubKey.SerializeCompressed()

	case in.PublicKey != "":
		pubKey, pubKeyRaw, err = parsePublicKey("publicKey", in.PublicKey)
		if err != nil {
			return nil, err
		}

	default:
		privKey, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		wif, err := btcutil.NewWIF(privKey, params.Params, true)
		if err != nil {
			return nil, err
		}
		pubKey = privKey.PubKey()
		pubKeyRaw = pubKey.SerializeCompressed()
		info.PrivateKey = wif.String()

		zerolog.Ctx(ctx).Debug().
			Str("type", in.Type).
			Msg("generated fresh key pair")
	}
	info.PublicKey = hex.EncodeToString(pubKeyRaw)

	segwit := in.Type == typeP2WPKH || in.Type == typeP2SH
	if segwit && len(pubKeyRaw) != btcec.PubKeyBytesLenCompressed {
		return nil, toolerr.Format("%s addresses require a compressed public key", in.Type)
	}

	var addr btcutil.Address
	switch in.Type {
	case typeP2PKH:
		addr, err = btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKeyRaw), params.Params)

	case typeP2WPKH:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKeyRaw), params.Params)

	case typeP2SH:
		// Nested SegWit: the redeem script is a P2WPKH program.
		var inner btcutil.Address
		inner, err = btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKeyRaw), params.Params)
		if err != nil {
			return nil, err
		}
		var redeemScript []byte
		redeemScript, err = txscript.PayToAddrScript(inner)
		if err != nil {
			return nil, err
		}
		info.RedeemScript = hex.EncodeToString(redeemScript)
		addr, err = btcutil.NewAddressScriptHash(redeemScript, params.Params)

	case typeP2TR:
		info.InternalPubkey = hex.EncodeToString(schnorr.SerializePubKey(pubKey))
		addr, err = btcutil.NewAddressTaproot(taprootOutputKey(pubKey), params.Params)

	default:
		return nil, toolerr.Format("unsupported address type: %s", in.Type)
	}
	if err != nil {
		return nil, err
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	info.Address = addr.EncodeAddress()
	info.ScriptPubKey = hex.EncodeToString(script)
	return info, nil
}

// wrapScript builds a script-hash address around script.
func wrapScript(script []byte, kind string, params network.Params) (*AddressInfo, error) {
	if len(script) == 0 {
		return nil, toolerr.Format("script must not be empty")
	}

	info := &AddressInfo{Type: kind, Network: params.Name}

	var (
		addr btcutil.Address
		err  error
	)
	switch kind {
	case typeP2SH:
		if len(script) > maxRedeemScriptSize {
			return nil, toolerr.Range("redeem script is %d bytes, p2sh allows at most %d", len(script), maxRedeemScriptSize)
		}
		info.RedeemScript = hex.EncodeToString(script)
		addr, err = btcutil.NewAddressScriptHash(script, params.Params)

	case typeP2WSH:
		info.WitnessScript = hex.EncodeToString(script)
		hash := sha256.Sum256(script)
		addr, err = btcutil.NewAddressWitnessScriptHash(hash[:], params.Params)

	case typeP2SHP2WSH:
		hash := sha256.Sum256(script)
		var inner btcutil.Address
		inner, err = btcutil.NewAddressWitnessScriptHash(hash[:], params.Params)
		if err != nil {
			return nil, err
		}
		var redeemScript []byte
		redeemScript, err = txscript.PayToAddrScript(inner)
		if err != nil {
			return nil, err
		}
		info.WitnessScript = hex.EncodeToString(script)
		info.RedeemScript = hex.EncodeToString(redeemScript)
		addr, err = btcutil.NewAddressScriptHash(redeemScript, params.Params)

	default:
		return nil, toolerr.Format("unsupported script wrapping: %s", kind)
	}
	if err != nil {
		return nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	info.Address = addr.EncodeAddress()
	info.ScriptPubKey = hex.EncodeToString(pkScript)
	return info, nil
}

type addressArgs struct {
	Address string `json:"address"`
	Network string `json:"network"`
}

type AddressValidation struct {
	Address      string `json:"address"`
	Valid        bool   `json:"valid"`
	Network      string `json:"network"`
	Type         string `json:"type,omitempty"`
	ScriptPubKey string `json:"scriptPubKey,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (h *handlers) validateAddress(ctx context.Context, in addressArgs) (*AddressValidation, error) {
	params, err := h.network(in.Network)
	if err != nil {
		return nil, err
	}

	out := &AddressValidation{Address: in.Address, Network: params.Name}

	_, script, err := validate.DecodeAddress(in.Address, params)
	if err != nil {
		out.Error = err.Error()
		if other, ok := validate.NetworkOf(in.Address); ok {
			out.Error = fmt.Sprintf("address belongs to %s, not %s", other.Name, params.Name)
		}
		return out, nil
	}

	out.Valid = true
	out.Type = addressType(script)
	out.ScriptPubKey = hex.EncodeToString(script)
	return out, nil
}

type DecodedAddress struct {
	Address        string `json:"address"`
	Type           string `json:"type"`
	Network        string `json:"network"`
	ScriptPubKey   string `json:"scriptPubKey"`
	Asm            string `json:"asm"`
	Hash           string `json:"hash"`
	WitnessVersion *int   `json:"witnessVersion,omitempty"`
	Encoding       string `json:"encoding"`
}

func (h *handlers) decodeAddress(ctx context.Context, in addressArgs) (*DecodedAddress, error) {
	params, err := h.network(in.Network)
	if err != nil {
		return nil, err
	}

	addr, script, err := validate.DecodeAddress(in.Address, params)
	if err != nil {
		return nil, toolerr.Format("invalid address for %s: %s", params.Name, err)
	}

	out := &DecodedAddress{
		Address:      addr.EncodeAddress(),
		Type:         addressType(script),
		Network:      params.Name,
		ScriptPubKey: hex.EncodeToString(script),
		Asm:          disasm(script),
		Hash:         hex.EncodeToString(addr.ScriptAddress()),
		Encoding:     "base58",
	}

	type segwitAddress interface{ WitnessVersion() byte }
	if segwit, ok := addr.(segwitAddress); ok {
		version := int(segwit.WitnessVersion())
		out.WitnessVersion = &version

		_, _, encoding, err := bech32.DecodeGeneric(in.Address)
		if err != nil {
			return nil, err
		}
		out.Encoding = "bech32"
		if encoding == bech32.VersionM {
			out.Encoding = "bech32m"
		}
	}

	return out, nil
}

type addressFromScriptArgs struct {
	Script  string `json:"script"`
	Type    string `json:"type"`
	Network string `json:"network"`
}

func (h *handlers) addressFromScript(ctx context.Context, in addressFromScriptArgs) (*AddressInfo, error) {
	params, err := h.network(in.Network)
	if err != nil {
		return nil, err
	}

	script, err := validate.DecodeHex("script", in.Script)
	if err != nil {
		return nil, err
	}

	if in.Type != "output" {
		return wrapScript(script, in.Type, params)
	}

	kind := addressType(script)
	address := scriptAddress(script, params)
	if kind == typeUnknown || address == "" {
		return nil, toolerr.Format("script has no address form (%s)", scriptType(script))
	}

	return &AddressInfo{
		Address:      address,
		Type:         kind,
		Network:      params.Name,
		ScriptPubKey: hex.EncodeToString(script),
	}, nil
}
