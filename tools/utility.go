package tools

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck

	"github.com/barebitcoin/btc-mcp/network"
	"github.com/barebitcoin/btc-mcp/toolerr"
	"github.com/barebitcoin/btc-mcp/validate"
)

const (
	hashSHA256         = "sha256"
	hashDoubleSHA256   = "double-sha256"
	hashHash160        = "hash160"
	hashRIPEMD160      = "ripemd160"
	hashBitcoinMessage = "bitcoin-message"

	signedMessageMagic = "Bitcoin Signed Message:\n"

	mnemonicEntropyBits = 256

	compactSignatureSize = 65
)

func (h *handlers) utilityTools() []*Tool {
	return []*Tool{
		{
			Descriptor: Descriptor{
				Name:        "generate_keypair",
				Description: "Generate a random key pair, optionally from a fresh BIP39 mnemonic",
				InputSchema: Schema{Properties: []Property{
					h.networkProp(),
					boolProp("compressed", "Use a compressed public key", true),
					boolProp("withMnemonic", "Derive the key at m/84'/coin'/0'/0/0 from a new 24 word mnemonic", false),
				}},
			},
			Handler: handle(h.generateKeypair),
		},
		{
			Descriptor: Descriptor{
				Name:        "create_multisig",
				Description: "Create an m-of-n multisig address",
				InputSchema: Schema{Properties: []Property{
					required(integerProp("m", "Number of required signatures")),
					required(arrayProp("publicKeys", "Hex public keys", stringProp("", "Hex public key"))),
					enumProp("addressType", "Address wrapping", typeP2SH, typeP2SH, typeP2WSH, typeP2SHP2WSH),
					h.networkProp(),
					boolProp("sortKeys", "Sort keys as in BIP67", false),
				}},
			},
			Handler: handle(h.createMultisig),
		},
		{
			Descriptor: Descriptor{
				Name:        "compile_script",
				Description: "Compile a script from ASM, or from one of the standard templates",
				InputSchema: Schema{Properties: []Property{
					stringProp("asm", "Script ASM, such as OP_DUP OP_HASH160 <hex> OP_EQUALVERIFY OP_CHECKSIG"),
					enumProp("scriptType", "Template to build instead of compiling ASM", "", scriptTemplates...),
					stringProp("publicKey", "Hex public key (p2pk, p2pkh, p2wpkh)"),
					stringProp("hash", "Hex key or script hash (p2pkh, p2wpkh, p2sh, p2wsh)"),
					stringProp("script", "Hex script to hash (p2sh, p2wsh)"),
					stringProp("data", "Hex data to embed (nulldata, at most 80 bytes)"),
					integerProp("m", "Required signatures (multisig)"),
					arrayProp("publicKeys", "Hex public keys (multisig)", stringProp("", "Hex public key")),
					h.networkProp(),
				}},
			},
			Handler: handle(h.compileScript),
		},
		{
			Descriptor: Descriptor{
				Name:        "hash_message",
				Description: "Hash a message with one of the hash functions used in Bitcoin",
				InputSchema: Schema{Properties: []Property{
					required(stringProp("message", "Message to hash")),
					enumProp("hashType", "Hash function", hashSHA256,
						hashSHA256, hashDoubleSHA256, hashHash160, hashRIPEMD160, hashBitcoinMessage),
					enumProp("encoding", "Encoding of message", "utf8", "utf8", "hex"),
				}},
			},
			Handler: handle(h.hashMessage),
		},
		{
			Descriptor: Descriptor{
				Name:        "derive_child_key",
				Description: "Derive a child key from a BIP32 extended key",
				InputSchema: Schema{Properties: []Property{
					required(stringProp("extendedKey", "Extended private or public key")),
					required(stringProp("derivationPath", "Path such as m/84'/1'/0'/0/0; hardened steps use ' or h")),
					h.networkProp(),
				}},
			},
			Handler: handle(h.deriveChildKey),
		},
		{
			Descriptor: Descriptor{
				Name:        "verify_message",
				Description: "Check the shape of a signed message. Signature verification itself is not supported",
				InputSchema: Schema{Properties: []Property{
					required(stringProp("address", "Signing address")),
					required(stringProp("message", "Signed message")),
					required(stringProp("signature", "Base64 compact signature")),
					h.networkProp(),
				}},
			},
			Handler: handle(h.verifyMessage),
		},
		{
			Descriptor: Descriptor{
				Name:        "convert_amount",
				Description: "Convert an amount between BTC, mBTC and satoshis",
				InputSchema: Schema{Properties: []Property{
					required(stringProp("amount", "Amount, such as \"0.5 BTC\" or 1500")),
					enumProp("unit", "Unit of amount", string(validate.UnitBTC),
						string(validate.UnitBTC), string(validate.UnitMilliBTC), string(validate.UnitSatoshi)),
				}},
			},
			Handler: handle(h.convertAmount),
		},
	}
}

func hash160(data []byte) []byte {
	return btcutil.Hash160(data)
}

func sha256Sum(data []byte) []byte {
	hash := sha256.Sum256(data)
	return hash[:]
}

type KeyAddresses struct {
	P2PKH  string `json:"p2pkh"`
	P2WPKH string `json:"p2wpkh,omitempty"`
	P2TR   string `json:"p2tr,omitempty"`
}

// keyAddresses renders the single key addresses for pub. SegWit forms
// need a compressed key.
func keyAddresses(pub *btcec.PublicKey, compressed bool, params network.Params) (KeyAddresses, error) {
	serialized := pub.SerializeUncompressed()
	if compressed {
		serialized = pub.SerializeCompressed()
	}

	p2pkh, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(serialized), params.Params)
	if err != nil {
		return KeyAddresses{}, err
	}
	out := KeyAddresses{P2PKH: p2pkh.EncodeAddress()}
	if !compressed {
		return out, nil
	}

	p2wpkh, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(serialized), params.Params)
	if err != nil {
		return KeyAddresses{}, err
	}
	p2tr, err := btcutil.NewAddressTaproot(taprootOutputKey(pub), params.Params)
	if err != nil {
		return KeyAddresses{}, err
	}
	out.P2WPKH = p2wpkh.EncodeAddress()
	out.P2TR = p2tr.EncodeAddress()
	return out, nil
}

type generateKeypairArgs struct {
	Network      string `json:"network"`
	Compressed   bool   `json:"compressed"`
	WithMnemonic bool   `json:"withMnemonic"`
}

type KeyPair struct {
	PrivateKey         string       `json:"privateKey"`
	PrivateKeyHex      string       `json:"privateKeyHex"`
	PublicKey          string       `json:"publicKey"`
	Compressed         bool         `json:"compressed"`
	Network            string       `json:"network"`
	Addresses          KeyAddresses `json:"addresses"`
	Mnemonic           string       `json:"mnemonic,omitempty"`
	ExtendedPrivateKey string       `json:"extendedPrivateKey,omitempty"`
	ExtendedPublicKey  string       `json:"extendedPublicKey,omitempty"`
	DerivationPath     string       `json:"derivationPath,omitempty"`
}

func (h *handlers) generateKeypair(ctx context.Context, in generateKeypairArgs) (*KeyPair, error) {
	params, err := h.network(in.Network)
	if err != nil {
		return nil, err
	}

	out := &KeyPair{Compressed: in.Compressed, Network: params.Name}

	var privKey *btcec.PrivateKey
	if in.WithMnemonic {
		if !in.Compressed {
			return nil, toolerr.Format("mnemonic derived keys are always compressed")
		}
		key, err := h.mnemonicKey(params, out)
		if err != nil {
			return nil, err
		}
		privKey = key
	} else {
		privKey, err = btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
	}

	wif, err := btcutil.NewWIF(privKey, params.Params, in.Compressed)
	if err != nil {
		return nil, err
	}
	addresses, err := keyAddresses(privKey.PubKey(), in.Compressed, params)
	if err != nil {
		return nil, err
	}

	out.PrivateKey = wif.String()
	out.PrivateKeyHex = hex.EncodeToString(privKey.Serialize())
	out.PublicKey = hex.EncodeToString(wif.SerializePubKey())
	out.Addresses = addresses

	zerolog.Ctx(ctx).Debug().
		Bool("mnemonic", in.WithMnemonic).
		Str("network", params.Name).
		Msg("generated key pair")
	return out, nil
}

// mnemonicKey draws a new mnemonic and derives the first BIP84 receive
// key from it, recording the mnemonic and extended keys on out.
func (h *handlers) mnemonicKey(params network.Params, out *KeyPair) (*btcec.PrivateKey, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return nil, fmt.Errorf("mnemonic entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("mnemonic: %w", err)
	}

	master, err := hdkeychain.NewMaster(bip39.NewSeed(mnemonic, ""), params.Params)
	if err != nil {
		return nil, err
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + 84,
		hdkeychain.HardenedKeyStart + params.CoinType(),
		hdkeychain.HardenedKeyStart,
		0,
		0,
	}
	key := master
	for _, index := range path {
		key, err = key.Derive(index)
		if err != nil {
			return nil, err
		}
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	neutered, err := key.Neuter()
	if err != nil {
		return nil, err
	}

	out.Mnemonic = mnemonic
	out.ExtendedPrivateKey = key.String()
	out.ExtendedPublicKey = neutered.String()
	out.DerivationPath = formatDerivationPath(path)
	return privKey, nil
}

type createMultisigArgs struct {
	M           int      `json:"m"`
	PublicKeys  []string `json:"publicKeys"`
	AddressType string   `json:"addressType"`
	Network     string   `json:"network"`
	SortKeys    bool     `json:"sortKeys"`
}

type MultisigInfo struct {
	Address       string   `json:"address"`
	Type          string   `json:"type"`
	Network       string   `json:"network"`
	M             int      `json:"m"`
	N             int      `json:"n"`
	PublicKeys    []string `json:"publicKeys"`
	ScriptPubKey  string   `json:"scriptPubKey"`
	RedeemScript  string   `json:"redeemScript,omitempty"`
	WitnessScript string   `json:"witnessScript,omitempty"`
	Asm           string   `json:"asm"`
}

func (h *handlers) createMultisig(ctx context.Context, in createMultisigArgs) (*MultisigInfo, error) {
	params, err := h.network(in.Network)
	if err != nil {
		return nil, err
	}

	script, keys, err := multisigScript(in.M, in.PublicKeys, in.SortKeys)
	if err != nil {
		return nil, err
	}

	if in.AddressType != typeP2SH {
		for i, key := range keys {
			if !isCompressed(key) {
				return nil, toolerr.Format("publicKeys[%d] must be compressed for %s", i, in.AddressType)
			}
		}
	}

	info, err := wrapScript(script, in.AddressType, params)
	if err != nil {
		return nil, err
	}

	return &MultisigInfo{
		Address:       info.Address,
		Type:          info.Type,
		Network:       info.Network,
		M:             in.M,
		N:             len(keys),
		PublicKeys:    lo.Map(keys, func(key []byte, _ int) string { return hex.EncodeToString(key) }),
		ScriptPubKey:  info.ScriptPubKey,
		RedeemScript:  info.RedeemScript,
		WitnessScript: info.WitnessScript,
		Asm:           disasm(script),
	}, nil
}

type compileScriptArgs struct {
	templateFields
	Asm        string `json:"asm"`
	ScriptType string `json:"scriptType"`
	Network    string `json:"network"`
}

type ScriptInfo struct {
	Hex     string `json:"hex"`
	Asm     string `json:"asm"`
	Size    int    `json:"size"`
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
}

func (h *handlers) compileScript(ctx context.Context, in compileScriptArgs) (*ScriptInfo, error) {
	params, err := h.network(in.Network)
	if err != nil {
		return nil, err
	}

	var script []byte
	switch {
	case in.Asm != "" && in.ScriptType != "":
		return nil, toolerr.Format("provide either asm or scriptType, not both")
	case in.Asm != "":
		script, err = assemble(in.Asm)
	case in.ScriptType != "":
		script, err = buildTemplate(in.ScriptType, in.templateFields)
	default:
		return nil, toolerr.Format("asm or scriptType is required")
	}
	if err != nil {
		return nil, err
	}

	return &ScriptInfo{
		Hex:     hex.EncodeToString(script),
		Asm:     disasm(script),
		Size:    len(script),
		Type:    scriptType(script),
		Address: scriptAddress(script, params),
	}, nil
}

type hashMessageArgs struct {
	Message  string `json:"message"`
	HashType string `json:"hashType"`
	Encoding string `json:"encoding"`
}

type HashResult struct {
	Hash     string `json:"hash"`
	HashType string `json:"hashType"`
	Encoding string `json:"encoding"`
	Length   int    `json:"length"`
}

func (h *handlers) hashMessage(ctx context.Context, in hashMessageArgs) (*HashResult, error) {
	message := []byte(in.Message)
	if in.Encoding == "hex" {
		decoded, err := validate.DecodeHex("message", in.Message)
		if err != nil {
			return nil, err
		}
		message = decoded
	}

	var digest []byte
	switch in.HashType {
	case hashSHA256:
		digest = sha256Sum(message)
	case hashDoubleSHA256:
		digest = chainhash.DoubleHashB(message)
	case hashHash160:
		digest = hash160(message)
	case hashRIPEMD160:
		hasher := ripemd160.New()
		hasher.Write(message)
		digest = hasher.Sum(nil)
	case hashBitcoinMessage:
		var buf bytes.Buffer
		if err := wire.WriteVarString(&buf, 0, signedMessageMagic); err != nil {
			return nil, err
		}
		if err := wire.WriteVarBytes(&buf, 0, message); err != nil {
			return nil, err
		}
		digest = chainhash.DoubleHashB(buf.Bytes())
	default:
		return nil, toolerr.Format("unsupported hash type: %s", in.HashType)
	}

	return &HashResult{
		Hash:     hex.EncodeToString(digest),
		HashType: in.HashType,
		Encoding: in.Encoding,
		Length:   len(message),
	}, nil
}

// parseDerivationPath reads paths such as m/84'/1'/0'/0/5. "m" and the
// empty path select the key itself.
func parseDerivationPath(path string) ([]uint32, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "m" || path == "M" {
		return []uint32{}, nil
	}
	path = strings.TrimPrefix(strings.TrimPrefix(path, "m/"), "M/")

	segments := strings.Split(path, "/")
	indexes := make([]uint32, 0, len(segments))
	for _, segment := range segments {
		hardened := false
		trimmed := segment
		for _, suffix := range []string{"'", "h", "H"} {
			if strings.HasSuffix(trimmed, suffix) {
				trimmed = strings.TrimSuffix(trimmed, suffix)
				hardened = true
				break
			}
		}

		index, err := strconv.ParseUint(trimmed, 10, 32)
		if err != nil {
			if errors.Is(err, strconv.ErrRange) {
				return nil, toolerr.Range("derivation index %q is out of range", segment)
			}
			return nil, toolerr.Format("invalid derivation path segment %q", segment)
		}
		if index >= hdkeychain.HardenedKeyStart {
			return nil, toolerr.Range("derivation index %q is out of range", segment)
		}
		if hardened {
			index += hdkeychain.HardenedKeyStart
		}
		indexes = append(indexes, uint32(index))
	}
	return indexes, nil
}

func formatDerivationPath(path []uint32) string {
	var b strings.Builder
	b.WriteString("m")
	for _, index := range path {
		if index >= hdkeychain.HardenedKeyStart {
			fmt.Fprintf(&b, "/%d'", index-hdkeychain.HardenedKeyStart)
			continue
		}
		fmt.Fprintf(&b, "/%d", index)
	}
	return b.String()
}

type deriveChildKeyArgs struct {
	ExtendedKey    string `json:"extendedKey"`
	DerivationPath string `json:"derivationPath"`
	Network        string `json:"network"`
}

type DerivedKey struct {
	ExtendedKey       string       `json:"extendedKey"`
	PublicKey         string       `json:"publicKey"`
	PrivateKey        string       `json:"privateKey,omitempty"`
	IsPrivate         bool         `json:"isPrivate"`
	Depth             uint8        `json:"depth"`
	Index             uint32       `json:"index"`
	Hardened          bool         `json:"hardened"`
	ParentFingerprint string       `json:"parentFingerprint"`
	ChainCode         string       `json:"chainCode"`
	Path              string       `json:"path"`
	Addresses         KeyAddresses `json:"addresses"`
}

func (h *handlers) deriveChildKey(ctx context.Context, in deriveChildKeyArgs) (*DerivedKey, error) {
	params, err := h.network(in.Network)
	if err != nil {
		return nil, err
	}

	key, err := hdkeychain.NewKeyFromString(strings.TrimSpace(in.ExtendedKey))
	if err != nil {
		return nil, toolerr.Format("invalid extended key: %s", err)
	}
	if !key.IsForNet(params.Params) {
		return nil, toolerr.Format("extended key is not for %s", params.Name)
	}

	path, err := parseDerivationPath(in.DerivationPath)
	if err != nil {
		return nil, err
	}

	for _, index := range path {
		key, err = key.Derive(index)
		switch {
		case errors.Is(err, hdkeychain.ErrDeriveHardFromPublic):
			return nil, toolerr.Format("cannot derive hardened index %s from a public key", formatDerivationPath([]uint32{index})[2:])
		case err != nil:
			return nil, err
		}
	}

	pub, err := key.ECPubKey()
	if err != nil {
		return nil, err
	}
	addresses, err := keyAddresses(pub, true, params)
	if err != nil {
		return nil, err
	}

	var parentFP [4]byte
	binary.BigEndian.PutUint32(parentFP[:], key.ParentFingerprint())

	out := &DerivedKey{
		ExtendedKey:       key.String(),
		PublicKey:         hex.EncodeToString(pub.SerializeCompressed()),
		IsPrivate:         key.IsPrivate(),
		Depth:             key.Depth(),
		Index:             key.ChildIndex(),
		Hardened:          key.ChildIndex() >= hdkeychain.HardenedKeyStart,
		ParentFingerprint: hex.EncodeToString(parentFP[:]),
		ChainCode:         hex.EncodeToString(key.ChainCode()),
		Path:              formatDerivationPath(path),
		Addresses:         addresses,
	}

	if key.IsPrivate() {
		privKey, err := key.ECPrivKey()
		if err != nil {
			return nil, err
		}
		wif, err := btcutil.NewWIF(privKey, params.Params, true)
		if err != nil {
			return nil, err
		}
		out.PrivateKey = wif.String()
	}
	return out, nil
}

type verifyMessageArgs struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Network   string `json:"network"`
}

type MessageVerification struct {
	Valid   bool   `json:"valid"`
	Address string `json:"address"`
	Message string `json:"message"`
}

// verifyMessage only checks the signature shape. Recovering the signing
// key is not implemented, so the result is never valid.
func (h *handlers) verifyMessage(ctx context.Context, in verifyMessageArgs) (*MessageVerification, error) {
	params, err := h.network(in.Network)
	if err != nil {
		return nil, err
	}
	if _, _, err := validate.DecodeAddress(in.Address, params); err != nil {
		return nil, toolerr.Format("invalid address for %s: %s", params.Name, err)
	}

	sig, err := base64.StdEncoding.DecodeString(in.Signature)
	if err != nil {
		return nil, toolerr.Format("signature must be base64: %s", err)
	}
	if len(sig) != compactSignatureSize {
		return nil, toolerr.Format("signature must be 65 bytes, got %d", len(sig))
	}

	return &MessageVerification{
		Valid:   false,
		Address: in.Address,
		Message: "Message signature verification is not supported; the signature was well formed but could not be checked.",
	}, nil
}

// amountText accepts an amount as a JSON string or number.
type amountText string

func (a *amountText) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*a = amountText(text)
		return nil
	}

	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return err
	}
	value, err := decimal.NewFromString(number.String())
	if err != nil {
		return err
	}
	*a = amountText(value.String())
	return nil
}

type convertAmountArgs struct {
	Amount amountText `json:"amount"`
	Unit   string     `json:"unit"`
}

type ConvertedAmount struct {
	Satoshis int64  `json:"satoshis"`
	BTC      string `json:"btc"`
	MBTC     string `json:"mbtc"`
	Sat      string `json:"sat"`
}

func (h *handlers) convertAmount(ctx context.Context, in convertAmountArgs) (*ConvertedAmount, error) {
	sats, err := validate.ParseAmount(string(in.Amount), validate.Unit(in.Unit))
	if err != nil {
		return nil, err
	}
	return &ConvertedAmount{
		Satoshis: sats,
		BTC:      validate.FormatBaseUnits(sats, validate.UnitBTC),
		MBTC:     validate.FormatBaseUnits(sats, validate.UnitMilliBTC),
		Sat:      validate.FormatBaseUnits(sats, validate.UnitSatoshi),
	}, nil
}
