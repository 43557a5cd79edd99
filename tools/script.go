package tools

import (
	"bytes"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"

	"github.com/barebitcoin/btc-mcp/toolerr"
	"github.com/barebitcoin/btc-mcp/validate"
)

const (
	maxMultisigKeys = 15
	maxNullData     = txscript.MaxDataCarrierSize
)

// assemble compiles whitespace separated ASM. Tokens are opcode names, with
// or without the OP_ prefix, small integers from -1 to 16, or hex data to
// push. Small integers win over one byte hex pushes.
func assemble(asm string) ([]byte, error) {
	fields := strings.Fields(asm)
	if len(fields) == 0 {
		return nil, toolerr.Format("asm must not be empty")
	}

	builder := txscript.NewScriptBuilder()
	for i, token := range fields {
		if n, err := strconv.Atoi(token); err == nil && n >= -1 && n <= 16 {
			builder.AddInt64(int64(n))
			continue
		}

		name := strings.ToUpper(token)
		if !strings.HasPrefix(name, "OP_") {
			name = "OP_" + name
		}
		if op, ok := txscript.OpcodeByName[name]; ok {
			builder.AddOp(op)
			continue
		}

		data, err := hex.DecodeString(strings.TrimPrefix(token, "0x"))
		if err != nil || len(data) == 0 {
			return nil, toolerr.Format("asm token %d (%q) is neither an opcode, a small integer nor hex data", i, token)
		}
		builder.AddFullData(data)
	}

	script, err := builder.Script()
	if err != nil {
		return nil, toolerr.Format("asm: %s", err)
	}
	return script, nil
}

// multisigScript builds a bare m-of-n CHECKMULTISIG script. Keys must be 33
// or 65 bytes. With sortKeys the keys are ordered as in BIP67.
func multisigScript(m int, publicKeys []string, sortKeys bool) ([]byte, [][]byte, error) {
	n := len(publicKeys)
	if n == 0 || n > maxMultisigKeys {
		return nil, nil, toolerr.Range("Invalid number of public keys: %d (must be 1 to %d)", n, maxMultisigKeys)
	}
	if m < 1 || m > n {
		return nil, nil, toolerr.Range("Invalid m value: %d (must be 1 to %d)", m, n)
	}

	keys := make([][]byte, 0, n)
	for i, key := range publicKeys {
		_, raw, err := parsePublicKey("publicKeys["+strconv.Itoa(i)+"]", key)
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, raw)
	}
	if sortKeys {
		sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	}

	builder := txscript.NewScriptBuilder().AddInt64(int64(m))
	for _, key := range keys {
		builder.AddData(key)
	}
	script, err := builder.
		AddInt64(int64(n)).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
	if err != nil {
		return nil, nil, err
	}
	return script, keys, nil
}

// templateFields are the typed inputs of the canonical script templates.
type templateFields struct {
	PublicKey  string   `json:"publicKey"`
	Hash       string   `json:"hash"`
	Script     string   `json:"script"`
	Data       string   `json:"data"`
	M          *int     `json:"m"`
	PublicKeys []string `json:"publicKeys"`
}

var scriptTemplates = []string{
	typeP2PK, typeP2PKH, typeP2SH, typeP2WPKH, typeP2WSH, typeNullData, typeMultisig,
}

// buildTemplate synthesizes one of the canonical output scripts.
func buildTemplate(kind string, f templateFields) ([]byte, error) {
	switch kind {
	case typeP2PK:
		if f.PublicKey == "" {
			return nil, toolerr.Format("publicKey is required for p2pk scripts")
		}
		_, raw, err := parsePublicKey("publicKey", f.PublicKey)
		if err != nil {
			return nil, err
		}
		return txscript.NewScriptBuilder().
			AddData(raw).
			AddOp(txscript.OP_CHECKSIG).
			Script()

	case typeP2PKH, typeP2WPKH:
		hash, err := keyHash(f)
		if err != nil {
			return nil, err
		}
		if kind == typeP2WPKH {
			return txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(hash).Script()
		}
		return txscript.NewScriptBuilder().
			AddOp(txscript.OP_DUP).
			AddOp(txscript.OP_HASH160).
			AddData(hash).
			AddOp(txscript.OP_EQUALVERIFY).
			AddOp(txscript.OP_CHECKSIG).
			Script()

	case typeP2SH:
		hash, err := scriptHash(f, 20, hash160)
		if err != nil {
			return nil, err
		}
		return txscript.NewScriptBuilder().
			AddOp(txscript.OP_HASH160).
			AddData(hash).
			AddOp(txscript.OP_EQUAL).
			Script()

	case typeP2WSH:
		hash, err := scriptHash(f, 32, sha256Sum)
		if err != nil {
			return nil, err
		}
		return txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(hash).Script()

	case typeNullData:
		if f.Data == "" {
			return nil, toolerr.Format("data is required for nulldata scripts")
		}
		data, err := validate.DecodeHex("data", f.Data)
		if err != nil {
			return nil, err
		}
		if len(data) > maxNullData {
			return nil, toolerr.Range("data is %d bytes, OP_RETURN outputs carry at most %d bytes", len(data), maxNullData)
		}
		return txscript.NullDataScript(data)

	case typeMultisig:
		if f.M == nil {
			return nil, toolerr.Format("m is required for multisig scripts")
		}
		script, _, err := multisigScript(*f.M, f.PublicKeys, false)
		return script, err

	default:
		return nil, toolerr.Format("unsupported script type: %s", kind)
	}
}

// keyHash returns the explicit 20 byte hash, or the HASH160 of publicKey.
func keyHash(f templateFields) ([]byte, error) {
	if f.Hash != "" {
		hash, err := validate.DecodeHex("hash", f.Hash)
		if err != nil {
			return nil, err
		}
		if len(hash) != 20 {
			return nil, toolerr.Format("hash must be 20 bytes, got %d", len(hash))
		}
		return hash, nil
	}
	if f.PublicKey == "" {
		return nil, toolerr.Format("publicKey or hash is required")
	}
	_, raw, err := parsePublicKey("publicKey", f.PublicKey)
	if err != nil {
		return nil, err
	}
	return hash160(raw), nil
}

// scriptHash returns the explicit hash of the given size, or hashes script.
func scriptHash(f templateFields, size int, hashFn func([]byte) []byte) ([]byte, error) {
	if f.Hash != "" {
		hash, err := validate.DecodeHex("hash", f.Hash)
		if err != nil {
			return nil, err
		}
		if len(hash) != size {
			return nil, toolerr.Format("hash must be %d bytes, got %d", size, len(hash))
		}
		return hash, nil
	}
	if f.Script == "" {
		return nil, toolerr.Format("script or hash is required")
	}
	script, err := validate.DecodeHex("script", f.Script)
	if err != nil {
		return nil, err
	}
	return hashFn(script), nil
}

// isCompressed reports whether a serialized key is in compressed form.
func isCompressed(raw []byte) bool {
	return len(raw) == btcec.PubKeyBytesLenCompressed
}
