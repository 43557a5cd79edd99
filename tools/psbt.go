package tools

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/samber/lo"

	"github.com/barebitcoin/btc-mcp/network"
	"github.com/barebitcoin/btc-mcp/toolerr"
	"github.com/barebitcoin/btc-mcp/validate"
)

func (h *handlers) psbtTools() []*Tool {
	psbtProp := required(stringProp("psbt", "PSBT, base64 or hex"))

	return []*Tool{
		{
			Descriptor: Descriptor{
				Name:        "create_psbt",
				Description: "Create a PSBT from inputs and outputs, attaching any UTXO details supplied",
				InputSchema: Schema{Properties: []Property{
					required(arrayProp("inputs", "Inputs to spend", txInputProps(
						stringProp("nonWitnessUtxo", "Hex of the full previous transaction"),
						stringProp("redeemScript", "Hex P2SH redeem script"),
						stringProp("witnessScript", "Hex P2WSH witness script"),
					))),
					txOutputsProp(),
					h.networkProp(),
					integerProp("locktime", "Transaction lock time"),
					integerProp("version", "Transaction version"),
				}},
			},
			Handler: handle(h.createPSBT),
		},
		{
			Descriptor: Descriptor{
				Name:        "decode_psbt",
				Description: "Decode a PSBT, including per input signing state",
				InputSchema: Schema{Properties: []Property{psbtProp, h.networkProp()}},
			},
			Handler: handle(h.decodePSBT),
		},
		{
			Descriptor: Descriptor{
				Name:        "sign_psbt",
				Description: "Add signatures to a PSBT with WIF private keys, without finalizing it",
				InputSchema: Schema{Properties: []Property{
					psbtProp,
					required(arrayProp("privateKeys", "WIF private keys", stringProp("", "WIF private key"))),
					h.networkProp(),
				}},
			},
			Handler: handle(h.signPSBT),
		},
		{
			Descriptor: Descriptor{
				Name:        "finalize_psbt",
				Description: "Finalize every input of a PSBT and optionally extract the network ready transaction",
				InputSchema: Schema{Properties: []Property{
					psbtProp,
					boolProp("extract", "Extract the final transaction", true),
				}},
			},
			Handler: handle(h.finalizePSBT),
		},
		{
			Descriptor: Descriptor{
				Name:        "combine_psbts",
				Description: "Merge PSBTs for the same unsigned transaction into one",
				InputSchema: Schema{Properties: []Property{
					func() Property {
						p := required(arrayProp("psbts", "PSBTs to combine, base64 or hex", stringProp("", "PSBT")))
						p.MinItems = 2
						return p
					}(),
				}},
			},
			Handler: handle(h.combinePSBTs),
		},
		{
			Descriptor: Descriptor{
				Name:        "update_psbt",
				Description: "Add UTXO, script, sighash or BIP32 derivation details to one PSBT input",
				InputSchema: Schema{Properties: []Property{
					psbtProp,
					required(integerProp("inputIndex", "Index of the input to update")),
					required(objectProp("updates", "Fields to set on the input",
						objectProp("witnessUtxo", "Output being spent",
							required(stringProp("script", "Hex output script")),
							required(integerProp("amount", "Output value in satoshis")),
						),
						stringProp("nonWitnessUtxo", "Hex of the full previous transaction"),
						stringProp("redeemScript", "Hex P2SH redeem script"),
						stringProp("witnessScript", "Hex P2WSH witness script"),
						integerProp("sighashType", "Signature hash type"),
						arrayProp("bip32Derivation", "Key origins", objectProp("", "Key origin",
							required(stringProp("pubkey", "Hex public key")),
							required(stringProp("masterFingerprint", "4 byte hex master key fingerprint")),
							required(stringProp("path", "Derivation path, such as m/84'/1'/0'/0/0")),
						)),
					)),
				}},
			},
			Handler: handle(h.updatePSBT),
		},
	}
}

type createPSBTArgs struct {
	Inputs   []psbtInput `json:"inputs"`
	Outputs  []txOutput  `json:"outputs"`
	Network  string      `json:"network"`
	Locktime *int64      `json:"locktime"`
	Version  *int32      `json:"version"`
}

type CreatedPSBT struct {
	PSBT        string `json:"psbt"`
	Hex         string `json:"hex"`
	TxID        string `json:"txid"`
	InputCount  int    `json:"inputCount"`
	OutputCount int    `json:"outputCount"`
}

func (h *handlers) createPSBT(ctx context.Context, in createPSBTArgs) (*CreatedPSBT, error) {
	params, err := h.network(in.Network)
	if err != nil {
		return nil, err
	}

	packet, _, err := buildPacket(params, in.Inputs, in.Outputs, in.Version, in.Locktime)
	if err != nil {
		return nil, err
	}

	b64, hexEncoded, err := encodePacket(packet)
	if err != nil {
		return nil, err
	}
	return &CreatedPSBT{
		PSBT:        b64,
		Hex:         hexEncoded,
		TxID:        packet.UnsignedTx.TxHash().String(),
		InputCount:  len(packet.Inputs),
		OutputCount: len(packet.Outputs),
	}, nil
}

type psbtArgs struct {
	PSBT    string `json:"psbt"`
	Network string `json:"network"`
}

type KeyOrigin struct {
	PubKey            string `json:"pubkey"`
	MasterFingerprint string `json:"masterFingerprint"`
	Path              string `json:"path"`
}

type DecodedPSBTInput struct {
	TxID              string      `json:"txid"`
	Vout              uint32      `json:"vout"`
	Sequence          uint32      `json:"sequence"`
	HasWitnessUtxo    bool        `json:"hasWitnessUtxo"`
	HasNonWitnessUtxo bool        `json:"hasNonWitnessUtxo"`
	Amount            *int64      `json:"amount,omitempty"`
	ScriptPubKey      string      `json:"scriptPubKey,omitempty"`
	Type              string      `json:"type,omitempty"`
	Address           string      `json:"address,omitempty"`
	RedeemScript      string      `json:"redeemScript,omitempty"`
	WitnessScript     string      `json:"witnessScript,omitempty"`
	SighashType       uint32      `json:"sighashType,omitempty"`
	PartialSigs       int         `json:"partialSigs"`
	TaprootSigned     bool        `json:"taprootSigned"`
	Bip32Derivation   []KeyOrigin `json:"bip32Derivation,omitempty"`
	Finalized         bool        `json:"finalized"`
}

type DecodedPSBTOutput struct {
	N            int    `json:"n"`
	Value        int64  `json:"value"`
	ScriptPubKey string `json:"scriptPubKey"`
	Type         string `json:"type"`
	Address      string `json:"address,omitempty"`
}

type DecodedPSBT struct {
	TxID        string              `json:"txid"`
	Version     int32               `json:"version"`
	Locktime    uint32              `json:"locktime"`
	Inputs      []DecodedPSBTInput  `json:"inputs"`
	Outputs     []DecodedPSBTOutput `json:"outputs"`
	TotalInput  *int64              `json:"totalInput,omitempty"`
	TotalOutput int64               `json:"totalOutput"`
	Fee         *int64              `json:"fee,omitempty"`
	Complete    bool                `json:"complete"`
}

func (h *handlers) decodePSBT(ctx context.Context, in psbtArgs) (*DecodedPSBT, error) {
	params, err := h.network(in.Network)
	if err != nil {
		return nil, err
	}
	packet, err := decodePacket("psbt", in.PSBT)
	if err != nil {
		return nil, err
	}
	return describePacket(packet, params), nil
}

func describePacket(packet *psbt.Packet, params network.Params) *DecodedPSBT {
	tx := packet.UnsignedTx
	out := &DecodedPSBT{
		TxID:     tx.TxHash().String(),
		Version:  tx.Version,
		Locktime: tx.LockTime,
		Inputs:   make([]DecodedPSBTInput, 0, len(packet.Inputs)),
		Outputs:  make([]DecodedPSBTOutput, 0, len(tx.TxOut)),
		Complete: packet.IsComplete(),
	}

	for i := range packet.Inputs {
		pIn := &packet.Inputs[i]
		txIn := tx.TxIn[i]
		decoded := DecodedPSBTInput{
			TxID:              txIn.PreviousOutPoint.Hash.String(),
			Vout:              txIn.PreviousOutPoint.Index,
			Sequence:          txIn.Sequence,
			HasWitnessUtxo:    pIn.WitnessUtxo != nil,
			HasNonWitnessUtxo: pIn.NonWitnessUtxo != nil,
			RedeemScript:      hex.EncodeToString(pIn.RedeemScript),
			WitnessScript:     hex.EncodeToString(pIn.WitnessScript),
			SighashType:       uint32(pIn.SighashType),
			PartialSigs:       len(pIn.PartialSigs),
			TaprootSigned:     len(pIn.TaprootKeySpendSig) > 0,
			Finalized:         isFinalized(pIn),
		}
		if utxo, err := fetchUtxo(packet, i); err == nil {
			amount := utxo.Value
			decoded.Amount = &amount
			decoded.ScriptPubKey = hex.EncodeToString(utxo.PkScript)
			decoded.Type = scriptType(utxo.PkScript)
			decoded.Address = scriptAddress(utxo.PkScript, params)
		}
		for _, derivation := range pIn.Bip32Derivation {
			decoded.Bip32Derivation = append(decoded.Bip32Derivation, KeyOrigin{
				PubKey:            hex.EncodeToString(derivation.PubKey),
				MasterFingerprint: formatFingerprint(derivation.MasterKeyFingerprint),
				Path:              formatDerivationPath(derivation.Bip32Path),
			})
		}
		out.Inputs = append(out.Inputs, decoded)
	}

	for i, txOut := range tx.TxOut {
		out.Outputs = append(out.Outputs, DecodedPSBTOutput{
			N:            i,
			Value:        txOut.Value,
			ScriptPubKey: hex.EncodeToString(txOut.PkScript),
			Type:         scriptType(txOut.PkScript),
			Address:      scriptAddress(txOut.PkScript, params),
		})
		out.TotalOutput += txOut.Value
	}

	if total, err := psbt.SumUtxoInputValues(packet); err == nil {
		fee := total - out.TotalOutput
		out.TotalInput = &total
		out.Fee = &fee
	}
	return out
}

type signPSBTArgs struct {
	PSBT        string   `json:"psbt"`
	PrivateKeys []string `json:"privateKeys"`
	Network     string   `json:"network"`
}

type SignedPSBT struct {
	PSBT         string   `json:"psbt"`
	Signed       bool     `json:"signed"`
	Complete     bool     `json:"complete"`
	SignedInputs []int    `json:"signedInputs"`
	Errors       []string `json:"errors"`
}

func (h *handlers) signPSBT(ctx context.Context, in signPSBTArgs) (*SignedPSBT, error) {
	params, err := h.network(in.Network)
	if err != nil {
		return nil, err
	}
	packet, err := decodePacket("psbt", in.PSBT)
	if err != nil {
		return nil, err
	}
	keys, err := parsePrivateKeys(in.PrivateKeys, params)
	if err != nil {
		return nil, err
	}

	report, err := signPacket(ctx, packet, keys)
	if err != nil {
		return nil, err
	}
	b64, _, err := encodePacket(packet)
	if err != nil {
		return nil, err
	}
	return &SignedPSBT{
		PSBT:         b64,
		Signed:       len(report.Errors) == 0,
		Complete:     packet.IsComplete(),
		SignedInputs: report.SignedInputs,
		Errors:       report.Errors,
	}, nil
}

type finalizePSBTArgs struct {
	PSBT    string `json:"psbt"`
	Extract bool   `json:"extract"`
}

type FinalizedPSBT struct {
	PSBT     string   `json:"psbt"`
	Complete bool     `json:"complete"`
	Hex      string   `json:"hex,omitempty"`
	TxID     string   `json:"txid,omitempty"`
	Errors   []string `json:"errors"`
}

func (h *handlers) finalizePSBT(ctx context.Context, in finalizePSBTArgs) (*FinalizedPSBT, error) {
	packet, err := decodePacket("psbt", in.PSBT)
	if err != nil {
		return nil, err
	}

	result, err := finalizePacket(ctx, packet, in.Extract)
	if err != nil {
		return nil, err
	}
	return &FinalizedPSBT{
		PSBT:     result.PSBT,
		Complete: result.Complete,
		Hex:      result.Hex,
		TxID:     result.TxID,
		Errors:   result.Errors,
	}, nil
}

type combinePSBTsArgs struct {
	PSBTs []string `json:"psbts"`
}

type CombinedPSBT struct {
	PSBT        string `json:"psbt"`
	InputCount  int    `json:"inputCount"`
	OutputCount int    `json:"outputCount"`
}

func (h *handlers) combinePSBTs(ctx context.Context, in combinePSBTsArgs) (*CombinedPSBT, error) {
	if len(in.PSBTs) < 2 {
		return nil, toolerr.Range("psbts must contain at least 2 entries, got %d", len(in.PSBTs))
	}

	packets := make([]*psbt.Packet, 0, len(in.PSBTs))
	for i, encoded := range in.PSBTs {
		packet, err := decodePacket(fmt.Sprintf("psbts[%d]", i), encoded)
		if err != nil {
			return nil, err
		}
		packets = append(packets, packet)
	}

	combined := packets[0]
	want := combined.UnsignedTx.TxHash()
	for i, other := range packets[1:] {
		if other.UnsignedTx.TxHash() != want {
			return nil, toolerr.Format("psbts[%d] is for a different transaction than psbts[0]", i+1)
		}
		for j := range combined.Inputs {
			mergeInput(&combined.Inputs[j], &other.Inputs[j])
		}
		for j := range combined.Outputs {
			mergeOutput(&combined.Outputs[j], &other.Outputs[j])
		}
	}

	if err := combined.SanityCheck(); err != nil {
		return nil, err
	}

	b64, _, err := encodePacket(combined)
	if err != nil {
		return nil, err
	}
	return &CombinedPSBT{
		PSBT:        b64,
		InputCount:  len(combined.Inputs),
		OutputCount: len(combined.Outputs),
	}, nil
}

// mergeInput copies into dst every field src knows and dst does not.
// Signatures and derivations are merged by public key.
func mergeInput(dst, src *psbt.PInput) {
	if dst.WitnessUtxo == nil && dst.NonWitnessUtxo == nil {
		dst.WitnessUtxo = src.WitnessUtxo
		dst.NonWitnessUtxo = src.NonWitnessUtxo
	}
	if dst.SighashType == 0 {
		dst.SighashType = src.SighashType
	}
	dst.RedeemScript = orBytes(dst.RedeemScript, src.RedeemScript)
	dst.WitnessScript = orBytes(dst.WitnessScript, src.WitnessScript)
	dst.FinalScriptSig = orBytes(dst.FinalScriptSig, src.FinalScriptSig)
	dst.FinalScriptWitness = orBytes(dst.FinalScriptWitness, src.FinalScriptWitness)
	dst.TaprootKeySpendSig = orBytes(dst.TaprootKeySpendSig, src.TaprootKeySpendSig)
	dst.TaprootInternalKey = orBytes(dst.TaprootInternalKey, src.TaprootInternalKey)

	for _, sig := range src.PartialSigs {
		if !lo.ContainsBy(dst.PartialSigs, func(have *psbt.PartialSig) bool {
			return bytes.Equal(have.PubKey, sig.PubKey)
		}) {
			dst.PartialSigs = append(dst.PartialSigs, sig)
		}
	}
	dst.Bip32Derivation = mergeDerivations(dst.Bip32Derivation, src.Bip32Derivation)
}

func mergeOutput(dst, src *psbt.POutput) {
	dst.RedeemScript = orBytes(dst.RedeemScript, src.RedeemScript)
	dst.WitnessScript = orBytes(dst.WitnessScript, src.WitnessScript)
	dst.TaprootInternalKey = orBytes(dst.TaprootInternalKey, src.TaprootInternalKey)
	dst.Bip32Derivation = mergeDerivations(dst.Bip32Derivation, src.Bip32Derivation)
}

func mergeDerivations(dst, src []*psbt.Bip32Derivation) []*psbt.Bip32Derivation {
	for _, derivation := range src {
		if !lo.ContainsBy(dst, func(have *psbt.Bip32Derivation) bool {
			return bytes.Equal(have.PubKey, derivation.PubKey)
		}) {
			dst = append(dst, derivation)
		}
	}
	return dst
}

func orBytes(have, other []byte) []byte {
	if len(have) > 0 {
		return have
	}
	return other
}

type witnessUtxoArgs struct {
	Script string `json:"script"`
	Amount int64  `json:"amount"`
}

type psbtUpdates struct {
	WitnessUtxo     *witnessUtxoArgs `json:"witnessUtxo"`
	NonWitnessUtxo  string           `json:"nonWitnessUtxo"`
	RedeemScript    string           `json:"redeemScript"`
	WitnessScript   string           `json:"witnessScript"`
	SighashType     *uint32          `json:"sighashType"`
	Bip32Derivation []KeyOrigin      `json:"bip32Derivation"`
}

type updatePSBTArgs struct {
	PSBT       string      `json:"psbt"`
	InputIndex int         `json:"inputIndex"`
	Updates    psbtUpdates `json:"updates"`
}

type UpdatedPSBT struct {
	PSBT       string   `json:"psbt"`
	InputIndex int      `json:"inputIndex"`
	Updated    []string `json:"updated"`
}

func (h *handlers) updatePSBT(ctx context.Context, in updatePSBTArgs) (*UpdatedPSBT, error) {
	packet, err := decodePacket("psbt", in.PSBT)
	if err != nil {
		return nil, err
	}
	idx := in.InputIndex
	if idx < 0 || idx >= len(packet.Inputs) {
		return nil, toolerr.Range("inputIndex %d is out of range, the PSBT has %d inputs", idx, len(packet.Inputs))
	}

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, err
	}

	u := in.Updates
	var updated []string

	if u.NonWitnessUtxo != "" {
		raw, err := validate.DecodeHex("updates.nonWitnessUtxo", u.NonWitnessUtxo)
		if err != nil {
			return nil, err
		}
		prev, err := parseTx("updates.nonWitnessUtxo", raw)
		if err != nil {
			return nil, err
		}
		if prev.TxHash() != packet.UnsignedTx.TxIn[idx].PreviousOutPoint.Hash {
			return nil, toolerr.Format("updates.nonWitnessUtxo does not hash to the input txid")
		}
		if err := updater.AddInNonWitnessUtxo(prev, idx); err != nil {
			return nil, err
		}
		updated = append(updated, "nonWitnessUtxo")
	}

	if u.WitnessUtxo != nil {
		script, err := validate.DecodeHex("updates.witnessUtxo.script", u.WitnessUtxo.Script)
		if err != nil {
			return nil, err
		}
		if u.WitnessUtxo.Amount < 0 {
			return nil, toolerr.Range("updates.witnessUtxo.amount must not be negative")
		}
		if err := updater.AddInWitnessUtxo(wire.NewTxOut(u.WitnessUtxo.Amount, script), idx); err != nil {
			return nil, err
		}
		updated = append(updated, "witnessUtxo")
	}

	if u.RedeemScript != "" {
		script, err := validate.DecodeHex("updates.redeemScript", u.RedeemScript)
		if err != nil {
			return nil, err
		}
		if err := updater.AddInRedeemScript(script, idx); err != nil {
			return nil, err
		}
		updated = append(updated, "redeemScript")
	}

	if u.WitnessScript != "" {
		script, err := validate.DecodeHex("updates.witnessScript", u.WitnessScript)
		if err != nil {
			return nil, err
		}
		if err := updater.AddInWitnessScript(script, idx); err != nil {
			return nil, err
		}
		updated = append(updated, "witnessScript")
	}

	if u.SighashType != nil {
		if err := updater.AddInSighashType(txscript.SigHashType(*u.SighashType), idx); err != nil {
			return nil, err
		}
		updated = append(updated, "sighashType")
	}

	for i, origin := range u.Bip32Derivation {
		field := fmt.Sprintf("updates.bip32Derivation[%d]", i)
		_, pubKey, err := parsePublicKey(field+".pubkey", origin.PubKey)
		if err != nil {
			return nil, err
		}
		fingerprint, err := parseFingerprint(field+".masterFingerprint", origin.MasterFingerprint)
		if err != nil {
			return nil, err
		}
		path, err := parseDerivationPath(origin.Path)
		if err != nil {
			return nil, err
		}
		if err := updater.AddInBip32Derivation(fingerprint, path, pubKey, idx); err != nil {
			return nil, err
		}
		if i == 0 {
			updated = append(updated, "bip32Derivation")
		}
	}

	if len(updated) == 0 {
		return nil, toolerr.Format("updates must set at least one field")
	}

	b64, _, err := encodePacket(packet)
	if err != nil {
		return nil, err
	}
	return &UpdatedPSBT{PSBT: b64, InputIndex: idx, Updated: updated}, nil
}

// Fingerprints are stored as little endian integers of the four key
// identifier bytes.
func parseFingerprint(field, value string) (uint32, error) {
	raw, err := validate.DecodeHex(field, value)
	if err != nil {
		return 0, err
	}
	if len(raw) != 4 {
		return 0, toolerr.Format("%s must be 4 bytes, got %d", field, len(raw))
	}
	return binary.LittleEndian.Uint32(raw), nil
}

func formatFingerprint(fingerprint uint32) string {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], fingerprint)
	return hex.EncodeToString(raw[:])
}
