package tools

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/barebitcoin/btc-mcp/network"
	"github.com/barebitcoin/btc-mcp/toolerr"
	"github.com/barebitcoin/btc-mcp/validate"
)

// decodePacket accepts a PSBT in base64 or hex.
func decodePacket(field, value string) (*psbt.Packet, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, toolerr.Format("%s must not be empty", field)
	}

	var (
		packet *psbt.Packet
		err    error
	)
	if validate.IsHex(value) {
		raw, _ := validate.DecodeHex(field, value)
		packet, err = psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	} else {
		packet, err = psbt.NewFromRawBytes(strings.NewReader(value), true)
	}
	if err != nil {
		return nil, toolerr.Format("invalid PSBT in %s: %s", field, err)
	}
	return packet, nil
}

func encodePacket(packet *psbt.Packet) (b64 string, hexEncoded string, err error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return "", "", fmt.Errorf("serialize psbt: %w", err)
	}
	b64, err = packet.B64Encode()
	if err != nil {
		return "", "", fmt.Errorf("encode psbt: %w", err)
	}
	return b64, hex.EncodeToString(buf.Bytes()), nil
}

func parsePrivateKeys(values []string, params network.Params) ([]*btcutil.WIF, error) {
	if len(values) == 0 {
		return nil, toolerr.Format("privateKeys must contain at least one key")
	}
	keys := make([]*btcutil.WIF, 0, len(values))
	for i, value := range values {
		wif, err := parseWIF(value, params)
		if err != nil {
			return nil, toolerr.Format("privateKeys[%d]: %s", i, toolerr.Message(err))
		}
		keys = append(keys, wif)
	}
	return keys, nil
}

// fetchUtxo returns the output spent by input idx, from either UTXO field.
func fetchUtxo(packet *psbt.Packet, idx int) (*wire.TxOut, error) {
	in := &packet.Inputs[idx]
	if in.WitnessUtxo != nil {
		return in.WitnessUtxo, nil
	}
	if in.NonWitnessUtxo == nil {
		return nil, fmt.Errorf("input %d: missing utxo information", idx)
	}

	prevIdx := packet.UnsignedTx.TxIn[idx].PreviousOutPoint.Index
	if int(prevIdx) >= len(in.NonWitnessUtxo.TxOut) {
		return nil, fmt.Errorf("input %d: previous output index %d out of range", idx, prevIdx)
	}
	return in.NonWitnessUtxo.TxOut[prevIdx], nil
}

// prevOutFetcher covers every input. Inputs without UTXO information are
// given an empty output so sighash midstates can still be computed for the
// inputs that have one.
func prevOutFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut))
	for i, txIn := range packet.UnsignedTx.TxIn {
		utxo, err := fetchUtxo(packet, i)
		if err != nil {
			utxo = wire.NewTxOut(0, nil)
		}
		fetcher.AddPrevOut(txIn.PreviousOutPoint, utxo)
	}
	return fetcher
}

func isFinalized(in *psbt.PInput) bool {
	return len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0
}

// spendScript is the script an ECDSA signature commits to.
type spendScript struct {
	script  []byte
	witness bool
}

func inputSpendScript(in *psbt.PInput, pkScript []byte) spendScript {
	switch {
	case len(in.WitnessScript) > 0:
		return spendScript{script: in.WitnessScript, witness: true}
	case txscript.IsPayToWitnessPubKeyHash(pkScript):
		return spendScript{script: pkScript, witness: true}
	case txscript.IsPayToScriptHash(pkScript) && len(in.RedeemScript) > 0:
		return spendScript{
			script:  in.RedeemScript,
			witness: txscript.IsPayToWitnessPubKeyHash(in.RedeemScript),
		}
	default:
		return spendScript{script: pkScript}
	}
}

func (s spendScript) sigHash(
	tx *wire.MsgTx, sigHashes *txscript.TxSigHashes, hashType txscript.SigHashType, idx int, amount int64,
) ([]byte, error) {
	if s.witness {
		return txscript.CalcWitnessSigHash(s.script, sigHashes, hashType, tx, idx, amount)
	}
	return txscript.CalcSignatureHash(s.script, hashType, tx, idx)
}

// ownsKey reports whether the script can be satisfied by a signature from
// the serialized key.
func (s spendScript) ownsKey(pubKey []byte) bool {
	pkHash := btcutil.Hash160(pubKey)
	switch {
	case txscript.IsPayToWitnessPubKeyHash(s.script):
		return bytes.Equal(s.script[2:], pkHash)
	case txscript.IsPayToPubKeyHash(s.script):
		return bytes.Equal(s.script[3:23], pkHash)
	}

	pushes, err := txscript.PushedData(s.script)
	if err != nil {
		return false
	}
	return lo.ContainsBy(pushes, func(push []byte) bool { return bytes.Equal(push, pubKey) })
}

type signReport struct {
	SignedInputs []int
	Errors       []string
}

// signPacket tries every key against every input. Keys that do not belong
// to an input are skipped silently; the validation pass afterwards reports
// what is still missing.
func signPacket(ctx context.Context, packet *psbt.Packet, keys []*btcutil.WIF) (*signReport, error) {
	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, err
	}

	fetcher := prevOutFetcher(packet)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	log := zerolog.Ctx(ctx)
	report := &signReport{SignedInputs: []int{}}
	for i := range packet.Inputs {
		if isFinalized(&packet.Inputs[i]) {
			continue
		}
		utxo, err := fetchUtxo(packet, i)
		if err != nil {
			continue
		}

		signed := false
		for k, key := range keys {
			ok, err := signInput(updater, i, utxo, key, sigHashes)
			if err != nil {
				log.Debug().Err(err).
					Int("input", i).
					Int("key", k).
					Msg("key could not sign input")
				continue
			}
			signed = signed || ok
		}
		if signed {
			report.SignedInputs = append(report.SignedInputs, i)
		}
	}

	report.Errors = validatePacket(packet)
	return report, nil
}

func signInput(
	updater *psbt.Updater, idx int, utxo *wire.TxOut, key *btcutil.WIF, sigHashes *txscript.TxSigHashes,
) (bool, error) {
	packet := updater.Upsbt
	in := &packet.Inputs[idx]
	pkScript := utxo.PkScript

	if txscript.IsPayToTaproot(pkScript) {
		return signTaprootInput(packet, idx, utxo, key.PrivKey, sigHashes)
	}

	pubKey := key.SerializePubKey()
	if lo.ContainsBy(in.PartialSigs, func(sig *psbt.PartialSig) bool { return bytes.Equal(sig.PubKey, pubKey) }) {
		return false, nil
	}

	script := inputSpendScript(in, pkScript)

	// A P2SH output without a redeem script is tried as nested P2WPKH.
	var redeemScript []byte
	if txscript.IsPayToScriptHash(pkScript) && len(in.RedeemScript) == 0 {
		nested, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).
			AddData(btcutil.Hash160(pubKey)).
			Script()
		if err != nil {
			return false, err
		}
		if !bytes.Equal(btcutil.Hash160(nested), pkScript[2:22]) {
			return false, nil
		}
		redeemScript = nested
		script = spendScript{script: nested, witness: true}
	}

	// Updater.Sign only moves a full previous transaction to a witness
	// UTXO when it is handed a witness program redeem script.
	if redeemScript == nil && txscript.IsWitnessProgram(in.RedeemScript) {
		redeemScript = in.RedeemScript
	}

	if !script.ownsKey(pubKey) {
		return false, nil
	}

	hashType := in.SighashType
	if hashType == 0 {
		hashType = txscript.SigHashAll
	}

	hash, err := script.sigHash(packet.UnsignedTx, sigHashes, hashType, idx, utxo.Value)
	if err != nil {
		return false, err
	}
	sig := append(ecdsa.Sign(key.PrivKey, hash).Serialize(), byte(hashType))

	outcome, err := updater.Sign(idx, sig, pubKey, redeemScript, nil)
	if err != nil {
		return false, err
	}
	return outcome == psbt.SignSuccesful, nil
}

// signTaprootInput produces a BIP86 key path signature.
func signTaprootInput(
	packet *psbt.Packet, idx int, utxo *wire.TxOut, key *btcec.PrivateKey, sigHashes *txscript.TxSigHashes,
) (bool, error) {
	in := &packet.Inputs[idx]
	if len(in.TaprootKeySpendSig) > 0 {
		return false, nil
	}
	if !bytes.Equal(utxo.PkScript[2:], taprootOutputKey(key.PubKey())) {
		return false, nil
	}

	sig, err := txscript.RawTxInTaprootSignature(
		packet.UnsignedTx, sigHashes, idx, utxo.Value, utxo.PkScript, nil, in.SighashType, key,
	)
	if err != nil {
		return false, err
	}

	in.TaprootKeySpendSig = sig
	in.TaprootInternalKey = schnorr.SerializePubKey(key.PubKey())
	return true, nil
}

// validatePacket checks every signature in the packet against its sighash.
// Finalized inputs count as valid. The result lists one entry per problem.
func validatePacket(packet *psbt.Packet) []string {
	fetcher := prevOutFetcher(packet)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	problems := []string{}
	for i := range packet.Inputs {
		if err := validateInput(packet, i, fetcher, sigHashes); err != nil {
			problems = append(problems, err.Error())
		}
	}
	return problems
}

func validateInput(
	packet *psbt.Packet, idx int, fetcher txscript.PrevOutputFetcher, sigHashes *txscript.TxSigHashes,
) error {
	in := &packet.Inputs[idx]
	if isFinalized(in) {
		return nil
	}

	utxo, err := fetchUtxo(packet, idx)
	if err != nil {
		return err
	}

	if txscript.IsPayToTaproot(utxo.PkScript) {
		return validateTaprootInput(packet, idx, utxo, fetcher, sigHashes)
	}

	if len(in.PartialSigs) == 0 {
		return fmt.Errorf("input %d: no signatures", idx)
	}

	script := inputSpendScript(in, utxo.PkScript)
	for _, partial := range in.PartialSigs {
		if err := verifyPartialSig(packet.UnsignedTx, idx, utxo, script, partial, sigHashes); err != nil {
			return fmt.Errorf("input %d: %w", idx, err)
		}
	}

	if txscript.GetScriptClass(script.script) == txscript.MultiSigTy {
		_, required, err := txscript.CalcMultiSigStats(script.script)
		if err != nil {
			return fmt.Errorf("input %d: %w", idx, err)
		}
		if len(in.PartialSigs) < required {
			return fmt.Errorf("input %d: %d of %d required signatures", idx, len(in.PartialSigs), required)
		}
	}
	return nil
}

func verifyPartialSig(
	tx *wire.MsgTx, idx int, utxo *wire.TxOut, script spendScript, partial *psbt.PartialSig,
	sigHashes *txscript.TxSigHashes,
) error {
	if len(partial.Signature) < 2 {
		return fmt.Errorf("signature for %x is too short", partial.PubKey)
	}
	sigBytes := partial.Signature[:len(partial.Signature)-1]
	hashType := txscript.SigHashType(partial.Signature[len(partial.Signature)-1])

	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("signature for %x: %w", partial.PubKey, err)
	}
	pubKey, err := btcec.ParsePubKey(partial.PubKey)
	if err != nil {
		return fmt.Errorf("public key %x: %w", partial.PubKey, err)
	}

	hash, err := script.sigHash(tx, sigHashes, hashType, idx, utxo.Value)
	if err != nil {
		return err
	}
	if !sig.Verify(hash, pubKey) {
		return fmt.Errorf("invalid signature for %x", partial.PubKey)
	}
	return nil
}

func validateTaprootInput(
	packet *psbt.Packet, idx int, utxo *wire.TxOut, fetcher txscript.PrevOutputFetcher,
	sigHashes *txscript.TxSigHashes,
) error {
	in := &packet.Inputs[idx]
	raw := in.TaprootKeySpendSig
	if len(raw) == 0 {
		return fmt.Errorf("input %d: no taproot key spend signature", idx)
	}

	hashType := txscript.SigHashDefault
	switch len(raw) {
	case schnorr.SignatureSize:
	case schnorr.SignatureSize + 1:
		hashType = txscript.SigHashType(raw[schnorr.SignatureSize])
		raw = raw[:schnorr.SignatureSize]
	default:
		return fmt.Errorf("input %d: taproot signature is %d bytes", idx, len(raw))
	}

	sig, err := schnorr.ParseSignature(raw)
	if err != nil {
		return fmt.Errorf("input %d: %w", idx, err)
	}
	outputKey, err := schnorr.ParsePubKey(utxo.PkScript[2:])
	if err != nil {
		return fmt.Errorf("input %d: %w", idx, err)
	}

	hash, err := txscript.CalcTaprootSignatureHash(sigHashes, hashType, packet.UnsignedTx, idx, fetcher)
	if err != nil {
		return fmt.Errorf("input %d: %w", idx, err)
	}
	if !sig.Verify(hash, outputKey) {
		return fmt.Errorf("input %d: invalid taproot signature", idx)
	}
	return nil
}

// finalizeResult is the outcome of finalizing and extracting a packet.
type finalizeResult struct {
	PSBT     string
	Complete bool
	Hex      string
	TxID     string
	Errors   []string
}

// finalizePacket finalizes every input and, when extract is set, pulls out
// the network ready transaction. On failure the packet is reported as it
// was before finalization was attempted.
func finalizePacket(ctx context.Context, packet *psbt.Packet, extract bool) (*finalizeResult, error) {
	before, _, err := encodePacket(packet)
	if err != nil {
		return nil, err
	}

	result := &finalizeResult{PSBT: before, Errors: []string{}}

	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("could not finalize psbt")
		result.Errors = append(result.Errors, fmt.Sprintf("finalize: %s", err))
		return result, nil
	}

	after, _, err := encodePacket(packet)
	if err != nil {
		return nil, err
	}
	result.PSBT = after
	result.Complete = packet.IsComplete()

	if !extract {
		return result, nil
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("extract: %s", err))
		return result, nil
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	result.Hex = hex.EncodeToString(buf.Bytes())
	result.TxID = tx.TxHash().String()
	return result, nil
}
