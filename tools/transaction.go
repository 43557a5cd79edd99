package tools

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/barebitcoin/btc-mcp/network"
	"github.com/barebitcoin/btc-mcp/toolerr"
	"github.com/barebitcoin/btc-mcp/validate"
)

const witnessScaleFactor = 4

// maxEstimateCount bounds input and output counts by what fits in a block
// of minimal outputs.
const maxEstimateCount = wire.MaxBlockPayload / 9

// Per input byte costs used by fee estimation.
var inputCosts = map[string]struct{ base, witness int }{
	"legacy":  {base: 148},
	"segwit":  {base: 68, witness: 107},
	"taproot": {base: 68, witness: 65},
}

func txInputProps(extra ...Property) Property {
	props := []Property{
		required(stringProp("txid", "Previous transaction ID, 64 hex characters")),
		required(integerProp("vout", "Previous output index")),
		integerProp("amount", "Value of the previous output in satoshis"),
		stringProp("scriptPubKey", "Hex output script of the previous output"),
		integerProp("sequence", "Input sequence number"),
	}
	return objectProp("", "Transaction input", append(props, extra...)...)
}

func txOutputsProp() Property {
	return required(arrayProp("outputs", "Transaction outputs", objectProp("", "Transaction output",
		required(stringProp("address", "Destination address")),
		required(integerProp("amount", "Amount in satoshis")),
	)))
}

func (h *handlers) transactionTools() []*Tool {
	return []*Tool{
		{
			Descriptor: Descriptor{
				Name:        "create_transaction",
				Description: "Build an unsigned transaction, along with a PSBT ready for signing",
				InputSchema: Schema{Properties: []Property{
					required(arrayProp("inputs", "Inputs to spend", txInputProps())),
					txOutputsProp(),
					h.networkProp(),
					integerProp("locktime", "Transaction lock time"),
					integerProp("version", "Transaction version"),
				}},
			},
			Handler: handle(h.createTransaction),
		},
		{
			Descriptor: Descriptor{
				Name:        "decode_transaction",
				Description: "Decode a raw transaction",
				InputSchema: Schema{Properties: []Property{
					required(stringProp("hex", "Raw transaction hex")),
					h.networkProp(),
				}},
			},
			Handler: handle(h.decodeTransaction),
		},
		{
			Descriptor: Descriptor{
				Name:        "sign_transaction",
				Description: "Sign a PSBT with WIF private keys, finalizing and extracting the transaction when every input is signed",
				InputSchema: Schema{Properties: []Property{
					required(stringProp("hex", "PSBT to sign, hex or base64")),
					required(arrayProp("privateKeys", "WIF private keys", stringProp("", "WIF private key"))),
					h.networkProp(),
				}},
			},
			Handler: handle(h.signTransaction),
		},
		{
			Descriptor: Descriptor{
				Name:        "estimate_transaction_fee",
				Description: "Estimate size, weight and fee of a transaction from its input and output counts",
				InputSchema: Schema{Properties: []Property{
					required(integerProp("inputs", "Number of inputs")),
					required(integerProp("outputs", "Number of outputs")),
					required(numberProp("feeRate", "Fee rate in sat/vB")),
					enumProp("inputType", "Type of the inputs", "segwit", "legacy", "segwit", "taproot"),
				}},
			},
			Handler: handle(h.estimateTransactionFee),
		},
		{
			Descriptor: Descriptor{
				Name:        "broadcast_transaction",
				Description: "Check a raw transaction for structural problems. Nothing is sent to the network",
				InputSchema: Schema{Properties: []Property{
					required(stringProp("hex", "Raw transaction hex")),
					h.networkProp(),
				}},
			},
			Handler: handle(h.broadcastTransaction),
		},
	}
}

type txInput struct {
	TxID         string `json:"txid"`
	Vout         int64  `json:"vout"`
	Amount       int64  `json:"amount"`
	ScriptPubKey string `json:"scriptPubKey"`
	Sequence     *int64 `json:"sequence"`
}

type txOutput struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// psbtInput carries the optional UTXO details a PSBT input can hold.
type psbtInput struct {
	txInput
	NonWitnessUtxo string `json:"nonWitnessUtxo"`
	RedeemScript   string `json:"redeemScript"`
	WitnessScript  string `json:"witnessScript"`
}

type packetTotals struct {
	Input   int64
	Output  int64
	Witness bool
}

// buildPacket assembles the unsigned transaction and wraps it in a PSBT
// with whatever UTXO information the inputs carry.
func buildPacket(
	params network.Params, inputs []psbtInput, outputs []txOutput, version *int32, locktime *int64,
) (*psbt.Packet, *packetTotals, error) {
	if len(inputs) == 0 {
		return nil, nil, toolerr.Format("at least one input is required")
	}
	if len(outputs) == 0 {
		return nil, nil, toolerr.Format("at least one output is required")
	}

	tx := wire.NewMsgTx(2)
	if version != nil {
		tx.Version = *version
	}
	if locktime != nil {
		if *locktime < 0 || *locktime > math.MaxUint32 {
			return nil, nil, toolerr.Range("locktime %d is out of range", *locktime)
		}
		tx.LockTime = uint32(*locktime)
	}

	totals := &packetTotals{}
	for i, in := range inputs {
		outpoint, err := parseOutpoint(i, in.txInput)
		if err != nil {
			return nil, nil, err
		}
		if in.Amount < 0 || in.Amount > btcutil.MaxSatoshi {
			return nil, nil, toolerr.Range("inputs[%d].amount %d is out of range", i, in.Amount)
		}

		txIn := wire.NewTxIn(outpoint, nil, nil)
		if tx.LockTime > 0 {
			txIn.Sequence = wire.MaxTxInSequenceNum - 1
		}
		if in.Sequence != nil {
			if *in.Sequence < 0 || *in.Sequence > math.MaxUint32 {
				return nil, nil, toolerr.Range("inputs[%d].sequence %d is out of range", i, *in.Sequence)
			}
			txIn.Sequence = uint32(*in.Sequence)
		}
		tx.AddTxIn(txIn)
		totals.Input += in.Amount
	}

	for i, out := range outputs {
		_, script, err := validate.DecodeAddress(out.Address, params)
		if err != nil {
			return nil, nil, toolerr.Format("outputs[%d].address is not a valid %s address: %s", i, params.Name, err)
		}
		if out.Amount <= 0 || out.Amount > btcutil.MaxSatoshi {
			return nil, nil, toolerr.Range("outputs[%d].amount must be between 1 and %d satoshis", i, int64(btcutil.MaxSatoshi))
		}
		tx.AddTxOut(wire.NewTxOut(out.Amount, script))
		totals.Output += out.Amount
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, nil, err
	}

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, nil, err
	}
	for i, in := range inputs {
		witness, err := attachUtxo(updater, i, in)
		if err != nil {
			return nil, nil, err
		}
		totals.Witness = totals.Witness || witness
	}

	return packet, totals, nil
}

func parseOutpoint(idx int, in txInput) (*wire.OutPoint, error) {
	if len(in.TxID) != chainhash.MaxHashStringSize || !validate.IsHex(in.TxID) {
		return nil, toolerr.Format("inputs[%d].txid must be 64 hex characters", idx)
	}
	hash, err := chainhash.NewHashFromStr(in.TxID)
	if err != nil {
		return nil, toolerr.Format("inputs[%d].txid: %s", idx, err)
	}
	if in.Vout < 0 || in.Vout > math.MaxUint32 {
		return nil, toolerr.Range("inputs[%d].vout %d is out of range", idx, in.Vout)
	}
	return wire.NewOutPoint(hash, uint32(in.Vout)), nil
}

// attachUtxo records the spent output on the PSBT input. A full previous
// transaction wins over scriptPubKey. Witness programs, and P2SH outputs
// which are taken to be nested SegWit, get a witness UTXO. It reports
// whether the input is witness capable.
func attachUtxo(updater *psbt.Updater, idx int, in psbtInput) (bool, error) {
	field := func(name string) string { return fmt.Sprintf("inputs[%d].%s", idx, name) }
	outpoint := updater.Upsbt.UnsignedTx.TxIn[idx].PreviousOutPoint

	witness := false
	switch {
	case in.NonWitnessUtxo != "":
		raw, err := validate.DecodeHex(field("nonWitnessUtxo"), in.NonWitnessUtxo)
		if err != nil {
			return false, err
		}
		prev, err := parseTx(field("nonWitnessUtxo"), raw)
		if err != nil {
			return false, err
		}
		if prev.TxHash() != outpoint.Hash {
			return false, toolerr.Format("%s does not hash to the input txid", field("nonWitnessUtxo"))
		}
		if int(outpoint.Index) >= len(prev.TxOut) {
			return false, toolerr.Range("%s has no output %d", field("nonWitnessUtxo"), outpoint.Index)
		}
		if in.Amount != 0 && prev.TxOut[outpoint.Index].Value != in.Amount {
			return false, toolerr.Format("%s does not match the previous output value", field("amount"))
		}
		script := prev.TxOut[outpoint.Index].PkScript
		witness = txscript.IsWitnessProgram(script) || txscript.IsPayToScriptHash(script)
		if err := updater.AddInNonWitnessUtxo(prev, idx); err != nil {
			return false, err
		}

	case in.ScriptPubKey != "":
		script, err := validate.DecodeHex(field("scriptPubKey"), in.ScriptPubKey)
		if err != nil {
			return false, err
		}
		witness = txscript.IsWitnessProgram(script) || txscript.IsPayToScriptHash(script)
		if !witness {
			break
		}
		if in.Amount <= 0 {
			return false, toolerr.Range("%s is required for witness outputs", field("amount"))
		}
		if err := updater.AddInWitnessUtxo(wire.NewTxOut(in.Amount, script), idx); err != nil {
			return false, err
		}
	}

	if in.RedeemScript != "" {
		script, err := validate.DecodeHex(field("redeemScript"), in.RedeemScript)
		if err != nil {
			return false, err
		}
		if err := updater.AddInRedeemScript(script, idx); err != nil {
			return false, err
		}
	}
	if in.WitnessScript != "" {
		script, err := validate.DecodeHex(field("witnessScript"), in.WitnessScript)
		if err != nil {
			return false, err
		}
		if err := updater.AddInWitnessScript(script, idx); err != nil {
			return false, err
		}
	}
	return witness, nil
}

type createTransactionArgs struct {
	Inputs   []txInput  `json:"inputs"`
	Outputs  []txOutput `json:"outputs"`
	Network  string     `json:"network"`
	Locktime *int64     `json:"locktime"`
	Version  *int32     `json:"version"`
}

type CreatedTransaction struct {
	Hex           string `json:"hex"`
	TxID          string `json:"txid"`
	PSBT          string `json:"psbt"`
	InputCount    int    `json:"inputCount"`
	OutputCount   int    `json:"outputCount"`
	TotalInput    int64  `json:"totalInput"`
	TotalOutput   int64  `json:"totalOutput"`
	Fee           int64  `json:"fee"`
	EstimatedSize int    `json:"estimatedSize"`
}

func (h *handlers) createTransaction(ctx context.Context, in createTransactionArgs) (*CreatedTransaction, error) {
	params, err := h.network(in.Network)
	if err != nil {
		return nil, err
	}

	inputs := make([]psbtInput, 0, len(in.Inputs))
	for i, input := range in.Inputs {
		if input.Amount <= 0 {
			return nil, toolerr.Range("inputs[%d].amount must be positive", i)
		}
		inputs = append(inputs, psbtInput{txInput: input})
	}

	packet, totals, err := buildPacket(params, inputs, in.Outputs, in.Version, in.Locktime)
	if err != nil {
		return nil, err
	}

	fee := totals.Input - totals.Output
	if fee < 0 {
		return nil, toolerr.Range("outputs (%d) exceed inputs (%d)", totals.Output, totals.Input)
	}

	b64, _, err := encodePacket(packet)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := packet.UnsignedTx.Serialize(&buf); err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Debug().
		Int("inputs", len(inputs)).
		Int("outputs", len(in.Outputs)).
		Int64("fee", fee).
		Msg("built unsigned transaction")

	return &CreatedTransaction{
		Hex:           hex.EncodeToString(buf.Bytes()),
		TxID:          packet.UnsignedTx.TxHash().String(),
		PSBT:          b64,
		InputCount:    len(packet.UnsignedTx.TxIn),
		OutputCount:   len(packet.UnsignedTx.TxOut),
		TotalInput:    totals.Input,
		TotalOutput:   totals.Output,
		Fee:           fee,
		EstimatedSize: validate.EstimateSize(len(inputs), len(in.Outputs), totals.Witness),
	}, nil
}

// parseTx decodes a raw transaction. Transactions without inputs are
// ambiguous with the SegWit marker, so those are retried without witness
// data.
func parseTx(field string, raw []byte) (*wire.MsgTx, error) {
	decode := func(fn func(*wire.MsgTx, *bytes.Reader) error) (*wire.MsgTx, error) {
		tx := new(wire.MsgTx)
		r := bytes.NewReader(raw)
		if err := fn(tx, r); err != nil {
			return nil, err
		}
		if r.Len() > 0 {
			return nil, fmt.Errorf("%d trailing bytes", r.Len())
		}
		return tx, nil
	}

	tx, err := decode(func(tx *wire.MsgTx, r *bytes.Reader) error { return tx.Deserialize(r) })
	if err == nil {
		return tx, nil
	}
	tx, errNoWitness := decode(func(tx *wire.MsgTx, r *bytes.Reader) error { return tx.DeserializeNoWitness(r) })
	if errNoWitness == nil {
		return tx, nil
	}
	return nil, toolerr.Format("invalid transaction in %s: %s", field, err)
}

func decodeTxHex(field, value string) (*wire.MsgTx, error) {
	raw, err := validate.DecodeHex(field, value)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, toolerr.Format("%s must not be empty", field)
	}
	return parseTx(field, raw)
}

type txHexArgs struct {
	Hex     string `json:"hex"`
	Network string `json:"network"`
}

type DecodedInput struct {
	TxID         string   `json:"txid"`
	Vout         uint32   `json:"vout"`
	Sequence     uint32   `json:"sequence"`
	ScriptSig    string   `json:"scriptSig"`
	ScriptSigAsm string   `json:"scriptSigAsm"`
	Witness      []string `json:"witness,omitempty"`
	Coinbase     bool     `json:"coinbase,omitempty"`
}

type DecodedOutput struct {
	N            int    `json:"n"`
	Value        int64  `json:"value"`
	ValueBTC     string `json:"valueBtc"`
	ScriptPubKey string `json:"scriptPubKey"`
	Asm          string `json:"asm"`
	Type         string `json:"type"`
	Address      string `json:"address,omitempty"`
}

type DecodedTransaction struct {
	TxID        string          `json:"txid"`
	WTxID       string          `json:"wtxid"`
	Version     int32           `json:"version"`
	Locktime    uint32          `json:"locktime"`
	Size        int             `json:"size"`
	VSize       int             `json:"vsize"`
	Weight      int             `json:"weight"`
	HasWitness  bool            `json:"hasWitness"`
	Inputs      []DecodedInput  `json:"inputs"`
	Outputs     []DecodedOutput `json:"outputs"`
	TotalOutput int64           `json:"totalOutput"`
}

func (h *handlers) decodeTransaction(ctx context.Context, in txHexArgs) (*DecodedTransaction, error) {
	params, err := h.network(in.Network)
	if err != nil {
		return nil, err
	}
	tx, err := decodeTxHex("hex", in.Hex)
	if err != nil {
		return nil, err
	}
	return describeTx(tx, params), nil
}

func describeTx(tx *wire.MsgTx, params network.Params) *DecodedTransaction {
	weight := tx.SerializeSizeStripped()*(witnessScaleFactor-1) + tx.SerializeSize()

	out := &DecodedTransaction{
		TxID:       tx.TxHash().String(),
		WTxID:      tx.WitnessHash().String(),
		Version:    tx.Version,
		Locktime:   tx.LockTime,
		Size:       tx.SerializeSize(),
		VSize:      (weight + witnessScaleFactor - 1) / witnessScaleFactor,
		Weight:     weight,
		HasWitness: tx.HasWitness(),
		Inputs:     make([]DecodedInput, 0, len(tx.TxIn)),
		Outputs:    make([]DecodedOutput, 0, len(tx.TxOut)),
	}

	for _, txIn := range tx.TxIn {
		decoded := DecodedInput{
			TxID:         txIn.PreviousOutPoint.Hash.String(),
			Vout:         txIn.PreviousOutPoint.Index,
			Sequence:     txIn.Sequence,
			ScriptSig:    hex.EncodeToString(txIn.SignatureScript),
			ScriptSigAsm: disasm(txIn.SignatureScript),
			Coinbase: txIn.PreviousOutPoint.Index == wire.MaxPrevOutIndex &&
				txIn.PreviousOutPoint.Hash == (chainhash.Hash{}),
		}
		for _, item := range txIn.Witness {
			decoded.Witness = append(decoded.Witness, hex.EncodeToString(item))
		}
		out.Inputs = append(out.Inputs, decoded)
	}

	for i, txOut := range tx.TxOut {
		out.Outputs = append(out.Outputs, DecodedOutput{
			N:            i,
			Value:        txOut.Value,
			ValueBTC:     validate.FormatBaseUnits(txOut.Value, validate.UnitBTC),
			ScriptPubKey: hex.EncodeToString(txOut.PkScript),
			Asm:          disasm(txOut.PkScript),
			Type:         scriptType(txOut.PkScript),
			Address:      scriptAddress(txOut.PkScript, params),
		})
		out.TotalOutput += txOut.Value
	}
	return out
}

type signTransactionArgs struct {
	Hex         string   `json:"hex"`
	PrivateKeys []string `json:"privateKeys"`
	Network     string   `json:"network"`
}

type SignedTransaction struct {
	Signed       bool     `json:"signed"`
	Complete     bool     `json:"complete"`
	Hex          string   `json:"hex,omitempty"`
	TxID         string   `json:"txid,omitempty"`
	PSBT         string   `json:"psbt"`
	SignedInputs []int    `json:"signedInputs"`
	Errors       []string `json:"errors"`
}

func (h *handlers) signTransaction(ctx context.Context, in signTransactionArgs) (*SignedTransaction, error) {
	params, err := h.network(in.Network)
	if err != nil {
		return nil, err
	}
	packet, err := decodePacket("hex", in.Hex)
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

	out := &SignedTransaction{
		Signed:       len(report.Errors) == 0,
		SignedInputs: report.SignedInputs,
		Errors:       report.Errors,
	}

	if !out.Signed {
		out.PSBT, _, err = encodePacket(packet)
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	finalized, err := finalizePacket(ctx, packet, true)
	if err != nil {
		return nil, err
	}
	out.PSBT = finalized.PSBT
	out.Hex = finalized.Hex
	out.TxID = finalized.TxID
	out.Complete = finalized.Complete && finalized.Hex != ""
	out.Errors = append(out.Errors, finalized.Errors...)
	return out, nil
}

type estimateFeeArgs struct {
	Inputs    int     `json:"inputs"`
	Outputs   int     `json:"outputs"`
	FeeRate   float64 `json:"feeRate"`
	InputType string  `json:"inputType"`
}

type FeeEstimate struct {
	Inputs    int     `json:"inputs"`
	Outputs   int     `json:"outputs"`
	InputType string  `json:"inputType"`
	Size      int     `json:"size"`
	Weight    int     `json:"weight"`
	VSize     int     `json:"vsize"`
	FeeRate   float64 `json:"feeRate"`
	Fee       int64   `json:"fee"`
	FeeBTC    string  `json:"feeBtc"`
}

func (h *handlers) estimateTransactionFee(ctx context.Context, in estimateFeeArgs) (*FeeEstimate, error) {
	if in.Inputs < 1 || in.Outputs < 1 {
		return nil, toolerr.Range("inputs and outputs must be at least 1")
	}
	if in.Inputs > maxEstimateCount || in.Outputs > maxEstimateCount {
		return nil, toolerr.Range("inputs and outputs must be at most %d", maxEstimateCount)
	}
	if in.FeeRate <= 0 || math.IsInf(in.FeeRate, 0) || math.IsNaN(in.FeeRate) {
		return nil, toolerr.Range("feeRate must be a positive number")
	}
	cost, ok := inputCosts[in.InputType]
	if !ok {
		return nil, toolerr.Format("unsupported input type: %s", in.InputType)
	}

	base := 10 + in.Inputs*cost.base + in.Outputs*34
	witness := in.Inputs * cost.witness
	weight := witnessScaleFactor*base + witness
	vsize := (weight + witnessScaleFactor - 1) / witnessScaleFactor

	total := decimal.NewFromInt(int64(vsize)).
		Mul(decimal.NewFromFloat(in.FeeRate)).
		Ceil()
	if total.GreaterThan(decimal.NewFromInt(int64(btcutil.MaxSatoshi))) {
		return nil, toolerr.Range("fee of %s satoshis exceeds the total supply", total)
	}
	fee := total.IntPart()

	return &FeeEstimate{
		Inputs:    in.Inputs,
		Outputs:   in.Outputs,
		InputType: in.InputType,
		Size:      base + witness,
		Weight:    weight,
		VSize:     vsize,
		FeeRate:   in.FeeRate,
		Fee:       fee,
		FeeBTC:    validate.FormatBaseUnits(fee, validate.UnitBTC),
	}, nil
}

type BroadcastCheck struct {
	Valid     bool     `json:"valid"`
	Broadcast bool     `json:"broadcast"`
	TxID      string   `json:"txid"`
	Errors    []string `json:"errors"`
	Message   string   `json:"message"`
}

func (h *handlers) broadcastTransaction(ctx context.Context, in txHexArgs) (*BroadcastCheck, error) {
	if _, err := h.network(in.Network); err != nil {
		return nil, err
	}
	tx, err := decodeTxHex("hex", in.Hex)
	if err != nil {
		return nil, err
	}

	problems := checkTransaction(tx)
	out := &BroadcastCheck{
		Valid:  len(problems) == 0,
		TxID:   tx.TxHash().String(),
		Errors: problems,
	}
	if out.Valid {
		out.Message = "Transaction passed validation. It was not broadcast; submit it through a node or block explorer."
	} else {
		out.Message = fmt.Sprintf("Transaction failed validation with %d problem(s).", len(problems))
	}
	return out, nil
}

// checkTransaction collects every structural problem instead of stopping
// at the first.
func checkTransaction(tx *wire.MsgTx) []string {
	problems := []string{}
	if len(tx.TxIn) == 0 {
		problems = append(problems, "transaction has no inputs")
	}
	if len(tx.TxOut) == 0 {
		problems = append(problems, "transaction has no outputs")
	}

	seen := make(map[wire.OutPoint]int, len(tx.TxIn))
	for i, txIn := range tx.TxIn {
		if first, ok := seen[txIn.PreviousOutPoint]; ok {
			problems = append(problems, fmt.Sprintf(
				"input %d spends %s, already spent by input %d", i, txIn.PreviousOutPoint, first,
			))
			continue
		}
		seen[txIn.PreviousOutPoint] = i
	}

	var total int64
	overflow := false
	for i, txOut := range tx.TxOut {
		if txOut.Value < 0 {
			problems = append(problems, fmt.Sprintf("output %d has negative value %d", i, txOut.Value))
			continue
		}
		if txOut.Value > btcutil.MaxSatoshi || total > btcutil.MaxSatoshi-txOut.Value {
			overflow = true
			continue
		}
		total += txOut.Value
	}
	if overflow {
		problems = append(problems, fmt.Sprintf("total output value exceeds %d satoshis", int64(btcutil.MaxSatoshi)))
	}
	return problems
}
