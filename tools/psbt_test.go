package tools_test

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/barebitcoin/btc-mcp/toolerr"
	"github.com/barebitcoin/btc-mcp/tools"
)

const wif2 = "cMahea7zqjxrtgAbB7LSGbcQUr1uX1ojuat9jZodMN87K7XCyj5v"

func TestCreatePSBT(t *testing.T) {
	d := newDispatcher(t)

	created := mustCall[*tools.CreatedPSBT](t, d, "create_psbt", map[string]any{
		"inputs": []any{
			map[string]any{"txid": txidA, "vout": 0, "amount": 30_000, "scriptPubKey": scriptOf(t, d, p2wpkh1)},
			map[string]any{"txid": txidB, "vout": 1},
		},
		"outputs": []any{map[string]any{"address": p2wpkhA, "amount": 20_000}},
	})
	require.Equal(t, 2, created.InputCount)
	require.Equal(t, 1, created.OutputCount)
	require.NotEmpty(t, created.PSBT)
	require.NotEmpty(t, created.Hex)

	t.Run("both encodings decode the same", func(t *testing.T) {
		fromB64 := mustCall[*tools.DecodedPSBT](t, d, "decode_psbt", map[string]any{"psbt": created.PSBT})
		fromHex := mustCall[*tools.DecodedPSBT](t, d, "decode_psbt", map[string]any{"psbt": created.Hex})
		require.Equal(t, fromB64, fromHex)
		require.Equal(t, created.TxID, fromB64.TxID)
	})

	t.Run("decoded inputs", func(t *testing.T) {
		decoded := mustCall[*tools.DecodedPSBT](t, d, "decode_psbt", map[string]any{"psbt": created.PSBT})
		require.Len(t, decoded.Inputs, 2)

		first := decoded.Inputs[0]
		require.True(t, first.HasWitnessUtxo)
		require.False(t, first.HasNonWitnessUtxo)
		require.NotNil(t, first.Amount)
		require.EqualValues(t, 30_000, *first.Amount)
		require.Equal(t, "p2wpkh", first.Type)
		require.Equal(t, p2wpkh1, first.Address)
		require.Zero(t, first.PartialSigs)
		require.False(t, first.Finalized)

		second := decoded.Inputs[1]
		require.False(t, second.HasWitnessUtxo)
		require.Nil(t, second.Amount)
		require.EqualValues(t, 1, second.Vout)

		// Unknown input values leave the fee unknown.
		require.Nil(t, decoded.TotalInput)
		require.Nil(t, decoded.Fee)
		require.EqualValues(t, 20_000, decoded.TotalOutput)
		require.False(t, decoded.Complete)
	})

	t.Run("invalid psbt", func(t *testing.T) {
		e := mustFail(t, d, "decode_psbt", map[string]any{"psbt": "cHNidP8="})
		require.Equal(t, toolerr.CodeInvalidFormat, e.Code)

		e = mustFail(t, d, "decode_psbt", map[string]any{"psbt": "   "})
		require.Equal(t, toolerr.CodeInvalidFormat, e.Code)
	})

	t.Run("nonWitnessUtxo must match the txid", func(t *testing.T) {
		prev := mustCall[*tools.CreatedTransaction](t, d, "create_transaction", map[string]any{
			"inputs":  []any{map[string]any{"txid": txidA, "vout": 0, "amount": 30_000}},
			"outputs": []any{map[string]any{"address": p2pkh1, "amount": 25_000}},
		})
		e := mustFail(t, d, "create_psbt", map[string]any{
			"inputs":  []any{map[string]any{"txid": txidB, "vout": 0, "nonWitnessUtxo": prev.Hex}},
			"outputs": []any{map[string]any{"address": p2wpkhA, "amount": 20_000}},
		})
		require.Equal(t, toolerr.CodeInvalidFormat, e.Code)
		require.Contains(t, e.Message, "inputs[0].nonWitnessUtxo")
	})
}

func TestSignAndFinalizeTaproot(t *testing.T) {
	d := newDispatcher(t)

	created := mustCall[*tools.CreatedPSBT](t, d, "create_psbt", map[string]any{
		"inputs": []any{map[string]any{
			"txid": txidA, "vout": 0, "amount": 50_000, "scriptPubKey": scriptOf(t, d, p2tr1),
		}},
		"outputs": []any{map[string]any{"address": p2wpkhA, "amount": 49_000}},
	})

	signed := mustCall[*tools.SignedPSBT](t, d, "sign_psbt", map[string]any{
		"psbt": created.PSBT, "privateKeys": []any{wifB, wif1},
	})
	require.True(t, signed.Signed, signed.Errors)
	require.False(t, signed.Complete)
	require.Equal(t, []int{0}, signed.SignedInputs)

	decoded := mustCall[*tools.DecodedPSBT](t, d, "decode_psbt", map[string]any{"psbt": signed.PSBT})
	require.True(t, decoded.Inputs[0].TaprootSigned)
	require.Equal(t, "p2tr", decoded.Inputs[0].Type)
	require.EqualValues(t, 1_000, *decoded.Fee)

	finalized := mustCall[*tools.FinalizedPSBT](t, d, "finalize_psbt", map[string]any{"psbt": signed.PSBT})
	require.True(t, finalized.Complete)
	require.Empty(t, finalized.Errors)
	require.Equal(t, created.TxID, finalized.TxID)

	tx := mustCall[*tools.DecodedTransaction](t, d, "decode_transaction", map[string]any{"hex": finalized.Hex})
	require.True(t, tx.HasWitness)
	require.Len(t, tx.Inputs[0].Witness, 1)
	require.Len(t, tx.Inputs[0].Witness[0], 128)

	t.Run("without extraction", func(t *testing.T) {
		res := mustCall[*tools.FinalizedPSBT](t, d, "finalize_psbt", map[string]any{
			"psbt": signed.PSBT, "extract": false,
		})
		require.True(t, res.Complete)
		require.Empty(t, res.Hex)

		decoded := mustCall[*tools.DecodedPSBT](t, d, "decode_psbt", map[string]any{"psbt": res.PSBT})
		require.True(t, decoded.Inputs[0].Finalized)
		require.True(t, decoded.Complete)
	})

	t.Run("unsigned packet does not finalize", func(t *testing.T) {
		res := mustCall[*tools.FinalizedPSBT](t, d, "finalize_psbt", map[string]any{"psbt": created.PSBT})
		require.False(t, res.Complete)
		require.Empty(t, res.Hex)
		require.Len(t, res.Errors, 1)
		require.Contains(t, res.Errors[0], "finalize")
		require.Equal(t, created.PSBT, res.PSBT)
	})
}

func TestSignLegacyInput(t *testing.T) {
	d := newDispatcher(t)

	prev := mustCall[*tools.CreatedTransaction](t, d, "create_transaction", map[string]any{
		"inputs":  []any{map[string]any{"txid": txidA, "vout": 0, "amount": 30_000}},
		"outputs": []any{map[string]any{"address": p2pkh1, "amount": 25_000}},
	})

	created := mustCall[*tools.CreatedPSBT](t, d, "create_psbt", map[string]any{
		"inputs": []any{map[string]any{
			"txid": prev.TxID, "vout": 0, "nonWitnessUtxo": prev.Hex,
		}},
		"outputs": []any{map[string]any{"address": p2wpkhA, "amount": 24_000}},
	})

	decoded := mustCall[*tools.DecodedPSBT](t, d, "decode_psbt", map[string]any{"psbt": created.PSBT})
	require.True(t, decoded.Inputs[0].HasNonWitnessUtxo)
	require.Equal(t, "p2pkh", decoded.Inputs[0].Type)
	require.Equal(t, p2pkh1, decoded.Inputs[0].Address)
	require.EqualValues(t, 25_000, *decoded.TotalInput)
	require.EqualValues(t, 1_000, *decoded.Fee)

	signed := mustCall[*tools.SignedTransaction](t, d, "sign_transaction", map[string]any{
		"hex": created.PSBT, "privateKeys": []any{wif1},
	})
	require.True(t, signed.Complete, signed.Errors)

	tx := mustCall[*tools.DecodedTransaction](t, d, "decode_transaction", map[string]any{"hex": signed.Hex})
	require.False(t, tx.HasWitness)
	require.NotEmpty(t, tx.Inputs[0].ScriptSig)
	require.Contains(t, tx.Inputs[0].ScriptSigAsm, pub1)
}

// verifySpend runs input 0 of a signed transaction through the script
// engine against the output it spends.
func verifySpend(t *testing.T, signedHex, pkScript string, amount int64) {
	t.Helper()
	raw, err := hex.DecodeString(signedHex)
	require.NoError(t, err)
	var tx wire.MsgTx
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))

	script, err := hex.DecodeString(pkScript)
	require.NoError(t, err)

	fetcher := txscript.NewCannedPrevOutputFetcher(script, amount)
	engine, err := txscript.NewEngine(
		script, &tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(&tx, fetcher), amount, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, engine.Execute())
}

func TestSignNestedSegwit(t *testing.T) {
	d := newDispatcher(t)

	nested := mustCall[*tools.AddressInfo](t, d, "generate_address", map[string]any{
		"type": "p2sh", "publicKey": pub1,
	})
	require.NotEmpty(t, nested.RedeemScript)

	prev := mustCall[*tools.CreatedTransaction](t, d, "create_transaction", map[string]any{
		"inputs":  []any{map[string]any{"txid": txidA, "vout": 0, "amount": 30_000}},
		"outputs": []any{map[string]any{"address": nested.Address, "amount": 25_000}},
	})

	cases := []struct {
		name  string
		input map[string]any
	}{
		{"full previous transaction with redeem script", map[string]any{
			"txid": prev.TxID, "vout": 0, "nonWitnessUtxo": prev.Hex, "redeemScript": nested.RedeemScript,
		}},
		{"full previous transaction", map[string]any{
			"txid": prev.TxID, "vout": 0, "nonWitnessUtxo": prev.Hex,
		}},
		{"output script with redeem script", map[string]any{
			"txid": prev.TxID, "vout": 0, "amount": 25_000,
			"scriptPubKey": nested.ScriptPubKey, "redeemScript": nested.RedeemScript,
		}},
		{"output script", map[string]any{
			"txid": prev.TxID, "vout": 0, "amount": 25_000, "scriptPubKey": nested.ScriptPubKey,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			created := mustCall[*tools.CreatedPSBT](t, d, "create_psbt", map[string]any{
				"inputs":  []any{tc.input},
				"outputs": []any{map[string]any{"address": p2wpkhA, "amount": 24_000}},
			})

			signed := mustCall[*tools.SignedTransaction](t, d, "sign_transaction", map[string]any{
				"hex": created.PSBT, "privateKeys": []any{wif1},
			})
			require.True(t, signed.Signed, signed.Errors)
			require.True(t, signed.Complete, signed.Errors)
			require.Empty(t, signed.Errors)

			verifySpend(t, signed.Hex, nested.ScriptPubKey, 25_000)
		})
	}
}

func TestCombineMultisig(t *testing.T) {
	d := newDispatcher(t)

	witnessScript := "5221" + pub1 + "21" + pub2 + "52ae"
	p2wsh := mustCall[*tools.AddressInfo](t, d, "address_from_script", map[string]any{
		"script": witnessScript, "type": "p2wsh",
	})

	created := mustCall[*tools.CreatedPSBT](t, d, "create_psbt", map[string]any{
		"inputs": []any{map[string]any{
			"txid": txidA, "vout": 2, "amount": 80_000,
			"scriptPubKey": p2wsh.ScriptPubKey, "witnessScript": witnessScript,
		}},
		"outputs": []any{map[string]any{"address": p2wpkhB, "amount": 79_000}},
	})

	first := mustCall[*tools.SignedPSBT](t, d, "sign_psbt", map[string]any{
		"psbt": created.PSBT, "privateKeys": []any{wif1},
	})
	require.False(t, first.Signed)
	require.Equal(t, []int{0}, first.SignedInputs)
	require.Equal(t, []string{"input 0: 1 of 2 required signatures"}, first.Errors)

	second := mustCall[*tools.SignedPSBT](t, d, "sign_psbt", map[string]any{
		"psbt": created.PSBT, "privateKeys": []any{wif2},
	})
	require.Equal(t, []int{0}, second.SignedInputs)

	combined := mustCall[*tools.CombinedPSBT](t, d, "combine_psbts", map[string]any{
		"psbts": []any{first.PSBT, second.PSBT},
	})
	require.Equal(t, 1, combined.InputCount)

	decoded := mustCall[*tools.DecodedPSBT](t, d, "decode_psbt", map[string]any{"psbt": combined.PSBT})
	require.Equal(t, 2, decoded.Inputs[0].PartialSigs)
	require.Equal(t, witnessScript, decoded.Inputs[0].WitnessScript)

	t.Run("combining is idempotent", func(t *testing.T) {
		again := mustCall[*tools.CombinedPSBT](t, d, "combine_psbts", map[string]any{
			"psbts": []any{combined.PSBT, first.PSBT},
		})
		decoded := mustCall[*tools.DecodedPSBT](t, d, "decode_psbt", map[string]any{"psbt": again.PSBT})
		require.Equal(t, 2, decoded.Inputs[0].PartialSigs)
	})

	finalized := mustCall[*tools.FinalizedPSBT](t, d, "finalize_psbt", map[string]any{"psbt": combined.PSBT})
	require.True(t, finalized.Complete, finalized.Errors)

	tx := mustCall[*tools.DecodedTransaction](t, d, "decode_transaction", map[string]any{"hex": finalized.Hex})
	// Empty dummy, two signatures, then the witness script.
	require.Len(t, tx.Inputs[0].Witness, 4)
	require.Equal(t, witnessScript, tx.Inputs[0].Witness[3])

	t.Run("a single signature cannot finalize", func(t *testing.T) {
		res := mustCall[*tools.FinalizedPSBT](t, d, "finalize_psbt", map[string]any{"psbt": first.PSBT})
		require.False(t, res.Complete)
		require.NotEmpty(t, res.Errors)
	})
}

func TestCombinePSBTsErrors(t *testing.T) {
	d := newDispatcher(t)

	create := func(amount int) string {
		return mustCall[*tools.CreatedPSBT](t, d, "create_psbt", map[string]any{
			"inputs":  []any{map[string]any{"txid": txidA, "vout": 0}},
			"outputs": []any{map[string]any{"address": p2wpkhA, "amount": amount}},
		}).PSBT
	}

	e := mustFail(t, d, "combine_psbts", map[string]any{"psbts": []any{create(1_000), create(2_000)}})
	require.Equal(t, toolerr.CodeInvalidFormat, e.Code)
	require.Contains(t, e.Message, "psbts[1]")

	e = mustFail(t, d, "combine_psbts", map[string]any{"psbts": []any{create(1_000)}})
	require.Equal(t, toolerr.CodeInvalidRange, e.Code)

	e = mustFail(t, d, "combine_psbts", map[string]any{"psbts": []any{create(1_000), "garbage"}})
	require.Contains(t, e.Message, "psbts[1]")
}

func TestUpdatePSBT(t *testing.T) {
	d := newDispatcher(t)

	created := mustCall[*tools.CreatedPSBT](t, d, "create_psbt", map[string]any{
		"inputs":  []any{map[string]any{"txid": txidA, "vout": 0}},
		"outputs": []any{map[string]any{"address": p2wpkhA, "amount": 9_000}},
	})

	updated := mustCall[*tools.UpdatedPSBT](t, d, "update_psbt", map[string]any{
		"psbt":       created.PSBT,
		"inputIndex": 0,
		"updates": map[string]any{
			"witnessUtxo": map[string]any{"script": scriptOf(t, d, p2wpkh1), "amount": 10_000},
			"sighashType": 1,
			"bip32Derivation": []any{map[string]any{
				"pubkey": pub1, "masterFingerprint": "3442193e", "path": "m/84h/1h/0h/0/0",
			}},
		},
	})
	require.Equal(t, []string{"witnessUtxo", "sighashType", "bip32Derivation"}, updated.Updated)

	decoded := mustCall[*tools.DecodedPSBT](t, d, "decode_psbt", map[string]any{"psbt": updated.PSBT})
	in := decoded.Inputs[0]
	require.True(t, in.HasWitnessUtxo)
	require.EqualValues(t, 10_000, *in.Amount)
	require.EqualValues(t, 1, in.SighashType)
	require.Equal(t, []tools.KeyOrigin{{
		PubKey: pub1, MasterFingerprint: "3442193e", Path: "m/84'/1'/0'/0/0",
	}}, in.Bip32Derivation)
	require.EqualValues(t, 1_000, *decoded.Fee)

	// The updated packet carries enough to be signed.
	signed := mustCall[*tools.SignedTransaction](t, d, "sign_transaction", map[string]any{
		"hex": updated.PSBT, "privateKeys": []any{wif1},
	})
	require.True(t, signed.Complete, signed.Errors)

	t.Run("validation", func(t *testing.T) {
		e := mustFail(t, d, "update_psbt", map[string]any{
			"psbt": created.PSBT, "inputIndex": 1, "updates": map[string]any{"redeemScript": "00"},
		})
		require.Equal(t, toolerr.CodeInvalidRange, e.Code)

		e = mustFail(t, d, "update_psbt", map[string]any{
			"psbt": created.PSBT, "inputIndex": 0, "updates": map[string]any{},
		})
		require.Equal(t, "updates must set at least one field", e.Message)

		e = mustFail(t, d, "update_psbt", map[string]any{
			"psbt": created.PSBT, "inputIndex": 0, "updates": map[string]any{
				"bip32Derivation": []any{map[string]any{"pubkey": pub1, "masterFingerprint": "3442", "path": "m/0"}},
			},
		})
		require.Contains(t, e.Message, "masterFingerprint")
	})
}
