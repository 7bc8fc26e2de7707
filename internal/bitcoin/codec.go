package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
)

// witnessScaleFactor is the weight of a non-witness byte
const witnessScaleFactor = 4

// ParseRawTransaction deserializes hex encoded transaction bytes
func ParseRawTransaction(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	msg := wire.NewMsgTx(wire.TxVersion)
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	return msg, nil
}

// DecodeRawTransaction rebuilds a verbose transaction record from raw hex.
// Confirmations, Time and BlockTime are left zero; the caller fills them from
// whatever height information it has.
//
// Every output must resolve to an address. A script no decoder understands
// fails the whole transaction with ErrNoAddress rather than producing a
// record with a missing or wrong address.
func DecodeRawTransaction(rawHex string, params *chaincfg.Params) (*Transaction, error) {
	msg, err := ParseRawTransaction(rawHex)
	if err != nil {
		return nil, err
	}

	weight := msg.SerializeSizeStripped()*(witnessScaleFactor-1) + msg.SerializeSize()
	tx := &Transaction{
		TxID:     msg.TxHash().String(),
		Hash:     msg.WitnessHash().String(),
		Version:  msg.Version,
		Size:     int(math.Ceil(float64(len(rawHex)) / 2)),
		VSize:    (weight + witnessScaleFactor - 1) / witnessScaleFactor,
		Weight:   weight,
		LockTime: msg.LockTime,
		Hex:      rawHex,
		Vin:      make([]Input, 0, len(msg.TxIn)),
		Vout:     make([]Output, 0, len(msg.TxOut)),
	}

	for _, in := range msg.TxIn {
		input := Input{Sequence: in.Sequence}
		if isCoinbaseInput(in) {
			input.Coinbase = hex.EncodeToString(in.SignatureScript)
		} else {
			input.TxID = in.PreviousOutPoint.Hash.String()
			input.Vout = in.PreviousOutPoint.Index
			asm, _ := txscript.DisasmString(in.SignatureScript)
			input.ScriptSig = &ScriptSig{Asm: asm, Hex: hex.EncodeToString(in.SignatureScript)}
		}
		for _, item := range in.Witness {
			input.TxInWitness = append(input.TxInWitness, hex.EncodeToString(item))
		}
		tx.Vin = append(tx.Vin, input)
	}

	for n, out := range msg.TxOut {
		address, scriptType, err := OutputAddress(out.PkScript, params)
		if err != nil {
			return nil, fmt.Errorf("failed to decode output %d of %s: %w", n, tx.TxID, err)
		}
		asm, _ := txscript.DisasmString(out.PkScript)
		tx.Vout = append(tx.Vout, Output{
			Value: SatoshisToBTC(out.Value),
			N:     uint32(n),
			ScriptPubKey: ScriptPubKey{
				Asm:       asm,
				Hex:       hex.EncodeToString(out.PkScript),
				Type:      scriptType,
				Addresses: []string{address},
			},
		})
	}

	return tx, nil
}

func isCoinbaseInput(in *wire.TxIn) bool {
	return in.PreviousOutPoint.Index == math.MaxUint32 &&
		in.PreviousOutPoint.Hash == [32]byte{}
}

// SatoshisToBTC converts an integer satoshi amount to BTC
func SatoshisToBTC(sats int64) decimal.Decimal {
	return decimal.New(sats, -8)
}

// BTCToSatoshis converts a BTC amount to satoshis, rounding to the nearest
// satoshi.
func BTCToSatoshis(btc decimal.Decimal) int64 {
	return btc.Shift(8).Round(0).IntPart()
}
