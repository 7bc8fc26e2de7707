package bip47

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Outpoint serializes op as it appears in a transaction input: the hash in
// wire byte order followed by the little-endian index.
func Outpoint(op wire.OutPoint) []byte {
	out := make([]byte, 36)
	copy(out, op.Hash[:])
	binary.LittleEndian.PutUint32(out[32:], op.Index)
	return out
}

// blind XORs the x coordinate and chain code of payload with the mask
// HMAC-SHA512(outpoint, secretX). Blinding and unblinding are the same
// operation.
func blind(payload, outpoint, secretX []byte) []byte {
	mac := hmac.New(sha512.New, outpoint)
	mac.Write(secretX)
	mask := mac.Sum(nil)

	out := append([]byte(nil), payload...)
	for i := xOffset; i < chainCodeOffset; i++ {
		out[i] ^= mask[i-xOffset]
	}
	for i := chainCodeOffset; i < payloadPaddedEnd; i++ {
		out[i] ^= mask[32+i-chainCodeOffset]
	}
	return out
}

// BlindedPayload returns the notification payload announcing code to
// recipient. designated is the private key of the input spending outpoint.
func BlindedPayload(code, recipient *PaymentCode, designated *btcec.PrivateKey, outpoint wire.OutPoint) ([]byte, error) {
	notification, err := recipient.DerivePublicKey(0)
	if err != nil {
		return nil, err
	}
	secretX := btcec.GenerateSharedSecret(designated, notification)
	return blind(code.Payload(), Outpoint(outpoint), secretX), nil
}

// NotificationScript builds the OP_RETURN output script carrying payload
func NotificationScript(payload []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).AddData(payload).Script()
}

// notificationPayload returns the 80 byte push of the first OP_RETURN
// output that carries one.
func notificationPayload(tx *wire.MsgTx) ([]byte, bool) {
	for _, out := range tx.TxOut {
		tokenizer := txscript.MakeScriptTokenizer(0, out.PkScript)
		if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
			continue
		}
		if tokenizer.Next() && len(tokenizer.Data()) == payloadLen {
			return tokenizer.Data(), true
		}
	}
	return nil, false
}

// designatedInput returns the first input exposing a public key in its
// signature script or witness, with that key.
func designatedInput(tx *wire.MsgTx) (*wire.TxIn, *btcec.PublicKey, bool) {
	for _, in := range tx.TxIn {
		tokenizer := txscript.MakeScriptTokenizer(0, in.SignatureScript)
		for tokenizer.Next() {
			if pubKey, ok := parsePubKey(tokenizer.Data()); ok {
				return in, pubKey, true
			}
		}
		for _, item := range in.Witness {
			if pubKey, ok := parsePubKey(item); ok {
				return in, pubKey, true
			}
		}
	}
	return nil, nil, false
}

// uncompressedPubKeyLen is the length of a 0x04-prefixed public key.
const uncompressedPubKeyLen = 65

func parsePubKey(data []byte) (*btcec.PublicKey, bool) {
	switch {
	case len(data) == btcec.PubKeyBytesLenCompressed && (data[0] == 0x02 || data[0] == 0x03):
	case len(data) == uncompressedPubKeyLen && data[0] == 0x04:
	default:
		return nil, false
	}
	pubKey, err := btcec.ParsePubKey(data)
	if err != nil {
		return nil, false
	}
	return pubKey, true
}

// PaymentCodeFromNotification extracts the sender's payment code from a
// notification transaction paid to this account. The result has been
// re-parsed, so a returned code is well formed.
func (a *Account) PaymentCodeFromNotification(tx *wire.MsgTx) (*PaymentCode, error) {
	payload, ok := notificationPayload(tx)
	if !ok {
		return nil, ErrNotNotification
	}
	in, designated, ok := designatedInput(tx)
	if !ok {
		return nil, ErrNoDesignatedInput
	}

	notification, err := a.NotificationKey()
	if err != nil {
		return nil, err
	}
	secretX := btcec.GenerateSharedSecret(notification, designated)
	code, err := paymentCodeFromPayload(blind(payload, Outpoint(in.PreviousOutPoint), secretX))
	if err != nil {
		return nil, fmt.Errorf("failed to unblind payment code: %w", err)
	}
	return code, nil
}
