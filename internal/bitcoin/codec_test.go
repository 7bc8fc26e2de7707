package bitcoin

import (
	"bytes"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestOutputAddress(t *testing.T) {
	params := &chaincfg.MainNetParams

	p2shAddr, err := btcutil.NewAddressScriptHashFromHash(bytes.Repeat([]byte{0x11}, 20), params)
	require.NoError(t, err)
	p2shScript, err := txscript.PayToAddrScript(p2shAddr)
	require.NoError(t, err)

	tests := []struct {
		name       string
		script     string
		address    string
		scriptType string
	}{
		{
			name:       "native segwit",
			script:     "0014751e76e8199196d454941c45d1b3a323f1433bd6",
			address:    "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
			scriptType: "witness_v0_keyhash",
		},
		{
			name:       "legacy",
			script:     "76a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1888ac",
			address:    "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
			scriptType: "pubkeyhash",
		},
		{
			name:       "wrapped segwit",
			script:     hex.EncodeToString(p2shScript),
			address:    p2shAddr.EncodeAddress(),
			scriptType: "scripthash",
		},
		{
			name:       "taproot",
			script:     "512040ef293a8a0ebaf8b351a27d89ff4b5b3822a635e4afdca77a30170c363bafa3",
			address:    "bc1pgrhjjw52p6a03v635f7cnl6ttvuz9f34ujhaefm6xqtscd3m473szkl92g",
			scriptType: "witness_v1_taproot",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			address, scriptType, err := OutputAddress(mustHex(t, tt.script), params)
			require.NoError(t, err)
			assert.Equal(t, tt.address, address)
			assert.Equal(t, tt.scriptType, scriptType)
		})
	}

	t.Run("undecodable scripts", func(t *testing.T) {
		for _, script := range []string{"", "6a0401020304", "00"} {
			_, _, err := OutputAddress(mustHex(t, script), params)
			assert.ErrorIs(t, err, ErrNoAddress, "script %q", script)
		}
	})
}

func TestAddressToScriptHash(t *testing.T) {
	// sha256 of the genesis p2pkh script, reversed
	script := mustHex(t, "76a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1888ac")
	expected := ScriptHashFromScript(script)

	got, err := AddressToScriptHash("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", &chaincfg.MainNetParams)
	require.NoError(t, err)
	assert.Equal(t, expected, got)
	assert.Len(t, got, 64)

	_, err = AddressToScriptHash("not-an-address", &chaincfg.MainNetParams)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func buildTestTx(t *testing.T, withWitness bool) *wire.MsgTx {
	t.Helper()
	params := &chaincfg.MainNetParams

	tx := wire.NewMsgTx(2)
	prevHash, err := chainhash.NewHashFromStr("4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b")
	require.NoError(t, err)
	in := wire.NewTxIn(wire.NewOutPoint(prevHash, 1), nil, nil)
	if withWitness {
		in.Witness = wire.TxWitness{bytes.Repeat([]byte{0x30}, 71), bytes.Repeat([]byte{0x02}, 33)}
	}
	tx.AddTxIn(in)

	segwit, err := btcutil.NewAddressWitnessPubKeyHash(bytes.Repeat([]byte{0x01}, 20), params)
	require.NoError(t, err)
	segwitScript, err := txscript.PayToAddrScript(segwit)
	require.NoError(t, err)
	tx.AddTxOut(wire.NewTxOut(150000, segwitScript))

	legacy, err := btcutil.NewAddressPubKeyHash(bytes.Repeat([]byte{0x02}, 20), params)
	require.NoError(t, err)
	legacyScript, err := txscript.PayToAddrScript(legacy)
	require.NoError(t, err)
	tx.AddTxOut(wire.NewTxOut(2500, legacyScript))

	tx.LockTime = 800000
	return tx
}

func serializeTx(t *testing.T, tx *wire.MsgTx) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return hex.EncodeToString(buf.Bytes())
}

func TestDecodeRawTransaction(t *testing.T) {
	params := &chaincfg.MainNetParams

	t.Run("round trip keeps txid", func(t *testing.T) {
		for _, withWitness := range []bool{false, true} {
			msg := buildTestTx(t, withWitness)
			rawHex := serializeTx(t, msg)

			tx, err := DecodeRawTransaction(rawHex, params)
			require.NoError(t, err)
			assert.Equal(t, msg.TxHash().String(), tx.TxID)
			assert.Equal(t, rawHex, tx.Hex)
			assert.Equal(t, len(rawHex)/2, tx.Size)
			assert.Equal(t, int32(2), tx.Version)
			assert.Equal(t, uint32(800000), tx.LockTime)
		}
	})

	t.Run("sizes and values", func(t *testing.T) {
		msg := buildTestTx(t, true)
		tx, err := DecodeRawTransaction(serializeTx(t, msg), params)
		require.NoError(t, err)

		stripped := msg.SerializeSizeStripped()
		assert.Equal(t, stripped*3+msg.SerializeSize(), tx.Weight)
		assert.Equal(t, (tx.Weight+3)/4, tx.VSize)
		assert.Less(t, tx.VSize, tx.Size)

		require.Len(t, tx.Vout, 2)
		assert.True(t, tx.Vout[0].Value.Equal(decimal.RequireFromString("0.0015")))
		assert.True(t, tx.Vout[1].Value.Equal(decimal.RequireFromString("0.000025")))
		assert.Equal(t, "witness_v0_keyhash", tx.Vout[0].ScriptPubKey.Type)
		assert.Equal(t, "pubkeyhash", tx.Vout[1].ScriptPubKey.Type)
		require.Len(t, tx.Vout[0].ScriptPubKey.Addresses, 1)

		require.Len(t, tx.Vin, 1)
		assert.Equal(t, "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b", tx.Vin[0].TxID)
		assert.Equal(t, uint32(1), tx.Vin[0].Vout)
		assert.Len(t, tx.Vin[0].TxInWitness, 2)
	})

	t.Run("unresolvable output fails", func(t *testing.T) {
		msg := buildTestTx(t, false)
		msg.AddTxOut(wire.NewTxOut(0, []byte{txscript.OP_RETURN, 0x01, 0x01}))
		_, err := DecodeRawTransaction(serializeTx(t, msg), params)
		assert.ErrorIs(t, err, ErrNoAddress)
	})

	t.Run("malformed hex", func(t *testing.T) {
		_, err := DecodeRawTransaction("zz", params)
		assert.ErrorIs(t, err, ErrMalformedTransaction)
		_, err = DecodeRawTransaction("0200", params)
		assert.ErrorIs(t, err, ErrMalformedTransaction)
	})
}

func TestSatoshiConversion(t *testing.T) {
	assert.Equal(t, int64(50000), BTCToSatoshis(decimal.RequireFromString("0.0005")))
	assert.Equal(t, int64(1), BTCToSatoshis(decimal.NewFromFloat(0.00000001)))
	assert.Equal(t, "0.001", SatoshisToBTC(100000).String())
}

func TestBlockEstimation(t *testing.T) {
	latest := &Block{Height: 800000, Time: 1690000000}

	t.Run("block time extrapolates from latest header", func(t *testing.T) {
		assert.Equal(t, latest.Time, CalculateBlockTime(latest, 800000))
		assert.Equal(t, latest.Time+5958, CalculateBlockTime(latest, 800010))
	})

	t.Run("block time without header uses reference", func(t *testing.T) {
		assert.Equal(t, int64(1585837504), CalculateBlockTime(nil, 624083))
	})

	t.Run("current height", func(t *testing.T) {
		// three intervals of 595.8s have elapsed
		now := time.Unix(latest.Time+1788, 0)
		assert.Equal(t, int64(800003), EstimateCurrentBlockHeight(latest, now))
		assert.Equal(t, int64(800000), EstimateCurrentBlockHeight(latest, time.Unix(latest.Time, 0)))
	})

	t.Run("confirmations", func(t *testing.T) {
		now := time.Unix(latest.Time, 0)
		assert.Equal(t, int64(10), EstimateConfirmations(latest, 799990, now))
		assert.Equal(t, int64(1), EstimateConfirmations(latest, 800005, now))
		assert.Equal(t, int64(0), EstimateConfirmations(latest, 0, now))
	})
}
