package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"

	"github.com/brewgator/wallet-sync/internal/bip47"
	"github.com/brewgator/wallet-sync/internal/bitcoin"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncFixture funds external index 0, then spends it to external index 20
// so discovery has to cross the first gap window.
func syncFixture(t *testing.T, w *HDWallet) *fakeClient {
	t.Helper()
	client := newFakeClient()
	ext0 := mustAddress(t, w, External, 0)
	ext20 := mustAddress(t, w, External, 20)

	parent := &bitcoin.Transaction{
		TxID: "parent",
		Vout: []bitcoin.Output{output(0, btc(t, "0.002"), foreignAddress)},
	}
	funding := &bitcoin.Transaction{
		TxID:      "funding",
		BlockTime: 1700000000,
		Vin:       []bitcoin.Input{{TxID: "parent", Vout: 0}},
		Vout:      []bitcoin.Output{output(0, btc(t, "0.001"), ext0), output(1, btc(t, "0.00099"), foreignAddress)},
	}
	spend := &bitcoin.Transaction{
		TxID:      "spend",
		BlockTime: 1700000600,
		Vin:       []bitcoin.Input{{TxID: "funding", Vout: 0}},
		Vout:      []bitcoin.Output{output(0, btc(t, "0.0004"), ext20), output(1, btc(t, "0.0005"), foreignAddress)},
	}

	client.txs["parent"] = parent
	client.record(funding, 800000, ext0)
	client.record(spend, 800010, ext0, ext20)
	client.balances[ext20] = bitcoin.Balance{Confirmed: 40000}
	return client
}

func TestSyncDiscoversAddressesAcrossGap(t *testing.T) {
	w := testWallet(t, abandonMnemonic)
	client := syncFixture(t, w)

	require.NoError(t, w.Sync(context.Background(), client))

	assert.Equal(t, uint32(21), w.NextFreeIndex(External))
	assert.Equal(t, uint32(0), w.NextFreeIndex(Internal))
	assert.True(t, client.queried[mustAddress(t, w, External, 40)], "window past index 20 scanned")
	assert.False(t, client.queried[mustAddress(t, w, External, 41)])
	assert.Equal(t, w.now(), w.LastSync())

	assert.Equal(t, bitcoin.Balance{Confirmed: 40000}, w.Balance())

	records := w.GetTransactions()
	require.Len(t, records, 2)
	assert.Equal(t, "spend", records[0].TxID)
	assert.Equal(t, int64(-60000), records[0].Value)
	assert.Equal(t, "funding", records[1].TxID)
	assert.Equal(t, int64(100000), records[1].Value)
	assert.Equal(t, []string{foreignAddress}, records[1].Vin[0].Addresses, "inputs enriched from parents")

	utxos := w.UTXOs()
	require.Len(t, utxos, 1, "derived from transactions when listunspent is empty")
	assert.Equal(t, bitcoin.UTXO{
		TxID:    "spend",
		Vout:    0,
		Height:  800010,
		Value:   40000,
		Address: mustAddress(t, w, External, 20),
	}, utxos[0])
}

func TestSyncPrefersServerUtxos(t *testing.T) {
	w := testWallet(t, abandonMnemonic)
	client := syncFixture(t, w)
	ext20 := mustAddress(t, w, External, 20)
	served := bitcoin.UTXO{TxID: "spend", Vout: 0, Height: 800011, Value: 40000, Address: ext20}
	client.utxos[ext20] = []bitcoin.UTXO{served}

	require.NoError(t, w.Sync(context.Background(), client))
	assert.Equal(t, []bitcoin.UTXO{served}, w.UTXOs())
}

func TestSyncEmptyWallet(t *testing.T) {
	w := testWallet(t, abandonMnemonic)
	client := newFakeClient()

	require.NoError(t, w.Sync(context.Background(), client))
	assert.Equal(t, 2, client.historyCalls, "one window per chain")
	assert.Empty(t, w.GetTransactions())
	assert.Empty(t, w.UTXOs())
	assert.Equal(t, bitcoin.Balance{}, w.Balance())
}

func TestSyncPropagatesClientErrors(t *testing.T) {
	w := testWallet(t, abandonMnemonic)
	client := newFakeClient()
	client.err = errFake

	err := w.Sync(context.Background(), client)
	assert.ErrorIs(t, err, errFake)
	assert.True(t, w.LastSync().IsZero())
}

// notificationHex builds a raw notification transaction announcing
// sender's payment code to recipient.
func notificationHex(t *testing.T, sender, recipient *HDWallet, seed string) (string, string) {
	t.Helper()
	senderCode, err := sender.PaymentCode()
	require.NoError(t, err)
	recipientCode, err := recipient.PaymentCode()
	require.NoError(t, err)
	code, err := bip47.ParsePaymentCode(senderCode)
	require.NoError(t, err)
	to, err := bip47.ParsePaymentCode(recipientCode)
	require.NoError(t, err)

	designated, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	outpoint := wire.OutPoint{Hash: chainhash.DoubleHashH([]byte(seed)), Index: 1}
	payload, err := bip47.BlindedPayload(code, to, designated, outpoint)
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&outpoint, nil, wire.TxWitness{bytes.Repeat([]byte{0x30}, 71), designated.PubKey().SerializeCompressed()}))

	notification, err := recipient.NotificationAddress()
	require.NoError(t, err)
	address, err := btcutil.DecodeAddress(notification, &chaincfg.MainNetParams)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(address)
	require.NoError(t, err)
	tx.AddTxOut(wire.NewTxOut(546, pkScript))

	script, err := bip47.NotificationScript(payload)
	require.NoError(t, err)
	tx.AddTxOut(wire.NewTxOut(0, script))

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return tx.TxHash().String(), hex.EncodeToString(buf.Bytes())
}

func TestScanNotificationAddress(t *testing.T) {
	alice := testWallet(t, aliceMnemonic)
	bob := testWallet(t, bobMnemonic)
	aliceCode, err := alice.PaymentCode()
	require.NoError(t, err)
	notification, err := bob.NotificationAddress()
	require.NoError(t, err)

	client := newFakeClient()
	first, firstHex := notificationHex(t, alice, bob, "first")
	again, againHex := notificationHex(t, alice, bob, "again")
	client.raws[first] = firstHex
	client.raws[again] = againHex
	client.raws["junk"] = "zz"
	client.histories[notification] = []bitcoin.HistoryEntry{
		{TxHash: "junk", Height: 1},
		{TxHash: first, Height: 2},
		{TxHash: again, Height: 3},
		{TxHash: "missing", Height: 4},
	}

	added, err := bob.ScanNotificationAddress(context.Background(), client)
	require.NoError(t, err)
	assert.Equal(t, []string{aliceCode}, added)
	assert.Equal(t, []string{aliceCode}, bob.ReceivePaymentCodes())
	assert.Equal(t, uint32(0), bob.NextFreeReceiveIndex(aliceCode))

	added, err = bob.ScanNotificationAddress(context.Background(), client)
	require.NoError(t, err)
	assert.Empty(t, added, "codes already held are skipped")

	watchOnly, err := NewFromExtendedKey(abandonZpub, &chaincfg.MainNetParams)
	require.NoError(t, err)
	_, err = watchOnly.ScanNotificationAddress(context.Background(), client)
	assert.ErrorIs(t, err, ErrNoPaymentCode)
}

func TestSyncWithPaymentCodes(t *testing.T) {
	alice := testWallet(t, aliceMnemonic)
	bob := testWallet(t, bobMnemonic)
	bob.SetBIP47Enabled(true)
	aliceCode, err := alice.PaymentCode()
	require.NoError(t, err)
	notification, err := bob.NotificationAddress()
	require.NoError(t, err)

	client := newFakeClient()
	txid, raw := notificationHex(t, alice, bob, "notify")
	client.raws[txid] = raw
	client.histories[notification] = []bitcoin.HistoryEntry{{TxHash: txid, Height: 1}}

	joint, err := alice.BIP47SendAddress(mustCode(t, bob), 0)
	require.NoError(t, err)
	payment := &bitcoin.Transaction{
		TxID:      "payment",
		BlockTime: 1700000000,
		Vin:       []bitcoin.Input{input("p", 0, btc(t, "1"), foreignAddress)},
		Vout:      []bitcoin.Output{output(0, btc(t, "0.25"), joint)},
	}
	client.record(payment, 10, joint)
	client.balances[joint] = bitcoin.Balance{Confirmed: 25000000}

	require.NoError(t, bob.Sync(context.Background(), client))
	assert.Equal(t, uint32(1), bob.NextFreeReceiveIndex(aliceCode))
	assert.Equal(t, bitcoin.Balance{Confirmed: 25000000}, bob.Balance())

	records := bob.GetTransactions()
	require.Len(t, records, 1)
	assert.Equal(t, int64(25000000), records[0].Value)
	assert.Equal(t, aliceCode, records[0].Counterparty)

	_, ok := bob.WIFForAddress(joint)
	assert.True(t, ok)
}

func mustCode(t *testing.T, w *HDWallet) string {
	t.Helper()
	code, err := w.PaymentCode()
	require.NoError(t, err)
	return code
}
