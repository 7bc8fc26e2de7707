package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brewgator/wallet-sync/internal/bitcoin"
	"github.com/brewgator/wallet-sync/internal/electrum"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	abandonMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	aliceMnemonic   = "response seminar brave tip suit recall often sound stick owner lottery motion"
	bobMnemonic     = "reward upper indicate eight swift arch injury crystal super wrestle already dentist"
	foreignAddress  = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
)

var errFake = errors.New("fake failure")

// fakeClient answers wallet queries from in-memory maps
type fakeClient struct {
	mu           sync.Mutex
	histories    map[string][]bitcoin.HistoryEntry
	txs          map[string]*bitcoin.Transaction
	raws         map[string]string
	balances     map[string]bitcoin.Balance
	utxos        map[string][]bitcoin.UTXO
	err          error
	historyCalls int
	queried      map[string]bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		histories: make(map[string][]bitcoin.HistoryEntry),
		txs:       make(map[string]*bitcoin.Transaction),
		raws:      make(map[string]string),
		balances:  make(map[string]bitcoin.Balance),
		utxos:     make(map[string][]bitcoin.UTXO),
		queried:   make(map[string]bool),
	}
}

func (f *fakeClient) MultiGetHistoryByAddress(_ context.Context, addresses []string, _ int) (map[string][]bitcoin.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.historyCalls++
	result := make(map[string][]bitcoin.HistoryEntry, len(addresses))
	for _, address := range addresses {
		f.queried[address] = true
		result[address] = f.histories[address]
	}
	return result, nil
}

func (f *fakeClient) MultiGetTransactions(_ context.Context, txids []string, _ int) (map[string]*bitcoin.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[string]*bitcoin.Transaction)
	for _, txid := range txids {
		if tx, ok := f.txs[txid]; ok {
			result[txid] = tx
		}
	}
	return result, nil
}

func (f *fakeClient) MultiGetRawTransactions(_ context.Context, txids []string, _ int) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[string]string)
	for _, txid := range txids {
		if raw, ok := f.raws[txid]; ok {
			result[txid] = raw
		}
	}
	return result, nil
}

func (f *fakeClient) MultiGetBalanceByAddress(_ context.Context, addresses []string, _ int) (*electrum.MultiBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := &electrum.MultiBalance{Addresses: make(map[string]bitcoin.Balance)}
	for _, address := range addresses {
		balance, ok := f.balances[address]
		if !ok {
			continue
		}
		result.Balance += balance.Confirmed
		result.UnconfirmedBalance += balance.Unconfirmed
		result.Addresses[address] = balance
	}
	return result, nil
}

func (f *fakeClient) MultiGetUtxoByAddress(_ context.Context, addresses []string, _ int) (map[string][]bitcoin.UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[string][]bitcoin.UTXO)
	for _, address := range addresses {
		if utxos, ok := f.utxos[address]; ok {
			result[address] = utxos
		}
	}
	return result, nil
}

// record adds tx to the fake and to the history of each address
func (f *fakeClient) record(tx *bitcoin.Transaction, height int64, addresses ...string) {
	f.txs[tx.TxID] = tx
	for _, address := range addresses {
		f.histories[address] = append(f.histories[address], bitcoin.HistoryEntry{TxHash: tx.TxID, Height: height})
	}
}

// memPrefs is an in-memory preference store
type memPrefs map[string]string

var errNoPref = errors.New("no such preference")

func (p memPrefs) GetPreference(key string) (string, error) {
	value, ok := p[key]
	if !ok {
		return "", errNoPref
	}
	return value, nil
}

func (p memPrefs) SetPreference(key, value string) error {
	p[key] = value
	return nil
}

func (p memPrefs) DeletePreference(key string) error {
	delete(p, key)
	return nil
}

func testWallet(t *testing.T, mnemonic string) *HDWallet {
	t.Helper()
	w, err := NewFromMnemonic(mnemonic, "", &chaincfg.MainNetParams)
	require.NoError(t, err)
	w.now = func() time.Time { return time.Unix(1800000000, 0) }
	return w
}

func btc(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	require.NoError(t, err)
	return d
}

func input(txid string, vout uint32, value decimal.Decimal, address string) bitcoin.Input {
	in := bitcoin.Input{TxID: txid, Vout: vout, Value: value}
	if address != "" {
		in.Addresses = []string{address}
	}
	return in
}

func output(n uint32, value decimal.Decimal, address string) bitcoin.Output {
	return bitcoin.Output{
		N:            n,
		Value:        value,
		ScriptPubKey: bitcoin.ScriptPubKey{Addresses: []string{address}},
	}
}

func mustAddress(t *testing.T, w *HDWallet, chain Chain, index uint32) string {
	t.Helper()
	address, err := w.address(chain, index)
	require.NoError(t, err)
	return address
}
