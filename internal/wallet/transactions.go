package wallet

import (
	"sort"
	"time"

	"github.com/brewgator/wallet-sync/internal/bitcoin"
	"github.com/shopspring/decimal"
)

// unconfirmedAge is how far in the past an unconfirmed transaction is
// placed when it has no block time yet.
const unconfirmedAge = 30 * time.Second

// TransactionRecord is a wallet transaction as shown to the user
type TransactionRecord struct {
	bitcoin.Transaction

	// Received is the block time, or shortly before now while unconfirmed,
	// in Unix milliseconds.
	Received int64 `json:"received"`
	// Value is the net effect on the wallet in satoshis
	Value int64 `json:"value"`
	// Counterparty is the BIP47 payment code on the other side, if known
	Counterparty string `json:"counterparty,omitempty"`
}

func sortedIndices(buckets map[uint32][]*bitcoin.Transaction) []uint32 {
	indices := make([]uint32, 0, len(buckets))
	for index := range buckets {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices
}

// ownedAddresses returns every chain and payment code address up to and
// including the next free index. Caller holds w.mu.
func (w *HDWallet) ownedAddresses() map[string]bool {
	owned := make(map[string]bool)
	for _, chain := range []Chain{External, Internal} {
		for i := uint32(0); i <= w.nextFree[chain]; i++ {
			if address, err := w.address(chain, i); err == nil {
				owned[address] = true
			}
		}
	}
	if w.paymentCodes != nil {
		for _, code := range w.receiveCodes {
			for i := uint32(0); i <= w.nextFreeReceive[code]; i++ {
				if address, err := w.BIP47ReceiveAddress(code, i); err == nil {
					owned[address] = true
				}
			}
		}
	}
	return owned
}

// netValue sums owned outputs minus owned inputs, in satoshis
func netValue(tx *bitcoin.Transaction, owned map[string]bool) int64 {
	value := decimal.Zero
	for _, input := range tx.Vin {
		if len(input.Addresses) > 0 && owned[input.Addresses[0]] {
			value = value.Sub(input.Value)
		}
	}
	for _, out := range tx.Vout {
		if len(out.ScriptPubKey.Addresses) > 0 && owned[out.ScriptPubKey.Addresses[0]] {
			value = value.Add(out.Value)
		}
	}
	return bitcoin.BTCToSatoshis(value)
}

// counterparty finds the payment code a transaction was exchanged with:
// first among codes that paid the wallet, then among codes it paid.
// Caller holds w.mu.
func (w *HDWallet) counterparty(tx *bitcoin.Transaction) string {
	for _, code := range w.receiveCodes {
		for _, txs := range w.txsByPaymentCode[code] {
			for _, candidate := range txs {
				if candidate.TxID == tx.TxID {
					return code
				}
			}
		}
	}

	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	for _, code := range w.sendCodes {
		sent := make(map[string]bool, len(w.sendAddresses[code]))
		for _, address := range w.sendAddresses[code] {
			sent[address] = true
		}
		for _, out := range tx.Vout {
			if len(out.ScriptPubKey.Addresses) > 0 && sent[out.ScriptPubKey.Addresses[0]] {
				return code
			}
		}
	}
	return ""
}

// GetTransactions returns every wallet transaction once, newest first, with
// its net value and counterparty.
func (w *HDWallet) GetTransactions() []TransactionRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var all []*bitcoin.Transaction
	for _, chain := range []Chain{External, Internal} {
		for _, index := range sortedIndices(w.txsByIndex[chain]) {
			all = append(all, w.txsByIndex[chain][index]...)
		}
	}
	for _, code := range w.receiveCodes {
		buckets := w.txsByPaymentCode[code]
		for _, index := range sortedIndices(buckets) {
			all = append(all, buckets[index]...)
		}
	}

	owned := w.ownedAddresses()
	resolveCounterparty := w.bip47Enabled && w.paymentCodes != nil
	seen := make(map[string]bool, len(all))
	records := make([]TransactionRecord, 0, len(all))
	for _, tx := range all {
		if seen[tx.TxID] {
			continue
		}
		seen[tx.TxID] = true

		record := TransactionRecord{
			Transaction: *tx,
			Value:       netValue(tx, owned),
		}
		if tx.BlockTime != 0 {
			record.Received = tx.BlockTime * 1000
		} else {
			record.Received = w.now().Add(-unconfirmedAge).UnixMilli()
		}
		if resolveCounterparty {
			record.Counterparty = w.counterparty(tx)
		}
		records = append(records, record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Received > records[j].Received
	})
	return records
}
