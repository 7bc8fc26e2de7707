package wallet

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/brewgator/wallet-sync/internal/bitcoin"
	"github.com/brewgator/wallet-sync/internal/electrum"
	log "github.com/sirupsen/logrus"
)

// Client is the subset of the Electrum manager a wallet syncs through.
// A zero batchSize selects the manager's default.
type Client interface {
	MultiGetHistoryByAddress(ctx context.Context, addresses []string, batchSize int) (map[string][]bitcoin.HistoryEntry, error)
	MultiGetTransactions(ctx context.Context, txids []string, batchSize int) (map[string]*bitcoin.Transaction, error)
	MultiGetRawTransactions(ctx context.Context, txids []string, batchSize int) (map[string]string, error)
	MultiGetBalanceByAddress(ctx context.Context, addresses []string, batchSize int) (*electrum.MultiBalance, error)
	MultiGetUtxoByAddress(ctx context.Context, addresses []string, batchSize int) (map[string][]bitcoin.UTXO, error)
}

var _ Client = (*electrum.Manager)(nil)

// deriveFunc maps an index on some branch to its address
type deriveFunc func(index uint32) (string, error)

// branchScan is the result of walking one address branch
type branchScan struct {
	histories map[uint32][]bitcoin.HistoryEntry
	nextFree  uint32
}

// scanBranch fetches histories in windows of GapLimit addresses past the
// next free index until a whole window comes back unused.
func scanBranch(ctx context.Context, client Client, nextFree uint32, derive deriveFunc) (*branchScan, error) {
	scan := &branchScan{histories: make(map[uint32][]bitcoin.HistoryEntry), nextFree: nextFree}

	var start uint32
	for {
		end := scan.nextFree + GapLimit
		addresses := make([]string, 0, end-start)
		indexOf := make(map[string]uint32, end-start)
		for i := start; i < end; i++ {
			address, err := derive(i)
			if err != nil {
				return nil, err
			}
			addresses = append(addresses, address)
			indexOf[address] = i
		}

		histories, err := client.MultiGetHistoryByAddress(ctx, addresses, 0)
		if err != nil {
			return nil, err
		}
		for address, history := range histories {
			if len(history) == 0 {
				continue
			}
			index := indexOf[address]
			scan.histories[index] = history
			if index >= scan.nextFree {
				scan.nextFree = index + 1
			}
		}

		if scan.nextFree+GapLimit <= end {
			return scan, nil
		}
		start = end
	}
}

// fetchTransactions fetches every transaction named by scans and enriches
// their inputs with value and address from the parent outputs.
func fetchTransactions(ctx context.Context, client Client, scans []*branchScan) (map[string]*bitcoin.Transaction, map[string]int64, error) {
	heights := make(map[string]int64)
	var txids []string
	for _, scan := range scans {
		for _, history := range scan.histories {
			for _, entry := range history {
				if _, ok := heights[entry.TxHash]; !ok {
					txids = append(txids, entry.TxHash)
				}
				heights[entry.TxHash] = entry.Height
			}
		}
	}
	if len(txids) == 0 {
		return map[string]*bitcoin.Transaction{}, heights, nil
	}

	txs, err := client.MultiGetTransactions(ctx, txids, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch wallet transactions: %w", err)
	}

	var parentIDs []string
	for _, tx := range txs {
		for _, input := range tx.Vin {
			if input.TxID != "" {
				parentIDs = append(parentIDs, input.TxID)
			}
		}
	}
	parents, err := client.MultiGetTransactions(ctx, parentIDs, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch parent transactions: %w", err)
	}

	for _, tx := range txs {
		for i := range tx.Vin {
			if parent, ok := parents[tx.Vin[i].TxID]; ok {
				electrum.EnrichInputFromParent(&tx.Vin[i], parent)
			}
		}
		tx.NormalizeAddresses()
	}
	return txs, heights, nil
}

func bucket(scan *branchScan, txs map[string]*bitcoin.Transaction) map[uint32][]*bitcoin.Transaction {
	buckets := make(map[uint32][]*bitcoin.Transaction, len(scan.histories))
	for index, history := range scan.histories {
		for _, entry := range history {
			if tx, ok := txs[entry.TxHash]; ok {
				buckets[index] = append(buckets[index], tx)
			}
		}
	}
	return buckets
}

// ScanNotificationAddress registers every payment code announced to this
// wallet's notification address. It returns the newly added codes.
func (w *HDWallet) ScanNotificationAddress(ctx context.Context, client Client) ([]string, error) {
	if w.paymentCodes == nil {
		return nil, ErrNoPaymentCode
	}
	notification, err := w.paymentCodes.NotificationAddress()
	if err != nil {
		return nil, err
	}

	histories, err := client.MultiGetHistoryByAddress(ctx, []string{notification}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get notification history: %w", err)
	}
	history := histories[notification]
	if len(history) == 0 {
		return nil, nil
	}

	txids := make([]string, 0, len(history))
	for _, entry := range history {
		txids = append(txids, entry.TxHash)
	}
	raws, err := client.MultiGetRawTransactions(ctx, txids, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get notification transactions: %w", err)
	}

	var added []string
	for _, txid := range txids {
		raw, ok := raws[txid]
		if !ok {
			continue
		}
		msg, err := bitcoin.ParseRawTransaction(raw)
		if err != nil {
			log.WithError(err).Debugf("skipping unparsable notification candidate %s", txid)
			continue
		}
		code, err := w.paymentCodes.PaymentCodeFromNotification(msg)
		if err != nil {
			log.WithError(err).Debugf("no payment code in %s", txid)
			continue
		}
		if w.AddReceivePaymentCode(code.String()) {
			added = append(added, code.String())
		}
	}

	if len(added) > 0 {
		log.Printf("🔔 Found %d new payment code(s) on %s", len(added), notification)
	}
	return added, nil
}

// Sync refreshes histories, transactions, balances and unspent outputs of
// every branch the wallet owns.
func (w *HDWallet) Sync(ctx context.Context, client Client) error {
	if w.BIP47Enabled() {
		if _, err := w.ScanNotificationAddress(ctx, client); err != nil {
			return err
		}
	}

	w.mu.RLock()
	nextFree := w.nextFree
	codes := append([]string(nil), w.receiveCodes...)
	nextFreeReceive := make(map[string]uint32, len(codes))
	for _, code := range codes {
		nextFreeReceive[code] = w.nextFreeReceive[code]
	}
	w.mu.RUnlock()

	var chainScans [2]*branchScan
	for _, chain := range []Chain{External, Internal} {
		scan, err := scanBranch(ctx, client, nextFree[chain], func(i uint32) (string, error) {
			return w.address(chain, i)
		})
		if err != nil {
			return fmt.Errorf("failed to scan %s chain: %w", chain, err)
		}
		chainScans[chain] = scan
	}

	codeScans := make(map[string]*branchScan, len(codes))
	if w.BIP47Enabled() {
		for _, code := range codes {
			scan, err := scanBranch(ctx, client, nextFreeReceive[code], func(i uint32) (string, error) {
				return w.BIP47ReceiveAddress(code, i)
			})
			if err != nil {
				return fmt.Errorf("failed to scan payment code %s: %w", code, err)
			}
			codeScans[code] = scan
		}
	}

	all := []*branchScan{chainScans[External], chainScans[Internal]}
	for _, scan := range codeScans {
		all = append(all, scan)
	}
	txs, heights, err := fetchTransactions(ctx, client, all)
	if err != nil {
		return err
	}

	owners, err := w.ownerIndex(chainScans, codeScans)
	if err != nil {
		return err
	}
	addresses := make([]string, 0, len(owners))
	for address := range owners {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	balances, err := client.MultiGetBalanceByAddress(ctx, addresses, 0)
	if err != nil {
		return err
	}
	unspent, err := client.MultiGetUtxoByAddress(ctx, addresses, 0)
	if err != nil {
		return err
	}
	utxos := flattenUtxos(unspent, addresses)
	if len(utxos) == 0 {
		utxos = deriveUtxos(txs, owners, heights)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, chain := range []Chain{External, Internal} {
		w.nextFree[chain] = chainScans[chain].nextFree
		w.txsByIndex[chain] = bucket(chainScans[chain], txs)
		w.balancesByIndex[chain] = make(map[uint32]bitcoin.Balance)
	}
	for code, scan := range codeScans {
		w.nextFreeReceive[code] = scan.nextFree
		w.txsByPaymentCode[code] = bucket(scan, txs)
		w.balancesByPaymentCode[code] = bitcoin.Balance{}
	}
	for address, balance := range balances.Addresses {
		owner := owners[address]
		if owner.code != "" {
			total := w.balancesByPaymentCode[owner.code]
			total.Confirmed += balance.Confirmed
			total.Unconfirmed += balance.Unconfirmed
			w.balancesByPaymentCode[owner.code] = total
			continue
		}
		w.balancesByIndex[owner.chain][owner.index] = balance
	}
	w.utxos = utxos
	w.lastSync = w.now()

	log.Printf("✅ Synced wallet: %d transactions, next free %d/%d",
		len(txs), w.nextFree[External], w.nextFree[Internal])
	return nil
}

// addressOwner locates an address on a chain or a payment code branch
type addressOwner struct {
	chain Chain
	code  string
	index uint32
}

// ownerIndex maps every address up to and including each branch's next
// free index to where it came from.
func (w *HDWallet) ownerIndex(chainScans [2]*branchScan, codeScans map[string]*branchScan) (map[string]addressOwner, error) {
	owners := make(map[string]addressOwner)
	for _, chain := range []Chain{External, Internal} {
		for i := uint32(0); i <= chainScans[chain].nextFree; i++ {
			address, err := w.address(chain, i)
			if err != nil {
				return nil, err
			}
			owners[address] = addressOwner{chain: chain, index: i}
		}
	}
	for code, scan := range codeScans {
		for i := uint32(0); i <= scan.nextFree; i++ {
			address, err := w.BIP47ReceiveAddress(code, i)
			if err != nil {
				return nil, err
			}
			owners[address] = addressOwner{code: code, index: i}
		}
	}
	return owners, nil
}

func flattenUtxos(unspent map[string][]bitcoin.UTXO, addresses []string) []bitcoin.UTXO {
	var utxos []bitcoin.UTXO
	for _, address := range addresses {
		utxos = append(utxos, unspent[address]...)
	}
	return utxos
}

// deriveUtxos lists owned outputs no known transaction spends. It stands
// in for listunspent on servers that cannot answer it.
func deriveUtxos(txs map[string]*bitcoin.Transaction, owners map[string]addressOwner, heights map[string]int64) []bitcoin.UTXO {
	spent := make(map[string]bool)
	for _, tx := range txs {
		for _, input := range tx.Vin {
			spent[fmt.Sprintf("%s:%d", input.TxID, input.Vout)] = true
		}
	}

	var utxos []bitcoin.UTXO
	for txid, tx := range txs {
		for _, out := range tx.Vout {
			if len(out.ScriptPubKey.Addresses) == 0 {
				continue
			}
			address := out.ScriptPubKey.Addresses[0]
			if _, owned := owners[address]; !owned || spent[fmt.Sprintf("%s:%d", txid, out.N)] {
				continue
			}
			utxos = append(utxos, bitcoin.UTXO{
				TxID:    txid,
				Vout:    out.N,
				Height:  heights[txid],
				Value:   bitcoin.BTCToSatoshis(out.Value),
				Address: address,
			})
		}
	}
	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].TxID != utxos[j].TxID {
			return utxos[i].TxID < utxos[j].TxID
		}
		return utxos[i].Vout < utxos[j].Vout
	})
	return utxos
}

// Balance returns the wallet total across every branch
func (w *HDWallet) Balance() bitcoin.Balance {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var total bitcoin.Balance
	for _, chain := range []Chain{External, Internal} {
		for _, balance := range w.balancesByIndex[chain] {
			total.Confirmed += balance.Confirmed
			total.Unconfirmed += balance.Unconfirmed
		}
	}
	for _, balance := range w.balancesByPaymentCode {
		total.Confirmed += balance.Confirmed
		total.Unconfirmed += balance.Unconfirmed
	}
	return total
}

// UTXOs returns the unspent outputs found by the last sync
func (w *HDWallet) UTXOs() []bitcoin.UTXO {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]bitcoin.UTXO(nil), w.utxos...)
}

// LastSync returns when Sync last completed, or the zero time
func (w *HDWallet) LastSync() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastSync
}
