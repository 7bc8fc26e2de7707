package electrum

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/brewgator/wallet-sync/internal/bitcoin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Default chunk sizes per query type
const (
	BalanceBatchSize     = 200
	HistoryBatchSize     = 100
	UtxoBatchSize        = 100
	TransactionBatchSize = 45
)

// MultiBalance is the result of MultiGetBalanceByAddress. Totals are in
// satoshis.
type MultiBalance struct {
	Balance            int64                      `json:"balance"`
	UnconfirmedBalance int64                      `json:"unconfirmed_balance"`
	Addresses          map[string]bitcoin.Balance `json:"addresses"`
}

func splitIntoChunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var chunks [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

func orDefault(batchSize, fallback int) int {
	if batchSize <= 0 {
		return fallback
	}
	return batchSize
}

// fetchEach issues one call per params entry concurrently. Server errors
// stay on their item; a transport error aborts the whole chunk.
func (m *Manager) fetchEach(ctx context.Context, method string, params [][]interface{}) ([]BatchResult, error) {
	results := make([]BatchResult, len(params))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range params {
		i, p := i, p
		g.Go(func() error {
			raw, err := m.call(gctx, method, p...)
			if err != nil {
				if KindOf(err) == KindTransport {
					return err
				}
				results[i].Err = err
				return nil
			}
			results[i].Result = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// fetchChunk sends one batched call, or one call per item when the server
// cannot batch.
func (m *Manager) fetchChunk(ctx context.Context, method string, params [][]interface{}) ([]BatchResult, error) {
	if m.batchingDisabled() {
		return m.fetchEach(ctx, method, params)
	}
	results, err := m.batch(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if len(results) != len(params) {
		return nil, &Error{Kind: KindProtocol, Message: fmt.Sprintf("%s: got %d results for %d requests", method, len(results), len(params))}
	}
	return results, nil
}

// scripthashChunk computes the scripthash of every address in chunk
func (m *Manager) scripthashChunk(chunk []string) ([][]interface{}, error) {
	params := make([][]interface{}, len(chunk))
	for i, address := range chunk {
		scripthash, err := bitcoin.AddressToScriptHash(address, m.cfg.Params)
		if err != nil {
			return nil, err
		}
		params[i] = []interface{}{scripthash}
	}
	return params, nil
}

// MultiGetBalanceByAddress fetches the balance of every address. Items the
// server fails on are logged and left out of the result.
func (m *Manager) MultiGetBalanceByAddress(ctx context.Context, addresses []string, batchSize int) (*MultiBalance, error) {
	result := &MultiBalance{Addresses: make(map[string]bitcoin.Balance)}
	if m.IsDisabled() {
		return result, nil
	}

	for _, chunk := range splitIntoChunks(addresses, orDefault(batchSize, BalanceBatchSize)) {
		params, err := m.scripthashChunk(chunk)
		if err != nil {
			return nil, err
		}
		results, err := m.fetchChunk(ctx, "blockchain.scripthash.get_balance", params)
		if err != nil {
			return nil, fmt.Errorf("failed to get balances: %w", err)
		}

		for i, r := range results {
			address := chunk[i]
			if r.Err != nil {
				log.WithError(r.Err).Warnf("failed to get balance for %s", address)
				continue
			}
			var balance bitcoin.Balance
			if err := json.Unmarshal(r.Result, &balance); err != nil {
				log.WithError(err).Warnf("malformed balance for %s", address)
				continue
			}
			result.Balance += balance.Confirmed
			result.UnconfirmedBalance += balance.Unconfirmed
			result.Addresses[address] = balance
		}
	}

	return result, nil
}

// MultiGetHistoryByAddress fetches the history of every address and records
// each entry's height for later confirmation estimates.
func (m *Manager) MultiGetHistoryByAddress(ctx context.Context, addresses []string, batchSize int) (map[string][]bitcoin.HistoryEntry, error) {
	result := make(map[string][]bitcoin.HistoryEntry)
	if m.IsDisabled() {
		return result, nil
	}

	for _, chunk := range splitIntoChunks(addresses, orDefault(batchSize, HistoryBatchSize)) {
		params, err := m.scripthashChunk(chunk)
		if err != nil {
			return nil, err
		}
		results, err := m.fetchChunk(ctx, "blockchain.scripthash.get_history", params)
		if err != nil {
			return nil, fmt.Errorf("failed to get histories: %w", err)
		}

		for i, r := range results {
			address := chunk[i]
			if r.Err != nil {
				log.WithError(r.Err).Warnf("failed to get history for %s", address)
				continue
			}
			var history []bitcoin.HistoryEntry
			if err := json.Unmarshal(r.Result, &history); err != nil {
				log.WithError(err).Warnf("malformed history for %s", address)
				continue
			}
			for j := range history {
				history[j].Address = address
				m.rememberHeight(history[j].TxHash, history[j].Height)
			}
			result[address] = history
		}
	}

	return result, nil
}

type electrumUnspent struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Height int64  `json:"height"`
	Value  int64  `json:"value"`
}

// MultiGetUtxoByAddress lists unspent outputs per address. listunspent is
// only ever sent batched, so servers that cannot batch yield an empty
// result; callers derive UTXOs from stored transactions instead.
func (m *Manager) MultiGetUtxoByAddress(ctx context.Context, addresses []string, batchSize int) (map[string][]bitcoin.UTXO, error) {
	result := make(map[string][]bitcoin.UTXO)
	if m.IsDisabled() || m.batchingDisabled() {
		return result, nil
	}

	for _, chunk := range splitIntoChunks(addresses, orDefault(batchSize, UtxoBatchSize)) {
		params, err := m.scripthashChunk(chunk)
		if err != nil {
			return nil, err
		}
		results, err := m.fetchChunk(ctx, "blockchain.scripthash.listunspent", params)
		if err != nil {
			return nil, fmt.Errorf("failed to list unspent: %w", err)
		}

		for i, r := range results {
			address := chunk[i]
			if r.Err != nil {
				log.WithError(r.Err).Warnf("failed to list unspent for %s", address)
				continue
			}
			var unspent []electrumUnspent
			if err := json.Unmarshal(r.Result, &unspent); err != nil {
				log.WithError(err).Warnf("malformed unspent list for %s", address)
				continue
			}
			utxos := make([]bitcoin.UTXO, 0, len(unspent))
			for _, u := range unspent {
				utxos = append(utxos, bitcoin.UTXO{
					TxID:    u.TxHash,
					Vout:    u.TxPos,
					Height:  u.Height,
					Value:   u.Value,
					Address: address,
				})
			}
			result[address] = utxos
		}
	}

	return result, nil
}

// GetBalanceByAddress fetches the balance of one address
func (m *Manager) GetBalanceByAddress(ctx context.Context, address string) (bitcoin.Balance, error) {
	var balance bitcoin.Balance
	if m.IsDisabled() {
		return balance, nil
	}
	scripthash, err := bitcoin.AddressToScriptHash(address, m.cfg.Params)
	if err != nil {
		return balance, err
	}
	raw, err := m.call(ctx, "blockchain.scripthash.get_balance", scripthash)
	if err != nil {
		return balance, err
	}
	if err := json.Unmarshal(raw, &balance); err != nil {
		return balance, fmt.Errorf("failed to decode balance: %w", err)
	}
	return balance, nil
}

// GetTransactionsByAddress fetches the history of one address
func (m *Manager) GetTransactionsByAddress(ctx context.Context, address string) ([]bitcoin.HistoryEntry, error) {
	history, err := m.scripthashHistory(ctx, "blockchain.scripthash.get_history", address)
	if err != nil {
		return nil, err
	}
	for _, entry := range history {
		m.rememberHeight(entry.TxHash, entry.Height)
	}
	return history, nil
}

// GetMempoolTransactionsByAddress fetches the unconfirmed history of one
// address
func (m *Manager) GetMempoolTransactionsByAddress(ctx context.Context, address string) ([]bitcoin.HistoryEntry, error) {
	return m.scripthashHistory(ctx, "blockchain.scripthash.get_mempool", address)
}

func (m *Manager) scripthashHistory(ctx context.Context, method, address string) ([]bitcoin.HistoryEntry, error) {
	if m.IsDisabled() {
		return nil, nil
	}
	scripthash, err := bitcoin.AddressToScriptHash(address, m.cfg.Params)
	if err != nil {
		return nil, err
	}
	raw, err := m.call(ctx, method, scripthash)
	if err != nil {
		return nil, err
	}
	var history []bitcoin.HistoryEntry
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	for i := range history {
		history[i].Address = address
	}
	return history, nil
}
