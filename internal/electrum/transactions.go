package electrum

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/brewgator/wallet-sync/internal/bitcoin"
	log "github.com/sirupsen/logrus"
)

// MinCacheConfirmations is the depth from which a verbose transaction no
// longer changes and may be cached.
const MinCacheConfirmations = 7

const txGetMethod = "blockchain.transaction.get"

// fetchedTx holds either representation of a transaction
type fetchedTx struct {
	tx  *bitcoin.Transaction
	raw string
}

func cacheKey(txid string, verbose bool) string {
	if verbose {
		return txid + "_verbose"
	}
	return txid + "_non_verbose"
}

// uniqueTxids drops empty and repeated ids, keeping first-seen order
func uniqueTxids(txids []string) []string {
	seen := make(map[string]struct{}, len(txids))
	unique := make([]string, 0, len(txids))
	for _, txid := range txids {
		if txid == "" {
			continue
		}
		if _, ok := seen[txid]; ok {
			continue
		}
		seen[txid] = struct{}{}
		unique = append(unique, txid)
	}
	return unique
}

// MultiGetTransactions fetches verbose records for txids. Records the
// server cannot produce verbosely are rebuilt from raw bytes.
func (m *Manager) MultiGetTransactions(ctx context.Context, txids []string, batchSize int) (map[string]*bitcoin.Transaction, error) {
	fetched, err := m.multiGetTransactions(ctx, txids, true, batchSize)
	if err != nil {
		return nil, err
	}
	result := make(map[string]*bitcoin.Transaction, len(fetched))
	for txid, f := range fetched {
		result[txid] = f.tx
	}
	return result, nil
}

// MultiGetRawTransactions fetches raw hex for txids
func (m *Manager) MultiGetRawTransactions(ctx context.Context, txids []string, batchSize int) (map[string]string, error) {
	fetched, err := m.multiGetTransactions(ctx, txids, false, batchSize)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string, len(fetched))
	for txid, f := range fetched {
		result[txid] = f.raw
	}
	return result, nil
}

func (m *Manager) multiGetTransactions(ctx context.Context, txids []string, verbose bool, batchSize int) (map[string]fetchedTx, error) {
	result := make(map[string]fetchedTx)
	if m.IsDisabled() {
		return result, nil
	}

	var misses []string
	for _, txid := range uniqueTxids(txids) {
		if f, ok := m.cacheGet(txid, verbose); ok {
			result[txid] = f
			continue
		}
		misses = append(misses, txid)
	}

	fresh := make(map[string]fetchedTx)
	for _, chunk := range splitIntoChunks(misses, orDefault(batchSize, TransactionBatchSize)) {
		fetched, err := m.fetchTransactionChunk(ctx, chunk, verbose)
		if err != nil {
			return nil, err
		}
		for txid, f := range fetched {
			result[txid] = f
			fresh[txid] = f
		}
	}

	m.cachePut(fresh, verbose)
	return result, nil
}

func transactionParams(chunk []string, verbose bool) [][]interface{} {
	params := make([][]interface{}, len(chunk))
	for i, txid := range chunk {
		params[i] = []interface{}{txid, verbose}
	}
	return params
}

func (m *Manager) fetchTransactionChunk(ctx context.Context, chunk []string, verbose bool) (map[string]fetchedTx, error) {
	if m.batchingDisabled() {
		return m.fetchTransactionsEach(ctx, chunk, verbose)
	}

	results, err := m.fetchChunk(ctx, txGetMethod, transactionParams(chunk, verbose))
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}

	out := make(map[string]fetchedTx, len(chunk))
	for i, r := range results {
		txid := chunk[i]
		var f fetchedTx
		if r.Err != nil {
			if !IsKind(r.Err, KindResponseTooLarge) && !IsKind(r.Err, KindVerboseUnsupported) {
				log.WithError(r.Err).Warnf("failed to get transaction %s", txid)
				continue
			}
			f, err = m.fetchRawFallback(ctx, txid, verbose)
		} else {
			f, err = m.parseTransactionResult(r.Result, verbose)
		}
		if err != nil {
			if KindOf(err) == KindTransport {
				return nil, err
			}
			log.WithError(err).Errorf("dropping transaction %s", txid)
			continue
		}
		out[txid] = f
	}
	return out, nil
}

// fetchTransactionsEach fetches a chunk with one call per txid. When any
// item fails the chunk is refetched sequentially: raw and decoded locally
// if the server refused verbose output, as is otherwise.
func (m *Manager) fetchTransactionsEach(ctx context.Context, chunk []string, verbose bool) (map[string]fetchedTx, error) {
	results, err := m.fetchEach(ctx, txGetMethod, transactionParams(chunk, verbose))
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}

	failed, unsupported := false, false
	for _, r := range results {
		if r.Err != nil {
			failed = true
			if IsKind(r.Err, KindVerboseUnsupported) {
				unsupported = true
			}
		}
	}

	if !failed {
		out := make(map[string]fetchedTx, len(chunk))
		for i, r := range results {
			f, err := m.parseTransactionResult(r.Result, verbose)
			if err != nil {
				log.WithError(err).Errorf("dropping transaction %s", chunk[i])
				continue
			}
			out[chunk[i]] = f
		}
		return out, nil
	}

	if verbose && unsupported {
		log.Debug("server refuses verbose transactions, fetching raw and decoding locally")
	} else {
		log.Debug("per-item transaction fetch failed, retrying sequentially")
	}

	out := make(map[string]fetchedTx, len(chunk))
	for _, txid := range chunk {
		var f fetchedTx
		if verbose && unsupported {
			f, err = m.fetchRawFallback(ctx, txid, verbose)
		} else {
			f, err = m.getTransaction(ctx, txid, verbose)
		}
		if err != nil {
			if KindOf(err) == KindTransport {
				return nil, err
			}
			log.WithError(err).Warnf("skipping transaction %s", txid)
			continue
		}
		out[txid] = f
	}
	return out, nil
}

// getTransaction fetches one transaction, recovering from the two known
// verbose failures via raw fetch and local decoding.
func (m *Manager) getTransaction(ctx context.Context, txid string, verbose bool) (fetchedTx, error) {
	raw, err := m.call(ctx, txGetMethod, txid, verbose)
	if err != nil {
		if verbose && (IsKind(err, KindVerboseUnsupported) || IsKind(err, KindResponseTooLarge)) {
			return m.fetchRawFallback(ctx, txid, verbose)
		}
		return fetchedTx{}, err
	}
	return m.parseTransactionResult(raw, verbose)
}

// fetchRawFallback fetches the raw form of txid and, for verbose requests,
// decodes it locally.
func (m *Manager) fetchRawFallback(ctx context.Context, txid string, verbose bool) (fetchedTx, error) {
	raw, err := m.call(ctx, txGetMethod, txid, false)
	if err != nil {
		return fetchedTx{}, err
	}
	var rawHex string
	if err := json.Unmarshal(raw, &rawHex); err != nil {
		return fetchedTx{}, fmt.Errorf("failed to decode raw transaction %s: %w", txid, err)
	}
	if !verbose {
		return fetchedTx{raw: rawHex}, nil
	}
	tx, err := m.DecodeTransaction(rawHex)
	if err != nil {
		return fetchedTx{}, err
	}
	return fetchedTx{tx: tx}, nil
}

// parseTransactionResult turns a transaction.get result into a record. A
// verbose request answered with a bare hex string is decoded locally.
func (m *Manager) parseTransactionResult(raw json.RawMessage, verbose bool) (fetchedTx, error) {
	var rawHex string
	isString := json.Unmarshal(raw, &rawHex) == nil

	if !verbose {
		if !isString {
			return fetchedTx{}, &Error{Kind: KindProtocol, Message: "expected raw transaction hex"}
		}
		return fetchedTx{raw: rawHex}, nil
	}

	if isString {
		tx, err := m.DecodeTransaction(rawHex)
		if err != nil {
			return fetchedTx{}, err
		}
		return fetchedTx{tx: tx}, nil
	}

	tx := &bitcoin.Transaction{}
	if err := json.Unmarshal(raw, tx); err != nil {
		return fetchedTx{}, &Error{Kind: KindProtocol, Message: "malformed verbose transaction", Err: err}
	}
	tx.NormalizeAddresses()
	tx.Hex = ""
	return fetchedTx{tx: tx}, nil
}

// DecodeTransaction rebuilds a verbose record from raw hex, estimating
// confirmations and block time from heights seen in address histories.
func (m *Manager) DecodeTransaction(rawHex string) (*bitcoin.Transaction, error) {
	tx, err := bitcoin.DecodeRawTransaction(rawHex, m.cfg.Params)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Message: "failed to decode transaction", Err: err}
	}
	tx.Hex = ""
	if height := m.heightOf(tx.TxID); height > 0 {
		latest := m.LatestBlock()
		tx.Confirmations = bitcoin.EstimateConfirmations(latest, height, m.now())
		tx.Time = bitcoin.CalculateBlockTime(latest, height)
		tx.BlockTime = tx.Time
	}
	return tx, nil
}

func (m *Manager) cacheGet(txid string, verbose bool) (fetchedTx, bool) {
	if m.cfg.Cache == nil {
		return fetchedTx{}, false
	}
	value, ok, err := m.cfg.Cache.GetCacheEntry(cacheKey(txid, verbose))
	if err != nil {
		log.WithError(err).Warnf("cache read failed for %s", txid)
		return fetchedTx{}, false
	}
	if !ok {
		cacheLookupsTotal.WithLabelValues("miss").Inc()
		return fetchedTx{}, false
	}

	if !verbose {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		return fetchedTx{raw: value}, true
	}
	tx := &bitcoin.Transaction{}
	if err := json.Unmarshal([]byte(value), tx); err != nil {
		log.WithError(err).Warnf("ignoring corrupt cache entry for %s", txid)
		cacheLookupsTotal.WithLabelValues("miss").Inc()
		return fetchedTx{}, false
	}
	cacheLookupsTotal.WithLabelValues("hit").Inc()
	return fetchedTx{tx: tx}, true
}

// cachePut writes back fresh results. Verbose records are only written once
// they are MinCacheConfirmations deep; raw hex is always written.
func (m *Manager) cachePut(fresh map[string]fetchedTx, verbose bool) {
	if m.cfg.Cache == nil || len(fresh) == 0 {
		return
	}

	entries := make(map[string]string, len(fresh))
	for txid, f := range fresh {
		if !verbose {
			entries[cacheKey(txid, false)] = f.raw
			continue
		}
		if f.tx == nil || f.tx.Confirmations < MinCacheConfirmations {
			continue
		}
		data, err := json.Marshal(f.tx)
		if err != nil {
			continue
		}
		entries[cacheKey(txid, true)] = string(data)
	}

	if err := m.cfg.Cache.PutCacheEntries(entries); err != nil {
		log.WithError(err).Warn("failed to write transaction cache")
	}
}
