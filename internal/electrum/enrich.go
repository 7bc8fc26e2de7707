package electrum

import (
	"context"
	"fmt"

	"github.com/brewgator/wallet-sync/internal/bitcoin"
)

// GetTransaction fetches one verbose transaction, decoding it locally when
// the server will not produce verbose output.
func (m *Manager) GetTransaction(ctx context.Context, txid string) (*bitcoin.Transaction, error) {
	if m.IsDisabled() {
		return nil, nil
	}
	f, err := m.getTransaction(ctx, txid, true)
	if err != nil {
		return nil, err
	}
	return f.tx, nil
}

// EnrichInputs copies value and addresses from each input's previous output
// onto the input. Each distinct parent transaction is fetched once.
func (m *Manager) EnrichInputs(ctx context.Context, tx *bitcoin.Transaction) error {
	parents := make(map[string]*bitcoin.Transaction)
	for i := range tx.Vin {
		input := &tx.Vin[i]
		if input.TxID == "" {
			continue // coinbase
		}

		parent, ok := parents[input.TxID]
		if !ok {
			f, err := m.getTransaction(ctx, input.TxID, true)
			if err != nil {
				return fmt.Errorf("failed to fetch parent %s of %s: %w", input.TxID, tx.TxID, err)
			}
			parent = f.tx
			parents[input.TxID] = parent
		}

		EnrichInputFromParent(input, parent)
	}
	return nil
}

// EnrichInputFromParent copies the matching output of parent onto input.
// It does nothing when parent has no such output.
func EnrichInputFromParent(input *bitcoin.Input, parent *bitcoin.Transaction) {
	if parent == nil || int(input.Vout) >= len(parent.Vout) {
		return
	}
	prevOut := parent.Vout[input.Vout]
	input.Value = prevOut.Value
	if prevOut.ScriptPubKey.Address != "" {
		input.Addresses = []string{prevOut.ScriptPubKey.Address}
	} else if len(prevOut.ScriptPubKey.Addresses) > 0 {
		input.Addresses = prevOut.ScriptPubKey.Addresses
	}
}

// GetTransactionsFullByAddress fetches every transaction in the history of
// address with enriched inputs.
func (m *Manager) GetTransactionsFullByAddress(ctx context.Context, address string) ([]*bitcoin.Transaction, error) {
	if m.IsDisabled() {
		return nil, nil
	}

	history, err := m.GetTransactionsByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	txs := make([]*bitcoin.Transaction, 0, len(history))
	for _, entry := range history {
		f, err := m.getTransaction(ctx, entry.TxHash, true)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", entry.TxHash, err)
		}
		tx := f.tx
		tx.Address = address
		if err := m.EnrichInputs(ctx, tx); err != nil {
			return nil, err
		}
		tx.NormalizeAddresses()
		tx.Hex = ""
		tx.Hash = ""
		txs = append(txs, tx)
	}
	return txs, nil
}
