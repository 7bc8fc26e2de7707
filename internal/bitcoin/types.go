package bitcoin

import (
	"github.com/shopspring/decimal"
)

// Transaction is the verbose transaction record as returned by
// blockchain.transaction.get with verbose=true, or as rebuilt locally from
// raw bytes by DecodeRawTransaction.
type Transaction struct {
	TxID          string   `json:"txid"`
	Hash          string   `json:"hash"`
	Version       int32    `json:"version"`
	Size          int      `json:"size"`
	VSize         int      `json:"vsize"`
	Weight        int      `json:"weight"`
	LockTime      uint32   `json:"locktime"`
	Vin           []Input  `json:"vin"`
	Vout          []Output `json:"vout"`
	Hex           string   `json:"hex,omitempty"`
	BlockHash     string   `json:"blockhash,omitempty"`
	Confirmations int64    `json:"confirmations"`
	Time          int64    `json:"time,omitempty"`
	BlockTime     int64    `json:"blocktime,omitempty"`
	Address       string   `json:"address,omitempty"` // set when fetched by address
}

// Input is a transaction input. Value and Addresses are empty until the
// input is enriched from the matching output of its parent transaction.
type Input struct {
	TxID        string          `json:"txid,omitempty"`
	Vout        uint32          `json:"vout"`
	Coinbase    string          `json:"coinbase,omitempty"`
	ScriptSig   *ScriptSig      `json:"scriptSig,omitempty"`
	TxInWitness []string        `json:"txinwitness,omitempty"`
	Sequence    uint32          `json:"sequence"`
	Value       decimal.Decimal `json:"value"`
	Addresses   []string        `json:"addresses,omitempty"`
}

// ScriptSig represents the unlocking script of an input
type ScriptSig struct {
	Asm string `json:"asm"`
	Hex string `json:"hex"`
}

// Output is a transaction output. Value is denominated in BTC.
type Output struct {
	Value        decimal.Decimal `json:"value"`
	N            uint32          `json:"n"`
	ScriptPubKey ScriptPubKey    `json:"scriptPubKey"`
}

// ScriptPubKey represents the locking script of an output. Bitcoin Core 22+
// reports a single Address instead of Addresses; see NormalizeAddresses.
type ScriptPubKey struct {
	Asm       string   `json:"asm"`
	Hex       string   `json:"hex"`
	ReqSigs   int      `json:"reqSigs,omitempty"`
	Type      string   `json:"type"`
	Address   string   `json:"address,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}

// NormalizeAddresses copies the single Address field into Addresses for
// every output where the server only filled the former.
func (tx *Transaction) NormalizeAddresses() {
	for i := range tx.Vout {
		spk := &tx.Vout[i].ScriptPubKey
		if spk.Address != "" && len(spk.Addresses) == 0 {
			spk.Addresses = []string{spk.Address}
		}
	}
}

// HistoryEntry represents one item of blockchain.scripthash.get_history.
// Height is 0 (or negative) for mempool transactions.
type HistoryEntry struct {
	TxHash  string `json:"tx_hash"`
	Height  int64  `json:"height"`
	Fee     int64  `json:"fee,omitempty"`
	Address string `json:"address,omitempty"`
}

// UTXO represents one item of blockchain.scripthash.listunspent
type UTXO struct {
	TxID    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Height  int64  `json:"height"`
	Value   int64  `json:"value"` // Value in satoshis
	Address string `json:"address"`
}

// Balance represents a scripthash balance in satoshis
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// Block is the last known block header summary used for height and time
// estimation.
type Block struct {
	Height int64 `json:"height"`
	Time   int64 `json:"time"` // Unix seconds
}
