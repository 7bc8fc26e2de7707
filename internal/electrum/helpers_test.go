package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(params []interface{}) (interface{}, error)

// fakeClient answers calls from a handler table and counts them
type fakeClient struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	requests map[string]int
	batches  int
	closed   bool
}

func newFakeClient(serverName string) *fakeClient {
	c := &fakeClient{
		handlers: make(map[string]handlerFunc),
		requests: make(map[string]int),
	}
	c.handle("server.version", func([]interface{}) (interface{}, error) {
		return []string{serverName, "1.4"}, nil
	})
	c.handle("blockchain.headers.subscribe", func([]interface{}) (interface{}, error) {
		return map[string]int64{"height": 800000}, nil
	})
	c.handle("server.ping", func([]interface{}) (interface{}, error) {
		return nil, nil
	})
	return c
}

func (c *fakeClient) handle(method string, h handlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

func (c *fakeClient) count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[method]
}

func (c *fakeClient) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) resetCounts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = make(map[string]int)
	c.batches = 0
}

func (c *fakeClient) Call(_ context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	c.requests[method]++
	h, ok := c.handlers[method]
	c.mu.Unlock()
	if !ok {
		return nil, &Error{Kind: KindProtocol, Code: -32601, Message: "unknown method " + method}
	}
	result, err := h(params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *fakeClient) Batch(ctx context.Context, method string, params [][]interface{}) ([]BatchResult, error) {
	c.mu.Lock()
	c.batches++
	c.mu.Unlock()

	results := make([]BatchResult, len(params))
	for i, p := range params {
		raw, err := c.Call(ctx, method, p...)
		if err != nil {
			if KindOf(err) == KindTransport {
				return nil, err
			}
			results[i].Err = err
			continue
		}
		results[i].Result = raw
	}
	return results, nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeDialer hands out the same client and remembers the options of the
// latest dial
type fakeDialer struct {
	mu     sync.Mutex
	client *fakeClient
	err    error
	dials  int
	opts   ConnOptions
	peers  []Peer
}

func (d *fakeDialer) dial(_ context.Context, peer Peer, opts ConnOptions) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.opts = opts
	d.peers = append(d.peers, peer)
	if d.err != nil {
		return nil, d.err
	}
	return d.client, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastOpts() ConnOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts
}

// memPrefs is an in-memory Preferences
type memPrefs struct {
	mu     sync.Mutex
	values map[string]string
}

var errNoPref = errors.New("preference not found")

func newMemPrefs() *memPrefs {
	return &memPrefs{values: make(map[string]string)}
}

func (p *memPrefs) GetPreference(key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, ok := p.values[key]
	if !ok {
		return "", errNoPref
	}
	return value, nil
}

func (p *memPrefs) SetPreference(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
	return nil
}

func (p *memPrefs) DeletePreference(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, key)
	return nil
}

// memCache is an in-memory CacheStore
type memCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]string)}
}

func (c *memCache) GetCacheEntry(key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries[key]
	return value, ok, nil
}

func (c *memCache) PutCacheEntries(entries map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range entries {
		c.entries[k] = v
	}
	return nil
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

var testPeer = Peer{Host: "electrum.test", TCP: 50001}

func testManagerConfig(dialer *fakeDialer) ManagerConfig {
	return ManagerConfig{
		Params:                &chaincfg.MainNetParams,
		Peers:                 []Peer{testPeer},
		Preferences:           newMemPrefs(),
		Dial:                  dialer.dial,
		MaxConnectionAttempts: 3,
		RetryDelay:            time.Millisecond,
		ReconnectDelay:        5 * time.Millisecond,
		OnionReconnectDelay:   5 * time.Millisecond,
		TestConnectionTimeout: time.Second,
		HistogramTimeout:      time.Second,
	}
}

// newConnectedManager returns a Manager connected to client
func newConnectedManager(t *testing.T, client *fakeClient, modify ...func(*ManagerConfig)) (*Manager, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{client: client}
	cfg := testManagerConfig(dialer)
	for _, fn := range modify {
		fn(&cfg)
	}
	m := NewManager(cfg)
	t.Cleanup(func() { m.Close() })
	require.NoError(t, m.Connect(context.Background()))
	client.resetCounts()
	return m, dialer
}

// buildRawTx builds a one-in two-out segwit transaction
func buildRawTx(t *testing.T, lockTime uint32) (*wire.MsgTx, string) {
	t.Helper()
	params := &chaincfg.MainNetParams

	tx := wire.NewMsgTx(2)
	prevHash, err := chainhash.NewHashFromStr("4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b")
	require.NoError(t, err)
	in := wire.NewTxIn(wire.NewOutPoint(prevHash, 0), nil, nil)
	in.Witness = wire.TxWitness{bytes.Repeat([]byte{0x30}, 71), bytes.Repeat([]byte{0x02}, 33)}
	tx.AddTxIn(in)

	for i, value := range []int64{50000, 1200} {
		addr, err := btcutil.NewAddressWitnessPubKeyHash(bytes.Repeat([]byte{byte(i + 1)}, 20), params)
		require.NoError(t, err)
		script, err := txscript.PayToAddrScript(addr)
		require.NoError(t, err)
		tx.AddTxOut(wire.NewTxOut(value, script))
	}
	tx.LockTime = lockTime

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return tx, hex.EncodeToString(buf.Bytes())
}
