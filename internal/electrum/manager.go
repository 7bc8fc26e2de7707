package electrum

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brewgator/wallet-sync/internal/bitcoin"
	"github.com/btcsuite/btcd/chaincfg"
	log "github.com/sirupsen/logrus"
)

// AlertChoice is the user's answer to a connection failure alert
type AlertChoice int

const (
	// AlertCancel stops trying until something calls Connect again
	AlertCancel AlertChoice = iota
	// AlertRetry starts a fresh round of connection attempts
	AlertRetry
	// AlertResetToDefault forgets the preferred server, then retries
	AlertResetToDefault
)

// Alerter is asked what to do once the retry ceiling is reached. peer is
// nil when the failure was a WaitTillConnected timeout.
type Alerter interface {
	NetworkError(peer *Peer) AlertChoice
}

// LogAlerter logs the failure and cancels
type LogAlerter struct{}

// NetworkError implements Alerter
func (LogAlerter) NetworkError(peer *Peer) AlertChoice {
	if peer != nil {
		log.Errorf("❌ Unable to connect to electrum server %s", peer)
	} else {
		log.Error("❌ Unable to connect to electrum server")
	}
	return AlertCancel
}

// CacheStore persists transaction results keyed by txid and verbosity
type CacheStore interface {
	GetCacheEntry(key string) (string, bool, error)
	PutCacheEntries(entries map[string]string) error
}

// ManagerConfig configures a Manager
type ManagerConfig struct {
	Params      *chaincfg.Params
	Peers       []Peer
	Preferences Preferences
	Cache       CacheStore
	Alerter     Alerter
	Dial        Dialer
	ConnOptions ConnOptions

	ClientName      string
	ProtocolVersion string

	MaxConnectionAttempts int
	RetryDelay            time.Duration
	ReconnectDelay        time.Duration
	OnionReconnectDelay   time.Duration
	TestConnectionTimeout time.Duration
	HistogramTimeout      time.Duration
}

// DefaultManagerConfig returns the mainnet configuration
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Params:                &chaincfg.MainNetParams,
		Peers:                 HardcodedPeers,
		Alerter:               LogAlerter{},
		Dial:                  DialClient,
		ConnOptions:           ConnOptions{DialTimeout: 10 * time.Second, KeepAlive: time.Minute},
		ClientName:            "wallet-sync",
		ProtocolVersion:       "1.4",
		MaxConnectionAttempts: 5,
		RetryDelay:            500 * time.Millisecond,
		ReconnectDelay:        500 * time.Millisecond,
		OnionReconnectDelay:   4000 * time.Millisecond,
		TestConnectionTimeout: 5 * time.Second,
		HistogramTimeout:      15 * time.Second,
	}
}

// ConnectionState is a snapshot of the session
type ConnectionState struct {
	Connected          bool             `json:"connected"`
	ConnectionAttempts int              `json:"connection_attempts"`
	EverConnected      bool             `json:"ever_connected"`
	ServerName         string           `json:"server_name,omitempty"`
	Capability         ServerCapability `json:"capability"`
	BatchingDisabled   bool             `json:"batching_disabled"`
	LatestBlock        *bitcoin.Block   `json:"latest_block,omitempty"`
	Peer               *Peer            `json:"peer,omitempty"`
}

// ServerConfig describes the live connection
type ServerConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	ServerName string `json:"server_name"`
	Connected  bool   `json:"connected"`
}

// Manager owns the single live server connection and the state derived
// from it. All network operations of the package hang off it.
type Manager struct {
	cfg   ManagerConfig
	peers *PeerDirectory

	disabled atomic.Bool

	// connectMu serializes connection attempts
	connectMu sync.Mutex

	mu             sync.RWMutex
	client         Client
	generation     uint64
	state          ConnectionState
	lastRequest    time.Time
	reconnectTimer *time.Timer
	closed         bool

	heightsMu sync.RWMutex
	heights   map[string]int64

	now func() time.Time
}

// NewManager creates a Manager. Zero fields of cfg take their defaults.
func NewManager(cfg ManagerConfig) *Manager {
	defaults := DefaultManagerConfig()
	if cfg.Params == nil {
		cfg.Params = defaults.Params
	}
	if len(cfg.Peers) == 0 {
		cfg.Peers = defaults.Peers
	}
	if cfg.Alerter == nil {
		cfg.Alerter = defaults.Alerter
	}
	if cfg.Dial == nil {
		cfg.Dial = defaults.Dial
	}
	if cfg.ClientName == "" {
		cfg.ClientName = defaults.ClientName
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = defaults.ProtocolVersion
	}
	if cfg.MaxConnectionAttempts <= 0 {
		cfg.MaxConnectionAttempts = defaults.MaxConnectionAttempts
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = defaults.ReconnectDelay
	}
	if cfg.OnionReconnectDelay == 0 {
		cfg.OnionReconnectDelay = defaults.OnionReconnectDelay
	}
	if cfg.TestConnectionTimeout == 0 {
		cfg.TestConnectionTimeout = defaults.TestConnectionTimeout
	}
	if cfg.HistogramTimeout == 0 {
		cfg.HistogramTimeout = defaults.HistogramTimeout
	}

	m := &Manager{
		cfg:     cfg,
		peers:   NewPeerDirectory(cfg.Peers),
		heights: make(map[string]int64),
		now:     time.Now,
	}
	m.disabled.Store(getPreference(cfg.Preferences, PrefElectrumDisabled) != "")
	return m
}

// Params returns the network parameters addresses are encoded for
func (m *Manager) Params() *chaincfg.Params {
	return m.cfg.Params
}

// Connect establishes the server connection. It retries up to the
// configured ceiling and then hands the failure to the Alerter. Connect is
// a no-op when networking is disabled or a connection is already up.
func (m *Manager) Connect(ctx context.Context) error {
	if m.IsDisabled() {
		log.Println("Electrum connection disabled by user, skipping connect")
		return nil
	}

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	for {
		if m.IsConnected() {
			return nil
		}
		if m.IsDisabled() {
			return nil
		}

		peer := m.selectPeer()
		log.Printf("Connecting to electrum server %s", peer)

		err := m.connectTo(ctx, peer)
		if err == nil {
			return nil
		}

		m.mu.Lock()
		m.state.ConnectionAttempts++
		attempts := m.state.ConnectionAttempts
		m.mu.Unlock()

		log.WithError(err).Warnf("Bad connection to %s (attempt %d)", peer, attempts)

		if attempts >= m.cfg.MaxConnectionAttempts {
			m.escalate(&peer)
			return fmt.Errorf("%w: %s", ErrConnectFailed, peer)
		}

		select {
		case <-time.After(m.cfg.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// selectPeer picks the saved peer over the rotation. An onion peer causes a
// clearnet peer to be saved as the preference instead.
func (m *Manager) selectPeer() Peer {
	peer := m.peers.Next()
	if saved := loadPreferredPeer(m.cfg.Preferences); saved != nil {
		peer = *saved
	}

	if peer.IsOnion() {
		if err := savePreferredPeer(m.cfg.Preferences, m.peers.Current()); err != nil {
			log.WithError(err).Warn("failed to save clearnet peer preference")
		}
	}
	return peer
}

func (m *Manager) connectTo(ctx context.Context, peer Peer) error {
	m.mu.Lock()
	m.generation++
	generation := m.generation
	m.mu.Unlock()

	opts := m.cfg.ConnOptions
	opts.OnNotification = m.handleNotification
	opts.OnError = func(err error) {
		m.handleTransportError(generation, peer, err)
	}

	client, err := m.cfg.Dial(ctx, peer, opts)
	if err != nil {
		return err
	}

	raw, err := client.Call(ctx, "server.version", m.cfg.ClientName, m.cfg.ProtocolVersion)
	if err != nil {
		client.Close()
		return err
	}
	var version []string
	if err := json.Unmarshal(raw, &version); err != nil || len(version) == 0 || version[0] == "" {
		client.Close()
		return ErrHandshakeFailed
	}

	serverName := version[0]
	capability := ResolveCapability(serverName)

	m.mu.Lock()
	m.client = client
	m.state.Connected = true
	m.state.EverConnected = true
	m.state.ServerName = serverName
	m.state.Capability = capability
	m.state.BatchingDisabled = !capability.Batching
	m.state.Peer = &peer
	m.mu.Unlock()
	connectedGauge.Set(1)

	log.Printf("✅ Connected to %s (%s), batching enabled: %t", peer, serverName, capability.Batching)

	raw, err = m.call(ctx, "blockchain.headers.subscribe")
	if err != nil {
		m.dropConnection()
		return fmt.Errorf("failed to subscribe to headers: %w", err)
	}
	var header struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(raw, &header); err == nil && header.Height > 0 {
		m.setLatestBlock(header.Height)
	}

	m.mu.Lock()
	m.state.ConnectionAttempts = 0
	m.mu.Unlock()
	return nil
}

func (m *Manager) setLatestBlock(height int64) {
	m.mu.Lock()
	m.state.LatestBlock = &bitcoin.Block{Height: height, Time: m.now().Unix()}
	m.mu.Unlock()
}

func (m *Manager) handleNotification(method string, params json.RawMessage) {
	if method != "blockchain.headers.subscribe" {
		return
	}
	var headers []struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(params, &headers); err != nil || len(headers) == 0 {
		return
	}
	if headers[0].Height > 0 {
		log.Debugf("New block header at height %d", headers[0].Height)
		m.setLatestBlock(headers[0].Height)
	}
}

// handleTransportError tears down a previously established connection and
// schedules one reconnect. Clearing Connected first makes any further
// error on the same connection a no-op.
func (m *Manager) handleTransportError(generation uint64, peer Peer, err error) {
	m.mu.Lock()
	if generation != m.generation || !m.state.Connected || m.closed {
		m.mu.Unlock()
		return
	}
	client := m.client
	m.client = nil
	m.state.Connected = false

	delay := m.cfg.ReconnectDelay
	if peer.IsOnion() {
		delay = m.cfg.OnionReconnectDelay
	}
	m.scheduleConnectLocked(delay)
	m.mu.Unlock()

	connectedGauge.Set(0)
	reconnectsTotal.Inc()
	log.WithError(err).Warnf("Electrum connection to %s lost, reconnecting in %s", peer, delay)

	if client != nil {
		client.Close()
	}
}

// scheduleConnectLocked arms the single reconnect timer. m.mu must be held.
func (m *Manager) scheduleConnectLocked(delay time.Duration) {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.AfterFunc(delay, func() {
		if err := m.Connect(context.Background()); err != nil {
			log.WithError(err).Warn("electrum reconnect failed")
		}
	})
}

func (m *Manager) escalate(peer *Peer) {
	if m.IsDisabled() {
		return
	}
	go func() {
		choice := m.cfg.Alerter.NetworkError(peer)

		m.mu.Lock()
		defer m.mu.Unlock()
		m.state.ConnectionAttempts = 0
		if m.closed {
			return
		}

		switch choice {
		case AlertResetToDefault:
			if err := clearPreferredPeer(m.cfg.Preferences); err != nil {
				log.WithError(err).Warn("failed to clear preferred server")
			}
			m.scheduleConnectLocked(m.cfg.RetryDelay)
		case AlertRetry:
			m.scheduleConnectLocked(m.cfg.RetryDelay)
		}
	}()
}

// dropConnection closes the live client without scheduling a reconnect
func (m *Manager) dropConnection() {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.state.Connected = false
	m.generation++
	m.mu.Unlock()

	connectedGauge.Set(0)
	if client != nil {
		client.Close()
	}
}

// ForceDisconnect closes the connection. A later Connect reconnects.
func (m *Manager) ForceDisconnect() {
	m.mu.Lock()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()
	m.dropConnection()
}

// Close disconnects and stops any pending reconnect for good
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.ForceDisconnect()
	return nil
}

// IsConnected reports whether a connection is established
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Connected
}

// State returns a snapshot of the session
func (m *Manager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := m.state
	if state.LatestBlock != nil {
		block := *state.LatestBlock
		state.LatestBlock = &block
	}
	if state.Peer != nil {
		peer := *state.Peer
		state.Peer = &peer
	}
	return state
}

// LatestBlock returns the last seen header, or nil
func (m *Manager) LatestBlock() *bitcoin.Block {
	return m.State().LatestBlock
}

func (m *Manager) batchingDisabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.BatchingDisabled
}

// Config describes the live connection
func (m *Manager) Config() (ServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil || m.state.Peer == nil {
		return ServerConfig{}, ErrNotConnected
	}
	return ServerConfig{
		Host:       m.state.Peer.Host,
		Port:       m.state.Peer.Port(),
		ServerName: m.state.ServerName,
		Connected:  m.state.Connected && !m.lastRequest.IsZero(),
	}, nil
}

// SecondsSinceLastRequest returns the idle time of the connection, or -1
// when there is none.
func (m *Manager) SecondsSinceLastRequest() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil || m.lastRequest.IsZero() {
		return -1
	}
	return m.now().Sub(m.lastRequest).Seconds()
}

// IsDisabled reports whether the user turned networking off
func (m *Manager) IsDisabled() bool {
	return m.disabled.Load()
}

// SetDisabled persists the disabled flag. Disabling drops the connection.
func (m *Manager) SetDisabled(disabled bool) error {
	log.Printf("Setting electrum connection disabled state to: %t", disabled)
	value := ""
	if disabled {
		value = "1"
	}
	if m.cfg.Preferences != nil {
		if err := m.cfg.Preferences.SetPreference(PrefElectrumDisabled, value); err != nil {
			return fmt.Errorf("failed to save disabled state: %w", err)
		}
	}
	m.disabled.Store(disabled)
	if disabled {
		m.ForceDisconnect()
	}
	return nil
}

// PreferredPeer returns the saved server, or nil
func (m *Manager) PreferredPeer() *Peer {
	return loadPreferredPeer(m.cfg.Preferences)
}

// SetPreferredPeer saves the server to use on the next connect
func (m *Manager) SetPreferredPeer(peer Peer) error {
	if !peer.Valid() {
		return fmt.Errorf("invalid peer %q", peer.String())
	}
	return savePreferredPeer(m.cfg.Preferences, peer)
}

// ClearPreferredPeer forgets the saved server
func (m *Manager) ClearPreferredPeer() error {
	log.Println("Removing preferred electrum server")
	return clearPreferredPeer(m.cfg.Preferences)
}

const (
	waitPollInterval = 100 * time.Millisecond
	waitMaxPolls     = 150
)

// WaitTillConnected blocks until a connection is up. It returns false when
// networking is disabled and ErrWaitTimeout when a once-established
// connection does not come back in time.
func (m *Manager) WaitTillConnected(ctx context.Context) (bool, error) {
	if m.IsDisabled() {
		log.Warn("Electrum connections disabled by user, not waiting")
		return false, nil
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		if m.IsConnected() {
			return true, nil
		}
		if m.State().EverConnected {
			if polls >= waitMaxPolls {
				m.escalate(nil)
				return false, ErrWaitTimeout
			}
			polls++
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// TestConnection reports whether host speaks the Electrum protocol. It does
// not touch the session.
func (m *Manager) TestConnection(ctx context.Context, host string, tcpPort, sslPort int) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.TestConnectionTimeout)
	defer cancel()

	peer := Peer{Host: host, TCP: tcpPort, SSL: sslPort}
	opts := m.cfg.ConnOptions
	opts.KeepAlive = 0
	client, err := m.cfg.Dial(ctx, peer, opts)
	if err != nil {
		log.WithError(err).Debugf("test connection to %s failed", peer)
		return false
	}
	defer client.Close()

	if _, err := client.Call(ctx, "server.version", "2.7.11", "1.4"); err != nil {
		return false
	}
	if _, err := client.Call(ctx, "server.ping"); err != nil {
		return false
	}
	return true
}

func (m *Manager) rpc() (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil, ErrNotConnected
	}
	m.lastRequest = m.now()
	return m.client, nil
}

func (m *Manager) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	client, err := m.rpc()
	if err != nil {
		return nil, err
	}
	result, err := client.Call(ctx, method, params...)
	observeRequest(method, 1, err)
	return result, err
}

func (m *Manager) batch(ctx context.Context, method string, params [][]interface{}) ([]BatchResult, error) {
	client, err := m.rpc()
	if err != nil {
		return nil, err
	}
	results, err := client.Batch(ctx, method, params)
	observeRequest(method, len(params), err)
	return results, err
}

// Ping checks the connection. A failed ping tears the connection down; a
// transport failure also schedules a reconnect. Ping reports false when
// networking is disabled.
func (m *Manager) Ping(ctx context.Context) bool {
	if m.IsDisabled() {
		return false
	}
	if _, err := m.call(ctx, "server.ping"); err != nil {
		log.WithError(err).Debug("electrum ping failed")
		m.failConnection(err)
		return false
	}
	return true
}

// failConnection closes the live client after a failed call. Transport
// failures go through the reconnect path.
func (m *Manager) failConnection(err error) {
	m.mu.RLock()
	generation := m.generation
	var peer Peer
	if m.state.Peer != nil {
		peer = *m.state.Peer
	}
	m.mu.RUnlock()

	if KindOf(err) == KindTransport {
		m.handleTransportError(generation, peer, err)
		return
	}
	m.dropConnection()
}

// ServerFeatures returns the server.features response
func (m *Manager) ServerFeatures(ctx context.Context) (map[string]interface{}, error) {
	if m.IsDisabled() {
		return nil, nil
	}
	raw, err := m.call(ctx, "server.features")
	if err != nil {
		return nil, err
	}
	features := map[string]interface{}{}
	if err := json.Unmarshal(raw, &features); err != nil {
		return nil, fmt.Errorf("failed to decode server features: %w", err)
	}
	return features, nil
}

// Broadcast submits a raw transaction and returns its txid. It returns an
// empty txid when networking is disabled.
func (m *Manager) Broadcast(ctx context.Context, rawHex string) (string, error) {
	if m.IsDisabled() {
		return "", nil
	}
	raw, err := m.call(ctx, "blockchain.transaction.broadcast", rawHex)
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(raw, &txid); err != nil {
		return "", fmt.Errorf("failed to decode broadcast result: %w", err)
	}
	return txid, nil
}

// EstimateCurrentBlockHeight extrapolates the chain tip from the last header
func (m *Manager) EstimateCurrentBlockHeight() int64 {
	return bitcoin.EstimateCurrentBlockHeight(m.LatestBlock(), m.now())
}

// CalculateBlockTime estimates the timestamp of the block at height
func (m *Manager) CalculateBlockTime(height int64) int64 {
	return bitcoin.CalculateBlockTime(m.LatestBlock(), height)
}

func (m *Manager) rememberHeight(txid string, height int64) {
	m.heightsMu.Lock()
	m.heights[txid] = height
	m.heightsMu.Unlock()
}

func (m *Manager) heightOf(txid string) int64 {
	m.heightsMu.RLock()
	defer m.heightsMu.RUnlock()
	return m.heights[txid]
}
