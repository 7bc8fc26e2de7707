package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brewgator/wallet-sync/internal/electrum"
	"github.com/brewgator/wallet-sync/internal/utils"
	log "github.com/sirupsen/logrus"
)

// SyncService handles periodic wallet syncs against an Electrum server
type SyncService struct {
	wallet   *HDWallet
	client   Client
	prefs    electrum.Preferences
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.RWMutex
	lastErr error
}

// connector is a Client that can re-establish a lost server connection
type connector interface {
	IsConnected() bool
	Connect(ctx context.Context) error
}

// NewSyncService creates a new sync service. prefs may be nil, in which
// case horizons are not persisted.
func NewSyncService(w *HDWallet, client Client, prefs electrum.Preferences, interval time.Duration) *SyncService {
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncService{
		wallet:   w,
		client:   client,
		prefs:    prefs,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the periodic sync process. It blocks until Stop.
func (s *SyncService) Start() {
	log.Println("Starting wallet sync service...")

	if s.prefs != nil {
		if err := s.wallet.LoadState(s.prefs); err != nil {
			log.Printf("Failed to restore wallet state: %v", err)
		}
	}

	// Run initial sync immediately
	s.SyncNow()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SyncNow()
		case <-s.ctx.Done():
			log.Println("Wallet sync service stopped")
			return
		}
	}
}

// Stop stops the sync service
func (s *SyncService) Stop() {
	log.Println("Stopping wallet sync service...")
	s.cancel()
}

// SyncNow reconnects the client if needed, runs one sync and persists the
// resulting horizons
func (s *SyncService) SyncNow() error {
	err := s.ensureConnected()
	if err == nil {
		err = s.wallet.Sync(s.ctx, s.client)
	}

	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		log.Printf("❌ Wallet sync failed: %v", err)
		return err
	}

	if s.prefs != nil {
		if err := s.wallet.SaveState(s.prefs); err != nil {
			log.Printf("Failed to save wallet state: %v", err)
		}
	}

	balance := s.wallet.Balance()
	log.Printf("Wallet balance: %s confirmed, %s unconfirmed",
		utils.FormatSats(balance.Confirmed), utils.FormatSats(balance.Unconfirmed))
	return nil
}

func (s *SyncService) ensureConnected() error {
	c, ok := s.client.(connector)
	if !ok || c.IsConnected() {
		return nil
	}
	log.Println("Electrum connection down, reconnecting before sync...")
	if err := c.Connect(s.ctx); err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}
	return nil
}

// LastError returns the error of the most recent sync, or nil
func (s *SyncService) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Wallet returns the wallet being synced
func (s *SyncService) Wallet() *HDWallet {
	return s.wallet
}
