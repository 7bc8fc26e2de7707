package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/brewgator/wallet-sync/internal/config"
	"github.com/brewgator/wallet-sync/internal/db"
	"github.com/brewgator/wallet-sync/internal/electrum"
	"github.com/brewgator/wallet-sync/internal/wallet"
	log "github.com/sirupsen/logrus"
)

// openStore opens the configured cache backend
func openStore() (db.Store, error) {
	datadir := config.GetDatadir()
	switch config.GetString(config.CacheBackendKey) {
	case config.CacheBackendBadger:
		return db.NewBadgerStore(filepath.Join(datadir, config.BadgerDir))
	default:
		return db.NewDatabase(filepath.Join(datadir, config.SQLiteFile))
	}
}

// configuredPeers returns the ELECTRUM_HOST override, or nil for the
// built-in rotation.
func configuredPeers() []electrum.Peer {
	host := config.GetString(config.ElectrumHostKey)
	if host == "" {
		return nil
	}
	return []electrum.Peer{{
		Host: host,
		TCP:  config.GetInt(config.ElectrumTCPPortKey),
		SSL:  config.GetInt(config.ElectrumSSLPortKey),
	}}
}

func managerConfig(store db.Store) electrum.ManagerConfig {
	cfg := electrum.DefaultManagerConfig()
	cfg.Params = config.GetNetwork()
	cfg.Peers = configuredPeers()
	cfg.Preferences = store
	cfg.Cache = store
	cfg.ConnOptions.RateLimit = config.GetInt(config.RequestRateLimitKey)
	return cfg
}

// newManager builds the connection manager over store. It does not connect.
// An explicit ELECTRUM_DISABLED replaces the saved flag either way; when it
// is not given the saved flag stands.
func newManager(store db.Store) (*electrum.Manager, error) {
	m := electrum.NewManager(managerConfig(store))
	if config.IsSet(config.ElectrumDisabledKey) {
		if err := m.SetDisabled(config.GetBool(config.ElectrumDisabledKey)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// newWallet builds the configured wallet. It returns nil when neither a
// mnemonic nor an xpub is set.
func newWallet() (*wallet.HDWallet, error) {
	params := config.GetNetwork()

	var w *wallet.HDWallet
	var err error
	switch {
	case config.GetString(config.WalletMnemonicKey) != "":
		w, err = wallet.NewFromMnemonic(
			config.GetString(config.WalletMnemonicKey),
			config.GetString(config.WalletPassphraseKey),
			params,
		)
	case config.GetString(config.WalletXpubKey) != "":
		w, err = wallet.NewFromExtendedKey(config.GetString(config.WalletXpubKey), params)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	w.SetBIP47Enabled(config.GetBool(config.BIP47EnabledKey))
	return w, nil
}

// session is the store and manager shared by every command
type session struct {
	store   db.Store
	manager *electrum.Manager
}

// openSession opens the store and connects to a server
func openSession(ctx context.Context) (*session, error) {
	store, err := openStore()
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	manager, err := newManager(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	if err := manager.Connect(ctx); err != nil {
		log.WithError(err).Warn("electrum connection not established")
	}
	return &session{store: store, manager: manager}, nil
}

func (s *session) Close() {
	if err := s.manager.Close(); err != nil {
		log.WithError(err).Warn("failed to close electrum connection")
	}
	if err := s.store.Close(); err != nil {
		log.WithError(err).Warn("failed to close cache")
	}
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
