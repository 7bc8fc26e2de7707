package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/viper"
)

const (
	// NetworkKey selects the chain: mainnet, testnet or regtest
	NetworkKey = "NETWORK"
	// DatadirKey is the directory holding the cache database
	DatadirKey = "DATA_DIR_PATH"
	// CacheBackendKey selects the cache store: sqlite or badger
	CacheBackendKey = "CACHE_BACKEND"
	// LogLevelKey is the logrus level. For reference on the values https://godoc.org/github.com/sirupsen/logrus#Level
	LogLevelKey = "LOG_LEVEL"
	// ElectrumHostKey overrides the server rotation with a single host
	ElectrumHostKey = "ELECTRUM_HOST"
	// ElectrumTCPPortKey is the plaintext port of ELECTRUM_HOST
	ElectrumTCPPortKey = "ELECTRUM_TCP_PORT"
	// ElectrumSSLPortKey is the TLS port of ELECTRUM_HOST. It wins over TCP.
	ElectrumSSLPortKey = "ELECTRUM_SSL_PORT"
	// ElectrumDisabledKey starts with all networking off
	ElectrumDisabledKey = "ELECTRUM_DISABLED"
	// RequestRateLimitKey caps requests per second to the server, 0 is unlimited
	RequestRateLimitKey = "REQUEST_RATE_LIMIT"
	// APIHostKey is the interface the status API listens on
	APIHostKey = "API_HOST"
	// APIPortKey is the port the status API listens on
	APIPortKey = "API_PORT"
	// SyncIntervalKey is the number of seconds between wallet syncs
	SyncIntervalKey = "SYNC_INTERVAL"
	// WalletXpubKey is an account xpub/zpub for a watch-only wallet
	WalletXpubKey = "WALLET_XPUB"
	// WalletMnemonicKey is a BIP39 mnemonic for a full wallet
	WalletMnemonicKey = "WALLET_MNEMONIC"
	// WalletPassphraseKey is the optional BIP39 passphrase
	WalletPassphraseKey = "WALLET_PASSPHRASE"
	// BIP47EnabledKey turns on payment code scanning and counterparty labels
	BIP47EnabledKey = "BIP47_ENABLED"
	// AllowedOriginsKey is the comma separated CORS origin list of the API
	AllowedOriginsKey = "ALLOWED_ORIGINS"

	CacheBackendSQLite = "sqlite"
	CacheBackendBadger = "badger"

	SQLiteFile = "cache.db"
	BadgerDir  = "badger"
)

var vip *viper.Viper
var defaultDatadir = btcutil.AppDataDir("wallet-sync", false)

var networks = map[string]*chaincfg.Params{
	"mainnet": &chaincfg.MainNetParams,
	"testnet": &chaincfg.TestNet3Params,
	"regtest": &chaincfg.RegressionNetParams,
}

func InitConfig() error {
	vip = viper.New()
	vip.SetEnvPrefix("WALLETSYNC")
	vip.AutomaticEnv()

	vip.SetDefault(NetworkKey, "mainnet")
	vip.SetDefault(DatadirKey, defaultDatadir)
	vip.SetDefault(CacheBackendKey, CacheBackendSQLite)
	vip.SetDefault(LogLevelKey, 4)
	vip.SetDefault(ElectrumTCPPortKey, 0)
	vip.SetDefault(ElectrumSSLPortKey, 0)
	vip.SetDefault(RequestRateLimitKey, 0)
	vip.SetDefault(APIHostKey, "localhost")
	vip.SetDefault(APIPortKey, 8090)
	vip.SetDefault(SyncIntervalKey, 300)
	vip.SetDefault(BIP47EnabledKey, false)
	vip.SetDefault(AllowedOriginsKey, "http://localhost:3000")

	if err := validate(); err != nil {
		return fmt.Errorf("error while validating config: %s", err)
	}

	if err := makeDirectoryIfNotExists(GetDatadir()); err != nil {
		return fmt.Errorf("error while creating datadir: %s", err)
	}

	return nil
}

// Set overrides a key, for flags that take precedence over the environment
func Set(key string, value interface{}) {
	vip.Set(key, value)
}

// IsSet reports whether key was given explicitly rather than defaulted
func IsSet(key string) bool {
	return vip.IsSet(key)
}

func GetString(key string) string {
	return vip.GetString(key)
}

func GetInt(key string) int {
	return vip.GetInt(key)
}

func GetBool(key string) bool {
	return vip.GetBool(key)
}

func GetDatadir() string {
	return GetString(DatadirKey)
}

// GetNetwork returns the chain parameters of NETWORK
func GetNetwork() *chaincfg.Params {
	return networks[strings.ToLower(GetString(NetworkKey))]
}

// GetSyncInterval returns SYNC_INTERVAL as a duration
func GetSyncInterval() time.Duration {
	return time.Duration(GetInt(SyncIntervalKey)) * time.Second
}

// GetAllowedOrigins splits ALLOWED_ORIGINS on commas
func GetAllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(GetString(AllowedOriginsKey), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// GetAPIAddress returns the host:port the status API binds
func GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", GetString(APIHostKey), GetInt(APIPortKey))
}

func validate() error {
	datadir := GetString(DatadirKey)
	if len(datadir) <= 0 {
		return fmt.Errorf("missing datadir")
	}

	if GetNetwork() == nil {
		return fmt.Errorf("unknown network %q", GetString(NetworkKey))
	}

	switch GetString(CacheBackendKey) {
	case CacheBackendSQLite, CacheBackendBadger:
	default:
		return fmt.Errorf("%s must be %s or %s", CacheBackendKey, CacheBackendSQLite, CacheBackendBadger)
	}

	if GetString(ElectrumHostKey) != "" && GetInt(ElectrumTCPPortKey) == 0 && GetInt(ElectrumSSLPortKey) == 0 {
		return fmt.Errorf("%s requires %s or %s", ElectrumHostKey, ElectrumTCPPortKey, ElectrumSSLPortKey)
	}

	for _, key := range []string{ElectrumTCPPortKey, ElectrumSSLPortKey, APIPortKey} {
		if port := GetInt(key); port < 0 || port > 65535 {
			return fmt.Errorf("%s must be a valid port", key)
		}
	}

	if GetInt(RequestRateLimitKey) < 0 {
		return fmt.Errorf("%s must not be negative", RequestRateLimitKey)
	}

	if GetInt(SyncIntervalKey) <= 0 {
		return fmt.Errorf("%s must be positive", SyncIntervalKey)
	}

	if GetString(WalletXpubKey) != "" && GetString(WalletMnemonicKey) != "" {
		return fmt.Errorf("%s and %s are mutually exclusive", WalletXpubKey, WalletMnemonicKey)
	}

	return nil
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}
