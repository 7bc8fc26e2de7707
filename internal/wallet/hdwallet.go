package wallet

import (
	"fmt"
	"sync"
	"time"

	"github.com/brewgator/wallet-sync/internal/bip47"
	"github.com/brewgator/wallet-sync/internal/bitcoin"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

// Chain selects the receive or change branch of the account
type Chain uint32

const (
	// External is the receive chain, m/84'/coin'/0'/0
	External Chain = 0
	// Internal is the change chain, m/84'/coin'/0'/1
	Internal Chain = 1
)

func (c Chain) String() string {
	if c == Internal {
		return "internal"
	}
	return "external"
}

// GapLimit is how many unused addresses past the next free index each sync
// looks at.
const GapLimit = 20

// HDWallet is a BIP84 native segwit wallet. All derived addresses are
// memoized for the lifetime of the wallet.
type HDWallet struct {
	params *chaincfg.Params
	chains [2]*hdkeychain.ExtendedKey
	xpub   string

	// paymentCodes is nil for watch-only wallets
	paymentCodes *bip47.Account
	bip47Enabled bool

	cacheMu          sync.Mutex
	addresses        [2]map[uint32]string
	receiveAddresses map[string]map[uint32]string
	sendAddresses    map[string]map[uint32]string
	wifs             map[string]string

	mu                    sync.RWMutex
	nextFree              [2]uint32
	receiveCodes          []string
	nextFreeReceive       map[string]uint32
	sendCodes             []string
	txsByIndex            [2]map[uint32][]*bitcoin.Transaction
	txsByPaymentCode      map[string]map[uint32][]*bitcoin.Transaction
	balancesByIndex       [2]map[uint32]bitcoin.Balance
	balancesByPaymentCode map[string]bitcoin.Balance
	utxos                 []bitcoin.UTXO
	lastSync              time.Time

	now func() time.Time
}

func newHDWallet(account *hdkeychain.ExtendedKey, params *chaincfg.Params) (*HDWallet, error) {
	public, err := account.Neuter()
	if err != nil {
		return nil, fmt.Errorf("failed to neuter account key: %w", err)
	}

	w := &HDWallet{
		params:                params,
		xpub:                  public.String(),
		receiveAddresses:      make(map[string]map[uint32]string),
		sendAddresses:         make(map[string]map[uint32]string),
		wifs:                  make(map[string]string),
		nextFreeReceive:       make(map[string]uint32),
		txsByPaymentCode:      make(map[string]map[uint32][]*bitcoin.Transaction),
		balancesByPaymentCode: make(map[string]bitcoin.Balance),
		now:                   time.Now,
	}
	for _, chain := range []Chain{External, Internal} {
		node, err := public.Derive(uint32(chain))
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s chain: %w", chain, err)
		}
		w.chains[chain] = node
		w.addresses[chain] = make(map[uint32]string)
		w.txsByIndex[chain] = make(map[uint32][]*bitcoin.Transaction)
		w.balancesByIndex[chain] = make(map[uint32]bitcoin.Balance)
	}
	return w, nil
}

func coinType(params *chaincfg.Params) uint32 {
	if params.Net == chaincfg.MainNetParams.Net {
		return 0
	}
	return 1
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic. The account key
// is m/84'/coin'/0' and the BIP47 identity m/47'/coin'/0'.
func NewFromMnemonic(mnemonic, passphrase string, params *chaincfg.Params) (*HDWallet, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	account := master
	for _, step := range []uint32{84, coinType(params), 0} {
		account, err = account.Derive(hdkeychain.HardenedKeyStart + step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive account key: %w", err)
		}
	}

	w, err := newHDWallet(account, params)
	if err != nil {
		return nil, err
	}
	w.paymentCodes, err = bip47.NewAccountFromSeed(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive payment code: %w", err)
	}
	return w, nil
}

// NewFromExtendedKey creates a watch-only wallet from an account level
// xpub. SLIP-132 forms such as zpub are accepted.
func NewFromExtendedKey(key string, params *chaincfg.Params) (*HDWallet, error) {
	account, err := hdkeychain.NewKeyFromString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtendedKey, err)
	}
	// zpub to xpub, zprv to xprv
	version := params.HDPublicKeyID[:]
	if account.IsPrivate() {
		version = params.HDPrivateKeyID[:]
	}
	account, err = account.CloneWithVersion(version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtendedKey, err)
	}
	return newHDWallet(account, params)
}

// Xpub returns the account extended public key
func (w *HDWallet) Xpub() string {
	return w.xpub
}

// Params returns the network the wallet encodes addresses for
func (w *HDWallet) Params() *chaincfg.Params {
	return w.params
}

// ExternalAddress returns the receive address at index
func (w *HDWallet) ExternalAddress(index uint32) (string, error) {
	return w.address(External, index)
}

// InternalAddress returns the change address at index
func (w *HDWallet) InternalAddress(index uint32) (string, error) {
	return w.address(Internal, index)
}

func (w *HDWallet) address(chain Chain, index uint32) (string, error) {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()

	if address, ok := w.addresses[chain][index]; ok {
		return address, nil
	}

	child, err := w.chains[chain].Derive(index)
	if err != nil {
		return "", fmt.Errorf("failed to derive %s address %d: %w", chain, index, err)
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}
	address, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), w.params)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s address %d: %w", chain, index, err)
	}

	encoded := address.EncodeAddress()
	w.addresses[chain][index] = encoded
	return encoded, nil
}

// NextFreeIndex returns the first unused index of chain
func (w *HDWallet) NextFreeIndex(chain Chain) uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.nextFree[chain]
}

// SetNextFreeIndex restores a persisted horizon
func (w *HDWallet) SetNextFreeIndex(chain Chain, index uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextFree[chain] = index
}

// NextFreeAddress returns the first unused receive address
func (w *HDWallet) NextFreeAddress() (string, error) {
	return w.ExternalAddress(w.NextFreeIndex(External))
}

// SetBIP47Enabled toggles payment code counterparty resolution and
// notification scanning.
func (w *HDWallet) SetBIP47Enabled(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bip47Enabled = enabled
}

// BIP47Enabled reports whether payment code features are on. They are
// never on for watch-only wallets.
func (w *HDWallet) BIP47Enabled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.bip47Enabled && w.paymentCodes != nil
}

// PaymentCode returns the wallet's own payment code
func (w *HDWallet) PaymentCode() (string, error) {
	if w.paymentCodes == nil {
		return "", ErrNoPaymentCode
	}
	return w.paymentCodes.PaymentCode().String(), nil
}

// NotificationAddress returns the wallet's BIP47 notification address
func (w *HDWallet) NotificationAddress() (string, error) {
	if w.paymentCodes == nil {
		return "", ErrNoPaymentCode
	}
	return w.paymentCodes.NotificationAddress()
}

// BIP47ReceiveAddress returns the index-th joint address on which the
// holder of paymentCode pays this wallet. The spending key is kept for
// WIFForAddress.
func (w *HDWallet) BIP47ReceiveAddress(paymentCode string, index uint32) (string, error) {
	if w.paymentCodes == nil {
		return "", ErrNoPaymentCode
	}

	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	if address, ok := w.receiveAddresses[paymentCode][index]; ok {
		return address, nil
	}

	remote, err := bip47.ParsePaymentCode(paymentCode)
	if err != nil {
		return "", err
	}
	key, err := w.paymentCodes.ReceiveKey(remote, index)
	if err != nil {
		return "", err
	}
	address, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(key.PubKey().SerializeCompressed()), w.params)
	if err != nil {
		return "", fmt.Errorf("failed to encode joint address: %w", err)
	}
	wif, err := btcutil.NewWIF(key, w.params, true)
	if err != nil {
		return "", fmt.Errorf("failed to encode joint key: %w", err)
	}

	encoded := address.EncodeAddress()
	if w.receiveAddresses[paymentCode] == nil {
		w.receiveAddresses[paymentCode] = make(map[uint32]string)
	}
	w.receiveAddresses[paymentCode][index] = encoded
	w.wifs[encoded] = wif.String()
	return encoded, nil
}

// BIP47SendAddress returns the index-th joint address on which this wallet
// pays the holder of paymentCode.
func (w *HDWallet) BIP47SendAddress(paymentCode string, index uint32) (string, error) {
	if w.paymentCodes == nil {
		return "", ErrNoPaymentCode
	}

	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	if address, ok := w.sendAddresses[paymentCode][index]; ok {
		return address, nil
	}

	remote, err := bip47.ParsePaymentCode(paymentCode)
	if err != nil {
		return "", err
	}
	address, err := w.paymentCodes.SendAddress(remote, index)
	if err != nil {
		return "", err
	}
	if w.sendAddresses[paymentCode] == nil {
		w.sendAddresses[paymentCode] = make(map[uint32]string)
	}
	w.sendAddresses[paymentCode][index] = address
	return address, nil
}

// WIFForAddress returns the cached private key of a joint receive address
func (w *HDWallet) WIFForAddress(address string) (string, bool) {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	wif, ok := w.wifs[address]
	return wif, ok
}

// AddReceivePaymentCode registers a counterparty that may pay this wallet.
// It reports false when the code is malformed or already known.
func (w *HDWallet) AddReceivePaymentCode(paymentCode string) bool {
	if _, err := bip47.ParsePaymentCode(paymentCode); err != nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, known := range w.receiveCodes {
		if known == paymentCode {
			return false
		}
	}
	w.receiveCodes = append(w.receiveCodes, paymentCode)
	w.nextFreeReceive[paymentCode] = 0
	w.balancesByPaymentCode[paymentCode] = bitcoin.Balance{}
	return true
}

// AddSendPaymentCode registers a counterparty this wallet pays
func (w *HDWallet) AddSendPaymentCode(paymentCode string) error {
	if _, err := bip47.ParsePaymentCode(paymentCode); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, known := range w.sendCodes {
		if known == paymentCode {
			return nil
		}
	}
	w.sendCodes = append(w.sendCodes, paymentCode)
	return nil
}

// ReceivePaymentCodes returns the counterparties that notified this wallet
func (w *HDWallet) ReceivePaymentCodes() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.receiveCodes...)
}

// NextFreeReceiveIndex returns the first unused joint index for paymentCode
func (w *HDWallet) NextFreeReceiveIndex(paymentCode string) uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.nextFreeReceive[paymentCode]
}
