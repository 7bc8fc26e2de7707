package bip47

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// Account is the private BIP47 identity at m/47'/coin'/0'
type Account struct {
	node   *hdkeychain.ExtendedKey
	code   *PaymentCode
	params *chaincfg.Params
}

// NewAccountFromSeed derives the BIP47 account of a BIP39 seed
func NewAccountFromSeed(seed []byte, params *chaincfg.Params) (*Account, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	coin := uint32(0)
	if params.Net != chaincfg.MainNetParams.Net {
		coin = 1
	}

	node := master
	for _, step := range []uint32{47, coin, 0} {
		node, err = node.Derive(hdkeychain.HardenedKeyStart + step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive account key: %w", err)
		}
	}

	pubKey, err := node.ECPubKey()
	if err != nil {
		return nil, err
	}
	code, err := NewPaymentCode(pubKey, node.ChainCode())
	if err != nil {
		return nil, err
	}
	return &Account{node: node, code: code, params: params}, nil
}

// PaymentCode returns the account's shareable payment code
func (a *Account) PaymentCode() *PaymentCode {
	return a.code
}

// NotificationAddress returns the address others notify this account on
func (a *Account) NotificationAddress() (string, error) {
	return a.code.NotificationAddress(a.params)
}

func (a *Account) privateKey(index uint32) (*btcec.PrivateKey, error) {
	child, err := a.node.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive child %d: %w", index, err)
	}
	return child.ECPrivKey()
}

// NotificationKey returns the private key of the notification address
func (a *Account) NotificationKey() (*btcec.PrivateKey, error) {
	return a.privateKey(0)
}

// sharedScalar hashes the x coordinate of priv·pub into a curve scalar
func sharedScalar(priv *btcec.PrivateKey, pub *btcec.PublicKey) (*btcec.ModNScalar, error) {
	secret := sha256.Sum256(btcec.GenerateSharedSecret(priv, pub))
	var s btcec.ModNScalar
	if overflow := s.SetByteSlice(secret[:]); overflow || s.IsZero() {
		return nil, ErrInvalidSecret
	}
	return &s, nil
}

// ReceiveKey returns the private key of the index-th joint address on which
// remote pays this account.
func (a *Account) ReceiveKey(remote *PaymentCode, index uint32) (*btcec.PrivateKey, error) {
	b, err := a.privateKey(index)
	if err != nil {
		return nil, err
	}
	remoteNotification, err := remote.DerivePublicKey(0)
	if err != nil {
		return nil, err
	}
	s, err := sharedScalar(b, remoteNotification)
	if err != nil {
		return nil, err
	}

	var k btcec.ModNScalar
	k.Set(&b.Key).Add(s)
	return btcec.PrivKeyFromScalar(&k), nil
}

// ReceiveAddress returns the P2WPKH address of ReceiveKey
func (a *Account) ReceiveAddress(remote *PaymentCode, index uint32) (string, error) {
	key, err := a.ReceiveKey(remote, index)
	if err != nil {
		return "", err
	}
	return segwitAddress(key.PubKey(), a.params)
}

// SendPublicKey returns the public key of the index-th joint address on
// which this account pays remote.
func (a *Account) SendPublicKey(remote *PaymentCode, index uint32) (*btcec.PublicKey, error) {
	notification, err := a.privateKey(0)
	if err != nil {
		return nil, err
	}
	remoteKey, err := remote.DerivePublicKey(index)
	if err != nil {
		return nil, err
	}
	s, err := sharedScalar(notification, remoteKey)
	if err != nil {
		return nil, err
	}

	var sG, bJ, p btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(s, &sG)
	remoteKey.AsJacobian(&bJ)
	btcec.AddNonConst(&bJ, &sG, &p)
	p.ToAffine()
	return btcec.NewPublicKey(&p.X, &p.Y), nil
}

// SendAddress returns the P2WPKH address of SendPublicKey
func (a *Account) SendAddress(remote *PaymentCode, index uint32) (string, error) {
	pubKey, err := a.SendPublicKey(remote, index)
	if err != nil {
		return "", err
	}
	return segwitAddress(pubKey, a.params)
}

func segwitAddress(pubKey *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	address, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), params)
	if err != nil {
		return "", fmt.Errorf("failed to create segwit address: %w", err)
	}
	return address.EncodeAddress(), nil
}
