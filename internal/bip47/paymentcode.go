package bip47

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// versionByte prefixes the base58check encoding ("PM8T...")
	versionByte = 0x47

	payloadLen       = 80
	codeVersion      = 0x01
	pubKeyOffset     = 2
	xOffset          = 3
	chainCodeOffset  = 35
	chainCodeLen     = 32
	payloadPaddedEnd = 67
)

// PaymentCode is a version 1 reusable payment code: the public key and
// chain code of a BIP47 account node.
type PaymentCode struct {
	pubKey    *btcec.PublicKey
	chainCode []byte
}

// NewPaymentCode builds a payment code from an account node's public parts
func NewPaymentCode(pubKey *btcec.PublicKey, chainCode []byte) (*PaymentCode, error) {
	if pubKey == nil || len(chainCode) != chainCodeLen {
		return nil, ErrInvalidPaymentCode
	}
	return &PaymentCode{pubKey: pubKey, chainCode: append([]byte(nil), chainCode...)}, nil
}

// ParsePaymentCode decodes the base58check form
func ParsePaymentCode(code string) (*PaymentCode, error) {
	payload, version, err := base58.CheckDecode(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPaymentCode, err)
	}
	if version != versionByte {
		return nil, fmt.Errorf("%w: version byte %#x", ErrInvalidPaymentCode, version)
	}
	return paymentCodeFromPayload(payload)
}

// paymentCodeFromPayload decodes the 80 byte binary form
func paymentCodeFromPayload(payload []byte) (*PaymentCode, error) {
	if len(payload) != payloadLen {
		return nil, fmt.Errorf("%w: payload is %d bytes", ErrInvalidPaymentCode, len(payload))
	}
	if payload[0] != codeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidPaymentCode, payload[0])
	}
	pubKey, err := btcec.ParsePubKey(payload[pubKeyOffset:chainCodeOffset])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPaymentCode, err)
	}
	return NewPaymentCode(pubKey, payload[chainCodeOffset:chainCodeOffset+chainCodeLen])
}

// Payload returns the 80 byte binary form
func (pc *PaymentCode) Payload() []byte {
	payload := make([]byte, payloadLen)
	payload[0] = codeVersion
	copy(payload[pubKeyOffset:], pc.pubKey.SerializeCompressed())
	copy(payload[chainCodeOffset:], pc.chainCode)
	return payload
}

func (pc *PaymentCode) String() string {
	return base58.CheckEncode(pc.Payload(), versionByte)
}

// node returns the public extended key the code describes
func (pc *PaymentCode) node() *hdkeychain.ExtendedKey {
	return hdkeychain.NewExtendedKey(
		chaincfg.MainNetParams.HDPublicKeyID[:],
		pc.pubKey.SerializeCompressed(),
		pc.chainCode,
		[]byte{0, 0, 0, 0},
		3,
		0,
		false,
	)
}

// DerivePublicKey returns the public key of child index
func (pc *PaymentCode) DerivePublicKey(index uint32) (*btcec.PublicKey, error) {
	child, err := pc.node().Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive child %d: %w", index, err)
	}
	return child.ECPubKey()
}

// NotificationAddress returns the P2PKH address of child 0, which senders
// pay to announce themselves.
func (pc *PaymentCode) NotificationAddress(params *chaincfg.Params) (string, error) {
	pubKey, err := pc.DerivePublicKey(0)
	if err != nil {
		return "", err
	}
	address, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), params)
	if err != nil {
		return "", fmt.Errorf("failed to create notification address: %w", err)
	}
	return address.EncodeAddress(), nil
}
