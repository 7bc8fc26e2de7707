package wallet

import "errors"

var (
	// ErrInvalidMnemonic indicates a mnemonic that fails the BIP39 checksum
	ErrInvalidMnemonic = errors.New("invalid mnemonic")

	// ErrInvalidExtendedKey indicates an xpub/zpub that cannot be parsed
	ErrInvalidExtendedKey = errors.New("invalid extended key")

	// ErrNoPaymentCode indicates a BIP47 operation on a wallet without a seed
	ErrNoPaymentCode = errors.New("wallet has no BIP47 identity")
)
