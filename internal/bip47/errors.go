package bip47

import "errors"

var (
	// ErrInvalidPaymentCode indicates a payment code that fails to parse
	ErrInvalidPaymentCode = errors.New("invalid payment code")

	// ErrNotNotification indicates a transaction without a payment code payload
	ErrNotNotification = errors.New("not a notification transaction")

	// ErrNoDesignatedInput indicates no input exposes a public key
	ErrNoDesignatedInput = errors.New("notification transaction has no designated input")

	// ErrInvalidSecret indicates a shared secret outside the curve order.
	// The caller should move on to the next index.
	ErrInvalidSecret = errors.New("shared secret is not a valid scalar")
)
