package bitcoin

import "errors"

var (
	// ErrInvalidAddress indicates an invalid Bitcoin address
	ErrInvalidAddress = errors.New("invalid Bitcoin address")

	// ErrNoAddress indicates an output script no known address encoding matches
	ErrNoAddress = errors.New("unable to decode address from output script")

	// ErrMalformedTransaction indicates raw transaction bytes could not be parsed
	ErrMalformedTransaction = errors.New("malformed raw transaction")
)
