package electrum

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected indicates there is no live server connection
	ErrNotConnected = errors.New("electrum client is not connected")

	// ErrConnectFailed indicates the retry ceiling was reached without a connection
	ErrConnectFailed = errors.New("unable to connect to electrum server")

	// ErrWaitTimeout indicates WaitTillConnected gave up
	ErrWaitTimeout = errors.New("waiting for electrum connection timeout")

	// ErrHandshakeFailed indicates the server did not identify itself
	ErrHandshakeFailed = errors.New("electrum handshake failed")

	// ErrConnClosed indicates the transport was closed locally
	ErrConnClosed = errors.New("electrum connection closed")
)

// ErrorKind classifies a failed server call so fallback paths can branch on
// it instead of on message text.
type ErrorKind int

const (
	// KindProtocol is a server error with no known recovery
	KindProtocol ErrorKind = iota
	// KindTransport is a socket, timeout or framing failure
	KindTransport
	// KindVerboseUnsupported means the server refuses verbose transactions
	KindVerboseUnsupported
	// KindResponseTooLarge means the reply exceeded the server's size limit
	KindResponseTooLarge
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindVerboseUnsupported:
		return "verbose_unsupported"
	case KindResponseTooLarge:
		return "response_too_large"
	default:
		return "protocol"
	}
}

// responseTooLargeCode is the JSON-RPC code servers use for oversized replies
const responseTooLargeCode = -32600

const verboseUnsupportedPrefix = "verbose transactions are currently unsupported"

// Error is a failed call to the server
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("electrum %s error: %v", e.Kind, e.Err)
	}
	if e.Code != 0 {
		return fmt.Sprintf("electrum %s error %d: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("electrum %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err. A missing connection and context
// cancellation count as transport failures; any other error that did not
// come from the server counts as a protocol error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	return KindProtocol
}

// IsKind reports whether err is an electrum error of kind
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func transportError(err error) *Error {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindTransport {
		return e
	}
	return &Error{Kind: KindTransport, Message: err.Error(), Err: err}
}

// classifyServerError maps a server error object to an Error
func classifyServerError(code int, message string) *Error {
	kind := KindProtocol
	switch {
	case code == responseTooLargeCode || strings.Contains(strings.ToLower(message), "response too large"):
		kind = KindResponseTooLarge
	case strings.HasPrefix(message, verboseUnsupportedPrefix):
		kind = KindVerboseUnsupported
	}
	return &Error{Kind: kind, Code: code, Message: message}
}
