package exchange

import "errors"

var (
	// ErrNetwork covers transport failures: dial errors, resets, timeouts.
	// Retryable with backoff.
	ErrNetwork = errors.New("exchange: network error")

	// ErrProtocol covers malformed or unexpected payloads from the exchange.
	// The offending message is dropped; the connection stays up.
	ErrProtocol = errors.New("exchange: protocol error")
)
