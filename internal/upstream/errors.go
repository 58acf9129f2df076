package upstream

import "errors"

var (
	// ErrConnectFailed is returned by Connect when the initial dial or
	// handshake fails. The caller decides initial-connect policy.
	ErrConnectFailed = errors.New("upstream connect failed")

	// ErrUpstreamUnavailable is returned by Run when reconnect attempts
	// exceed the configured ceiling. It is fatal: the service has no value
	// without the upstream feed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
