// Package transport is the encrypted point-to-point datagram layer.
// Delivery is best effort: no acknowledgment, no retry, no ordering.
// A peer's keys must be installed before the peer is registered; the
// registry in internal/peer enforces that ordering.
package transport

import "errors"

var (
	// ErrUnknownPeer is returned by Send when the destination was never
	// registered.
	ErrUnknownPeer = errors.New("transport: unknown peer")

	// ErrNoKeys is returned when a peer is registered or used before its
	// keys were installed.
	ErrNoKeys = errors.New("transport: peer keys not installed")

	// ErrClosed is returned once the adapter has been shut down.
	ErrClosed = errors.New("transport: closed")
)

// Receiver handles one inbound decrypted payload. Handlers run to
// completion before the next datagram is delivered.
type Receiver func(payload []byte, from string)

// Adapter is the point-to-point datagram contract the session layer
// consumes. Addresses are "host:port" strings.
type Adapter interface {
	// UpdatePeerKeys installs or refreshes the peer's public keys.
	// Must happen before RegisterPeer for the same address.
	UpdatePeerKeys(addr string, encKey, signKey []byte) error

	// RegisterPeer marks addr as a known peer. Registering an address
	// without installed keys is an error.
	RegisterPeer(addr string) error

	// HasPeer reports whether addr is a registered peer.
	HasPeer(addr string) bool

	// RemovePeer forgets addr and its keys. Unknown addresses are a
	// no-op.
	RemovePeer(addr string)

	// Send seals and transmits payload to addr, fire and forget.
	Send(payload []byte, addr string) error

	// SetReceiver installs the inbound callback.
	SetReceiver(fn Receiver)

	// Close releases the underlying resources. Safe to call twice.
	Close() error
}
