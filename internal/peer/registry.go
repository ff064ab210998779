// Package peer tracks the single active opponent and mediates the
// transport's peer registration ordering: keys are always installed
// before an address becomes a known peer, because a registered peer
// without keys does not decrypt.
package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/decred/slog"

	"lanpong/internal/transport"
)

// ErrNoOpponent is returned where an operation needs an active
// opponent and none is set.
var ErrNoOpponent = errors.New("peer: no active opponent")

// Opponent is everything known about the other side.
type Opponent struct {
	Addr    string
	Name    string
	EncKey  []byte
	SignKey []byte
}

// Registry holds at most one opponent at a time. All mutation happens
// through the session coordinator.
type Registry struct {
	mu  sync.Mutex
	tr  transport.Adapter
	opp *Opponent
	log slog.Logger
}

func NewRegistry(tr transport.Adapter, log slog.Logger) *Registry {
	if log == nil {
		log = slog.Disabled
	}
	return &Registry{tr: tr, log: log}
}

// SetOpponent installs keys into the transport first, then registers
// the address if it is not already known. Calling it again with the
// same address refreshes the keys without re-registering. A different
// address while one is active is rejected; callers must Clear first.
func (r *Registry) SetOpponent(addr, name string, encKey, signKey []byte) error {
	if addr == "" {
		return fmt.Errorf("peer: empty opponent address")
	}
	if len(encKey) == 0 {
		return fmt.Errorf("peer: opponent %s has no encryption key", addr)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opp != nil && r.opp.Addr != addr {
		return fmt.Errorf("peer: opponent already set to %s, clear before switching to %s",
			r.opp.Addr, addr)
	}
	// Keys strictly before registration.
	if err := r.tr.UpdatePeerKeys(addr, encKey, signKey); err != nil {
		return err
	}
	if !r.tr.HasPeer(addr) {
		if err := r.tr.RegisterPeer(addr); err != nil {
			return err
		}
		r.log.Infof("opponent %q registered at %s", name, addr)
	} else {
		r.log.Debugf("opponent %s keys refreshed", addr)
	}
	r.opp = &Opponent{Addr: addr, Name: name, EncKey: encKey, SignKey: signKey}
	return nil
}

// Current returns the active opponent, or false when searching.
func (r *Registry) Current() (Opponent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opp == nil {
		return Opponent{}, false
	}
	return *r.opp, true
}

// Clear drops the opponent and its transport state. No-op when
// nothing is set.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opp == nil {
		return
	}
	r.tr.RemovePeer(r.opp.Addr)
	r.log.Infof("opponent %s cleared", r.opp.Addr)
	r.opp = nil
}
