package transport

import (
	"fmt"
	"sync"
)

// MemoryNetwork links in-process Memory adapters by address. Delivery
// is synchronous and lossless unless a Drop hook says otherwise, which
// is exactly what the protocol tests need.
type MemoryNetwork struct {
	mu    sync.Mutex
	nodes map[string]*Memory

	// Drop, when set, is consulted per datagram; returning true loses it.
	Drop func(payload []byte, from, to string) bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[string]*Memory)}
}

// Attach creates the adapter listening on addr.
func (n *MemoryNetwork) Attach(addr string) *Memory {
	n.mu.Lock()
	defer n.mu.Unlock()
	m := &Memory{net: n, addr: addr, peers: make(map[string]*memPeer)}
	n.nodes[addr] = m
	return m
}

func (n *MemoryNetwork) lookup(addr string) *Memory {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[addr]
}

type memPeer struct {
	keyed bool
	known bool
}

// Memory is the in-memory Adapter used by tests. It mirrors the UDP
// adapter's bookkeeping (keys before registration, unknown-sender
// drops) without any real sealing.
type Memory struct {
	mu     sync.Mutex
	net    *MemoryNetwork
	addr   string
	peers  map[string]*memPeer
	recv   Receiver
	closed bool
}

func (m *Memory) Addr() string { return m.addr }

func (m *Memory) UpdatePeerKeys(addr string, encKey, signKey []byte) error {
	if len(encKey) == 0 {
		return fmt.Errorf("transport: empty encryption key for %s", addr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	p, ok := m.peers[addr]
	if !ok {
		p = &memPeer{}
		m.peers[addr] = p
	}
	p.keyed = true
	return nil
}

func (m *Memory) RegisterPeer(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	p, ok := m.peers[addr]
	if !ok || !p.keyed {
		return ErrNoKeys
	}
	p.known = true
	return nil
}

func (m *Memory) HasPeer(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[addr]
	return ok && p.known
}

func (m *Memory) RemovePeer(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, addr)
}

func (m *Memory) SetReceiver(fn Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recv = fn
}

func (m *Memory) Send(payload []byte, addr string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	p, ok := m.peers[addr]
	if !ok || !p.known {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	m.mu.Unlock()

	if m.net.Drop != nil && m.net.Drop(payload, m.addr, addr) {
		return nil
	}
	dst := m.net.lookup(addr)
	if dst == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	// Copy so a receiver cannot observe later sender mutations.
	cp := make([]byte, len(payload))
	copy(cp, payload)
	dst.deliver(cp, m.addr)
	return nil
}

func (m *Memory) deliver(payload []byte, from string) {
	m.mu.Lock()
	recv := m.recv
	closed := m.closed
	m.mu.Unlock()
	// Unregistered senders still get through, mirroring the UDP
	// adapter's introduction path.
	if closed || recv == nil {
		return
	}
	recv(payload, from)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
