package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/decred/slog"

	"lanpong/internal/crypto"
	"lanpong/internal/metrics"
)

const maxDatagram = 64 << 10

type udpPeer struct {
	encKey  []byte
	signKey []byte
	known   bool // registered, not just keyed
}

// UDP is the production adapter: plaintext in, sealed datagrams over a
// single UDP socket. Outbound datagrams are sealed to the registered
// peer's encryption key; inbound datagrams are decrypted with the
// local identity and, when the sender's sign key is installed,
// signature-checked. Datagrams from senders without installed keys
// are delivered unverified so the introduction handshake can reach
// the session layer.
type UDP struct {
	mu     sync.Mutex
	id     *crypto.Identity
	conn   *net.UDPConn
	peers  map[string]*udpPeer
	recv   Receiver
	closed bool
	log    slog.Logger
	met    *metrics.Metrics
	wg     sync.WaitGroup
}

// UDPConfig carries the knobs for NewUDP. Port 0 binds an ephemeral
// port; Log defaults to slog.Disabled.
type UDPConfig struct {
	Identity *crypto.Identity
	Port     int
	Log      slog.Logger
	Metrics  *metrics.Metrics
}

// NewUDP binds the socket and starts the read loop. The receiver may
// be installed after construction; datagrams arriving before that are
// dropped.
func NewUDP(cfg UDPConfig) (*UDP, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("transport: identity required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("transport: bind udp: %w", err)
	}
	u := &UDP{
		id:    cfg.Identity,
		conn:  conn,
		peers: make(map[string]*udpPeer),
		log:   log,
		met:   cfg.Metrics,
	}
	u.wg.Add(1)
	go u.readLoop()
	return u, nil
}

// LocalPort reports the bound receive port.
func (u *UDP) LocalPort() int {
	return u.conn.LocalAddr().(*net.UDPAddr).Port
}

func (u *UDP) UpdatePeerKeys(addr string, encKey, signKey []byte) error {
	if len(encKey) == 0 {
		return fmt.Errorf("transport: empty encryption key for %s", addr)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	p, ok := u.peers[addr]
	if !ok {
		p = &udpPeer{}
		u.peers[addr] = p
	}
	p.encKey = encKey
	p.signKey = signKey
	u.log.Debugf("keys installed for %s", addr)
	return nil
}

func (u *UDP) RegisterPeer(addr string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	p, ok := u.peers[addr]
	if !ok || len(p.encKey) == 0 {
		return ErrNoKeys
	}
	p.known = true
	return nil
}

func (u *UDP) HasPeer(addr string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	p, ok := u.peers[addr]
	return ok && p.known
}

func (u *UDP) RemovePeer(addr string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.peers, addr)
}

func (u *UDP) SetReceiver(fn Receiver) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.recv = fn
}

func (u *UDP) Send(payload []byte, addr string) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	p, ok := u.peers[addr]
	if !ok || !p.known {
		u.mu.Unlock()
		u.met.IncSendErrors()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	encKey := p.encKey
	u.mu.Unlock()

	env, err := u.id.Seal(encKey, payload)
	if err != nil {
		u.met.IncSendErrors()
		return fmt.Errorf("transport: seal for %s: %w", addr, err)
	}
	wire, err := json.Marshal(env)
	if err != nil {
		u.met.IncSendErrors()
		return err
	}
	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		u.met.IncSendErrors()
		return fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	if _, err := u.conn.WriteToUDP(wire, dst); err != nil {
		u.met.IncSendErrors()
		return fmt.Errorf("transport: send to %s: %w", addr, err)
	}
	u.met.IncDatagramsSent()
	return nil
}

func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()
	err := u.conn.Close()
	u.wg.Wait()
	return err
}

func (u *UDP) readLoop() {
	defer u.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			u.mu.Lock()
			closed := u.closed
			u.mu.Unlock()
			if !closed {
				u.log.Errorf("read loop: %v", err)
			}
			return
		}
		u.handleDatagram(buf[:n], from.String())
	}
}

// handleDatagram opens one sealed datagram and hands it up. Handlers
// run to completion before the next datagram is read, which keeps the
// single-writer discipline of the session layer intact.
func (u *UDP) handleDatagram(wire []byte, from string) {
	u.mu.Lock()
	p := u.peers[from]
	recv := u.recv
	u.mu.Unlock()

	var env crypto.Envelope
	if err := json.Unmarshal(wire, &env); err != nil {
		u.met.IncDropOpenFailed()
		u.log.Warnf("bad envelope from %s: %v", from, err)
		return
	}
	plain, err := u.id.Open(&env)
	if err != nil {
		u.met.IncDropOpenFailed()
		u.log.Warnf("open datagram from %s: %v", from, err)
		return
	}
	if p != nil && len(p.signKey) > 0 && !crypto.Verify(p.signKey, &env) {
		u.met.IncDropOpenFailed()
		u.log.Warnf("bad signature on datagram from %s", from)
		return
	}
	if p == nil {
		// Introduction traffic; the session layer decides what to do
		// with a sender it has not registered.
		u.met.IncRecvUnverified()
		u.log.Debugf("unverified datagram from unregistered sender %s", from)
	}
	u.met.IncDatagramsRecv()
	if recv == nil {
		u.log.Debugf("no receiver installed, dropping %d bytes from %s", len(plain), from)
		return
	}
	recv(plain, from)
}
