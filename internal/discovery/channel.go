package discovery

import (
	"fmt"
	"sync"

	"github.com/decred/slog"

	"lanpong/internal/metrics"
	"lanpong/internal/proto"
)

// PeerFunc receives every announcement that survives filtering. It
// must not assume anything about session state; that is the
// coordinator's business.
type PeerFunc func(proto.Announcement)

// Channel is the protocol side of discovery: it owns the beacon,
// broadcasts the immutable self record, and filters inbound records
// down to usable opponent candidates. Begin and End are idempotent in
// both directions.
type Channel struct {
	beacon Beacon
	self   proto.Announcement
	record []byte
	onPeer PeerFunc
	log    slog.Logger
	met    *metrics.Metrics

	mu      sync.Mutex
	running bool
	gen     uint64
}

type ChannelConfig struct {
	Beacon  Beacon
	Self    proto.Announcement
	OnPeer  PeerFunc
	Log     slog.Logger
	Metrics *metrics.Metrics
}

func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.Beacon == nil {
		return nil, fmt.Errorf("discovery: beacon required")
	}
	if cfg.OnPeer == nil {
		return nil, fmt.Errorf("discovery: peer callback required")
	}
	record, err := proto.EncodeAnnouncement(cfg.Self)
	if err != nil {
		return nil, fmt.Errorf("discovery: encode self record: %w", err)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Channel{
		beacon: cfg.Beacon,
		self:   cfg.Self,
		record: record,
		onPeer: cfg.OnPeer,
		log:    log,
		met:    cfg.Metrics,
	}, nil
}

// Begin starts broadcast and listening. A failure to bind either side
// is surfaced and leaves discovery stopped. Calling Begin while
// running is a no-op.
func (c *Channel) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if err := c.beacon.StartListening(c.handleRecord); err != nil {
		return err
	}
	if err := c.beacon.StartBroadcast(c.record); err != nil {
		c.beacon.StopListening()
		return err
	}
	c.running = true
	c.gen++
	c.log.Infof("discovery started as %q", c.self.Name)
	return nil
}

// End stops both directions. Safe when never started or already
// stopped.
func (c *Channel) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLocked()
}

// Generation identifies the current Begin/End cycle. A caller that
// must tear discovery down from another goroutine captures the token
// first and passes it to Retire.
func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Retire ends the cycle identified by gen. A stale token, left over
// from before a restart, is a no-op so the teardown cannot cancel a
// newer search.
func (c *Channel) Retire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.endLocked()
}

func (c *Channel) endLocked() {
	if !c.running {
		return
	}
	c.beacon.StopBroadcast()
	c.beacon.StopListening()
	c.running = false
	c.log.Infof("discovery stopped")
}

// Running reports whether discovery is currently active.
func (c *Channel) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// handleRecord filters one raw record. Order matters for metrics only;
// every drop is terminal for the record and never touches session
// state.
func (c *Channel) handleRecord(raw []byte, from string) {
	c.met.IncAnnouncesSeen()
	a, err := proto.DecodeAnnouncement(raw)
	if err != nil {
		c.met.IncDropMalformedAnnounce()
		c.log.Debugf("malformed announcement from %s: %v", from, err)
		return
	}
	if a.Name == c.self.Name {
		// Our own broadcast looped back.
		c.met.IncDropSelfEcho()
		return
	}
	if a.Type != c.self.Type {
		c.met.IncDropForeignType()
		c.log.Debugf("ignoring %q announcement from %s", a.Type, from)
		return
	}
	if len(a.EncKey) == 0 {
		// Cannot bootstrap a secure channel without a key.
		c.met.IncDropNoCredential()
		c.log.Warnf("announcement from %q lacks an encryption key, dropped", a.Name)
		return
	}
	c.onPeer(a)
}
