package session

import (
	"sync"
	"testing"
	"time"

	"lanpong/internal/crypto"
	"lanpong/internal/discovery"
	"lanpong/internal/game"
	"lanpong/internal/proto"
	"lanpong/internal/transport"
)

// stubBeacon satisfies discovery.Beacon without sockets. The test
// injects records directly into the listener callback.
type stubBeacon struct {
	mu           sync.Mutex
	broadcasting bool
	listening    bool
	record       []byte
	fn           discovery.AnnounceFunc
}

func (b *stubBeacon) StartBroadcast(record []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasting = true
	b.record = record
	return nil
}

func (b *stubBeacon) StopBroadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasting = false
}

func (b *stubBeacon) StartListening(fn discovery.AnnounceFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listening = true
	b.fn = fn
	return nil
}

func (b *stubBeacon) StopListening() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listening = false
}

func (b *stubBeacon) selfRecord() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.record
}

// inject hands a raw record to the listener, as the multicast group
// would.
func (b *stubBeacon) inject(t *testing.T, record []byte) {
	t.Helper()
	b.mu.Lock()
	fn := b.fn
	listening := b.listening
	b.mu.Unlock()
	if fn == nil || !listening {
		t.Fatalf("beacon not listening")
	}
	fn(record, "group")
}

// node bundles one player's full stack for session tests.
type node struct {
	coord  *Coordinator
	beacon *stubBeacon
	game   *game.State
	tr     *transport.Memory

	mu     sync.Mutex
	events []Event
}

func (n *node) recordEvent(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *node) eventKinds() []EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]EventKind, len(n.events))
	for i, e := range n.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func (n *node) hasEvent(k EventKind) bool {
	for _, got := range n.eventKinds() {
		if got == k {
			return true
		}
	}
	return false
}

func newNode(t *testing.T, net *transport.MemoryNetwork, name, host string, port int, threshold int) *node {
	t.Helper()
	id, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	n := &node{
		beacon: &stubBeacon{},
		game:   game.NewState(threshold),
	}
	addr := host + ":" + itoa(port)
	n.tr = net.Attach(addr)
	coord, err := New(Config{
		Name:      name,
		Host:      host,
		Port:      port,
		Identity:  id,
		Transport: n.tr,
		Beacon:    n.beacon,
		Game:      n.game,
		Notify:    n.recordEvent,
		WinSize:   proto.Vec2{X: 640, Y: 480},
	})
	if err != nil {
		t.Fatalf("coordinator %s: %v", name, err)
	}
	n.coord = coord
	return n
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// connect runs the whole bootstrap: both searching, bob hears alice's
// announcement, init flows back, roles are arbitrated, readiness
// converges.
func connect(t *testing.T, alice, bob *node) {
	t.Helper()
	if err := alice.coord.Start(); err != nil {
		t.Fatalf("alice start: %v", err)
	}
	if err := bob.coord.Start(); err != nil {
		t.Fatalf("bob start: %v", err)
	}
	record := alice.beacon.selfRecord()
	if record == nil {
		t.Fatalf("alice never broadcast")
	}
	bob.beacon.inject(t, record)

	waitFor(t, "both synchronized", func() bool {
		return alice.coord.State() == Synchronized && bob.coord.State() == Synchronized
	})
	// Discovery teardown is asynchronous; wait it out so later
	// restarts cannot race it.
	waitFor(t, "discovery wound down", func() bool {
		alice.beacon.mu.Lock()
		a := alice.beacon.broadcasting || alice.beacon.listening
		alice.beacon.mu.Unlock()
		bob.beacon.mu.Lock()
		b := bob.beacon.broadcasting || bob.beacon.listening
		bob.beacon.mu.Unlock()
		return !a && !b
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newPair(t *testing.T, threshold int) (alice, bob *node) {
	t.Helper()
	net := transport.NewMemoryNetwork()
	alice = newNode(t, net, "alice", "10.0.0.1", 4001, threshold)
	bob = newNode(t, net, "bob", "10.0.0.2", 4002, threshold)
	return alice, bob
}

func TestBootstrapHandshake(t *testing.T) {
	alice, bob := newPair(t, 0)
	connect(t, alice, bob)

	if alice.coord.Role() != Owner {
		t.Fatalf("alice role = %s, want owner", alice.coord.Role())
	}
	if bob.coord.Role() != Guest {
		t.Fatalf("bob role = %s, want guest", bob.coord.Role())
	}
	if name, ok := alice.coord.Opponent(); !ok || name != "bob" {
		t.Fatalf("alice opponent = %q, %v", name, ok)
	}
	if name, ok := bob.coord.Opponent(); !ok || name != "alice" {
		t.Fatalf("bob opponent = %q, %v", name, ok)
	}

	// bob discovered alice; alice learned of bob through init.
	if !bob.hasEvent(EventOpponentFound) {
		t.Fatalf("bob events = %v", bob.eventKinds())
	}
	if !alice.hasEvent(EventGameInit) {
		t.Fatalf("alice events = %v", alice.eventKinds())
	}
	for _, n := range []*node{alice, bob} {
		if !n.hasEvent(EventRoleDecided) || !n.hasEvent(EventSynchronized) {
			t.Fatalf("events missing: %v", n.eventKinds())
		}
	}

	// The owner announced the playfield size.
	found := false
	bob.mu.Lock()
	for _, e := range bob.events {
		if e.Payload.WinSize != nil && *e.Payload.WinSize == (proto.Vec2{X: 640, Y: 480}) {
			found = true
		}
	}
	bob.mu.Unlock()
	if !found {
		t.Fatalf("bob never saw the owner's playfield size")
	}

	// Discovery is done on both sides once the session is up.
	waitFor(t, "beacons stopped", func() bool {
		alice.beacon.mu.Lock()
		a := alice.beacon.broadcasting
		alice.beacon.mu.Unlock()
		bob.beacon.mu.Lock()
		b := bob.beacon.broadcasting
		bob.beacon.mu.Unlock()
		return !a && !b
	})
}

func TestTickEntersRunning(t *testing.T) {
	alice, bob := newPair(t, 0)
	connect(t, alice, bob)

	if !alice.coord.Tick() {
		t.Fatalf("tick rejected in synchronized state")
	}
	if alice.coord.State() != Running {
		t.Fatalf("alice state = %s", alice.coord.State())
	}
	bob.coord.Tick()
	if bob.coord.State() != Running {
		t.Fatalf("bob state = %s", bob.coord.State())
	}
}

func TestPaddleReplication(t *testing.T) {
	alice, bob := newPair(t, 0)
	connect(t, alice, bob)
	alice.coord.Tick()
	bob.coord.Tick()

	// Alice is Owner, so her paddle is Player1 everywhere.
	alice.game.SetPaddle(game.Player1, proto.Vec2{X: 100, Y: 240})
	alice.coord.Tick()
	if got := bob.game.Paddle(game.Player1); got != (proto.Vec2{X: 100, Y: 240}) {
		t.Fatalf("bob sees alice's paddle at %+v", got)
	}

	// An unmoved paddle is not resent.
	before := len(bob.eventKinds())
	alice.coord.Tick()
	if after := len(bob.eventKinds()); after != before {
		t.Fatalf("idle tick produced %d events", after-before)
	}

	// Guest's paddle flows the other way as Player2.
	bob.game.SetPaddle(game.Player2, proto.Vec2{X: 500, Y: 30})
	bob.coord.Tick()
	if got := alice.game.Paddle(game.Player2); got != (proto.Vec2{X: 500, Y: 30}) {
		t.Fatalf("alice sees bob's paddle at %+v", got)
	}
}

func TestBallReplication(t *testing.T) {
	alice, bob := newPair(t, 0)
	connect(t, alice, bob)
	alice.coord.Tick()
	bob.coord.Tick()

	alice.coord.PublishBall(proto.Vec2{X: 320, Y: 240}, proto.Vec2{X: -4, Y: 2})
	snap := bob.game.Snapshot()
	if snap.Ball != (proto.Vec2{X: 320, Y: 240}) || snap.BallVel != (proto.Vec2{X: -4, Y: 2}) {
		t.Fatalf("bob ball state = %+v", snap)
	}

	// A guest cannot publish ball state.
	before := alice.game.Snapshot()
	bob.coord.PublishBall(proto.Vec2{X: 1, Y: 1}, proto.Vec2{X: 1, Y: 1})
	if alice.game.Snapshot() != before {
		t.Fatalf("guest publish reached the owner")
	}
}

func TestScoreThresholdEndsGameOnBothSides(t *testing.T) {
	alice, bob := newPair(t, 3)
	connect(t, alice, bob)
	alice.coord.Tick()
	bob.coord.Tick()

	alice.coord.PublishScore(game.Player1, 1)
	if bob.game.Score(game.Player1) != 1 {
		t.Fatalf("bob score = %d", bob.game.Score(game.Player1))
	}
	if bob.coord.State() != Running {
		t.Fatalf("bob state = %s after non-final score", bob.coord.State())
	}

	alice.coord.PublishScore(game.Player1, 3)
	if alice.coord.State() != GameOver || bob.coord.State() != GameOver {
		t.Fatalf("states = %s / %s", alice.coord.State(), bob.coord.State())
	}
	if got := alice.coord.Outcome(); got != "You won!!!" {
		t.Fatalf("alice outcome = %q", got)
	}
	if got := bob.coord.Outcome(); got != "You lost" {
		t.Fatalf("bob outcome = %q", got)
	}
}

func TestGuestCannotScore(t *testing.T) {
	alice, bob := newPair(t, 3)
	connect(t, alice, bob)
	alice.coord.Tick()
	bob.coord.Tick()

	bob.coord.PublishScore(game.Player2, 3)
	if alice.game.Score(game.Player2) != 0 {
		t.Fatalf("guest score reached the owner")
	}
	if bob.coord.State() == GameOver {
		t.Fatalf("guest ended the game locally")
	}
}

func TestResetAfterGameOver(t *testing.T) {
	alice, bob := newPair(t, 2)
	connect(t, alice, bob)
	alice.coord.Tick()
	bob.coord.Tick()
	alice.coord.PublishScore(game.Player2, 2)
	if bob.coord.State() != GameOver {
		t.Fatalf("bob state = %s", bob.coord.State())
	}
	if got := bob.coord.Outcome(); got != "You won!!!" {
		t.Fatalf("bob outcome = %q", got)
	}

	alice.coord.ResetScores()
	if alice.coord.State() != Running || bob.coord.State() != Running {
		t.Fatalf("states after reset = %s / %s", alice.coord.State(), bob.coord.State())
	}
	if alice.game.Score(game.Player2) != 0 || bob.game.Score(game.Player2) != 0 {
		t.Fatalf("scores survived reset")
	}
	if alice.coord.Outcome() != "" || bob.coord.Outcome() != "" {
		t.Fatalf("outcomes survived reset")
	}
}

func TestPauseRoundTrip(t *testing.T) {
	alice, bob := newPair(t, 0)
	connect(t, alice, bob)
	alice.coord.Tick()
	bob.coord.Tick()

	bob.coord.TogglePause()
	if alice.coord.State() != Paused || bob.coord.State() != Paused {
		t.Fatalf("states = %s / %s", alice.coord.State(), bob.coord.State())
	}
	if !alice.game.Paused() {
		t.Fatalf("alice game not paused")
	}
	alice.coord.TogglePause()
	if alice.coord.State() != Running || bob.coord.State() != Running {
		t.Fatalf("states after resume = %s / %s", alice.coord.State(), bob.coord.State())
	}
}

func TestOpponentLeft(t *testing.T) {
	alice, bob := newPair(t, 0)
	connect(t, alice, bob)
	alice.coord.Tick()
	bob.coord.Tick()
	alice.coord.PublishScore(game.Player1, 1)

	bob.coord.Stop()

	if alice.coord.State() != Searching {
		t.Fatalf("alice state = %s", alice.coord.State())
	}
	if got := alice.coord.Outcome(); got != "enemy left" {
		t.Fatalf("alice outcome = %q", got)
	}
	if _, ok := alice.coord.Opponent(); ok {
		t.Fatalf("alice still has an opponent")
	}
	if alice.game.Score(game.Player1) != 0 {
		t.Fatalf("scores survived the disconnect")
	}
	if alice.coord.Role() != RoleNone {
		t.Fatalf("role survived the disconnect")
	}
	// Alice hunts for a new opponent.
	waitFor(t, "alice rediscovering", func() bool {
		alice.beacon.mu.Lock()
		defer alice.beacon.mu.Unlock()
		return alice.beacon.broadcasting && alice.beacon.listening
	})
}

func TestInitWithoutKeyIgnored(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newNode(t, net, "alice", "10.0.0.1", 4001, 0)
	if err := alice.coord.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A bare node pushes an init with no encryption key.
	intruder := net.Attach("10.0.0.9:9000")
	intruder.UpdatePeerKeys("10.0.0.1:4001", []byte{1}, nil)
	intruder.RegisterPeer("10.0.0.1:4001")
	raw, err := proto.Encode(proto.Payload{Init: &proto.InitRecord{
		Host: "10.0.0.9", Port: 9000, Name: "mallory",
	}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := intruder.Send(raw, "10.0.0.1:4001"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if alice.coord.State() != Searching {
		t.Fatalf("keyless init moved the session to %s", alice.coord.State())
	}
	if _, ok := alice.coord.Opponent(); ok {
		t.Fatalf("keyless opponent adopted")
	}
}

func TestDataFromStrangerIgnored(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newNode(t, net, "alice", "10.0.0.1", 4001, 0)
	bob := newNode(t, net, "bob", "10.0.0.2", 4002, 0)
	connect(t, alice, bob)
	alice.coord.Tick()
	bob.coord.Tick()

	stranger := net.Attach("10.0.0.9:9000")
	stranger.UpdatePeerKeys("10.0.0.1:4001", []byte{1}, nil)
	stranger.RegisterPeer("10.0.0.1:4001")
	pos := proto.Vec2{X: 666, Y: 666}
	raw, err := proto.Encode(proto.Payload{PaddlePos: &pos})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := stranger.Send(raw, "10.0.0.1:4001"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := alice.game.Paddle(game.Player2); got == pos {
		t.Fatalf("stranger moved the opponent paddle")
	}
}

func TestDuplicateReadyIgnored(t *testing.T) {
	alice, bob := newPair(t, 0)
	connect(t, alice, bob)

	// A stale ready after convergence changes nothing.
	raw, err := proto.Encode(proto.Payload{Ready: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := bob.tr.Send(raw, "10.0.0.1:4001"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if alice.coord.State() != Synchronized {
		t.Fatalf("alice state = %s", alice.coord.State())
	}
}

func TestSimultaneousReadyConverges(t *testing.T) {
	// Both sides send ready before either receives the other's: the
	// readies cross on the wire. Drop them during bootstrap so both
	// stall in sync-ready, then deliver the crossed readies by hand.
	net := transport.NewMemoryNetwork()
	net.Drop = func(payload []byte, from, to string) bool {
		p, err := proto.Decode(payload)
		return err == nil && p.Ready
	}
	alice := newNode(t, net, "alice", "10.0.0.1", 4001, 0)
	bob := newNode(t, net, "bob", "10.0.0.2", 4002, 0)
	if err := alice.coord.Start(); err != nil {
		t.Fatalf("alice start: %v", err)
	}
	if err := bob.coord.Start(); err != nil {
		t.Fatalf("bob start: %v", err)
	}
	bob.beacon.inject(t, alice.beacon.selfRecord())
	if alice.coord.State() != SyncReady || bob.coord.State() != SyncReady {
		t.Fatalf("states = %s / %s, want both sync-ready",
			alice.coord.State(), bob.coord.State())
	}

	net.Drop = nil
	raw, err := proto.Encode(proto.Payload{Ready: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := bob.tr.Send(raw, "10.0.0.1:4001"); err != nil {
		t.Fatalf("bob ready: %v", err)
	}
	if err := alice.tr.Send(raw, "10.0.0.2:4002"); err != nil {
		t.Fatalf("alice ready: %v", err)
	}
	if alice.coord.State() != Synchronized || bob.coord.State() != Synchronized {
		t.Fatalf("states = %s / %s, want both synchronized",
			alice.coord.State(), bob.coord.State())
	}
}

func TestStopNotifiesOpponent(t *testing.T) {
	alice, bob := newPair(t, 0)
	connect(t, alice, bob)

	alice.coord.Stop()
	if alice.coord.State() != Disconnected {
		t.Fatalf("alice state = %s", alice.coord.State())
	}
	if bob.coord.State() != Searching {
		t.Fatalf("bob state = %s", bob.coord.State())
	}
	if got := bob.coord.Outcome(); got != "enemy left" {
		t.Fatalf("bob outcome = %q", got)
	}
}
