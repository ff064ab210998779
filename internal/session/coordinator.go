package session

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/decred/slog"

	"lanpong/internal/crypto"
	"lanpong/internal/discovery"
	"lanpong/internal/game"
	"lanpong/internal/metrics"
	"lanpong/internal/peer"
	"lanpong/internal/proto"
	"lanpong/internal/transport"
)

// End-of-game texts shown to the player.
const (
	outcomeWon  = "You won!!!"
	outcomeLost = "You lost"
	outcomeLeft = "enemy left"
)

// Config wires a Coordinator. Transport, Beacon, Identity and Game are
// required; zero values elsewhere pick defaults.
type Config struct {
	// Name is the display name broadcast in announcements and fed to
	// role arbitration. Must be unique between the two players.
	Name string

	// Host and Port form the address peers send game traffic to.
	Host string
	Port int

	Identity  *crypto.Identity
	Transport transport.Adapter
	Beacon    discovery.Beacon
	Game      *game.State

	// Notify receives session events, outside the coordinator lock.
	Notify NotifyFunc

	// WinSize is the playfield size the Owner announces on connect.
	WinSize proto.Vec2

	Log     slog.Logger
	Metrics *metrics.Metrics
}

// Coordinator is the session state machine. All session and game
// mutation funnels through its mutex: inbound datagrams, discovery
// announcements, ticks and local commands each take the lock, mutate,
// and only then flush queued sends and notifications. Sending outside
// the lock keeps synchronous transports (and user callbacks) from
// re-entering.
type Coordinator struct {
	self    proto.Announcement
	tr      transport.Adapter
	reg     *peer.Registry
	disc    *discovery.Channel
	game    *game.State
	notify  NotifyFunc
	winSize proto.Vec2
	log     slog.Logger
	met     *metrics.Metrics

	mu           sync.Mutex
	state        State
	role         Role
	opponentName string
	outcome      string
	lastPaddle   *proto.Vec2
	outbox       []proto.Payload
	events       []Event
}

// New builds the coordinator, its registry, and its discovery channel,
// and installs itself as the transport receiver. The registry is owned
// exclusively by the coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("session: display name required")
	}
	if cfg.Identity == nil || cfg.Transport == nil || cfg.Beacon == nil || cfg.Game == nil {
		return nil, fmt.Errorf("session: identity, transport, beacon and game state required")
	}
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("session: local address required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	winSize := cfg.WinSize
	if winSize == (proto.Vec2{}) {
		winSize = proto.Vec2{X: 800, Y: 600}
	}
	c := &Coordinator{
		self: proto.Announcement{
			Host:    cfg.Host,
			Port:    cfg.Port,
			Name:    cfg.Name,
			EncKey:  cfg.Identity.EncPub,
			SignKey: cfg.Identity.SignPub,
			Type:    proto.SessionType,
		},
		tr:      cfg.Transport,
		reg:     peer.NewRegistry(cfg.Transport, log),
		game:    cfg.Game,
		notify:  cfg.Notify,
		winSize: winSize,
		log:     log,
		met:     cfg.Metrics,
		state:   Searching,
	}
	disc, err := discovery.NewChannel(discovery.ChannelConfig{
		Beacon:  cfg.Beacon,
		Self:    c.self,
		OnPeer:  c.handleAnnouncement,
		Log:     log,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	c.disc = disc
	cfg.Transport.SetReceiver(c.handleDatagram)
	return c, nil
}

// Start begins searching for an opponent. A bind failure is fatal to
// starting a session and is returned as-is.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.state == Disconnected {
		c.state = Searching
	}
	c.mu.Unlock()
	return c.disc.Begin()
}

// Stop notifies the opponent, stops discovery and clears the registry.
// Safe to call repeatedly.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	wasConnected := c.state.connected()
	c.state = Disconnected
	c.mu.Unlock()
	if wasConnected {
		c.send(proto.Payload{GameClose: true})
	}
	c.disc.End()
	c.reg.Clear()
}

// State reports the current session state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Role reports the arbitrated role, RoleNone while searching.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Opponent returns the opponent's display name, if a session is bound.
func (c *Coordinator) Opponent() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opponentName, c.state.connected()
}

// Outcome returns the end-of-game text, empty while playing.
func (c *Coordinator) Outcome() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Tick drives the session once per frame. The first tick after the
// readiness handshake moves the session to Running; any tick outside
// Running is a no-op. While Running it relays the local paddle, at
// most once per tick and only when it moved.
func (c *Coordinator) Tick() bool {
	c.mu.Lock()
	switch c.state {
	case Synchronized:
		c.state = Running
		c.queueEventLocked(Event{Kind: EventGameStatus})
	case Running:
	default:
		c.mu.Unlock()
		return false
	}
	pos := c.game.Paddle(c.ownPlayerLocked())
	if c.lastPaddle == nil || *c.lastPaddle != pos {
		p := pos
		c.lastPaddle = &p
		c.queuePayloadLocked(proto.Payload{PaddlePos: &pos})
	}
	c.flushAfterUnlock()
	return true
}

// TogglePause flips the pause state locally and tells the opponent.
func (c *Coordinator) TogglePause() {
	c.mu.Lock()
	switch c.state {
	case Running:
		c.state = Paused
	case Paused:
		c.state = Running
	default:
		c.mu.Unlock()
		return
	}
	paused := c.state == Paused
	c.game.SetPaused(paused)
	c.queuePayloadLocked(proto.Payload{Pause: &paused})
	c.queueEventLocked(Event{Kind: EventGameStatus})
	c.flushAfterUnlock()
}

// ResetScores is the local reset command: zero both scores, clear the
// game-over outcome, tell the opponent, resume.
func (c *Coordinator) ResetScores() {
	c.mu.Lock()
	if !c.state.connected() {
		c.mu.Unlock()
		return
	}
	c.resetBoardLocked()
	c.queuePayloadLocked(proto.Payload{ResetScores: true})
	c.queueEventLocked(Event{Kind: EventGameStatus})
	c.flushAfterUnlock()
}

// PublishBall sends the authoritative ball vector and position. Owner
// only; a Guest call is logged and dropped.
func (c *Coordinator) PublishBall(pos, vel proto.Vec2) {
	c.mu.Lock()
	if c.role != Owner {
		c.mu.Unlock()
		c.log.Warnf("guest tried to publish ball state, dropped")
		return
	}
	c.game.SetBallPos(pos)
	c.game.SetBallVel(vel)
	c.queuePayloadLocked(proto.Payload{BallPos: &pos, BallVel: &vel})
	c.flushAfterUnlock()
}

// PublishScore records an authoritative scoring event and replicates
// it. Owner only. Reaching the threshold ends the game on both sides:
// here directly, on the Guest via its own threshold check plus the
// explicit game_over message.
func (c *Coordinator) PublishScore(p game.Player, score int) {
	c.mu.Lock()
	if c.role != Owner {
		c.mu.Unlock()
		c.log.Warnf("guest tried to publish a score, dropped")
		return
	}
	if !c.state.connected() {
		c.mu.Unlock()
		return
	}
	payload := proto.Payload{}
	if p == game.Player1 {
		payload.ScoreP1 = &score
	} else {
		payload.ScoreP2 = &score
	}
	c.queuePayloadLocked(payload)
	winner := c.game.SetScore(p, score)
	c.queueEventLocked(Event{Kind: EventScoreUpdate, Payload: payload})
	if winner != "" {
		c.enterGameOverLocked(winner)
		c.queuePayloadLocked(proto.Payload{Winner: winner})
	}
	c.flushAfterUnlock()
}

// SendGameData publishes a caller-assembled payload through the
// replication channel. With no opponent set it is a logged no-op.
func (c *Coordinator) SendGameData(p proto.Payload) {
	if p.Empty() {
		return
	}
	c.send(p)
}

// handleAnnouncement runs for every filtered discovery record. It is
// the Guest-path trigger: adopt the opponent, introduce ourselves with
// exactly one init message, arbitrate roles.
func (c *Coordinator) handleAnnouncement(a proto.Announcement) {
	c.mu.Lock()
	if c.state != Searching {
		c.mu.Unlock()
		return
	}
	addr := net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
	if err := c.reg.SetOpponent(addr, a.Name, a.EncKey, a.SignKey); err != nil {
		c.log.Warnf("cannot adopt announced opponent %q: %v", a.Name, err)
		c.mu.Unlock()
		return
	}
	c.opponentName = a.Name
	c.state = AwaitingRoleDecision
	c.queueEventLocked(Event{Kind: EventOpponentFound})
	c.queuePayloadLocked(proto.Payload{Init: &proto.InitRecord{
		Host:    c.self.Host,
		Port:    c.self.Port,
		Name:    c.self.Name,
		EncKey:  c.self.EncKey,
		SignKey: c.self.SignKey,
	}})
	c.met.IncInitsSent()
	c.decideRoleLocked()
	gen := c.disc.Generation()
	c.flushAfterUnlock()
	// This path runs on the discovery listener goroutine and teardown
	// waits for it, so it has to happen elsewhere. The generation token
	// keeps it from cancelling a search restarted in the meantime.
	go c.disc.Retire(gen)
}

// handleDatagram decodes and dispatches one inbound payload. Each key
// is independent; a payload that fails decoding is dropped whole.
func (c *Coordinator) handleDatagram(raw []byte, from string) {
	p, err := proto.Decode(raw)
	if err != nil {
		c.met.IncDropMalformedPayload()
		c.log.Warnf("malformed payload from %s: %v", from, err)
		return
	}
	c.met.IncPayloadsRecv()
	for _, k := range p.Unknown {
		c.met.IncUnknownKeys()
		c.log.Warnf("unknown key %q from %s ignored", k, from)
	}

	c.mu.Lock()
	if p.Init != nil {
		c.handleInitLocked(p.Init, from)
	}
	if opp, ok := c.reg.Current(); !ok || opp.Addr != from {
		// Everything past init needs a bound opponent and must come
		// from it.
		if !p.Empty() && p.Init == nil {
			c.log.Debugf("payload from non-opponent %s ignored", from)
		}
		c.flushAfterUnlock()
		return
	}
	if p.Ready {
		c.handleReadyLocked()
	}
	if p.Ack {
		c.handleAckLocked()
	}
	if p.PaddlePos != nil {
		c.game.SetPaddle(c.opponentPlayerLocked(), *p.PaddlePos)
		c.queueEventLocked(Event{Kind: EventGameData, Payload: proto.Payload{PaddlePos: p.PaddlePos}})
	}
	if p.BallVel != nil {
		c.game.SetBallVel(*p.BallVel)
		c.queueEventLocked(Event{Kind: EventGameData, Payload: proto.Payload{BallVel: p.BallVel}})
	}
	if p.BallPos != nil {
		// Skip-if-equal keeps a duplicated position from re-triggering
		// downstream updates.
		if c.game.SetBallPos(*p.BallPos) {
			c.queueEventLocked(Event{Kind: EventGameData, Payload: proto.Payload{BallPos: p.BallPos}})
		}
	}
	if p.ScoreP1 != nil {
		c.applyScoreLocked(game.Player1, *p.ScoreP1, proto.Payload{ScoreP1: p.ScoreP1})
	}
	if p.ScoreP2 != nil {
		c.applyScoreLocked(game.Player2, *p.ScoreP2, proto.Payload{ScoreP2: p.ScoreP2})
	}
	if p.Pause != nil {
		c.applyPauseLocked(*p.Pause)
	}
	if p.ResetScores {
		c.resetBoardLocked()
		c.queueEventLocked(Event{Kind: EventGameStatus, Payload: proto.Payload{ResetScores: true}})
	}
	if p.Winner != "" {
		c.enterGameOverLocked(p.Winner)
	}
	if p.WinSize != nil {
		// Playfield adoption is the render layer's business.
		c.queueEventLocked(Event{Kind: EventGameStatus, Payload: proto.Payload{WinSize: p.WinSize}})
	}
	if p.GameClose {
		c.opponentLeftLocked()
	}
	c.flushAfterUnlock()
}

// handleInitLocked is the Owner-path trigger: the discoverer addressed
// us first.
func (c *Coordinator) handleInitLocked(rec *proto.InitRecord, from string) {
	if c.state != Searching {
		c.log.Debugf("init from %s ignored in state %s", from, c.state)
		return
	}
	if len(rec.EncKey) == 0 {
		// Missing credential: no secure channel possible, stay
		// searching.
		c.met.IncDropNoCredential()
		c.log.Warnf("init from %q lacks an encryption key, dropped", rec.Name)
		return
	}
	addr := net.JoinHostPort(rec.Host, strconv.Itoa(rec.Port))
	if err := c.reg.SetOpponent(addr, rec.Name, rec.EncKey, rec.SignKey); err != nil {
		c.log.Warnf("cannot adopt initiating opponent %q: %v", rec.Name, err)
		return
	}
	c.opponentName = rec.Name
	c.state = AwaitingRoleDecision
	c.queueEventLocked(Event{Kind: EventGameInit})
	c.decideRoleLocked()
	// Stop searching. Done asynchronously because teardown waits for
	// the listener goroutine, which may be blocked on our lock; the
	// token makes a late teardown a no-op after a restart.
	go c.disc.Retire(c.disc.Generation())
}

// decideRoleLocked runs the arbitration and starts the readiness
// handshake. The Owner also announces the playfield size.
func (c *Coordinator) decideRoleLocked() {
	c.role = DecideRole(c.self.Name, c.opponentName)
	c.state = SyncReady
	c.queueEventLocked(Event{Kind: EventRoleDecided, Role: c.role})
	c.log.Infof("role decided: %s (self=%q opponent=%q)", c.role, c.self.Name, c.opponentName)
	if c.role == Owner {
		ws := c.winSize
		c.queuePayloadLocked(proto.Payload{WinSize: &ws})
	}
	c.queuePayloadLocked(proto.Payload{Ready: true})
}

// handleReadyLocked: the peer reached SyncReady. Confirm and consider
// the session aligned. Replying with ack lets the peer converge too,
// even when both readies crossed on the wire.
func (c *Coordinator) handleReadyLocked() {
	if c.state != SyncReady {
		c.log.Debugf("ready ignored in state %s", c.state)
		return
	}
	c.queuePayloadLocked(proto.Payload{Ack: true})
	c.enterSynchronizedLocked()
}

func (c *Coordinator) handleAckLocked() {
	if c.state != SyncReady {
		c.log.Debugf("ack ignored in state %s", c.state)
		return
	}
	c.enterSynchronizedLocked()
}

func (c *Coordinator) enterSynchronizedLocked() {
	c.state = Synchronized
	c.queueEventLocked(Event{Kind: EventSynchronized, Role: c.role})
	c.log.Infof("synchronized with %q as %s", c.opponentName, c.role)
}

// applyScoreLocked adopts an authoritative score from the Owner and
// re-runs the win check so Guest and Owner reach the same verdict
// independently.
func (c *Coordinator) applyScoreLocked(p game.Player, score int, src proto.Payload) {
	winner := c.game.SetScore(p, score)
	c.queueEventLocked(Event{Kind: EventScoreUpdate, Payload: src})
	if winner != "" {
		c.enterGameOverLocked(winner)
	}
}

func (c *Coordinator) applyPauseLocked(paused bool) {
	c.game.SetPaused(paused)
	switch {
	case paused && c.state == Running:
		c.state = Paused
	case !paused && c.state == Paused:
		c.state = Running
	}
	v := paused
	c.queueEventLocked(Event{Kind: EventGameStatus, Payload: proto.Payload{Pause: &v}})
}

// enterGameOverLocked records the outcome. Idempotent: a game_over
// message after the local threshold check already fired must agree and
// changes nothing.
func (c *Coordinator) enterGameOverLocked(winner string) {
	outcome := outcomeLost
	if c.ownPlayerLocked().Tag() == winner {
		outcome = outcomeWon
	}
	if c.state == GameOver && c.outcome == outcome {
		return
	}
	c.state = GameOver
	c.outcome = outcome
	c.game.SetPaused(true)
	c.queueEventLocked(Event{Kind: EventGameStatus, Payload: proto.Payload{Winner: winner}})
	c.log.Infof("game over: %s", outcome)
}

// resetBoardLocked implements the shared reset semantics for both the
// local command and the inbound reset_scores key.
func (c *Coordinator) resetBoardLocked() {
	c.game.ResetScores()
	c.game.SetPaused(false)
	c.outcome = ""
	if c.state == GameOver || c.state == Paused {
		c.state = Running
	}
}

// opponentLeftLocked tears the session down to Searching: scores
// zeroed, role re-armed, registry cleared, discovery restarted.
func (c *Coordinator) opponentLeftLocked() {
	c.game.ResetScores()
	c.game.SetPaused(true)
	c.state = Searching
	c.role = RoleNone
	c.opponentName = ""
	c.outcome = outcomeLeft
	c.lastPaddle = nil
	c.reg.Clear()
	c.queueEventLocked(Event{Kind: EventGameStatus, Payload: proto.Payload{GameClose: true}})
	if err := c.disc.Begin(); err != nil {
		c.log.Errorf("restart discovery: %v", err)
	}
	c.log.Infof("opponent left, searching again")
}

func (c *Coordinator) ownPlayerLocked() game.Player {
	if c.role == Guest {
		return game.Player2
	}
	return game.Player1
}

func (c *Coordinator) opponentPlayerLocked() game.Player {
	if c.role == Guest {
		return game.Player1
	}
	return game.Player2
}

func (c *Coordinator) queuePayloadLocked(p proto.Payload) {
	c.outbox = append(c.outbox, p)
}

func (c *Coordinator) queueEventLocked(e Event) {
	e.State = c.state
	if e.Opponent == "" {
		e.Opponent = c.opponentName
	}
	if e.Role == RoleNone {
		e.Role = c.role
	}
	if e.Outcome == "" {
		e.Outcome = c.outcome
	}
	c.events = append(c.events, e)
}

// flushAfterUnlock releases the lock held by the caller and then
// performs the queued sends and notifications in order.
func (c *Coordinator) flushAfterUnlock() {
	out := c.outbox
	evs := c.events
	c.outbox = nil
	c.events = nil
	c.mu.Unlock()
	for _, p := range out {
		c.send(p)
	}
	for _, e := range evs {
		if c.notify != nil {
			c.notify(e)
		}
	}
}

// send encodes and transmits one payload, fire and forget. Transport
// failures are logged and the message is abandoned; the session never
// learns whether the remote received it.
func (c *Coordinator) send(p proto.Payload) {
	opp, ok := c.reg.Current()
	if !ok {
		c.log.Warnf("no opponent set, dropping outbound payload")
		return
	}
	data, err := proto.Encode(p)
	if err != nil {
		c.log.Errorf("encode payload: %v", err)
		return
	}
	if err := c.tr.Send(data, opp.Addr); err != nil {
		c.log.Warnf("send to %s failed: %v", opp.Addr, err)
		return
	}
	c.met.IncPayloadsSent()
}
