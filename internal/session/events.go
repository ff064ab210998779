package session

import "lanpong/internal/proto"

// EventKind tags a notification to the game loop.
type EventKind int

const (
	// EventOpponentFound fires when a discovery announcement was
	// accepted and the init message sent.
	EventOpponentFound EventKind = iota

	// EventGameInit fires when the opponent addressed us first with an
	// init message.
	EventGameInit

	// EventRoleDecided fires once the role arbitration has run.
	EventRoleDecided

	// EventSynchronized fires when the readiness handshake completes.
	EventSynchronized

	// EventGameData carries paddle and ball updates.
	EventGameData

	// EventGameStatus carries pause, reset, win-size, game-over and
	// disconnect traffic, plus local state changes.
	EventGameStatus

	// EventScoreUpdate carries an authoritative score value.
	EventScoreUpdate
)

func (k EventKind) String() string {
	switch k {
	case EventOpponentFound:
		return "opponent-found"
	case EventGameInit:
		return "game-init"
	case EventRoleDecided:
		return "role-decided"
	case EventSynchronized:
		return "synchronized"
	case EventGameData:
		return "game-data-update"
	case EventGameStatus:
		return "game-status-update"
	case EventScoreUpdate:
		return "score-update"
	default:
		return "unknown"
	}
}

// Event is one tagged notification. State is the session state after
// the triggering mutation; the remaining fields are set per kind.
type Event struct {
	Kind     EventKind
	State    State
	Opponent string        // opponent display name, when known
	Role     Role          // valid on EventRoleDecided and later
	Payload  proto.Payload // triggering keys for data/status/score events
	Outcome  string        // end-of-game text, set once the game is over
}

// NotifyFunc receives events. Called outside the coordinator lock, in
// order, from the goroutine whose input caused the event.
type NotifyFunc func(Event)
