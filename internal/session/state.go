// Package session owns the protocol core: the state machine that
// takes two independently started processes from searching through
// role arbitration and the readiness handshake to a running lockstep
// session, and back to searching on disconnect.
package session

// State is the single session lifecycle value. Exactly one per
// process; every transition goes through the Coordinator.
type State int

const (
	Searching State = iota
	AwaitingRoleDecision
	SyncReady
	Synchronized
	Running
	Paused
	GameOver
	Disconnected
)

func (s State) String() string {
	switch s {
	case Searching:
		return "searching"
	case AwaitingRoleDecision:
		return "awaiting-role-decision"
	case SyncReady:
		return "sync-ready"
	case Synchronized:
		return "synchronized"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case GameOver:
		return "game-over"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// connected reports whether an opponent is bound to this session.
func (s State) connected() bool {
	return s != Searching && s != Disconnected
}

// Role is computed once per session and immutable until the session
// resets.
type Role int

const (
	RoleNone Role = iota
	Owner
	Guest
)

func (r Role) String() string {
	switch r {
	case Owner:
		return "owner"
	case Guest:
		return "guest"
	default:
		return "none"
	}
}

// DecideRole arbitrates asymmetric roles from the two display names.
// Both sides evaluate it independently with swapped arguments; the
// strict comparison guarantees complementary results for any two
// distinct names. The lexicographically lesser name owns the ball.
// Equal names are outside the contract.
func DecideRole(self, other string) Role {
	if self < other {
		return Owner
	}
	return Guest
}
