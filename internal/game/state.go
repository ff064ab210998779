// Package game holds the replicated playfield values and the pure
// reconciliation rules for them. Physics and rendering live outside
// this module; the session layer only moves these values between the
// two processes.
package game

import (
	"sync"

	"lanpong/internal/proto"
)

// DefaultPointsToWin is the standard ruleset threshold.
const DefaultPointsToWin = 10

// Player identifies a scoring side. Player1 is the Owner's paddle.
type Player int

const (
	Player1 Player = iota + 1
	Player2
)

// Tag is the wire form of the player, used as game_over winner tag.
func (p Player) Tag() string {
	if p == Player1 {
		return proto.WinnerPlayer1
	}
	return proto.WinnerPlayer2
}

// Snapshot is a copy of the replicated values at one instant.
type Snapshot struct {
	Paddle1 proto.Vec2
	Paddle2 proto.Vec2
	Ball    proto.Vec2
	BallVel proto.Vec2
	Score1  int
	Score2  int
	Paused  bool
}

// State is the mutable replicated state. The Owner process is
// authoritative for ball and scores; each process is authoritative for
// its own paddle.
type State struct {
	mu        sync.Mutex
	snap      Snapshot
	threshold int
}

// NewState builds a zeroed state; threshold <= 0 selects the default.
func NewState(threshold int) *State {
	if threshold <= 0 {
		threshold = DefaultPointsToWin
	}
	return &State{threshold: threshold}
}

func (s *State) Threshold() int { return s.threshold }

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// SetPaddle applies a paddle position, last write wins.
func (s *State) SetPaddle(p Player, v proto.Vec2) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == Player1 {
		s.snap.Paddle1 = v
	} else {
		s.snap.Paddle2 = v
	}
}

func (s *State) Paddle(p Player) proto.Vec2 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == Player1 {
		return s.snap.Paddle1
	}
	return s.snap.Paddle2
}

// SetBallVel overwrites the ball vector unconditionally.
func (s *State) SetBallVel(v proto.Vec2) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.BallVel = v
}

// SetBallPos overwrites the ball position and reports whether the
// value actually changed, so a repeated position is a no-op.
func (s *State) SetBallPos(v proto.Vec2) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Ball == v {
		return false
	}
	s.snap.Ball = v
	return true
}

// SetScore records the authoritative score for one player and returns
// the winner tag when the threshold is met or passed, else "".
// The comparison is pure, so Owner and Guest reach the same verdict
// from the same value.
func (s *State) SetScore(p Player, score int) (winner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == Player1 {
		s.snap.Score1 = score
	} else {
		s.snap.Score2 = score
	}
	if score >= s.threshold {
		return p.Tag()
	}
	return ""
}

func (s *State) Score(p Player) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == Player1 {
		return s.snap.Score1
	}
	return s.snap.Score2
}

// ResetScores zeroes both scores.
func (s *State) ResetScores() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Score1 = 0
	s.snap.Score2 = 0
}

func (s *State) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Paused = paused
}

func (s *State) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Paused
}
