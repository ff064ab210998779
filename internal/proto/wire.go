// Package proto defines the textual wire vocabulary: the discovery
// announcement record, the init handshake record, and the keyed game
// payload exchanged once a session is up. One payload object may carry
// several independent keys; each key is validated and dispatched on
// its own.
package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SessionType tags announcements so unrelated protocols sharing the
// multicast group are ignored.
const SessionType = "pong"

// Wire keys of the game payload.
const (
	KeyInit        = "init"
	KeyReady       = "ready"
	KeyAck         = "ack"
	KeyPaddlePos   = "pad_pos"
	KeyBallPos     = "ball_pos"
	KeyBallVel     = "ball_vel"
	KeyScoreP1     = "score_pl1"
	KeyScoreP2     = "score_pl2"
	KeyPause       = "pause"
	KeyResetScores = "reset_scores"
	KeyGameClose   = "game_close"
	KeyGameOver    = "game_over"
	KeyWinSize     = "win_size"
)

// Winner tags carried by the game_over key.
const (
	WinnerPlayer1 = "player1"
	WinnerPlayer2 = "player2"
)

// HexBytes is key material rendered as a hex string on the wire.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("bad hex field: %w", err)
	}
	*h = b
	return nil
}

// Vec2 is a numeric pair, encoded as a two-element array.
type Vec2 struct {
	X float64
	Y float64
}

func (v Vec2) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{v.X, v.Y})
}

func (v *Vec2) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 2 {
		return fmt.Errorf("vector needs 2 elements, got %d", len(arr))
	}
	v.X, v.Y = arr[0], arr[1]
	return nil
}

// Announcement is the multicast self-description record, broadcast
// verbatim on every discovery tick.
type Announcement struct {
	Host    string   `json:"host"`
	Port    int      `json:"port"`
	Name    string   `json:"name"`
	EncKey  HexBytes `json:"enc_key"`
	SignKey HexBytes `json:"sign_key"`
	Type    string   `json:"type"`
}

// EncodeAnnouncement renders the record for broadcast.
func EncodeAnnouncement(a Announcement) ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAnnouncement parses a received record. Missing name or type is
// malformed; a missing encryption key is legal here and rejected later
// as a missing credential so it can be reported distinctly.
func DecodeAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, fmt.Errorf("undecodable announcement: %w", err)
	}
	if a.Name == "" {
		return Announcement{}, fmt.Errorf("announcement missing name")
	}
	if a.Type == "" {
		return Announcement{}, fmt.Errorf("announcement missing type")
	}
	if a.Host == "" || a.Port <= 0 {
		return Announcement{}, fmt.Errorf("announcement missing address")
	}
	return a, nil
}

// InitRecord is the body of the init key: the discoverer introduces
// itself point-to-point so the other side can install keys and join
// the session.
type InitRecord struct {
	Host    string   `json:"host"`
	Port    int      `json:"port"`
	Name    string   `json:"name"`
	EncKey  HexBytes `json:"enc_key"`
	SignKey HexBytes `json:"sign_key"`
}
