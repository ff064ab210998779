package proto

import (
	"encoding/json"
	"fmt"
)

// Payload is one decoded game datagram. Every field is an independent
// key; absent keys stay nil/zero. Boolean-presence keys (ready, ack,
// reset_scores, game_close) use plain bools; senders only ever emit
// them as true.
type Payload struct {
	Init        *InitRecord
	Ready       bool
	Ack         bool
	PaddlePos   *Vec2
	BallPos     *Vec2
	BallVel     *Vec2
	ScoreP1     *int
	ScoreP2     *int
	Pause       *bool
	ResetScores bool
	GameClose   bool
	Winner      string // game_over winner tag, empty when absent
	WinSize     *Vec2

	// Unknown holds keys outside the vocabulary, kept for warn logging.
	Unknown []string
}

// Empty reports whether the payload carries no recognized key.
func (p Payload) Empty() bool {
	return p.Init == nil && !p.Ready && !p.Ack && p.PaddlePos == nil &&
		p.BallPos == nil && p.BallVel == nil && p.ScoreP1 == nil &&
		p.ScoreP2 == nil && p.Pause == nil && !p.ResetScores &&
		!p.GameClose && p.Winner == "" && p.WinSize == nil
}

// Encode renders the payload as one JSON object bundling every set key.
func Encode(p Payload) ([]byte, error) {
	m := make(map[string]any)
	if p.Init != nil {
		m[KeyInit] = p.Init
	}
	if p.Ready {
		m[KeyReady] = true
	}
	if p.Ack {
		m[KeyAck] = true
	}
	if p.PaddlePos != nil {
		m[KeyPaddlePos] = p.PaddlePos
	}
	if p.BallPos != nil {
		m[KeyBallPos] = p.BallPos
	}
	if p.BallVel != nil {
		m[KeyBallVel] = p.BallVel
	}
	if p.ScoreP1 != nil {
		m[KeyScoreP1] = *p.ScoreP1
	}
	if p.ScoreP2 != nil {
		m[KeyScoreP2] = *p.ScoreP2
	}
	if p.Pause != nil {
		m[KeyPause] = *p.Pause
	}
	if p.ResetScores {
		m[KeyResetScores] = true
	}
	if p.GameClose {
		m[KeyGameClose] = true
	}
	if p.Winner != "" {
		if p.Winner != WinnerPlayer1 && p.Winner != WinnerPlayer2 {
			return nil, fmt.Errorf("bad winner tag %q", p.Winner)
		}
		m[KeyGameOver] = p.Winner
	}
	if p.WinSize != nil {
		m[KeyWinSize] = p.WinSize
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	return json.Marshal(m)
}

// Decode parses a received datagram. A payload that is not a JSON
// object, or whose recognized keys fail validation, is malformed as a
// whole and must be dropped by the caller. Unrecognized keys do not
// fail decoding; they are collected in Unknown.
func Decode(data []byte) (Payload, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Payload{}, fmt.Errorf("undecodable payload: %w", err)
	}
	var p Payload
	for key, val := range raw {
		if err := decodeField(&p, key, val); err != nil {
			return Payload{}, fmt.Errorf("key %s: %w", key, err)
		}
	}
	return p, nil
}

func decodeField(p *Payload, key string, val json.RawMessage) error {
	switch key {
	case KeyInit:
		var rec InitRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		if rec.Name == "" {
			return fmt.Errorf("init missing name")
		}
		if rec.Host == "" || rec.Port <= 0 {
			return fmt.Errorf("init missing address")
		}
		p.Init = &rec
	case KeyReady:
		return decodeFlag(val, &p.Ready)
	case KeyAck:
		return decodeFlag(val, &p.Ack)
	case KeyPaddlePos:
		return decodeVec(val, &p.PaddlePos)
	case KeyBallPos:
		return decodeVec(val, &p.BallPos)
	case KeyBallVel:
		return decodeVec(val, &p.BallVel)
	case KeyScoreP1:
		return decodeScore(val, &p.ScoreP1)
	case KeyScoreP2:
		return decodeScore(val, &p.ScoreP2)
	case KeyPause:
		var b bool
		if err := json.Unmarshal(val, &b); err != nil {
			return err
		}
		p.Pause = &b
	case KeyResetScores:
		return decodeFlag(val, &p.ResetScores)
	case KeyGameClose:
		return decodeFlag(val, &p.GameClose)
	case KeyGameOver:
		var tag string
		if err := json.Unmarshal(val, &tag); err != nil {
			return err
		}
		if tag != WinnerPlayer1 && tag != WinnerPlayer2 {
			return fmt.Errorf("bad winner tag %q", tag)
		}
		p.Winner = tag
	case KeyWinSize:
		return decodeVec(val, &p.WinSize)
	default:
		p.Unknown = append(p.Unknown, key)
	}
	return nil
}

func decodeFlag(val json.RawMessage, dst *bool) error {
	var b bool
	if err := json.Unmarshal(val, &b); err != nil {
		return err
	}
	*dst = b
	return nil
}

func decodeVec(val json.RawMessage, dst **Vec2) error {
	var v Vec2
	if err := json.Unmarshal(val, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

func decodeScore(val json.RawMessage, dst **int) error {
	var n int
	if err := json.Unmarshal(val, &n); err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("negative score %d", n)
	}
	*dst = &n
	return nil
}
