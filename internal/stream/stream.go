// Package stream defines the Stream row and its state machine labels.
package stream

import (
	"strings"
	"time"
)

// State is one of the four lifecycle states a Stream row passes through.
type State string

const (
	// Waiting is the initial state: a supervisor has not yet seen a verdict.
	Waiting State = "waiting"
	// Watching means the supervisor has seen at least one non-offline verdict.
	Watching State = "watching"
	// Found means the supervisor resolved a winner and is about to report it.
	Found State = "found"
	// Failed means the supervisor gave up (offline cap, or crash with no verdicts).
	Failed State = "failed"
)

// Winner is one of the four canonical verdict labels.
type Winner string

const (
	Creator  Winner = "creator"
	Opponent Winner = "opponent"
	Draw     Winner = "draw"
	WinnerFailed Winner = "failed"
)

// Stream is the durable, owned row described in spec.md §3.
type Stream struct {
	Handle   string `json:"handle"`
	Gametype string `json:"gametype"`

	GameID              int64   `json:"game_id"`
	SupplementaryGames  []int64 `json:"supplementary_games,omitempty"`
	Creator             string  `json:"creator"`
	Opponent            string  `json:"opponent"`

	State State  `json:"state"`
	Child string `json:"child,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the store key for this stream's (handle, gametype) pair.
func Key(handle, gametype string) string {
	return handle + "\x00" + gametype
}

// Owned reports whether this node runs a local supervisor for the stream
// (i.e. it has not delegated to a child).
func (s *Stream) Owned() bool {
	return s != nil && s.Child == ""
}

// AddSupplementary appends a supplementary game id, inverting the sign when
// the incoming request's players are reversed relative to the stored
// creator/opponent orientation.
func (s *Stream) AddSupplementary(gameID int64, reversed bool) {
	if reversed {
		gameID = -gameID
	}
	s.SupplementaryGames = append(s.SupplementaryGames, gameID)
}

// MatchesPlayers reports whether (creator, opponent) matches this stream's
// stored players in either orientation, case-insensitively. It returns
// reversed=true when the incoming pair is swapped relative to storage.
func (s *Stream) MatchesPlayers(creator, opponent string) (matches, reversed bool) {
	if strings.EqualFold(s.Creator, creator) && strings.EqualFold(s.Opponent, opponent) {
		return true, false
	}
	if strings.EqualFold(s.Creator, opponent) && strings.EqualFold(s.Opponent, creator) {
		return true, true
	}
	return false, false
}
