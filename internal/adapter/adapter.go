// Package adapter is the one-way bridge from a resolved stream result to
// the settlement subsystem, invoked only on the root node (spec.md §4.7).
// The settlement platform itself — wallets, balance moves, notifications —
// is explicitly out of scope; this package only models the contract.
package adapter

import (
	"time"

	"github.com/lionheart1022/stream-observer/internal/handler"
	"github.com/lionheart1022/stream-observer/internal/logging"
	"github.com/lionheart1022/stream-observer/internal/stream"
)

// Game is the minimal settlement-side game record the adapter needs: just
// enough to hand back to the settlement callback.
type Game struct {
	ID int64
}

// GameLookup resolves a settlement game_id. A missing game is not an
// error: the entry is logged and skipped (spec.md §4.7 step 1).
type GameLookup interface {
	Lookup(gameID int64) (*Game, bool)
}

// Settlement is the single outbound call this package makes: notify the
// betting platform that a game has a winner.
type Settlement interface {
	GameDone(game *Game, winner stream.Winner, timestampSeconds int64) error
}

// Adapter applies a resolved stream result to every settlement game it
// names (the primary game_id plus any supplementary_games entries).
type Adapter struct {
	lookup     GameLookup
	settlement Settlement
	log        *logging.Logger
}

// New constructs an Adapter.
func New(lookup GameLookup, settlement Settlement, log *logging.Logger) *Adapter {
	return &Adapter{lookup: lookup, settlement: settlement, log: log}
}

// Apply processes every settlement game named by row against the resolved
// winner, then schedules deleteSelf to run in the background so it does
// not block the PATCH response that triggered this call.
func (a *Adapter) Apply(row *stream.Stream, winner stream.Winner, timestamp time.Time, kind handler.Kind, deleteSelf func()) {
	ts := timestamp.Unix()

	a.applyOne(row.GameID, winner, ts, false, kind)
	for _, signed := range row.SupplementaryGames {
		reversed := signed < 0
		gameID := signed
		if reversed {
			gameID = -gameID
		}
		a.applyOne(gameID, winner, ts, reversed, kind)
	}

	if deleteSelf != nil {
		go deleteSelf()
	}
}

func (a *Adapter) applyOne(gameID int64, winner stream.Winner, ts int64, reversed bool, kind handler.Kind) {
	game, ok := a.lookup.Lookup(gameID)
	if !ok {
		a.log.Warn("settlement game not found, skipping entry", logging.Int64("game_id", gameID))
		return
	}

	if winner == stream.WinnerFailed {
		switch kind.Twitch {
		case handler.TwitchMandatory:
			winner = stream.Draw
		case handler.TwitchOptional:
			a.log.Info("abandoning failed stream entry per optional twitch policy", logging.Int64("game_id", gameID))
			return
		default:
			return
		}
	}

	if reversed {
		winner = invert(winner)
	}

	if err := a.settlement.GameDone(game, winner, ts); err != nil {
		a.log.Error("settlement callback failed",
			logging.Int64("game_id", gameID),
			logging.Error(err))
	}
}

func invert(w stream.Winner) stream.Winner {
	switch w {
	case stream.Creator:
		return stream.Opponent
	case stream.Opponent:
		return stream.Creator
	default:
		return w
	}
}
