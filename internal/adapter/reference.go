package adapter

import (
	"github.com/lionheart1022/stream-observer/internal/logging"
	"github.com/lionheart1022/stream-observer/internal/stream"
)

// EchoLookup is a reference GameLookup that treats every game_id as a
// settlement-side game of the same id, with no backing collaborator to
// call out to. It exists so a root node can run standalone, without the
// actual settlement platform spec.md §1 places out of scope.
type EchoLookup struct{}

// Lookup always succeeds, returning a Game with the same id.
func (EchoLookup) Lookup(gameID int64) (*Game, bool) {
	return &Game{ID: gameID}, true
}

// LoggingSettlement is a reference Settlement that records the call
// instead of notifying a real betting platform. It stands in for the
// out-of-scope settlement collaborator named in spec.md §4.7/§1.
type LoggingSettlement struct {
	log *logging.Logger
}

// NewLoggingSettlement constructs a LoggingSettlement.
func NewLoggingSettlement(log *logging.Logger) *LoggingSettlement {
	if log == nil {
		log = logging.L()
	}
	return &LoggingSettlement{log: log}
}

// GameDone logs the settlement call and always succeeds.
func (s *LoggingSettlement) GameDone(game *Game, winner stream.Winner, timestampSeconds int64) error {
	s.log.Info("settlement callback",
		logging.Int64("game_id", game.ID),
		logging.String("winner", string(winner)),
		logging.Int64("timestamp", timestampSeconds))
	return nil
}
