package supervisor

import (
	"testing"

	"github.com/lionheart1022/stream-observer/internal/handler"
)

func TestSelectWinnerPicksLeastFrequent(t *testing.T) {
	// Reproduces the documented frequency-ascending selection: creator
	// appears 3 times, opponent once — selectWinner must return opponent.
	verdicts := []handler.Verdict{
		handler.VerdictCreator,
		handler.VerdictCreator,
		handler.VerdictOpponent,
		handler.VerdictCreator,
	}
	if got := selectWinner(verdicts); got != handler.VerdictOpponent {
		t.Fatalf("selectWinner() = %v, want opponent", got)
	}
}

func TestSelectWinnerSingleValue(t *testing.T) {
	verdicts := []handler.Verdict{handler.VerdictDraw, handler.VerdictDraw}
	if got := selectWinner(verdicts); got != handler.VerdictDraw {
		t.Fatalf("selectWinner() = %v, want draw", got)
	}
}

func TestSelectWinnerTieBreaksByFirstAppearance(t *testing.T) {
	// creator and opponent both appear twice; creator was seen first, so a
	// stable ascending-count sort keeps it first among equal-count pairs.
	verdicts := []handler.Verdict{
		handler.VerdictCreator,
		handler.VerdictOpponent,
		handler.VerdictCreator,
		handler.VerdictOpponent,
	}
	if got := selectWinner(verdicts); got != handler.VerdictCreator {
		t.Fatalf("selectWinner() = %v, want creator (first-seen on tie)", got)
	}
}
