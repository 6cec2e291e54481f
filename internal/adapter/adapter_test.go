package adapter

import (
	"sync"
	"testing"
	"time"

	"github.com/lionheart1022/stream-observer/internal/handler"
	"github.com/lionheart1022/stream-observer/internal/logging"
	"github.com/lionheart1022/stream-observer/internal/stream"
)

type fakeLookup struct {
	games map[int64]*Game
}

func (f *fakeLookup) Lookup(id int64) (*Game, bool) {
	g, ok := f.games[id]
	return g, ok
}

type fakeSettlement struct {
	mu    sync.Mutex
	calls []settledCall
}

type settledCall struct {
	gameID  int64
	winner  stream.Winner
	tsSecs  int64
}

func (f *fakeSettlement) GameDone(game *Game, winner stream.Winner, ts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, settledCall{gameID: game.ID, winner: winner, tsSecs: ts})
	return nil
}

func (f *fakeSettlement) snapshot() []settledCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]settledCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func TestApplyPrimaryAndSupplementary(t *testing.T) {
	lookup := &fakeLookup{games: map[int64]*Game{1: {ID: 1}, 2: {ID: 2}}}
	settlement := &fakeSettlement{}
	a := New(lookup, settlement, logging.NewTestLogger())

	row := &stream.Stream{GameID: 1, SupplementaryGames: []int64{2}}
	var deleted bool
	done := make(chan struct{})
	a.Apply(row, stream.Creator, time.Unix(1000, 0), handler.Kind{}, func() {
		deleted = true
		close(done)
	})
	<-done

	calls := settlement.snapshot()
	if len(calls) != 2 {
		t.Fatalf("len(calls) = %d, want 2", len(calls))
	}
	if calls[0].gameID != 1 || calls[0].winner != stream.Creator {
		t.Errorf("calls[0] = %+v", calls[0])
	}
	if calls[1].gameID != 2 || calls[1].winner != stream.Creator {
		t.Errorf("calls[1] = %+v", calls[1])
	}
	if !deleted {
		t.Error("expected deleteSelf to run")
	}
}

func TestApplyReversedSupplementaryInvertsWinner(t *testing.T) {
	lookup := &fakeLookup{games: map[int64]*Game{1: {ID: 1}, 2: {ID: 2}}}
	settlement := &fakeSettlement{}
	a := New(lookup, settlement, logging.NewTestLogger())

	row := &stream.Stream{GameID: 1, SupplementaryGames: []int64{-2}}
	done := make(chan struct{})
	a.Apply(row, stream.Creator, time.Unix(1000, 0), handler.Kind{}, func() { close(done) })
	<-done

	calls := settlement.snapshot()
	if calls[1].winner != stream.Opponent {
		t.Errorf("reversed entry winner = %v, want opponent", calls[1].winner)
	}
}

func TestApplyDrawStaysDrawWhenReversed(t *testing.T) {
	lookup := &fakeLookup{games: map[int64]*Game{1: {ID: 1}, 2: {ID: 2}}}
	settlement := &fakeSettlement{}
	a := New(lookup, settlement, logging.NewTestLogger())

	row := &stream.Stream{GameID: 1, SupplementaryGames: []int64{-2}}
	done := make(chan struct{})
	a.Apply(row, stream.Draw, time.Unix(1000, 0), handler.Kind{}, func() { close(done) })
	<-done

	calls := settlement.snapshot()
	if calls[1].winner != stream.Draw {
		t.Errorf("reversed draw = %v, want draw", calls[1].winner)
	}
}

func TestApplyMandatoryTwitchCoercesFailedToDraw(t *testing.T) {
	lookup := &fakeLookup{games: map[int64]*Game{1: {ID: 1}}}
	settlement := &fakeSettlement{}
	a := New(lookup, settlement, logging.NewTestLogger())

	row := &stream.Stream{GameID: 1}
	done := make(chan struct{})
	a.Apply(row, stream.WinnerFailed, time.Unix(1000, 0), handler.Kind{Twitch: handler.TwitchMandatory}, func() { close(done) })
	<-done

	calls := settlement.snapshot()
	if len(calls) != 1 || calls[0].winner != stream.Draw {
		t.Fatalf("calls = %+v, want one draw entry", calls)
	}
}

func TestApplyOptionalTwitchAbandonsFailed(t *testing.T) {
	lookup := &fakeLookup{games: map[int64]*Game{1: {ID: 1}}}
	settlement := &fakeSettlement{}
	a := New(lookup, settlement, logging.NewTestLogger())

	row := &stream.Stream{GameID: 1}
	done := make(chan struct{})
	a.Apply(row, stream.WinnerFailed, time.Unix(1000, 0), handler.Kind{Twitch: handler.TwitchOptional}, func() { close(done) })
	<-done

	if len(settlement.snapshot()) != 0 {
		t.Error("expected no settlement call under optional policy")
	}
}

func TestApplySkipsMissingGame(t *testing.T) {
	lookup := &fakeLookup{games: map[int64]*Game{}}
	settlement := &fakeSettlement{}
	a := New(lookup, settlement, logging.NewTestLogger())

	row := &stream.Stream{GameID: 42}
	done := make(chan struct{})
	a.Apply(row, stream.Creator, time.Unix(1000, 0), handler.Kind{}, func() { close(done) })
	<-done

	if len(settlement.snapshot()) != 0 {
		t.Error("expected no settlement call for missing game")
	}
}
