package store

import (
	"testing"

	"github.com/lionheart1022/stream-observer/internal/stream"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertFindDelete(t *testing.T) {
	s := newTestStore(t)
	row := &stream.Stream{Handle: "abc", Gametype: "fifa", GameID: 1, Creator: "A", Opponent: "B", State: stream.Waiting}
	if err := s.Insert(row); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	got, err := s.Find("abc", "fifa")
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if got.GameID != 1 {
		t.Errorf("GameID = %d, want 1", got.GameID)
	}
	if err := s.Delete("abc", "fifa"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Find("abc", "fifa"); err != ErrNotFound {
		t.Fatalf("Find() after delete error = %v, want ErrNotFound", err)
	}
}

func TestDuplicateHandleGametypeRejected(t *testing.T) {
	s := newTestStore(t)
	row1 := &stream.Stream{Handle: "abc", Gametype: "fifa", GameID: 1, State: stream.Waiting}
	row2 := &stream.Stream{Handle: "abc", Gametype: "fifa", GameID: 2, State: stream.Waiting}
	if err := s.Insert(row1); err != nil {
		t.Fatalf("Insert(row1) error = %v", err)
	}
	if err := s.Insert(row2); err != ErrDuplicateStream {
		t.Fatalf("Insert(row2) error = %v, want ErrDuplicateStream", err)
	}
}

func TestDuplicateGameIDRejected(t *testing.T) {
	s := newTestStore(t)
	row1 := &stream.Stream{Handle: "abc", Gametype: "fifa", GameID: 1, State: stream.Waiting}
	row2 := &stream.Stream{Handle: "xyz", Gametype: "fifa", GameID: 1, State: stream.Waiting}
	if err := s.Insert(row1); err != nil {
		t.Fatalf("Insert(row1) error = %v", err)
	}
	if err := s.Insert(row2); err != ErrDuplicateGameID {
		t.Fatalf("Insert(row2) error = %v, want ErrDuplicateGameID", err)
	}
}

func TestSupplementaryGameIDUniqueAcrossStreams(t *testing.T) {
	s := newTestStore(t)
	row1 := &stream.Stream{Handle: "abc", Gametype: "fifa", GameID: 1, SupplementaryGames: []int64{10}, State: stream.Waiting}
	row2 := &stream.Stream{Handle: "xyz", Gametype: "fifa", GameID: 2, SupplementaryGames: []int64{10}, State: stream.Waiting}
	if err := s.Insert(row1); err != nil {
		t.Fatalf("Insert(row1) error = %v", err)
	}
	if err := s.Insert(row2); err != ErrDuplicateGameID {
		t.Fatalf("Insert(row2) error = %v, want ErrDuplicateGameID", err)
	}
}

func TestUpdatePreservesOwnGameID(t *testing.T) {
	s := newTestStore(t)
	row := &stream.Stream{Handle: "abc", Gametype: "fifa", GameID: 1, State: stream.Waiting}
	if err := s.Insert(row); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	row.State = stream.Watching
	row.SupplementaryGames = append(row.SupplementaryGames, 99)
	if err := s.Update(row); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, err := s.Find("abc", "fifa")
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if got.State != stream.Watching || len(got.SupplementaryGames) != 1 {
		t.Errorf("got = %+v", got)
	}
}

func TestIterateAll(t *testing.T) {
	s := newTestStore(t)
	for i, handle := range []string{"a", "b", "c"} {
		row := &stream.Stream{Handle: handle, Gametype: "fifa", GameID: int64(i + 1), State: stream.Waiting}
		if err := s.Insert(row); err != nil {
			t.Fatalf("Insert(%s) error = %v", handle, err)
		}
	}
	count := 0
	if err := s.IterateAll(func(*stream.Stream) bool {
		count++
		return true
	}); err != nil {
		t.Fatalf("IterateAll() error = %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete("nope", "fifa"); err != ErrNotFound {
		t.Fatalf("Delete() error = %v, want ErrNotFound", err)
	}
}
