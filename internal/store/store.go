// Package store implements the durable stream table on top of buntdb, a
// pure-Go embeddable KV store with ACID transactions. Transactions are what
// let Insert enforce the spec's two uniqueness constraints — (handle,
// gametype) and game_id — atomically, as spec.md §4.2 requires.
package store

import (
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/lionheart1022/stream-observer/internal/stream"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrDuplicateStream is returned by Insert when (handle, gametype) already exists.
var ErrDuplicateStream = errors.New("stream already exists")

// ErrDuplicateGameID is returned by Insert/Update when game_id collides with
// another stream's primary or supplementary game id.
var ErrDuplicateGameID = errors.New("game_id already in use")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("stream not found")

const (
	streamPrefix = "stream:"
	gameIDPrefix = "gameid:"
)

// Store is the transactional stream table.
type Store struct {
	db *buntdb.DB
}

// Open opens (or creates) the store at path. Use ":memory:" for an
// in-memory store, matching buntdb's own convention.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open stream store")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func streamKey(handle, gametype string) string {
	return streamPrefix + stream.Key(handle, gametype)
}

func gameIDKey(id int64) string {
	return gameIDPrefix + strconv.FormatInt(id, 10)
}

// Find returns the stream row for (handle, gametype), or ErrNotFound.
func (s *Store) Find(handle, gametype string) (*stream.Stream, error) {
	var row *stream.Stream
	err := s.db.View(func(tx *buntdb.Tx) error {
		value, err := tx.Get(streamKey(handle, gametype))
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		row, err = decode(value)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// GameIDConflict reports whether gameID is already claimed by some row other
// than (exceptHandle, exceptGametype) — i.e. whether a PUT naming gameID for
// that stream would violate the game_id uniqueness invariant. It is a
// read-only pre-check, meant to run before any side effect (delegation,
// supervisor start) that Insert/Update's own atomic check would otherwise
// be too late to prevent (spec.md §4.5 step 1).
func (s *Store) GameIDConflict(gameID int64, exceptHandle, exceptGametype string) (bool, error) {
	exceptKey := streamKey(exceptHandle, exceptGametype)
	conflict := false
	err := s.db.View(func(tx *buntdb.Tx) error {
		existingKey, err := tx.Get(gameIDKey(gameID))
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return nil
			}
			return err
		}
		conflict = existingKey != exceptKey
		return nil
	})
	if err != nil {
		return false, err
	}
	return conflict, nil
}

// Insert adds a brand-new row, failing if either uniqueness constraint is violated.
func (s *Store) Insert(row *stream.Stream) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(streamKey(row.Handle, row.Gametype)); err == nil {
			return ErrDuplicateStream
		}
		if err := checkGameIDsFreeLocked(tx, row, ""); err != nil {
			return err
		}
		return writeLocked(tx, row)
	})
}

// Update persists changes to an existing row. The game_id uniqueness check
// excludes the row's own key so re-saving an unchanged game_id succeeds.
func (s *Store) Update(row *stream.Stream) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		key := streamKey(row.Handle, row.Gametype)
		if _, err := tx.Get(key); err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := checkGameIDsFreeLocked(tx, row, key); err != nil {
			return err
		}
		return writeLocked(tx, row)
	})
}

// Delete removes a row. Returns ErrNotFound if it does not exist.
func (s *Store) Delete(handle, gametype string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		key := streamKey(handle, gametype)
		value, err := tx.Get(key)
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		row, err := decode(value)
		if err != nil {
			return err
		}
		for _, id := range allGameIDs(row) {
			if _, err := tx.Delete(gameIDKey(id)); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
		}
		_, err = tx.Delete(key)
		return err
	})
}

// IterateAll calls fn for every row in the store, in key order. Iteration
// stops early if fn returns false.
func (s *Store) IterateAll(fn func(*stream.Stream) bool) error {
	return s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(streamPrefix+"*", func(key, value string) bool {
			row, err := decode(value)
			if err != nil {
				return true
			}
			return fn(row)
		})
	})
}

func checkGameIDsFreeLocked(tx *buntdb.Tx, row *stream.Stream, ownKey string) error {
	for _, id := range allGameIDs(row) {
		existingKey, err := tx.Get(gameIDKey(id))
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				continue
			}
			return err
		}
		if existingKey != ownKey {
			return ErrDuplicateGameID
		}
	}
	return nil
}

func writeLocked(tx *buntdb.Tx, row *stream.Stream) error {
	key := streamKey(row.Handle, row.Gametype)
	// Drop stale game-id index entries pointing at this row before writing
	// the (possibly changed) current set back in. buntdb refuses deletes
	// while iterating, so the keys are collected first.
	var stale []string
	_ = tx.AscendKeys(gameIDPrefix+"*", func(k, v string) bool {
		if v == key {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		if _, err := tx.Delete(k); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
	}
	for _, id := range allGameIDs(row) {
		if _, _, err := tx.Set(gameIDKey(id), key, nil); err != nil {
			return err
		}
	}
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, string(data), nil)
	return err
}

func allGameIDs(row *stream.Stream) []int64 {
	ids := make([]int64, 0, 1+len(row.SupplementaryGames))
	ids = append(ids, row.GameID)
	for _, id := range row.SupplementaryGames {
		if id < 0 {
			id = -id
		}
		ids = append(ids, id)
	}
	return ids
}

func decode(value string) (*stream.Stream, error) {
	var row stream.Stream
	if err := json.Unmarshal([]byte(strings.TrimSpace(value)), &row); err != nil {
		return nil, errors.Wrap(err, "decode stream row")
	}
	return &row, nil
}
