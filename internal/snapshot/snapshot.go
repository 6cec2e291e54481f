// Package snapshot periodically exports every owned stream row to a
// snappy-compressed, human-inspectable backup file. It is a supplementary
// artifact, not the source of truth — the stream store's buntdb file
// already provides durability and the uniqueness invariants; this exists
// so an operator can recover the last-known shape of the pool without
// opening the KV file directly.
package snapshot

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/lionheart1022/stream-observer/internal/logging"
	"github.com/lionheart1022/stream-observer/internal/stream"
)

// Option configures a Snapshotter at construction time.
type Option func(*Snapshotter)

// WithClock overrides the snapshot time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Snapshotter) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Snapshotter holds the latest known row per (handle, gametype) and
// periodically flushes a snappy-compressed export of the set to disk.
type Snapshotter struct {
	mu       sync.RWMutex
	path     string
	interval time.Duration
	log      *logging.Logger
	now      func() time.Time

	rows  map[string]*stream.Stream
	order []string
	dirty bool

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type snapshotFile struct {
	SavedAt time.Time         `json:"saved_at"`
	Rows    []*stream.Stream  `json:"rows"`
}

// New constructs a Snapshotter backed by the file at path, flushing every
// interval. A zero path or non-positive interval disables snapshotting
// (New returns a nil *Snapshotter, which every method tolerates).
func New(path string, interval time.Duration, logger *logging.Logger, opts ...Option) (*Snapshotter, error) {
	if path == "" || interval <= 0 {
		return nil, nil
	}
	if logger == nil {
		logger = logging.L()
	}
	s := &Snapshotter{
		path:     path,
		interval: interval,
		log:      logger,
		now:      time.Now,
		rows:     make(map[string]*stream.Stream),
		flushCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	go s.loop()
	return s, nil
}

func (s *Snapshotter) load() error {
	if s == nil {
		return nil
	}
	compressed, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return err
	}
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range file.Rows {
		if row == nil {
			continue
		}
		key := stream.Key(row.Handle, row.Gametype)
		s.rows[key] = row
		if !containsKey(s.order, key) {
			s.order = append(s.order, key)
		}
	}
	return nil
}

func containsKey(order []string, key string) bool {
	for _, existing := range order {
		if existing == key {
			return true
		}
	}
	return false
}

func (s *Snapshotter) loop() {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.doneCh)
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.flushCh:
			s.flush()
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

// Record stores row as the most recent snapshot for its (handle, gametype).
func (s *Snapshotter) Record(row *stream.Stream) {
	if s == nil || row == nil {
		return
	}
	key := stream.Key(row.Handle, row.Gametype)
	clone := *row
	s.mu.Lock()
	s.rows[key] = &clone
	if !containsKey(s.order, key) {
		s.order = append(s.order, key)
	}
	s.dirty = true
	s.mu.Unlock()
	s.nudge()
}

// Forget removes a row from the snapshot, mirroring a DELETE on the store.
func (s *Snapshotter) Forget(handle, gametype string) {
	if s == nil {
		return
	}
	key := stream.Key(handle, gametype)
	s.mu.Lock()
	if _, ok := s.rows[key]; ok {
		delete(s.rows, key)
		s.order = removeKey(s.order, key)
		s.dirty = true
	}
	s.mu.Unlock()
	s.nudge()
}

func removeKey(order []string, key string) []string {
	out := order[:0]
	for _, existing := range order {
		if existing != key {
			out = append(out, existing)
		}
	}
	return out
}

func (s *Snapshotter) nudge() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Rows returns every currently snapshotted row, in first-seen order.
func (s *Snapshotter) Rows() []*stream.Stream {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*stream.Stream, 0, len(s.order))
	for _, key := range s.order {
		if row, ok := s.rows[key]; ok {
			out = append(out, row)
		}
	}
	return out
}

// Flush immediately persists the current snapshot state to disk, snappy-compressed.
func (s *Snapshotter) Flush() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	file := snapshotFile{SavedAt: s.now().UTC()}
	file.Rows = make([]*stream.Stream, 0, len(s.order))
	for _, key := range s.order {
		if row, ok := s.rows[key]; ok {
			file.Rows = append(file.Rows, row)
		}
	}
	data, err := json.Marshal(file)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	compressed := snappy.Encode(nil, data)
	if err := os.WriteFile(s.path, compressed, 0o644); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *Snapshotter) flush() {
	if err := s.Flush(); err != nil {
		s.log.Error("failed to persist stream snapshot", logging.Error(err))
	}
}

// Close stops the persistence goroutine and flushes any pending state to disk.
func (s *Snapshotter) Close() error {
	if s == nil {
		return nil
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}
