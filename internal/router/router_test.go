package router

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lionheart1022/stream-observer/internal/acl"
	"github.com/lionheart1022/stream-observer/internal/adapter"
	"github.com/lionheart1022/stream-observer/internal/config"
	"github.com/lionheart1022/stream-observer/internal/handler"
	"github.com/lionheart1022/stream-observer/internal/logging"
	"github.com/lionheart1022/stream-observer/internal/store"
	"github.com/lionheart1022/stream-observer/internal/stream"
)

// fakePool is an in-memory stand-in for supervisor.Pool: it tracks rows as
// "running" without ever spawning a subprocess, which is all the router's
// own behavior (not the supervisor's) needs exercising.
type fakePool struct {
	mu      sync.Mutex
	running map[string]bool
}

func newFakePool() *fakePool {
	return &fakePool{running: make(map[string]bool)}
}

func (p *fakePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *fakePool) Start(row *stream.Stream, kind handler.Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[stream.Key(row.Handle, row.Gametype)] = true
	return nil
}

func (p *fakePool) Abort(handle, gametype string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := stream.Key(handle, gametype)
	ok := p.running[key]
	delete(p.running, key)
	return ok
}

func testRegistry() *handler.Registry {
	return handler.NewRegistry(handler.Kind{
		Gametype: "fifa",
		Check:    handler.EAFootballCheck,
	})
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func allowAllACL(t *testing.T) *acl.List {
	t.Helper()
	list, err := acl.Resolve([]string{"127.0.0.1"})
	if err != nil {
		t.Fatalf("acl.Resolve() error = %v", err)
	}
	return list
}

func newTestRouter(t *testing.T, opts Options) *Router {
	t.Helper()
	if opts.Store == nil {
		opts.Store = openTestStore(t)
	}
	if opts.Registry == nil {
		opts.Registry = testRegistry()
	}
	if opts.Pool == nil {
		opts.Pool = newFakePool()
	}
	if opts.ACL == nil {
		opts.ACL = allowAllACL(t)
	}
	if opts.MaxStreams == 0 {
		opts.MaxStreams = 4
	}
	if opts.Log == nil {
		opts.Log = logging.NewTestLogger()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Second}
	}
	return New(opts)
}

// doRequest builds a test request for body. PUT bodies are form-encoded
// (matching putRequest.encode/parsePutForm in router.go); everything else
// (PATCH, etc.) is JSON, matching the router's own wire format for those verbs.
func doRequest(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	var contentType string
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case putRequest:
		reader = bytes.NewReader([]byte(b.encode()))
		contentType = "application/x-www-form-urlencoded"
	default:
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestPutHappyPathSoloNode(t *testing.T) {
	r := newTestRouter(t, Options{})
	mux := http.NewServeMux()
	r.Register(mux)

	rec := doRequest(t, mux, http.MethodPut, "/streams/abc/fifa", putRequest{GameID: 1, Creator: "A", Opponent: "B"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body = %s", rec.Code, rec.Body.String())
	}

	var row stream.Stream
	if err := json.Unmarshal(rec.Body.Bytes(), &row); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if row.Child != "" {
		t.Fatalf("Child = %q, want empty (no children configured)", row.Child)
	}
	if row.State != stream.Watching {
		t.Fatalf("State = %q, want watching", row.State)
	}
}

func TestPutDelegatesToAcceptingChild(t *testing.T) {
	childServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"handle":"abc","gametype":"fifa","state":"watching"}`))
	}))
	defer childServer.Close()

	r := newTestRouter(t, Options{
		Children: []config.Peer{{Name: "child-a", URL: childServer.URL}},
	})
	mux := http.NewServeMux()
	r.Register(mux)

	rec := doRequest(t, mux, http.MethodPut, "/streams/abc/fifa", putRequest{GameID: 1, Creator: "A", Opponent: "B"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body = %s", rec.Code, rec.Body.String())
	}

	var row stream.Stream
	if err := json.Unmarshal(rec.Body.Bytes(), &row); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if row.Child != "child-a" {
		t.Fatalf("Child = %q, want child-a", row.Child)
	}

	getRec := doRequest(t, mux, http.MethodGet, "/streams/abc/fifa", nil)
	if getRec.Code != http.StatusCreated {
		t.Fatalf("forwarded GET status = %d, want 201 (echoed from child)", getRec.Code)
	}
	if getRec.Body.String() != `{"handle":"abc","gametype":"fifa","state":"watching"}` {
		t.Fatalf("forwarded GET body = %s, want child's body verbatim", getRec.Body.String())
	}
}

func TestPutFullSubtreeReturns507(t *testing.T) {
	childServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInsufficientStorage)
		_, _ = w.Write([]byte(`{"error_code":507,"error":"capacity_exhausted"}`))
	}))
	defer childServer.Close()

	pool := newFakePool()
	_ = pool.Start(&stream.Stream{Handle: "busy", Gametype: "fifa"}, handler.Kind{})

	r := newTestRouter(t, Options{
		Children:   []config.Peer{{Name: "child-a", URL: childServer.URL}},
		Pool:       pool,
		MaxStreams: 1,
	})
	mux := http.NewServeMux()
	r.Register(mux)

	rec := doRequest(t, mux, http.MethodPut, "/streams/abc/fifa", putRequest{GameID: 1, Creator: "A", Opponent: "B"})
	if rec.Code != http.StatusInsufficientStorage {
		t.Fatalf("status = %d, want 507, body = %s", rec.Code, rec.Body.String())
	}
}

func TestPutMergeWithReversedPlayers(t *testing.T) {
	r := newTestRouter(t, Options{})
	mux := http.NewServeMux()
	r.Register(mux)

	first := doRequest(t, mux, http.MethodPut, "/streams/s/fifa", putRequest{GameID: 10, Creator: "X", Opponent: "Y"})
	if first.Code != http.StatusCreated {
		t.Fatalf("first PUT status = %d, want 201, body = %s", first.Code, first.Body.String())
	}

	second := doRequest(t, mux, http.MethodPut, "/streams/s/fifa", putRequest{GameID: 20, Creator: "Y", Opponent: "X"})
	if second.Code != http.StatusOK {
		t.Fatalf("second PUT status = %d, want 200, body = %s", second.Code, second.Body.String())
	}

	var row stream.Stream
	if err := json.Unmarshal(second.Body.Bytes(), &row); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(row.SupplementaryGames) != 1 || row.SupplementaryGames[0] != -20 {
		t.Fatalf("SupplementaryGames = %v, want [-20]", row.SupplementaryGames)
	}
}

func TestPutMergeConflictingPlayersReturns409(t *testing.T) {
	r := newTestRouter(t, Options{})
	mux := http.NewServeMux()
	r.Register(mux)

	doRequest(t, mux, http.MethodPut, "/streams/s/fifa", putRequest{GameID: 10, Creator: "X", Opponent: "Y"})
	rec := doRequest(t, mux, http.MethodPut, "/streams/s/fifa", putRequest{GameID: 20, Creator: "X", Opponent: "Z"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body = %s", rec.Code, rec.Body.String())
	}
}

func TestPutDuplicateGameIDAcrossStreamsReturns409WithoutDelegating(t *testing.T) {
	var childContacted bool
	childServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		childContacted = true
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer childServer.Close()

	r := newTestRouter(t, Options{
		Children: []config.Peer{{Name: "child-a", URL: childServer.URL}},
	})
	mux := http.NewServeMux()
	r.Register(mux)

	first := doRequest(t, mux, http.MethodPut, "/streams/abc/fifa", putRequest{GameID: 1, Creator: "A", Opponent: "B"})
	if first.Code != http.StatusCreated {
		t.Fatalf("first PUT status = %d, want 201, body = %s", first.Code, first.Body.String())
	}
	childContacted = false

	// Same game_id, different (handle, gametype): must be rejected before any
	// merge lookup or child delegation, so the child never starts a supervisor
	// for a row that's about to be rejected (spec.md §4.5 step 1).
	second := doRequest(t, mux, http.MethodPut, "/streams/other/fifa", putRequest{GameID: 1, Creator: "C", Opponent: "D"})
	if second.Code != http.StatusConflict {
		t.Fatalf("second PUT status = %d, want 409, body = %s", second.Code, second.Body.String())
	}
	if childContacted {
		t.Fatal("child was contacted for a PUT that should have been rejected before delegation")
	}
}

func TestGetReturns404WhenMissing(t *testing.T) {
	r := newTestRouter(t, Options{})
	mux := http.NewServeMux()
	r.Register(mux)

	rec := doRequest(t, mux, http.MethodGet, "/streams/nope/fifa", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

type fakeLookup struct{}

func (fakeLookup) Lookup(gameID int64) (*adapter.Game, bool) {
	return &adapter.Game{ID: gameID}, true
}

type recordingSettlement struct {
	mu    sync.Mutex
	calls []adapter.Game
	done  chan struct{}
}

func (s *recordingSettlement) GameDone(game *adapter.Game, winner stream.Winner, ts int64) error {
	s.mu.Lock()
	s.calls = append(s.calls, *game)
	n := len(s.calls)
	s.mu.Unlock()
	if n == 1 && s.done != nil {
		close(s.done)
	}
	return nil
}

func TestPatchAtRootInvokesAdapterAndCascadesDelete(t *testing.T) {
	pool := newFakePool()
	settlement := &recordingSettlement{done: make(chan struct{})}
	ad := adapter.New(fakeLookup{}, settlement, logging.NewTestLogger())

	r := newTestRouter(t, Options{Pool: pool, Adapter: ad})
	mux := http.NewServeMux()
	r.Register(mux)

	putRec := doRequest(t, mux, http.MethodPut, "/streams/abc/fifa", putRequest{GameID: 1, Creator: "A", Opponent: "B"})
	if putRec.Code != http.StatusCreated {
		t.Fatalf("PUT status = %d, want 201", putRec.Code)
	}

	patchRec := doRequest(t, mux, http.MethodPatch, "/streams/abc/fifa", patchRequest{Winner: "creator", Timestamp: float64(time.Now().Unix())})
	if patchRec.Code != http.StatusOK {
		t.Fatalf("PATCH status = %d, want 200, body = %s", patchRec.Code, patchRec.Body.String())
	}

	select {
	case <-settlement.done:
	case <-time.After(2 * time.Second):
		t.Fatal("settlement callback was not invoked")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		getRec := doRequest(t, mux, http.MethodGet, "/streams/abc/fifa", nil)
		if getRec.Code == http.StatusNotFound {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("row was not deleted by the self-delete cascade after settlement")
}

func TestPatchForwardsToParent(t *testing.T) {
	var receivedBody patchRequest
	parentServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewDecoder(req.Body).Decode(&receivedBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer parentServer.Close()

	r := newTestRouter(t, Options{Parent: &config.Peer{Name: "root", URL: parentServer.URL}})
	mux := http.NewServeMux()
	r.Register(mux)

	rec := doRequest(t, mux, http.MethodPatch, "/streams/abc/fifa", patchRequest{Winner: "draw", Timestamp: 123})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	if receivedBody.Winner != "draw" {
		t.Fatalf("parent received winner = %q, want draw", receivedBody.Winner)
	}
}

func TestDeleteCascadesToChildThenRemovesLocalRow(t *testing.T) {
	var deleteCalled bool
	childServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPut:
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{}`))
		case http.MethodDelete:
			deleteCalled = true
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"deleted":true}`))
		}
	}))
	defer childServer.Close()

	r := newTestRouter(t, Options{Children: []config.Peer{{Name: "child-a", URL: childServer.URL}}})
	mux := http.NewServeMux()
	r.Register(mux)

	doRequest(t, mux, http.MethodPut, "/streams/abc/fifa", putRequest{GameID: 1, Creator: "A", Opponent: "B"})

	rec := doRequest(t, mux, http.MethodDelete, "/streams/abc/fifa", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	if !deleteCalled {
		t.Fatal("expected DELETE to be forwarded to the owning child")
	}

	getRec := doRequest(t, mux, http.MethodGet, "/streams/abc/fifa", nil)
	if getRec.Code != http.StatusNotFound {
		t.Fatalf("GET after delete status = %d, want 404", getRec.Code)
	}
}

func TestDeleteUnknownStreamReturns404(t *testing.T) {
	r := newTestRouter(t, Options{})
	mux := http.NewServeMux()
	r.Register(mux)

	rec := doRequest(t, mux, http.MethodDelete, "/streams/nope/fifa", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestLoadAggregatesChildrenNaively(t *testing.T) {
	childServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, loadResponse{Total: 0.5, CurrentStreams: 2, MaxStreams: 4})
	}))
	defer childServer.Close()

	pool := newFakePool()
	_ = pool.Start(&stream.Stream{Handle: "a", Gametype: "fifa"}, handler.Kind{})

	r := newTestRouter(t, Options{
		Pool:     pool,
		Children: []config.Peer{{Name: "up", URL: childServer.URL}, {Name: "down", URL: "http://127.0.0.1:1"}},
	})
	mux := http.NewServeMux()
	r.Register(mux)

	rec := doRequest(t, mux, http.MethodGet, "/load", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp loadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// local = 1/4 = 0.25; "up" contributes 0.5; "down" is unreachable and
	// contributes 0, but the denominator still counts both children (3).
	want := (0.25 + 0.5 + 0) / 3
	if diff := resp.Total - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("Total = %v, want %v", resp.Total, want)
	}
	if resp.CurrentStreams != 1+2 {
		t.Fatalf("CurrentStreams = %d, want 3", resp.CurrentStreams)
	}
	if resp.MaxStreams != 4+4 {
		t.Fatalf("MaxStreams = %d, want 8", resp.MaxStreams)
	}
}

func TestACLRejectsUnknownPeer(t *testing.T) {
	r := newTestRouter(t, Options{})
	mux := http.NewServeMux()
	r.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/streams/abc/fifa", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
