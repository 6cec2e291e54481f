// Package router implements the delegation protocol described in
// spec.md §4.5/§4.6: PUT/GET/PATCH/DELETE on /streams/{handle}/{gametype}
// and the /load aggregation endpoint. Routing rules are identical on
// every node; "root" is simply the node with no configured parent.
package router

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/lionheart1022/stream-observer/internal/acl"
	"github.com/lionheart1022/stream-observer/internal/adapter"
	"github.com/lionheart1022/stream-observer/internal/config"
	"github.com/lionheart1022/stream-observer/internal/dashboard"
	"github.com/lionheart1022/stream-observer/internal/handler"
	"github.com/lionheart1022/stream-observer/internal/logging"
	"github.com/lionheart1022/stream-observer/internal/metrics"
	"github.com/lionheart1022/stream-observer/internal/snapshot"
	"github.com/lionheart1022/stream-observer/internal/store"
	"github.com/lionheart1022/stream-observer/internal/stream"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Pool is the subset of supervisor.Pool the router needs. Narrowed to an
// interface so the router's tests can stub it without spawning real
// subprocesses.
type Pool interface {
	Size() int
	Start(row *stream.Stream, kind handler.Kind) error
	Abort(handle, gametype string) bool
}

// Options bundles every collaborator the router delegates to.
type Options struct {
	SelfURL    string
	Parent     *config.Peer
	Children   []config.Peer
	MaxStreams int

	Store     *store.Store
	Registry  *handler.Registry
	Pool      Pool
	ACL       *acl.List
	Metrics   *metrics.Registry
	Adapter   *adapter.Adapter // non-nil only at the root
	Snapshot  *snapshot.Snapshotter
	Dashboard *dashboard.Hub
	Log       *logging.Logger

	HTTPClient *http.Client
}

// Router wires the stream store, handler registry and supervisor pool
// into the HTTP delegation protocol.
type Router struct {
	selfURL    string
	parent     *config.Peer
	children   []config.Peer
	maxStreams int

	store     *store.Store
	registry  *handler.Registry
	pool      Pool
	aclList   *acl.List
	metrics   *metrics.Registry
	adapter   *adapter.Adapter
	snapshot  *snapshot.Snapshotter
	dashboard *dashboard.Hub
	log       *logging.Logger

	client *http.Client
}

// New constructs a Router from opts, filling in sane defaults.
func New(opts Options) *Router {
	log := opts.Log
	if log == nil {
		log = logging.L()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Router{
		selfURL:    opts.SelfURL,
		parent:     opts.Parent,
		children:   opts.Children,
		maxStreams: opts.MaxStreams,
		store:      opts.Store,
		registry:   opts.Registry,
		pool:       opts.Pool,
		aclList:    opts.ACL,
		metrics:    opts.Metrics,
		adapter:    opts.Adapter,
		snapshot:   opts.Snapshot,
		dashboard:  opts.Dashboard,
		log:        log,
		client:     client,
	}
}

// SetPool wires the supervisor pool in after construction. Router and the
// supervisor pool are mutually referential (the pool reports through the
// router's Done method; the router starts new supervisors on the pool),
// so wiring is necessarily two-phase: build the router first, construct
// the pool with the router as its Reporter, then call SetPool.
func (r *Router) SetPool(pool Pool) {
	r.pool = pool
}

// Done implements supervisor.Reporter. The owning node "PATCHes its own
// URL" (spec.md §4.4.8) by calling straight into the same PATCH logic the
// HTTP handler uses, rather than looping back through its own listener.
func (r *Router) Done(handle, gametype string, winner stream.Winner, firstTS time.Time) error {
	status, body, err := r.handlePatch(handle, gametype, winner, firstTS)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("self-patch rejected with status %d: %s", status, body)
	}
	return nil
}

// Register mounts the delegation endpoints on mux, wrapped in the sibling
// ACL check required on every inbound request (spec.md §4.1).
func (r *Router) Register(mux *http.ServeMux) {
	var onReject func()
	if r.metrics != nil {
		onReject = func() { r.metrics.ACLRejections.Inc() }
	}
	guard := func(h http.HandlerFunc) http.Handler {
		return acl.Middleware(r.aclList, onReject, h)
	}

	mux.Handle("PUT /streams/{handle}/{gametype}", guard(r.handlePut))
	mux.Handle("GET /streams/{handle}/{gametype}", guard(r.handleGet))
	mux.Handle("PATCH /streams/{handle}/{gametype}", guard(r.handlePatchHTTP))
	mux.Handle("DELETE /streams/{handle}/{gametype}", guard(r.handleDelete))
	mux.Handle("GET /load", guard(r.handleLoad))
}

// putRequest is the body of PUT /streams/{handle}/{gametype}, form-encoded
// per spec.md §6 (mirroring the original's `requests.put(..., data=args)`).
type putRequest struct {
	GameID   int64
	Creator  string
	Opponent string
}

// parsePutForm decodes a form-encoded PUT body into a putRequest.
func parsePutForm(req *http.Request) (putRequest, error) {
	if err := req.ParseForm(); err != nil {
		return putRequest{}, err
	}
	gameID, err := strconv.ParseInt(req.PostFormValue("game_id"), 10, 64)
	if err != nil {
		return putRequest{}, fmt.Errorf("invalid game_id: %w", err)
	}
	creator := req.PostFormValue("creator")
	opponent := req.PostFormValue("opponent")
	if creator == "" || opponent == "" {
		return putRequest{}, fmt.Errorf("creator and opponent are required")
	}
	return putRequest{GameID: gameID, Creator: creator, Opponent: opponent}, nil
}

// encode renders body as a form-encoded payload for node-to-node forwarding.
func (b putRequest) encode() string {
	values := url.Values{
		"game_id":  {strconv.FormatInt(b.GameID, 10)},
		"creator":  {b.Creator},
		"opponent": {b.Opponent},
	}
	return values.Encode()
}

type patchRequest struct {
	Winner    string  `json:"winner"`
	Timestamp float64 `json:"timestamp"`
}

type loadResponse struct {
	Total          float64 `json:"total"`
	CurrentStreams int     `json:"current_streams"`
	MaxStreams     int     `json:"max_streams"`
}

func (r *Router) handlePut(w http.ResponseWriter, req *http.Request) {
	handle := req.PathValue("handle")
	gametype := req.PathValue("gametype")

	body, err := parsePutForm(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}

	// spec.md §4.5 step 1: reject before any merge lookup or child
	// delegation, so a colliding game_id never reaches a child's pool.
	conflict, err := r.store.GameIDConflict(body.GameID, handle, gametype)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err)
		return
	}
	if conflict {
		writeError(w, http.StatusConflict, "duplicate_game_id", nil)
		return
	}

	existing, err := r.store.Find(handle, gametype)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	case err != nil:
		writeError(w, http.StatusInternalServerError, "store_error", err)
		return
	}

	now := time.Now()
	isNew := existing == nil
	var row *stream.Stream

	if isNew {
		row = &stream.Stream{
			Handle:    handle,
			Gametype:  gametype,
			GameID:    body.GameID,
			Creator:   body.Creator,
			Opponent:  body.Opponent,
			State:     stream.Waiting,
			CreatedAt: now,
			UpdatedAt: now,
		}
	} else {
		matches, reversed := existing.MatchesPlayers(body.Creator, body.Opponent)
		if !matches {
			writeError(w, http.StatusConflict, "conflicting_players", nil)
			return
		}
		existing.AddSupplementary(body.GameID, reversed)
		existing.UpdatedAt = now
		row = existing
	}

	if isNew {
		child, err := r.delegate(handle, gametype, body)
		if err != nil {
			writeError(w, http.StatusBadGateway, "delegation_failed", err)
			return
		}
		if child != "" {
			row.Child = child
			r.countDelegation("child")
		} else {
			kind, ok := r.registry.Lookup(gametype)
			if !ok {
				writeError(w, http.StatusBadRequest, "unsupported", nil)
				return
			}
			if r.pool.Size() >= r.maxStreams {
				writeError(w, http.StatusInsufficientStorage, "capacity_exhausted", nil)
				return
			}
			if err := r.pool.Start(row, kind); err != nil {
				writeError(w, http.StatusInternalServerError, "supervisor_start_failed", err)
				return
			}
			row.State = stream.Watching
			r.countDelegation("local")
		}
	} else if row.Child != "" {
		status, respBody, err := r.forwardPUT(row.Child, handle, gametype, body)
		if err != nil || (status != http.StatusOK && status != http.StatusCreated) {
			writeForwardError(w, "merge_forward_failed", status, respBody, err)
			return
		}
		r.countDelegation("merged")
	} else {
		r.countDelegation("merged")
	}

	if isNew {
		err = r.store.Insert(row)
	} else {
		err = r.store.Update(row)
	}
	if err != nil {
		if errors.Is(err, store.ErrDuplicateGameID) {
			writeError(w, http.StatusConflict, "duplicate_game_id", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "store_error", err)
		return
	}
	r.snapshotRecord(row)
	r.broadcast(row, "")

	if isNew {
		writeJSON(w, http.StatusCreated, row)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// delegate tries every configured child in order, returning the name of
// the first one that accepts (200 or 201), or "" if none does.
func (r *Router) delegate(handle, gametype string, body putRequest) (string, error) {
	for _, child := range r.children {
		status, _, err := r.forwardPUTPeer(child, handle, gametype, body)
		if err != nil {
			// Connection failure: that sibling declines silently (spec.md §7.1).
			r.log.Debug("child unreachable during delegation",
				logging.String("child", child.Name), logging.Error(err))
			continue
		}
		if status == http.StatusOK || status == http.StatusCreated {
			return child.Name, nil
		}
	}
	return "", nil
}

func (r *Router) forwardPUT(childName, handle, gametype string, body putRequest) (int, []byte, error) {
	peer, ok := r.peerByName(childName)
	if !ok {
		return 0, nil, fmt.Errorf("unknown child %q", childName)
	}
	return r.forwardPUTPeer(peer, handle, gametype, body)
}

func (r *Router) forwardPUTPeer(peer config.Peer, handle, gametype string, body putRequest) (int, []byte, error) {
	req, err := http.NewRequest(http.MethodPut, streamURL(peer.URL, handle, gametype), strings.NewReader(body.encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r.do(req)
}

func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) {
	handle := req.PathValue("handle")
	gametype := req.PathValue("gametype")

	row, err := r.store.Find(handle, gametype)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err)
		return
	}

	if row.Child == "" {
		writeJSON(w, http.StatusOK, row)
		return
	}

	peer, ok := r.peerByName(row.Child)
	if !ok {
		writeError(w, http.StatusInternalServerError, "unknown_child", nil)
		return
	}
	getReq, err := http.NewRequest(http.MethodGet, streamURL(peer.URL, handle, gametype), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "build_request_failed", err)
		return
	}
	status, respBody, err := r.do(getReq)
	if err != nil {
		writeError(w, http.StatusBadGateway, "forward_failed", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

func (r *Router) handlePatchHTTP(w http.ResponseWriter, req *http.Request) {
	handle := req.PathValue("handle")
	gametype := req.PathValue("gametype")

	var body patchRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}

	status, respBody, err := r.handlePatch(handle, gametype, stream.Winner(body.Winner), time.Unix(int64(body.Timestamp), 0))
	if err != nil {
		writeError(w, http.StatusBadGateway, "patch_forward_failed", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

// handlePatch is the shared PATCH logic, reachable either over HTTP (from
// a child forwarding upstream) or directly in-process from Done (when the
// owning node PATCHes "its own" URL, spec.md §4.4.8/§9).
func (r *Router) handlePatch(handle, gametype string, winner stream.Winner, ts time.Time) (int, []byte, error) {
	if r.parent != nil {
		return r.forwardPatch(*r.parent, handle, gametype, winner, ts)
	}

	row, err := r.store.Find(handle, gametype)
	if err != nil {
		return 0, nil, err
	}
	row.State = stream.Found
	row.UpdatedAt = time.Now()
	_ = r.store.Update(row)
	r.snapshotRecord(row)
	r.broadcast(row, string(winner))
	r.countVerdict(winner)

	kind, _ := r.registry.Lookup(row.Gametype)
	if r.adapter != nil {
		r.adapter.Apply(row, winner, ts, kind, func() { r.deleteStreamLogged(handle, gametype) })
	}
	return http.StatusOK, []byte(`{"success":true}`), nil
}

func (r *Router) forwardPatch(peer config.Peer, handle, gametype string, winner stream.Winner, ts time.Time) (int, []byte, error) {
	payload := patchRequest{Winner: string(winner), Timestamp: float64(ts.Unix())}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequest(http.MethodPatch, streamURL(peer.URL, handle, gametype), bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return r.do(req)
}

func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) {
	handle := req.PathValue("handle")
	gametype := req.PathValue("gametype")

	if err := r.deleteStream(handle, gametype); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", nil)
			return
		}
		writeError(w, http.StatusBadGateway, "delete_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// deleteStream performs the cascading DELETE: forward to the owning child
// first (fatal to the request if that fails, per spec.md §7.1), then
// remove the local row.
func (r *Router) deleteStream(handle, gametype string) error {
	row, err := r.store.Find(handle, gametype)
	if err != nil {
		return err
	}

	if row.Child != "" {
		peer, ok := r.peerByName(row.Child)
		if !ok {
			return fmt.Errorf("unknown child %q", row.Child)
		}
		req, err := http.NewRequest(http.MethodDelete, streamURL(peer.URL, handle, gametype), nil)
		if err != nil {
			return err
		}
		status, respBody, err := r.do(req)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("child %q returned status %d: %s", row.Child, status, respBody)
		}
	} else {
		r.pool.Abort(handle, gametype)
	}

	if err := r.store.Delete(handle, gametype); err != nil {
		return err
	}
	if r.snapshot != nil {
		r.snapshot.Forget(handle, gametype)
	}
	r.broadcastDeleted(handle, gametype)
	return nil
}

// deleteStreamLogged is the fire-and-forget variant the adapter schedules
// after settling a root-owned stream (spec.md §4.7).
func (r *Router) deleteStreamLogged(handle, gametype string) {
	if err := r.deleteStream(handle, gametype); err != nil {
		r.log.Error("self-delete after settlement failed",
			logging.String("handle", handle), logging.String("gametype", gametype), logging.Error(err))
	}
}

func (r *Router) handleLoad(w http.ResponseWriter, req *http.Request) {
	localLoad := 0.0
	if r.maxStreams > 0 {
		localLoad = float64(r.pool.Size()) / float64(r.maxStreams)
	}

	total := localLoad
	currentStreams := r.pool.Size()
	maxStreams := r.maxStreams

	for _, child := range r.children {
		loadReq, err := http.NewRequest(http.MethodGet, strings.TrimRight(child.URL, "/")+"/load", nil)
		if err != nil {
			continue
		}
		status, respBody, err := r.do(loadReq)
		if err != nil || status != http.StatusOK {
			// Timeout/error: counted as 0 in both the average and the sums,
			// but the denominator below still includes every configured child
			// (spec.md §4.6/§9 — a deliberately naive average).
			continue
		}
		var childLoad loadResponse
		if err := json.Unmarshal(respBody, &childLoad); err != nil {
			continue
		}
		total += childLoad.Total
		currentStreams += childLoad.CurrentStreams
		maxStreams += childLoad.MaxStreams
	}

	writeJSON(w, http.StatusOK, loadResponse{
		Total:          total / float64(1+len(r.children)),
		CurrentStreams: currentStreams,
		MaxStreams:     maxStreams,
	})
}

func (r *Router) do(req *http.Request) (int, []byte, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func (r *Router) peerByName(name string) (config.Peer, bool) {
	for _, child := range r.children {
		if child.Name == name {
			return child, true
		}
	}
	return config.Peer{}, false
}

func (r *Router) countDelegation(disposition string) {
	if r.metrics != nil {
		r.metrics.DelegationTotal.WithLabelValues(disposition).Inc()
	}
}

func (r *Router) countVerdict(winner stream.Winner) {
	if r.metrics != nil {
		r.metrics.VerdictsTotal.WithLabelValues(string(winner)).Inc()
	}
}

func (r *Router) snapshotRecord(row *stream.Stream) {
	if r.snapshot != nil {
		r.snapshot.Record(row)
	}
}

func (r *Router) broadcast(row *stream.Stream, winner string) {
	if r.dashboard == nil {
		return
	}
	r.dashboard.Broadcast(dashboard.Event{
		Handle:    row.Handle,
		Gametype:  row.Gametype,
		State:     string(row.State),
		Winner:    winner,
		Timestamp: time.Now(),
	})
}

func (r *Router) broadcastDeleted(handle, gametype string) {
	if r.dashboard == nil {
		return
	}
	r.dashboard.Broadcast(dashboard.Event{
		Handle:    handle,
		Gametype:  gametype,
		State:     "deleted",
		Timestamp: time.Now(),
	})
}

func streamURL(base, handle, gametype string) string {
	return strings.TrimRight(base, "/") + "/streams/" + url.PathEscape(handle) + "/" + url.PathEscape(gametype)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	payload := map[string]any{"error_code": status, "error": code}
	if err != nil {
		payload["details"] = err.Error()
	}
	writeJSON(w, status, payload)
}

// writeForwardError surfaces a downstream failure per spec.md §6: the
// propagation failure carries the downstream status and body under
// "details".
func writeForwardError(w http.ResponseWriter, code string, downstreamStatus int, downstreamBody []byte, err error) {
	status := http.StatusBadGateway
	if downstreamStatus != 0 {
		status = downstreamStatus
	}
	payload := map[string]any{"error_code": status, "error": code}
	if err != nil {
		payload["details"] = err.Error()
	} else if len(downstreamBody) > 0 {
		payload["details"] = string(downstreamBody)
	}
	writeJSON(w, status, payload)
}
