package supervisor

import (
	"context"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/lionheart1022/stream-observer/internal/handler"
	"github.com/lionheart1022/stream-observer/internal/logging"
	"github.com/lionheart1022/stream-observer/internal/stream"
)

// ErrAlreadyRunning is returned by Start when a supervisor for the given
// (handle, gametype) is already in the pool.
var ErrAlreadyRunning = errors.New("supervisor already running for this stream")

// Pool is the process-wide map of active supervisors, serialized by mu per
// spec.md §5's "all mutations MUST be serialized" requirement.
type Pool struct {
	mu       sync.Mutex
	entries  map[string]*supervisor
	root     string
	cfg      Config
	reporter Reporter
	log      *logging.Logger
}

// NewPool constructs an empty pool. root is the node's working directory,
// against which each handler's WorkDir is resolved.
func NewPool(root string, cfg Config, reporter Reporter, log *logging.Logger) *Pool {
	return &Pool{
		entries:  make(map[string]*supervisor),
		root:     root,
		cfg:      cfg.clamp(),
		reporter: reporter,
		log:      log,
	}
}

// Size reports the number of currently-running supervisors.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Start spawns a new supervisor for row, which must not already be tracked.
func (p *Pool) Start(row *stream.Stream, kind handler.Kind) error {
	key := stream.Key(row.Handle, row.Gametype)

	p.mu.Lock()
	if _, exists := p.entries[key]; exists {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	sup := &supervisor{
		handle:     row.Handle,
		gametype:   row.Gametype,
		creator:    row.Creator,
		opponent:   row.Opponent,
		kind:       kind,
		cfg:        p.cfg,
		reporter:   p.reporter,
		log:        p.log,
		newCommand: p.commandBuilder(kind),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	p.entries[key] = sup
	p.mu.Unlock()

	go func() {
		sup.run(ctx)
		p.mu.Lock()
		if p.entries[key] == sup {
			delete(p.entries, key)
		}
		p.mu.Unlock()
	}()

	return nil
}

// Abort cancels the running supervisor for (handle, gametype), if any, and
// waits for its process to be torn down before returning. Reports whether
// a supervisor was actually found and aborted.
func (p *Pool) Abort(handle, gametype string) bool {
	key := stream.Key(handle, gametype)

	p.mu.Lock()
	sup, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	sup.cancel()
	<-sup.done
	return true
}

// commandBuilder returns a constructor that builds the shell invocation for
// one subprocess spawn, chdir'd into the handler's working directory.
func (p *Pool) commandBuilder(kind handler.Kind) func(ctx context.Context, line string) *exec.Cmd {
	dir := p.root
	if kind.WorkDir != "" {
		dir = filepath.Join(p.root, kind.WorkDir)
	}
	return func(_ context.Context, line string) *exec.Cmd {
		// Deliberately not exec.CommandContext: ctx cancellation would make
		// the stdlib kill the process immediately, racing our own
		// TERM-then-grace-then-KILL sequence in terminate().
		cmd := exec.Command("sh", "-c", line)
		cmd.Dir = dir
		return cmd
	}
}
