// Package supervisor drives one watcher subprocess per owned stream through
// the waiting → watching → found|failed state machine described in
// spec.md §4.4, applying quorum over noisy verdict lines and reporting
// exactly one result back through a Reporter.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/lionheart1022/stream-observer/internal/handler"
	"github.com/lionheart1022/stream-observer/internal/logging"
	"github.com/lionheart1022/stream-observer/internal/stream"
)

// Reporter is invoked at most once per supervisor, with the resolved
// winner and the timestamp of the first collected verdict. The router
// implements this by PATCHing the node's own stream URL (spec.md §4.4.8).
type Reporter interface {
	Done(handle, gametype string, winner stream.Winner, firstTS time.Time) error
}

// Config holds the timing knobs shared by every supervisor in a pool.
type Config struct {
	WaitDelay time.Duration
	WaitMax   time.Duration
	KillGrace time.Duration
}

// Clamp fills in spec.md defaults for any zero-valued field.
func (c Config) clamp() Config {
	if c.WaitDelay <= 0 {
		c.WaitDelay = 30 * time.Second
	}
	if c.WaitMax <= 0 {
		c.WaitMax = 360 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 3 * time.Second
	}
	return c
}

func (c Config) maxRetries() int {
	return int(c.WaitMax / c.WaitDelay)
}

// supervisor is the per-stream task. It is always reached through a Pool.
type supervisor struct {
	handle, gametype   string
	creator, opponent  string
	kind               handler.Kind
	cfg                Config
	reporter           Reporter
	log                *logging.Logger
	newCommand         func(ctx context.Context, line string) *exec.Cmd

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *supervisor) run(ctx context.Context) {
	defer close(s.done)

	verdict, firstTS, aborted := s.watch(ctx)
	if aborted {
		s.log.Debug("supervisor aborted", logging.String("handle", s.handle), logging.String("gametype", s.gametype))
		return
	}

	if err := s.reporter.Done(s.handle, s.gametype, toWinner(verdict), firstTS); err != nil {
		s.log.Error("failed to report stream result",
			logging.String("handle", s.handle),
			logging.String("gametype", s.gametype),
			logging.Error(err))
	}
}

// watch runs the offline-retry loop and, once a child produces output,
// the quorum-collection loop. It returns the resolved verdict and the
// timestamp of the first collected line, or aborted=true if ctx was
// cancelled externally before a result was reached.
func (s *supervisor) watch(ctx context.Context) (verdict handler.Verdict, firstTS time.Time, aborted bool) {
	retries := 0
	for {
		if ctx.Err() != nil {
			return "", time.Time{}, true
		}

		verdicts, firstTS, offline, err := s.runOnce(ctx)
		if err != nil && ctx.Err() != nil {
			return "", time.Time{}, true
		}

		if offline {
			retries++
			if retries > s.cfg.maxRetries() {
				return handler.VerdictFailed, time.Now(), false
			}
			select {
			case <-time.After(s.cfg.WaitDelay):
			case <-ctx.Done():
				return "", time.Time{}, true
			}
			continue
		}

		if len(verdicts) == 0 {
			return handler.VerdictFailed, time.Now(), false
		}
		return selectWinner(verdicts), firstTS, false
	}
}

// runOnce spawns the watcher subprocess once and reads its stdout until
// either an offline line, EOF, or quorum/Δ cutoff is reached.
func (s *supervisor) runOnce(ctx context.Context) (verdicts []handler.Verdict, firstTS time.Time, offline bool, err error) {
	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	line := buildCommandLine(s.kind, s.handle)
	cmd := s.newCommand(cmdCtx, line)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, time.Time{}, false, errors.Wrap(err, "attach stdout pipe")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, time.Time{}, false, errors.Wrap(err, "spawn watcher subprocess")
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	scanner := bufio.NewScanner(stdout)
	var deadline <-chan time.Time
	var deadlineTimer *time.Timer

	for {
		lineCh := make(chan string, 1)
		scanErrCh := make(chan bool, 1)
		go func() {
			if scanner.Scan() {
				lineCh <- scanner.Text()
				scanErrCh <- true
			} else {
				scanErrCh <- false
			}
		}()

		select {
		case <-ctx.Done():
			s.terminate(cmd, exited)
			return verdicts, firstTS, false, ctx.Err()

		case ok := <-scanErrCh:
			if !ok {
				// EOF: child exited of its own accord.
				<-exited
				return verdicts, firstTS, false, nil
			}
			text := <-lineCh
			v, warn := s.kind.Check(text, s.creator, s.opponent)
			if warn != "" {
				s.log.Warn("verdict parser warning",
					logging.String("handle", s.handle),
					logging.String("gametype", s.gametype),
					logging.String("line", text))
			}
			switch v {
			case handler.VerdictOffline:
				s.terminate(cmd, exited)
				return nil, time.Time{}, true, nil
			case handler.VerdictNone:
				continue
			default:
				if len(verdicts) == 0 {
					firstTS = time.Now()
					if deadlineTimer == nil {
						deadlineTimer = time.NewTimer(s.kind.VerdictWindow)
						deadline = deadlineTimer.C
					}
				}
				verdicts = append(verdicts, v)
				if len(verdicts) >= s.kind.Quorum {
					s.terminate(cmd, exited)
					return verdicts, firstTS, false, nil
				}
			}

		case <-deadline:
			s.terminate(cmd, exited)
			return verdicts, firstTS, false, nil
		}
	}
}

// terminate sends TERM, waits up to KillGrace for exit, then KILL.
func (s *supervisor) terminate(cmd *exec.Cmd, exited chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
		return
	case <-time.After(s.cfg.KillGrace):
		_ = cmd.Process.Signal(syscall.SIGKILL)
		<-exited
	}
}

// buildCommandLine substitutes {handle} into the handler's command template
// and joins any activation prefix using ';' so both run in the same shell
// invocation, replacing the shell image at the final step ("exec") so that
// a TERM/KILL sent to the shell reaches the real watcher binary.
func buildCommandLine(kind handler.Kind, handle string) string {
	cmd := strings.ReplaceAll(kind.Command, "{handle}", handle)
	if kind.ActivatePrefix != "" {
		return fmt.Sprintf("%s; exec %s", kind.ActivatePrefix, cmd)
	}
	return "exec " + cmd
}

func toWinner(v handler.Verdict) stream.Winner {
	switch v {
	case handler.VerdictCreator:
		return stream.Creator
	case handler.VerdictOpponent:
		return stream.Opponent
	case handler.VerdictDraw:
		return stream.Draw
	default:
		return stream.WinnerFailed
	}
}
