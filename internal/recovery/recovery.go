// Package recovery implements the startup reconciliation pass described in
// spec.md §2/§4.4: before a node starts serving HTTP, every row left behind
// by a previous process is either re-entered into the supervisor pool or
// dropped as a post-done leftover.
package recovery

import (
	"github.com/lionheart1022/stream-observer/internal/handler"
	"github.com/lionheart1022/stream-observer/internal/logging"
	"github.com/lionheart1022/stream-observer/internal/store"
	"github.com/lionheart1022/stream-observer/internal/stream"
)

// Pool is the subset of supervisor.Pool recovery needs to re-enter rows.
type Pool interface {
	Start(row *stream.Stream, kind handler.Kind) error
}

// Run reconciles every row currently in st against the live process: rows
// still waiting or watching and locally owned are handed back to pool as if
// freshly created; rows already found or failed are post-done leftovers
// (DELETE should have removed them) and are dropped. Any other state value
// is logged and left alone. Run must complete before the node's listener is
// opened, per spec.md §5's "recovery runs before HTTP serving begins".
func Run(st *store.Store, registry *handler.Registry, pool Pool, log *logging.Logger) error {
	if log == nil {
		log = logging.L()
	}

	var stale []*stream.Stream
	var resume []*stream.Stream

	err := st.IterateAll(func(row *stream.Stream) bool {
		switch row.State {
		case stream.Waiting, stream.Watching:
			if row.Owned() {
				resume = append(resume, row)
			}
		case stream.Found, stream.Failed:
			stale = append(stale, row)
		default:
			log.Warn("recovery found row in unrecognised state",
				logging.String("handle", row.Handle),
				logging.String("gametype", row.Gametype),
				logging.String("state", string(row.State)))
		}
		return true
	})
	if err != nil {
		return err
	}

	for _, row := range resume {
		kind, ok := registry.Lookup(row.Gametype)
		if !ok {
			log.Warn("recovery skipped row with unsupported gametype",
				logging.String("handle", row.Handle), logging.String("gametype", row.Gametype))
			continue
		}
		if err := pool.Start(row, kind); err != nil {
			log.Error("recovery failed to resume supervisor",
				logging.String("handle", row.Handle), logging.String("gametype", row.Gametype), logging.Error(err))
			continue
		}
		log.Info("recovery resumed supervisor",
			logging.String("handle", row.Handle), logging.String("gametype", row.Gametype))
	}

	for _, row := range stale {
		if err := st.Delete(row.Handle, row.Gametype); err != nil {
			log.Error("recovery failed to drop stale row",
				logging.String("handle", row.Handle), logging.String("gametype", row.Gametype), logging.Error(err))
			continue
		}
		log.Info("recovery dropped stale row",
			logging.String("handle", row.Handle), logging.String("gametype", row.Gametype),
			logging.String("state", string(row.State)))
	}

	return nil
}
