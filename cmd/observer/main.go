// Command observer runs one node of the stream-observer fleet: the
// delegation router, the per-stream supervisor pool, and (at the root)
// the settlement adapter, all wired from environment-driven configuration.
package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/lionheart1022/stream-observer/internal/acl"
	"github.com/lionheart1022/stream-observer/internal/adapter"
	"github.com/lionheart1022/stream-observer/internal/config"
	"github.com/lionheart1022/stream-observer/internal/dashboard"
	"github.com/lionheart1022/stream-observer/internal/handler"
	httpapi "github.com/lionheart1022/stream-observer/internal/http"
	"github.com/lionheart1022/stream-observer/internal/logging"
	"github.com/lionheart1022/stream-observer/internal/metrics"
	"github.com/lionheart1022/stream-observer/internal/recovery"
	"github.com/lionheart1022/stream-observer/internal/router"
	"github.com/lionheart1022/stream-observer/internal/snapshot"
	"github.com/lionheart1022/stream-observer/internal/store"
	"github.com/lionheart1022/stream-observer/internal/stream"
	"github.com/lionheart1022/stream-observer/internal/supervisor"
)

const adminStreamsWindow = 10 * time.Second
const adminStreamsBurst = 30

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Fatal("failed to open stream store", logging.Error(err))
	}
	defer func() {
		_ = st.Close()
	}()

	registry := handler.NewRegistry(handler.Kind{
		Gametype:       "fifa",
		WorkDir:        "watchers/fifa",
		ActivatePrefix: "source venv/bin/activate",
		Command:        "python watch.py --handle {handle}",
		Quorum:         cfg.Quorum,
		VerdictWindow:  cfg.VerdictWindow,
		Twitch:         handler.TwitchMandatory,
		Check:          handler.EAFootballCheck,
	})

	aclHosts := []string{"localhost", "127.0.0.1", "::1"}
	if cfg.Parent != nil {
		if host := hostOf(cfg.Parent.URL); host != "" {
			aclHosts = append(aclHosts, host)
		}
	}
	for _, child := range cfg.Children {
		if host := hostOf(child.URL); host != "" {
			aclHosts = append(aclHosts, host)
		}
	}
	aclList, err := acl.Resolve(aclHosts)
	if err != nil {
		logger.Fatal("failed to resolve sibling ACL", logging.Error(err))
	}

	metricsRegistry := metrics.New()

	var snapshotter *snapshot.Snapshotter
	if cfg.SnapshotPath != "" {
		snapshotter, err = snapshot.New(cfg.SnapshotPath, cfg.SnapshotPeriod, logger)
		if err != nil {
			logger.Fatal("failed to initialise store snapshotter", logging.Error(err))
		}
		defer func() {
			if err := snapshotter.Close(); err != nil {
				logger.Warn("store snapshotter close failed", logging.Error(err))
			}
		}()
	}

	var authenticator dashboard.Authenticator = dashboard.AllowAllAuthenticator{}
	if cfg.AdminToken != "" {
		authenticator, err = dashboard.NewJWTAuthenticator(cfg.AdminToken)
		if err != nil {
			logger.Fatal("failed to configure dashboard authenticator", logging.Error(err))
		}
	}
	dash := dashboard.NewHub(authenticator, logger)

	var settlementAdapter *adapter.Adapter
	if cfg.IsRoot() {
		settlementAdapter = adapter.New(adapter.EchoLookup{}, adapter.NewLoggingSettlement(logger), logger)
	}

	rtr := router.New(router.Options{
		SelfURL:    cfg.SelfURL,
		Parent:     cfg.Parent,
		Children:   cfg.Children,
		MaxStreams: cfg.MaxStreams,
		Store:      st,
		Registry:   registry,
		ACL:        aclList,
		Metrics:    metricsRegistry,
		Adapter:    settlementAdapter,
		Snapshot:   snapshotter,
		Dashboard:  dash,
		Log:        logger,
		HTTPClient: &http.Client{Timeout: cfg.ChildTimeout},
	})

	pool := supervisor.NewPool(".", supervisor.Config{
		WaitDelay: cfg.WaitDelay,
		WaitMax:   cfg.WaitMax,
		KillGrace: cfg.KillGrace,
	}, rtr, logger)
	rtr.SetPool(pool)

	if err := recovery.Run(st, registry, pool, logger); err != nil {
		logger.Fatal("startup recovery pass failed", logging.Error(err))
	}

	mux := http.NewServeMux()
	rtr.Register(mux)
	dash.Register(mux)

	opsHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger,
		Readiness:   readinessProvider{pool: pool, startedAt: startedAt},
		Metrics:     metricsRegistry,
		Streams:     streamLister{store: st},
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(adminStreamsWindow, adminStreamsBurst, nil),
	})
	opsHandlers.Register(mux)

	wrapped := logging.HTTPTraceMiddleware(logger)(mux)
	server := &http.Server{Addr: cfg.Address, Handler: wrapped}

	certProvided := cfg.TLSCertPath != ""
	logger.Info("observer node listening",
		logging.String("address", listenerURL(cfg.Address, certProvided)),
		logging.Bool("tls", certProvided),
		logging.Bool("root", cfg.IsRoot()))

	if certProvided {
		if err := server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath); err != nil {
			logger.Fatal("observer server terminated", logging.Error(err))
		}
		return
	}

	if err := server.ListenAndServe(); err != nil {
		logger.Fatal("observer server terminated", logging.Error(err))
	}
}

// readinessProvider adapts the supervisor pool into httpapi.ReadinessProvider.
type readinessProvider struct {
	pool      *supervisor.Pool
	startedAt time.Time
}

func (r readinessProvider) PoolSize() int         { return r.pool.Size() }
func (r readinessProvider) StartupError() error   { return nil }
func (r readinessProvider) Uptime() time.Duration { return time.Since(r.startedAt) }

// streamLister adapts the store into httpapi.StreamLister for the admin dump endpoint.
type streamLister struct {
	store *store.Store
}

func (l streamLister) ListStreams() ([]*stream.Stream, error) {
	var rows []*stream.Stream
	err := l.store.IterateAll(func(row *stream.Stream) bool {
		rows = append(rows, row)
		return true
	})
	return rows, err
}

// hostOf extracts the bare host (no port) from a peer base URL for ACL resolution.
func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Hostname() == "" {
		return ""
	}
	return parsed.Hostname()
}
