package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the node listens on.
	DefaultAddr = ":43127"
	// DefaultMaxStreams bounds how many streams this node will supervise locally.
	DefaultMaxStreams = 32
	// DefaultWaitDelay is the sleep between successive "offline" retries.
	DefaultWaitDelay = 30 * time.Second
	// DefaultWaitMax is the total offline time budget before a stream is failed.
	// DefaultWaitMax / DefaultWaitDelay yields the retry cap (12 by default).
	DefaultWaitMax = 360 * time.Second
	// DefaultQuorum is the verdict count that ends a watch early.
	DefaultQuorum = 5
	// DefaultVerdictWindow is the Δ window, measured from the first verdict.
	DefaultVerdictWindow = 10 * time.Second
	// DefaultKillGrace is how long the supervisor waits after TERM before KILL.
	DefaultKillGrace = 3 * time.Second

	// DefaultLogLevel controls verbosity for node logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "observer.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultStoreSnapshotInterval controls how frequently the store is exported to disk.
	DefaultStoreSnapshotInterval = 30 * time.Second

	// DefaultChildTimeout bounds how long the router waits on a single sibling call.
	DefaultChildTimeout = 5 * time.Second
)

// Peer names one sibling node by its logical name and base URL.
type Peer struct {
	Name string
	URL  string
}

// Config captures all runtime tunables for an observer node.
type Config struct {
	SelfURL        string
	Address        string
	Parent         *Peer
	Children       []Peer
	MaxStreams     int
	WaitDelay      time.Duration
	WaitMax        time.Duration
	Quorum         int
	VerdictWindow  time.Duration
	KillGrace      time.Duration
	ChildTimeout   time.Duration
	AdminToken     string
	TLSCertPath    string
	TLSKeyPath     string
	Logging        LoggingConfig
	StorePath      string
	SnapshotPath   string
	SnapshotPeriod time.Duration
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// IsRoot reports whether this node has no configured parent.
func (c *Config) IsRoot() bool {
	return c == nil || c.Parent == nil
}

// Load reads the node configuration from environment variables, applying sane
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		SelfURL:      strings.TrimSpace(os.Getenv("OBSERVER_SELF_URL")),
		Address:      getString("OBSERVER_ADDR", DefaultAddr),
		MaxStreams:   DefaultMaxStreams,
		WaitDelay:    DefaultWaitDelay,
		WaitMax:      DefaultWaitMax,
		Quorum:       DefaultQuorum,
		VerdictWindow: DefaultVerdictWindow,
		KillGrace:    DefaultKillGrace,
		ChildTimeout: DefaultChildTimeout,
		AdminToken:   strings.TrimSpace(os.Getenv("OBSERVER_ADMIN_TOKEN")),
		TLSCertPath:  strings.TrimSpace(os.Getenv("OBSERVER_TLS_CERT")),
		TLSKeyPath:   strings.TrimSpace(os.Getenv("OBSERVER_TLS_KEY")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("OBSERVER_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("OBSERVER_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		StorePath:      strings.TrimSpace(getString("OBSERVER_STORE_PATH", ":memory:")),
		SnapshotPath:   strings.TrimSpace(os.Getenv("OBSERVER_SNAPSHOT_PATH")),
		SnapshotPeriod: DefaultStoreSnapshotInterval,
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("OBSERVER_PARENT")); raw != "" {
		peer, err := parsePeer(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("OBSERVER_PARENT: %s", err))
		} else {
			cfg.Parent = &peer
		}
	}

	if raw := strings.TrimSpace(os.Getenv("OBSERVER_CHILDREN")); raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			peer, err := parsePeer(entry)
			if err != nil {
				problems = append(problems, fmt.Sprintf("OBSERVER_CHILDREN: %s", err))
				continue
			}
			cfg.Children = append(cfg.Children, peer)
		}
	}

	if raw := strings.TrimSpace(os.Getenv("OBSERVER_MAX_STREAMS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("OBSERVER_MAX_STREAMS must be a positive integer, got %q", raw))
		} else {
			cfg.MaxStreams = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("OBSERVER_WAIT_DELAY")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("OBSERVER_WAIT_DELAY must be a positive duration, got %q", raw))
		} else {
			cfg.WaitDelay = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("OBSERVER_WAIT_MAX")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("OBSERVER_WAIT_MAX must be a positive duration, got %q", raw))
		} else {
			cfg.WaitMax = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("OBSERVER_QUORUM")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("OBSERVER_QUORUM must be a positive integer, got %q", raw))
		} else {
			cfg.Quorum = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("OBSERVER_VERDICT_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("OBSERVER_VERDICT_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.VerdictWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("OBSERVER_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("OBSERVER_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("OBSERVER_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("OBSERVER_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("OBSERVER_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("OBSERVER_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("OBSERVER_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("OBSERVER_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("OBSERVER_SNAPSHOT_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("OBSERVER_SNAPSHOT_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.SnapshotPeriod = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("OBSERVER_CHILD_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("OBSERVER_CHILD_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.ChildTimeout = duration
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "OBSERVER_TLS_CERT and OBSERVER_TLS_KEY must be provided together")
	}

	if cfg.SelfURL == "" {
		problems = append(problems, "OBSERVER_SELF_URL must be set so the supervisor can PATCH its own row")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

// parsePeer parses a "name=url" peer descriptor.
func parsePeer(raw string) (Peer, error) {
	name, url, ok := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	url = strings.TrimSpace(url)
	if !ok || name == "" || url == "" {
		return Peer{}, fmt.Errorf("expected name=url, got %q", raw)
	}
	return Peer{Name: name, URL: url}, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
