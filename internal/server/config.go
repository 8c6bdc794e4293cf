package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/convergectl/internal/surface"
)

var ErrInvalidConfig = errors.New("server: invalid config")

// DefaultRetention keeps one week of archived plans.
const DefaultRetention = 7 * 24 * time.Hour

const (
	SurfaceMemory = "memory"
	SurfaceExec   = "exec"
	SurfaceSSH    = "ssh"

	HistoryMemory = "memory"
	HistoryBadger = "badger"
)

// SurfaceConfig selects how the deployment target is reached.
type SurfaceConfig struct {
	Kind                        string
	Binary                      string
	SSHHost                     string
	SSHPort                     string
	SSHUser                     string
	SSHKeyPath                  string
	SSHKnownHostsPath           string
	SSHInsecureSkipHostKeyCheck bool
	SSHTimeout                  time.Duration
}

// HistoryConfig selects the archive backend. Reports older than Retention
// are pruned; zero keeps everything.
type HistoryConfig struct {
	Backend   string
	Path      string
	Retention time.Duration
}

type WatchConfig struct {
	TopologyFile string
	Debounce     time.Duration
}

// Config is the runtime configuration of one convergectl service.
type Config struct {
	ListenAddr        string
	Repo              string
	ArtifactVersion   string
	PidFile           string
	ReconcileInterval time.Duration
	ShutdownGrace     time.Duration
	HistoryLimit      int
	QueueSize         int
	Surface           SurfaceConfig
	History           HistoryConfig
	Watch             WatchConfig
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:8888",
		Repo:              defaultRepo(),
		ArtifactVersion:   "latest",
		PidFile:           defaultPidFile(),
		ReconcileInterval: 30 * time.Second,
		ShutdownGrace:     3 * time.Second,
		HistoryLimit:      100,
		QueueSize:         64,
		Surface: SurfaceConfig{
			Kind:       SurfaceExec,
			Binary:     surface.DefaultBinary,
			SSHTimeout: 10 * time.Second,
		},
		History: HistoryConfig{Backend: HistoryMemory, Retention: DefaultRetention},
		Watch:   WatchConfig{Debounce: 500 * time.Millisecond},
	}
}

func defaultRepo() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "artifacts"
	}
	return filepath.Join(home, ".config", "convergectl", "artifacts")
}

func defaultPidFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "convergectl", "server.pid")
}

// Validate enforces the fields the service needs to start.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("%w: listen_addr required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Repo) == "" {
		return fmt.Errorf("%w: repo required", ErrInvalidConfig)
	}
	if c.ShutdownGrace < 0 || c.ReconcileInterval < 0 || c.History.Retention < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	switch c.Surface.Kind {
	case SurfaceMemory, SurfaceExec:
	case SurfaceSSH:
		if strings.TrimSpace(c.Surface.SSHHost) == "" || strings.TrimSpace(c.Surface.SSHUser) == "" {
			return fmt.Errorf("%w: ssh surface requires ssh_host and ssh_user", ErrInvalidConfig)
		}
		if strings.TrimSpace(c.Surface.SSHKeyPath) == "" {
			return fmt.Errorf("%w: ssh surface requires ssh_key_path", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown surface kind %q", ErrInvalidConfig, c.Surface.Kind)
	}
	switch c.History.Backend {
	case HistoryMemory:
	case HistoryBadger:
		if strings.TrimSpace(c.History.Path) == "" {
			return fmt.Errorf("%w: badger history requires a path", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown history backend %q", ErrInvalidConfig, c.History.Backend)
	}
	return nil
}
