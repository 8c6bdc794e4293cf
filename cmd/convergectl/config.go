package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/convergectl/internal/server"
	"github.com/danmuck/convergectl/internal/tools"
)

// convergectl config.toml key mapping to service runtime settings.
type fileConfig struct {
	ListenAddr        string            `toml:"listen_addr"`
	Repo              string            `toml:"repo"`
	ArtifactVersion   string            `toml:"artifact_version"`
	PidFile           string            `toml:"pid_file"`
	ReconcileInterval string            `toml:"reconcile_interval"`
	ShutdownGrace     string            `toml:"shutdown_grace"`
	HistoryLimit      int               `toml:"history_limit"`
	QueueSize         int               `toml:"queue_size"`
	Surface           surfaceFileConfig `toml:"surface"`
	History           historyFileConfig `toml:"history"`
	Watch             watchFileConfig   `toml:"watch"`
}

type surfaceFileConfig struct {
	Kind                        string `toml:"kind"`
	Binary                      string `toml:"binary"`
	SSHHost                     string `toml:"ssh_host"`
	SSHPort                     string `toml:"ssh_port"`
	SSHUser                     string `toml:"ssh_user"`
	SSHKeyPath                  string `toml:"ssh_key_path"`
	SSHKnownHostsPath           string `toml:"ssh_known_hosts_path"`
	SSHInsecureSkipHostKeyCheck bool   `toml:"ssh_insecure_skip_host_key_check"`
	SSHTimeout                  string `toml:"ssh_timeout"`
}

type historyFileConfig struct {
	Backend   string `toml:"backend"`
	Path      string `toml:"path"`
	Retention string `toml:"retention"`
}

type watchFileConfig struct {
	TopologyFile string `toml:"topology_file"`
	Debounce     string `toml:"debounce"`
}

// convergectl loader for TOML config with default overlay.
func loadServiceConfig(path string) (server.Config, error) {
	cfg := server.DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return server.Config{}, fmt.Errorf("load convergectl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return server.Config{}, fmt.Errorf("load convergectl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("repo") {
		cfg.Repo = strings.TrimSpace(raw.Repo)
	}
	if meta.IsDefined("artifact_version") {
		cfg.ArtifactVersion = strings.TrimSpace(raw.ArtifactVersion)
	}
	if meta.IsDefined("pid_file") {
		cfg.PidFile = strings.TrimSpace(raw.PidFile)
	}
	if meta.IsDefined("reconcile_interval") {
		if cfg.ReconcileInterval, err = parseDuration("reconcile_interval", raw.ReconcileInterval); err != nil {
			return server.Config{}, err
		}
	}
	if meta.IsDefined("shutdown_grace") {
		if cfg.ShutdownGrace, err = parseDuration("shutdown_grace", raw.ShutdownGrace); err != nil {
			return server.Config{}, err
		}
	}
	if meta.IsDefined("history_limit") {
		cfg.HistoryLimit = raw.HistoryLimit
	}
	if meta.IsDefined("queue_size") {
		cfg.QueueSize = raw.QueueSize
	}

	if meta.IsDefined("surface", "kind") {
		cfg.Surface.Kind = strings.ToLower(strings.TrimSpace(raw.Surface.Kind))
	}
	if meta.IsDefined("surface", "binary") {
		cfg.Surface.Binary = strings.TrimSpace(raw.Surface.Binary)
	}
	if meta.IsDefined("surface", "ssh_host") {
		cfg.Surface.SSHHost = strings.TrimSpace(raw.Surface.SSHHost)
	}
	if meta.IsDefined("surface", "ssh_port") {
		cfg.Surface.SSHPort = strings.TrimSpace(raw.Surface.SSHPort)
	}
	if meta.IsDefined("surface", "ssh_user") {
		cfg.Surface.SSHUser = strings.TrimSpace(raw.Surface.SSHUser)
	}
	if meta.IsDefined("surface", "ssh_key_path") {
		cfg.Surface.SSHKeyPath = strings.TrimSpace(raw.Surface.SSHKeyPath)
	}
	if meta.IsDefined("surface", "ssh_known_hosts_path") {
		cfg.Surface.SSHKnownHostsPath = strings.TrimSpace(raw.Surface.SSHKnownHostsPath)
	}
	if meta.IsDefined("surface", "ssh_insecure_skip_host_key_check") {
		cfg.Surface.SSHInsecureSkipHostKeyCheck = raw.Surface.SSHInsecureSkipHostKeyCheck
	}
	if meta.IsDefined("surface", "ssh_timeout") {
		if cfg.Surface.SSHTimeout, err = parseDuration("surface.ssh_timeout", raw.Surface.SSHTimeout); err != nil {
			return server.Config{}, err
		}
	}

	if meta.IsDefined("history", "backend") {
		cfg.History.Backend = strings.ToLower(strings.TrimSpace(raw.History.Backend))
	}
	if meta.IsDefined("history", "path") {
		cfg.History.Path = strings.TrimSpace(raw.History.Path)
	}
	if meta.IsDefined("history", "retention") {
		if cfg.History.Retention, err = parseDuration("history.retention", raw.History.Retention); err != nil {
			return server.Config{}, err
		}
	}

	if meta.IsDefined("watch", "topology_file") {
		cfg.Watch.TopologyFile = strings.TrimSpace(raw.Watch.TopologyFile)
	}
	if meta.IsDefined("watch", "debounce") {
		if cfg.Watch.Debounce, err = parseDuration("watch.debounce", raw.Watch.Debounce); err != nil {
			return server.Config{}, err
		}
	}

	if err := expandPaths(&cfg); err != nil {
		return server.Config{}, fmt.Errorf("load convergectl config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return server.Config{}, fmt.Errorf("load convergectl config: %w", err)
	}
	return cfg, nil
}

// expandPaths resolves a leading "~" in every path-valued key.
func expandPaths(cfg *server.Config) error {
	for _, path := range []*string{
		&cfg.Repo,
		&cfg.PidFile,
		&cfg.Surface.SSHKeyPath,
		&cfg.Surface.SSHKnownHostsPath,
		&cfg.History.Path,
		&cfg.Watch.TopologyFile,
	} {
		expanded, err := tools.ExpandHome(*path)
		if err != nil {
			return err
		}
		*path = expanded
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("load convergectl config: %s: %w", key, err)
	}
	return d, nil
}
