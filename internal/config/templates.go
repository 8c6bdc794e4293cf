// Package config holds the annotated convergectl config.toml template.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrExists = errors.New("config: file already exists")

// Template returns the default config.toml body. Every key matches
// server.DefaultConfig so an untouched template changes nothing.
func Template() string {
	return serviceTemplate
}

// WriteTemplate writes the template to path, creating parent directories.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, []byte(serviceTemplate), 0o600)
}

const serviceTemplate = `# convergectl service configuration
listen_addr = "127.0.0.1:8888"
# repo = "~/.config/convergectl/artifacts"
artifact_version = "latest"
# pid_file = "~/.config/convergectl/server.pid"
reconcile_interval = "30s"
shutdown_grace = "3s"
history_limit = 100
queue_size = 64

[surface]
# memory | exec | ssh
kind = "exec"
binary = "juju"
# ssh_host = "bastion.internal"
# ssh_port = "22"
# ssh_user = "ops"
# ssh_key_path = "~/.ssh/id_ed25519"
# ssh_known_hosts_path = "~/.ssh/known_hosts"
ssh_insecure_skip_host_key_check = false
ssh_timeout = "10s"

[history]
# memory | badger
backend = "memory"
# path = "/var/lib/convergectl/history"
# reports archived longer ago than this are pruned; "0s" keeps everything
retention = "168h"

[watch]
# topology_file = "/etc/convergectl/topology.yaml"
debounce = "500ms"
`
