// Package watch submits a desired topology file whenever it changes on disk.
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danmuck/convergectl/internal/logging"
	"github.com/danmuck/convergectl/internal/topology"
	"github.com/fsnotify/fsnotify"
)

var ErrNoPath = errors.New("watch: topology file path required")

const DefaultDebounce = 500 * time.Millisecond

type Config struct {
	Path     string
	Debounce time.Duration
}

// SubmitFunc receives each decoded topology.
type SubmitFunc func(ctx context.Context, desired *topology.DesiredTopology) error

// Watcher watches the file's directory so atomic saves are seen.
type Watcher struct {
	path     string
	debounce time.Duration
	submit   SubmitFunc
	lastHash string
}

func New(cfg Config, submit SubmitFunc) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, ErrNoPath
	}
	if submit == nil {
		return nil, errors.New("watch: submit callback required")
	}
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, err
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Watcher{path: path, debounce: cfg.Debounce, submit: submit}, nil
}

// Load reads, decodes and submits the file when its content changed.
func (w *Watcher) Load(ctx context.Context) error {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	if hash == w.lastHash {
		return nil
	}
	desired, err := topology.DecodeDesired(raw, topology.FormatFor(w.path))
	if err != nil {
		return fmt.Errorf("watch: %s: %w", w.path, err)
	}
	if err := w.submit(ctx, desired); err != nil {
		return err
	}
	w.lastHash = hash
	logging.Infof("watch.Watcher.Load path=%q services=%d", w.path, len(desired.Services))
	return nil
}

// Run loads the file once if present, then follows changes until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create fsnotify: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch: watch %s: %w", dir, err)
	}

	if err := w.Load(ctx); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warnf("watch.Watcher.Run initial load err=%q", err.Error())
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logging.Errf("watch.Watcher.Run fsnotify err=%q", err.Error())
		case <-timer.C:
			if err := w.Load(ctx); err != nil {
				logging.Warnf("watch.Watcher.Run load err=%q", err.Error())
			}
		}
	}
}
