package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/convergectl/internal/logging"
	"github.com/danmuck/convergectl/internal/plan"
	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "plan/"

// keyTimeFormat is fixed width so keys sort chronologically.
const keyTimeFormat = "2006-01-02T15:04:05.000000000Z"

type BadgerConfig struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// Badger stores plan reports as JSON under plan/<archived time>/<id>.
type Badger struct {
	db *badger.DB
}

type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logging.Errf("history.badger "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...any) {
	logging.Warnf("history.badger "+format, args...)
}

func (badgerLogger) Infof(format string, args ...any) {
	logging.Debugf("history.badger "+format, args...)
}

func (badgerLogger) Debugf(format string, args ...any) {}

func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("history: badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("history: create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("history: open badger database: %w", err)
	}
	return &Badger{db: db}, nil
}

func reportKey(report plan.PlanReport) []byte {
	return []byte(keyPrefix + archivedAt(report).UTC().Format(keyTimeFormat) + "/" + report.ID)
}

func (b *Badger) Archive(ctx context.Context, report plan.PlanReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("history: encode plan %s: %w", report.ID, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(reportKey(report), raw)
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

func (b *Badger) List(ctx context.Context, limit int) ([]plan.PlanReport, error) {
	var out []plan.PlanReport
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts from the greatest key with the prefix.
		seek := append([]byte(keyPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var report plan.PlanReport
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &report)
			}); err != nil {
				return fmt.Errorf("history: decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, report)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, ErrClosed
	}
	return out, err
}

// Prune drops reports archived before cutoff and returns how many were removed.
func (b *Badger) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	bound := []byte(keyPrefix + cutoff.UTC().Format(keyTimeFormat))
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= string(bound) {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}
