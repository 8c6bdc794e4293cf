// Package history persists archived plan reports.
package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/convergectl/internal/plan"
)

var ErrClosed = errors.New("history: store closed")

// DefaultLimit bounds the in-memory ring when no capacity is given.
const DefaultLimit = 100

// Store keeps archived plans. List returns newest first; limit <= 0 means all.
// Prune drops reports archived before cutoff.
type Store interface {
	Archive(ctx context.Context, report plan.PlanReport) error
	List(ctx context.Context, limit int) ([]plan.PlanReport, error)
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

func archivedAt(report plan.PlanReport) time.Time {
	if report.ArchivedAt != nil {
		return *report.ArchivedAt
	}
	return report.CreatedAt
}

// Memory is a bounded ring of plan reports.
type Memory struct {
	mu       sync.RWMutex
	capacity int
	reports  []plan.PlanReport
	closed   bool
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultLimit
	}
	return &Memory{capacity: capacity}
}

func (m *Memory) Archive(ctx context.Context, report plan.PlanReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.reports = append(m.reports, report)
	if over := len(m.reports) - m.capacity; over > 0 {
		m.reports = append([]plan.PlanReport(nil), m.reports[over:]...)
	}
	return nil
}

func (m *Memory) List(ctx context.Context, limit int) ([]plan.PlanReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	n := len(m.reports)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]plan.PlanReport, 0, n)
	for i := len(m.reports) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.reports[i])
	}
	return out, nil
}

func (m *Memory) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	kept := m.reports[:0]
	for _, report := range m.reports {
		if archivedAt(report).Before(cutoff) {
			continue
		}
		kept = append(kept, report)
	}
	removed := len(m.reports) - len(kept)
	m.reports = kept
	return removed, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
