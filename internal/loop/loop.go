// Package loop runs tasks one at a time on a single worker goroutine.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/convergectl/internal/logging"
)

var ErrShutdownTimeout = errors.New("loop: shutdown grace period expired")

// DefaultCapacity bounds the task queue when New is given a non-positive size.
const DefaultCapacity = 64

// Task is one unit of cooperative work. ctx is cancelled only when a shutdown
// grace period expires or Run's context ends.
type Task func(ctx context.Context)

// Loop is a single-worker task queue. Tasks never run concurrently.
type Loop struct {
	tasks chan Task

	mu       sync.Mutex
	stopping bool
	running  bool

	taskCtx    context.Context
	cancelTask context.CancelFunc
	done       chan struct{}
}

func New(capacity int) *Loop {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		tasks:      make(chan Task, capacity),
		taskCtx:    ctx,
		cancelTask: cancel,
		done:       make(chan struct{}),
	}
}

// Run consumes tasks until Shutdown drains the queue or ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.New("loop: already running")
	}
	l.running = true
	l.mu.Unlock()
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			l.cancelTask()
			return ctx.Err()
		case task, ok := <-l.tasks:
			if !ok {
				l.cancelTask()
				return nil
			}
			l.run(task)
		}
	}
}

func (l *Loop) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errf("loop.Loop.run panic=%v", r)
		}
	}()
	task(l.taskCtx)
}

// Enqueue schedules task without blocking. It returns false when the queue is
// full or the loop is stopping.
func (l *Loop) Enqueue(task Task) bool {
	if task == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping {
		return false
	}
	select {
	case l.tasks <- task:
		return true
	default:
		logging.Warnf("loop.Loop.Enqueue dropped task queue_len=%d", len(l.tasks))
		return false
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	return len(l.tasks)
}

// Shutdown stops intake and waits up to grace for the in-flight and queued
// tasks. After grace the task context is cancelled and work is abandoned.
func (l *Loop) Shutdown(grace time.Duration) error {
	l.mu.Lock()
	if !l.stopping {
		l.stopping = true
		close(l.tasks)
	}
	running := l.running
	l.mu.Unlock()

	if !running {
		l.cancelTask()
		return nil
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-l.done:
		return nil
	case <-timer.C:
		l.cancelTask()
		logging.Warnf("loop.Loop.Shutdown grace=%s expired; abandoning in-flight work", grace)
		return ErrShutdownTimeout
	}
}

// Every enqueues task on each tick until ctx ends. A non-positive interval
// returns immediately.
func Every(ctx context.Context, interval time.Duration, l *Loop, task Task) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Enqueue(task)
		}
	}
}
