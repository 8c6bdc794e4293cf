package plan

import (
	"context"

	"github.com/danmuck/convergectl/internal/surface"
)

// Action is the kind-specific work of a step.
type Action interface {
	Invoke(ctx context.Context, target surface.Surface) error
}

type simpleAction struct {
	fn func() error
}

func (a simpleAction) Invoke(context.Context, surface.Surface) error {
	if a.fn == nil {
		return nil
	}
	return a.fn()
}

type contextAwareAction struct {
	fn func(context.Context, surface.Surface) error
}

func (a contextAwareAction) Invoke(ctx context.Context, target surface.Surface) error {
	if a.fn == nil {
		return nil
	}
	return a.fn(ctx, target)
}

// Simple wraps work that never touches the execution surface.
func Simple(fn func() error) Action {
	return simpleAction{fn: fn}
}

// ContextAware wraps work that calls the execution surface.
func ContextAware(fn func(context.Context, surface.Surface) error) Action {
	return contextAwareAction{fn: fn}
}
