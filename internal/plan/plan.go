package plan

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/convergectl/internal/surface"
	"github.com/google/uuid"
)

// Plan is an ordered batch of steps produced by one reconciliation pass.
type Plan struct {
	ID        string
	CreatedAt time.Time

	mu    sync.Mutex
	steps []*Step
	state State
}

func New() *Plan {
	return &Plan{ID: uuid.NewString(), CreatedAt: time.Now().UTC()}
}

// Append adds steps in order.
func (p *Plan) Append(steps ...*Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, steps...)
}

func (p *Plan) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.steps)
}

// Steps returns the step list in insertion order.
func (p *Plan) Steps() []*Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Step(nil), p.steps...)
}

func (p *Plan) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// FindNextStep returns the first Pending step, or nil.
func (p *Plan) FindNextStep() *Step {
	for _, step := range p.Steps() {
		if step.State() == Pending {
			return step
		}
	}
	return nil
}

// IsRunnable is true when the plan is non-empty, has a Pending step and holds
// no step outside Pending or Complete.
func (p *Plan) IsRunnable() bool {
	steps := p.Steps()
	if len(steps) == 0 {
		return false
	}
	pending := false
	for _, step := range steps {
		switch step.State() {
		case Pending:
			pending = true
		case Complete:
		default:
			return false
		}
	}
	return pending
}

// Advance runs at most one step.
func (p *Plan) Advance(ctx context.Context, target surface.Surface) error {
	next := p.FindNextStep()
	if next == nil {
		p.setState(Complete)
		return nil
	}
	p.setState(Running)
	if err := next.Run(ctx, target); err != nil {
		return err
	}
	switch {
	case next.State() != Complete:
		p.setState(Failed)
	case p.FindNextStep() == nil:
		p.setState(Complete)
	}
	return nil
}

// Settle fixes the final state of a plan that stopped being runnable.
func (p *Plan) Settle() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return p.state
	}
	for _, step := range p.steps {
		if step.State() == Failed {
			p.state = Failed
			return p.state
		}
	}
	pending := false
	for _, step := range p.steps {
		if step.State() == Pending {
			pending = true
		}
	}
	if !pending {
		p.state = Complete
	}
	return p.state
}

func (p *Plan) setState(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}

// Describe returns the string form of every step.
func (p *Plan) Describe() []string {
	steps := p.Steps()
	out := make([]string, 0, len(steps))
	for _, step := range steps {
		out = append(out, step.String())
	}
	return out
}
