package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/convergectl/internal/logging"
	"github.com/danmuck/convergectl/internal/loop"
	"github.com/danmuck/convergectl/internal/observability"
	"github.com/danmuck/convergectl/internal/plan"
	"github.com/danmuck/convergectl/internal/surface"
	"github.com/danmuck/convergectl/internal/topology"
)

var (
	ErrNoSurface   = errors.New("reconcile: execution surface required")
	ErrNoPublisher = errors.New("reconcile: no artifact publisher configured")
)

// DefaultHistoryLimit bounds in-memory plan history.
const DefaultHistoryLimit = 100

// Scheduler accepts follow-up work without blocking.
type Scheduler interface {
	Enqueue(task loop.Task) bool
}

// Archiver receives every archived plan report.
type Archiver interface {
	Archive(ctx context.Context, report plan.PlanReport) error
}

// Publisher generates and uploads locally built artifacts.
type Publisher interface {
	Generate(services map[string]topology.ServiceSpec) error
	Publish(ctx context.Context, target surface.Surface, service, ref string) error
}

type Config struct {
	ArtifactVersion string
	HistoryLimit    int
}

func DefaultConfig() Config {
	return Config{HistoryLimit: DefaultHistoryLimit}
}

type Option func(*Reconciler)

func WithScheduler(s Scheduler) Option {
	return func(r *Reconciler) { r.scheduler = s }
}

func WithArchiver(a Archiver) Option {
	return func(r *Reconciler) { r.archiver = a }
}

func WithPublisher(p Publisher) Option {
	return func(r *Reconciler) { r.publisher = p }
}

// WithPrevious seeds the desired topology of the last converged pass.
func WithPrevious(previous *topology.DesiredTopology) Option {
	return func(r *Reconciler) { r.previous = previous.Clone() }
}

// Reconciler holds desired, previous and current plan state. A nil scheduler
// leaves follow-up advances to the next external trigger.
type Reconciler struct {
	target    surface.Surface
	scheduler Scheduler
	archiver  Archiver
	publisher Publisher
	cfg       Config
	now       func() time.Time

	mu       sync.RWMutex
	expected *topology.DesiredTopology
	previous *topology.DesiredTopology
	current  *plan.Plan
	basis    *topology.DesiredTopology
	history  []plan.PlanReport

	exec sync.Mutex
}

func New(target surface.Surface, cfg Config, opts ...Option) (*Reconciler, error) {
	if target == nil {
		return nil, ErrNoSurface
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	r := &Reconciler{target: target, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Submit validates desired and replaces expected wholesale. Local artifacts
// are rejected when no publisher is configured.
func (r *Reconciler) Submit(desired *topology.DesiredTopology) error {
	if err := desired.Validate(); err != nil {
		return err
	}
	if r.publisher == nil {
		for _, name := range desired.ServiceNames() {
			if ref, ok := desired.Services[name].LocalRef(); ok {
				return fmt.Errorf("%w: service %q references %s", ErrNoPublisher, name, ref)
			}
		}
	}
	snapshot := desired.Clone()
	if snapshot.Services == nil {
		snapshot.Services = map[string]topology.ServiceSpec{}
	}
	r.mu.Lock()
	r.expected = snapshot
	r.mu.Unlock()
	logging.Infof("reconcile.Reconciler.Submit services=%d relations=%d", len(snapshot.Services), len(snapshot.Relations))
	return nil
}

// Expected returns a copy of the desired topology, or nil when none is set.
func (r *Reconciler) Expected() *topology.DesiredTopology {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.expected.Clone()
}

// Previous returns a copy of the desired topology from the last converged pass.
func (r *Reconciler) Previous() *topology.DesiredTopology {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.previous.Clone()
}

// Reconcile is the trigger entry point: build a plan when none is active,
// then advance it.
func (r *Reconciler) Reconcile(ctx context.Context) {
	if r.currentPlan() == nil {
		r.startPass(ctx)
	}
	r.ExecutePlan(ctx)
}

// Task adapts Reconcile for a Scheduler.
func (r *Reconciler) Task() loop.Task {
	return r.Reconcile
}

func (r *Reconciler) startPass(ctx context.Context) {
	p, basis := r.buildPlan(ctx, nil)
	switch {
	case p == nil:
		observability.RecordReconcilePass(observability.PassOutcomeUnavailable)
	case basis == nil:
		observability.RecordReconcilePass(observability.PassOutcomeIdle)
	case p.Len() == 0:
		r.mu.Lock()
		r.previous = basis
		r.mu.Unlock()
		observability.RecordReconcilePass(observability.PassOutcomeConverged)
		logging.Debugf("reconcile.Reconciler.startPass converged")
	default:
		r.mu.Lock()
		installed := r.current == nil
		if installed {
			r.current = p
			r.basis = basis
		}
		r.mu.Unlock()
		if installed {
			observability.RecordReconcilePass(observability.PassOutcomePlanned)
			logging.Infof("reconcile.Reconciler.startPass plan=%q steps=%d", p.ID, p.Len())
		}
	}
}

// ExecutePlan advances the current plan by exactly one step. Concurrent calls
// no-op while another advance holds the execution lock.
func (r *Reconciler) ExecutePlan(ctx context.Context) {
	p := r.currentPlan()
	if p == nil || !p.IsRunnable() {
		return
	}
	if !r.exec.TryLock() {
		logging.Debugf("reconcile.Reconciler.ExecutePlan plan=%q busy", p.ID)
		return
	}
	defer r.exec.Unlock()

	if r.currentPlan() != p || !p.IsRunnable() {
		return
	}
	if err := p.Advance(ctx, r.target); err != nil {
		logging.Errf("reconcile.Reconciler.ExecutePlan plan=%q err=%q", p.ID, err.Error())
	}
	if r.currentPlan() != p {
		return
	}
	if p.IsRunnable() {
		if r.scheduler != nil && !r.scheduler.Enqueue(r.ExecutePlan) {
			logging.Warnf("reconcile.Reconciler.ExecutePlan plan=%q reschedule rejected", p.ID)
		}
		return
	}
	r.archive(ctx, p, true)
}

// Reset clears expected and archives the current plan without executing it further.
func (r *Reconciler) Reset(ctx context.Context) {
	r.mu.Lock()
	r.expected = nil
	p := r.current
	r.mu.Unlock()
	if p != nil {
		r.archive(ctx, p, false)
	}
	logging.Infof("reconcile.Reconciler.Reset")
}

// archive moves p into history. Only a converged plan advances previous.
func (r *Reconciler) archive(ctx context.Context, p *plan.Plan, settle bool) {
	state := p.State()
	if settle {
		state = p.Settle()
	}
	report := p.Report().Archived(r.now())

	r.mu.Lock()
	if r.current != p {
		r.mu.Unlock()
		return
	}
	if settle && state == plan.Complete && r.basis != nil {
		r.previous = r.basis
	}
	r.current = nil
	r.basis = nil
	r.history = append(r.history, report)
	if over := len(r.history) - r.cfg.HistoryLimit; over > 0 {
		r.history = append([]plan.PlanReport(nil), r.history[over:]...)
	}
	r.mu.Unlock()

	observability.RecordPlan(report.State.String())
	logging.Infof("reconcile.Reconciler.archive plan=%q state=%s steps=%d", report.ID, report.State, len(report.Steps))
	if r.archiver != nil {
		if err := r.archiver.Archive(ctx, report); err != nil {
			logging.Warnf("reconcile.Reconciler.archive plan=%q archiver err=%q", report.ID, err.Error())
		}
	}
}

func (r *Reconciler) currentPlan() *plan.Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// CurrentSteps returns the string form of each step in the current plan.
func (r *Reconciler) CurrentSteps() []string {
	p := r.currentPlan()
	if p == nil {
		return []string{}
	}
	return p.Describe()
}

// CurrentPlan returns the report of the active plan.
func (r *Reconciler) CurrentPlan() (plan.PlanReport, bool) {
	p := r.currentPlan()
	if p == nil {
		return plan.PlanReport{}, false
	}
	return p.Report(), true
}

// History returns archived plans newest first; limit <= 0 means all.
func (r *Reconciler) History(limit int) []plan.PlanReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]plan.PlanReport, 0, n)
	for i := len(r.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.history[i])
	}
	return out
}
