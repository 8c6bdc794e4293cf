package reconcile

import (
	"context"

	"github.com/danmuck/convergectl/internal/logging"
	"github.com/danmuck/convergectl/internal/plan"
	"github.com/danmuck/convergectl/internal/surface"
	"github.com/danmuck/convergectl/internal/topology"
)

// BuildPlan diffs expected against observed, fetching observed from the
// surface when nil. It returns nil when the target state is unknown and an
// empty plan when nothing is expected.
func (r *Reconciler) BuildPlan(ctx context.Context, observed *topology.ObservedTopology) *plan.Plan {
	p, _ := r.buildPlan(ctx, observed)
	return p
}

func (r *Reconciler) buildPlan(ctx context.Context, observed *topology.ObservedTopology) (*plan.Plan, *topology.DesiredTopology) {
	if observed == nil {
		status, err := r.target.Status(ctx)
		if err != nil {
			logging.Warnf("reconcile.Reconciler.BuildPlan status err=%q", err.Error())
			return nil, nil
		}
		if status == nil {
			logging.Debugf("reconcile.Reconciler.BuildPlan observed topology unknown")
			return nil, nil
		}
		observed = status
	}

	r.mu.RLock()
	expected, previous := r.expected, r.previous
	r.mu.RUnlock()

	p := plan.New()
	if expected == nil {
		return p, nil
	}
	p.Append(r.buildServiceSteps(expected, previous, observed)...)
	p.Append(r.buildRelationSteps(expected, observed)...)
	return p, expected
}

// buildServiceSteps adds D-O and removes (P-D)∩O. GenerateArtifacts leads the
// additions only when a publisher is configured. Spec changes to existing
// services are not detected.
func (r *Reconciler) buildServiceSteps(expected, previous *topology.DesiredTopology, observed *topology.ObservedTopology) []*plan.Step {
	var steps []*plan.Step

	var additions []string
	for _, name := range expected.ServiceNames() {
		if !observed.HasService(name) {
			additions = append(additions, name)
		}
	}
	if len(additions) > 0 {
		if r.publisher != nil {
			steps = append(steps, plan.GenerateArtifacts(r.cfg.ArtifactVersion, r.generate(expected.Services)))
		}
		for _, name := range additions {
			spec := expected.Services[name]
			if ref, ok := spec.LocalRef(); ok {
				steps = append(steps, plan.PublishLocalPackage(name, ref, r.publish(name, ref)))
			}
			steps = append(steps, plan.CreateService(name, spec))
		}
	}

	for _, name := range previous.ServiceNames() {
		if _, still := expected.Services[name]; still {
			continue
		}
		if observed.HasService(name) {
			steps = append(steps, plan.DestroyService(name))
		}
	}
	return steps
}

// buildRelationSteps adds every normalized pair the observed graph lacks.
// Relations are never removed.
func (r *Reconciler) buildRelationSteps(expected *topology.DesiredTopology, observed *topology.ObservedTopology) []*plan.Step {
	var steps []*plan.Step
	for _, pair := range topology.NormalizeRelations(expected.Relations) {
		if observed.PairSatisfied(pair) {
			continue
		}
		steps = append(steps, plan.AddRelation(pair.A, pair.B))
	}
	return steps
}

func (r *Reconciler) generate(services map[string]topology.ServiceSpec) func() error {
	return func() error {
		if r.publisher == nil {
			return ErrNoPublisher
		}
		return r.publisher.Generate(services)
	}
}

func (r *Reconciler) publish(service, ref string) func(context.Context, surface.Surface) error {
	return func(ctx context.Context, target surface.Surface) error {
		if r.publisher == nil {
			return ErrNoPublisher
		}
		return r.publisher.Publish(ctx, target, service, ref)
	}
}
