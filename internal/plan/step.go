package plan

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/convergectl/internal/logging"
	"github.com/danmuck/convergectl/internal/observability"
	"github.com/danmuck/convergectl/internal/surface"
	"github.com/danmuck/convergectl/internal/topology"
)

// Kind names a remedial step type.
type Kind string

const (
	KindGenerateArtifacts   Kind = "GenerateArtifacts"
	KindPublishLocalPackage Kind = "PublishLocalPackage"
	KindCreateService       Kind = "CreateService"
	KindDestroyService      Kind = "DestroyService"
	KindAddRelation         Kind = "AddRelation"
	KindRemoveRelation      Kind = "RemoveRelation"
)

// ServiceLevel reports whether the kind acts on services rather than relations.
func (k Kind) ServiceLevel() bool {
	return k != KindAddRelation && k != KindRemoveRelation
}

// Step is one idempotent remedial action with its own state machine.
type Step struct {
	kind   Kind
	params map[string]string
	action Action

	mu        sync.Mutex
	state     State
	startedAt time.Time
	endedAt   time.Time
	failure   error

	now func() time.Time
}

// NewStep builds a Pending step. params are copied.
func NewStep(kind Kind, params map[string]string, action Action) *Step {
	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}
	return &Step{kind: kind, params: copied, action: action, now: time.Now}
}

func GenerateArtifacts(version string, generate func() error) *Step {
	return NewStep(KindGenerateArtifacts, map[string]string{"version": version}, Simple(generate))
}

// PublishLocalPackage uploads a locally built artifact for service.
func PublishLocalPackage(service, ref string, publish func(context.Context, surface.Surface) error) *Step {
	return NewStep(KindPublishLocalPackage, map[string]string{"service": service, "ref": ref}, ContextAware(publish))
}

func CreateService(name string, spec topology.ServiceSpec) *Step {
	params := map[string]string{"service": name, "units": fmt.Sprint(spec.UnitCount())}
	if spec.Artifact != "" {
		params["artifact"] = spec.Artifact
	}
	return NewStep(KindCreateService, params, ContextAware(func(ctx context.Context, target surface.Surface) error {
		return target.Deploy(ctx, name, spec)
	}))
}

func DestroyService(name string) *Step {
	return NewStep(KindDestroyService, map[string]string{"service": name}, ContextAware(func(ctx context.Context, target surface.Surface) error {
		return target.DestroyService(ctx, name)
	}))
}

func AddRelation(a, b string) *Step {
	return NewStep(KindAddRelation, map[string]string{"endpoint_a": a, "endpoint_b": b}, ContextAware(func(ctx context.Context, target surface.Surface) error {
		return target.AddRelation(ctx, a, b)
	}))
}

func RemoveRelation(a, b string) *Step {
	return NewStep(KindRemoveRelation, map[string]string{"endpoint_a": a, "endpoint_b": b}, ContextAware(func(ctx context.Context, target surface.Surface) error {
		return target.RemoveRelation(ctx, a, b)
	}))
}

// Run executes the step once. Action failures, including panics, are captured
// on the step; only running a non-Pending step returns an error.
func (s *Step) Run(ctx context.Context, target surface.Surface) error {
	s.mu.Lock()
	if s.state != Pending {
		state := s.state
		s.mu.Unlock()
		return &OutOfOrderError{Kind: s.kind, State: state}
	}
	s.state = Running
	s.startedAt = s.now()
	s.mu.Unlock()

	logging.Debugf("plan.Step.Run step=%q", s.String())
	err := s.invoke(ctx, target)

	s.mu.Lock()
	s.endedAt = s.now()
	if err != nil {
		s.state = Failed
		s.failure = err
	} else {
		s.state = Complete
	}
	state, duration := s.state, s.endedAt.Sub(s.startedAt)
	s.mu.Unlock()

	observability.RecordStep(string(s.kind), state.String(), duration)
	if err != nil {
		logging.Warnf("plan.Step.Run kind=%q params=%q failure=%q", s.kind, s.paramString(), err.Error())
	} else {
		logging.Infof("plan.Step.Run kind=%q params=%q duration=%s", s.kind, s.paramString(), duration)
	}
	return nil
}

func (s *Step) invoke(ctx context.Context, target surface.Surface) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	if s.action == nil {
		return nil
	}
	return s.action.Invoke(ctx, target)
}

func (s *Step) Kind() Kind {
	return s.kind
}

// Param returns one parameter value.
func (s *Step) Param(key string) string {
	return s.params[key]
}

func (s *Step) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Step) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Step) String() string {
	return fmt.Sprintf("%s [%s]: %s", s.kind, s.State(), s.paramString())
}

func (s *Step) paramString() string {
	keys := make([]string, 0, len(s.params))
	for k := range s.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+s.params[k])
	}
	return strings.Join(parts, " ")
}
