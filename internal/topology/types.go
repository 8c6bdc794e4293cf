package topology

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidTopology = errors.New("topology: invalid desired topology")
	ErrInvalidRelation = errors.New("topology: invalid relation expression")
)

// LocalPrefix marks artifacts built from the local artifact repository.
const LocalPrefix = "local:"

// ServiceSpec is one desired service definition.
type ServiceSpec struct {
	Artifact    string         `json:"charm,omitempty" yaml:"charm,omitempty"`
	Branch      string         `json:"branch,omitempty" yaml:"branch,omitempty"`
	Units       int            `json:"num_units,omitempty" yaml:"num_units,omitempty"`
	Config      map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
	Constraints string         `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Expose      bool           `json:"expose,omitempty" yaml:"expose,omitempty"`
}

// LocalRef returns the local artifact reference, preferring branch over artifact.
func (s ServiceSpec) LocalRef() (string, bool) {
	for _, ref := range []string{s.Branch, s.Artifact} {
		ref = strings.TrimSpace(ref)
		if strings.HasPrefix(ref, LocalPrefix) {
			return ref, true
		}
	}
	return "", false
}

// UnitCount returns the requested unit count with the default of one.
func (s ServiceSpec) UnitCount() int {
	if s.Units <= 0 {
		return 1
	}
	return s.Units
}

func (s ServiceSpec) clone() ServiceSpec {
	out := s
	out.Config = cloneConfig(s.Config)
	return out
}

// DesiredTopology is the declared target state submitted by an operator.
type DesiredTopology struct {
	Services  map[string]ServiceSpec `json:"services" yaml:"services"`
	Relations []RelationExpr         `json:"relations" yaml:"relations"`
}

// Validate enforces service names and relation endpoints.
func (d *DesiredTopology) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: empty document", ErrInvalidTopology)
	}
	for name := range d.Services {
		if strings.TrimSpace(name) == "" || strings.Contains(name, ":") {
			return fmt.Errorf("%w: invalid service name %q", ErrInvalidTopology, name)
		}
	}
	for idx, rel := range d.Relations {
		if err := rel.Validate(); err != nil {
			return fmt.Errorf("%w: relations[%d]: %v", ErrInvalidTopology, idx, err)
		}
	}
	return nil
}

// ServiceNames returns desired service names in sorted order.
func (d *DesiredTopology) ServiceNames() []string {
	if d == nil {
		return nil
	}
	return sortedKeys(d.Services)
}

// Clone returns a deep copy so callers never share mutable state.
func (d *DesiredTopology) Clone() *DesiredTopology {
	if d == nil {
		return nil
	}
	out := &DesiredTopology{
		Services:  make(map[string]ServiceSpec, len(d.Services)),
		Relations: make([]RelationExpr, 0, len(d.Relations)),
	}
	for name, spec := range d.Services {
		out.Services[name] = spec.clone()
	}
	for _, rel := range d.Relations {
		out.Relations = append(out.Relations, RelationExpr{
			From: rel.From,
			To:   append([]string(nil), rel.To...),
		})
	}
	return out
}

// ObservedService is one service as reported by the deployment target.
type ObservedService struct {
	Artifact  string              `json:"Charm,omitempty"`
	Relations map[string][]string `json:"Relations,omitempty"`
}

// ObservedTopology is a read-only snapshot fetched fresh on every pass.
type ObservedTopology struct {
	Services map[string]ObservedService `json:"Services"`
}

// Clone returns a deep copy of the observed snapshot.
func (o *ObservedTopology) Clone() *ObservedTopology {
	if o == nil {
		return nil
	}
	out := &ObservedTopology{Services: make(map[string]ObservedService, len(o.Services))}
	for name, svc := range o.Services {
		out.Services[name] = ObservedService{
			Artifact:  svc.Artifact,
			Relations: cloneRelations(svc.Relations),
		}
	}
	return out
}

// ServiceNames returns observed service names in sorted order.
func (o *ObservedTopology) ServiceNames() []string {
	if o == nil {
		return nil
	}
	return sortedKeys(o.Services)
}

// HasService reports whether name exists in the observed snapshot.
func (o *ObservedTopology) HasService(name string) bool {
	if o == nil {
		return false
	}
	_, ok := o.Services[name]
	return ok
}

func sortedKeys[V any](in map[string]V) []string {
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cloneConfig(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneConfig(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = cloneValue(typed[i])
		}
		return out
	default:
		return v
	}
}

func cloneRelations(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for iface, related := range in {
		out[iface] = append([]string(nil), related...)
	}
	return out
}
