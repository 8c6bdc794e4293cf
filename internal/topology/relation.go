package topology

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Endpoint is a relation endpoint written as "service" or "service:interface".
type Endpoint struct {
	Service   string
	Interface string
}

// ParseEndpoint splits raw on the first ':'.
func ParseEndpoint(raw string) Endpoint {
	raw = strings.TrimSpace(raw)
	name, iface, found := strings.Cut(raw, ":")
	if !found {
		return Endpoint{Service: raw}
	}
	return Endpoint{Service: strings.TrimSpace(name), Interface: strings.TrimSpace(iface)}
}

func (e Endpoint) String() string {
	if e.Interface == "" {
		return e.Service
	}
	return e.Service + ":" + e.Interface
}

// RelationExpr pairs one endpoint with one or more peers (fan-out).
type RelationExpr struct {
	From string
	To   []string
}

// Validate rejects empty endpoints.
func (r RelationExpr) Validate() error {
	if ParseEndpoint(r.From).Service == "" {
		return fmt.Errorf("%w: missing endpoint", ErrInvalidRelation)
	}
	if len(r.To) == 0 {
		return fmt.Errorf("%w: %s has no peer endpoint", ErrInvalidRelation, r.From)
	}
	for _, to := range r.To {
		if ParseEndpoint(to).Service == "" {
			return fmt.Errorf("%w: %s has an empty peer endpoint", ErrInvalidRelation, r.From)
		}
	}
	return nil
}

// UnmarshalJSON decodes [a, b] or [a, [b, c, ...]].
func (r *RelationExpr) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRelation, err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("%w: expected 2 elements, got %d", ErrInvalidRelation, len(raw))
	}
	var from string
	if err := json.Unmarshal(raw[0], &from); err != nil {
		return fmt.Errorf("%w: first endpoint must be a string", ErrInvalidRelation)
	}
	var single string
	if err := json.Unmarshal(raw[1], &single); err == nil {
		*r = RelationExpr{From: from, To: []string{single}}
		return nil
	}
	var many []string
	if err := json.Unmarshal(raw[1], &many); err != nil {
		return fmt.Errorf("%w: second endpoint must be a string or list of strings", ErrInvalidRelation)
	}
	*r = RelationExpr{From: from, To: many}
	return nil
}

// MarshalJSON mirrors UnmarshalJSON; single peers are written as plain strings.
func (r RelationExpr) MarshalJSON() ([]byte, error) {
	if len(r.To) == 1 {
		return json.Marshal([]any{r.From, r.To[0]})
	}
	return json.Marshal([]any{r.From, r.To})
}

// UnmarshalYAML decodes the same two element sequence shape as JSON.
func (r *RelationExpr) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode || len(node.Content) != 2 {
		return fmt.Errorf("%w: line %d: expected a two element sequence", ErrInvalidRelation, node.Line)
	}
	var from string
	if err := node.Content[0].Decode(&from); err != nil || node.Content[0].Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: line %d: first endpoint must be a string", ErrInvalidRelation, node.Line)
	}
	peer := node.Content[1]
	switch peer.Kind {
	case yaml.ScalarNode:
		*r = RelationExpr{From: from, To: []string{peer.Value}}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := peer.Decode(&many); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrInvalidRelation, peer.Line, err)
		}
		*r = RelationExpr{From: from, To: many}
		return nil
	default:
		return fmt.Errorf("%w: line %d: second endpoint must be a string or list", ErrInvalidRelation, peer.Line)
	}
}

// MarshalYAML mirrors MarshalJSON.
func (r RelationExpr) MarshalYAML() (any, error) {
	if len(r.To) == 1 {
		return []any{r.From, r.To[0]}, nil
	}
	return []any{r.From, r.To}, nil
}

// Pair is an unordered endpoint pair stored with A <= B.
type Pair struct {
	A string
	B string
}

// NewPair orders a and b.
func NewPair(a, b string) Pair {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

func (p Pair) String() string {
	return p.A + " <-> " + p.B
}

// NormalizeRelations expands fan-out expressions into sorted, deduplicated pairs.
func NormalizeRelations(rels []RelationExpr) []Pair {
	seen := make(map[Pair]struct{})
	out := make([]Pair, 0, len(rels))
	for _, rel := range rels {
		for _, to := range rel.To {
			pair := NewPair(rel.From, to)
			if _, ok := seen[pair]; ok {
				continue
			}
			seen[pair] = struct{}{}
			out = append(out, pair)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// HasRelation reports whether the observed graph already satisfies a<->b.
//
// Each side that carries an interface qualifier must be satisfied from its own
// service's relation map through that interface; at least one side must be
// satisfied.
func (o *ObservedTopology) HasRelation(a, b Endpoint) bool {
	if o == nil {
		return false
	}
	sideA := o.connected(a, b.Service)
	sideB := o.connected(b, a.Service)
	if a.Interface != "" && !sideA {
		return false
	}
	if b.Interface != "" && !sideB {
		return false
	}
	return sideA || sideB
}

// connected checks local's relation map for a link to remote.
func (o *ObservedTopology) connected(local Endpoint, remote string) bool {
	svc, ok := o.Services[local.Service]
	if !ok {
		return false
	}
	for iface, related := range svc.Relations {
		if local.Interface != "" && iface != local.Interface {
			continue
		}
		for _, peer := range related {
			if ParseEndpoint(peer).Service == remote {
				return true
			}
		}
	}
	return false
}

// PairSatisfied is HasRelation over a normalized pair.
func (o *ObservedTopology) PairSatisfied(p Pair) bool {
	return o.HasRelation(ParseEndpoint(p.A), ParseEndpoint(p.B))
}
