package plan

import "time"

// StepReport is the read-only status view of one step.
type StepReport struct {
	Kind      Kind              `json:"kind"`
	Params    map[string]string `json:"params"`
	State     State             `json:"state"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	Duration  time.Duration     `json:"duration_ns,omitempty"`
	Failure   string            `json:"failure,omitempty"`
}

// PlanReport is the read-only status view of a plan, archived or current.
type PlanReport struct {
	ID         string       `json:"id"`
	State      State        `json:"state"`
	CreatedAt  time.Time    `json:"created_at"`
	ArchivedAt *time.Time   `json:"archived_at,omitempty"`
	Steps      []StepReport `json:"steps"`
}

func (s *Step) Report() StepReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StepReport{
		Kind:   s.kind,
		Params: make(map[string]string, len(s.params)),
		State:  s.state,
	}
	for k, v := range s.params {
		out.Params[k] = v
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt.UTC()
		out.StartedAt = &started
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt.UTC()
		out.EndedAt = &ended
		out.Duration = s.endedAt.Sub(s.startedAt)
	}
	if s.failure != nil {
		out.Failure = s.failure.Error()
	}
	return out
}

func (p *Plan) Report() PlanReport {
	steps := p.Steps()
	out := PlanReport{
		ID:        p.ID,
		State:     p.State(),
		CreatedAt: p.CreatedAt,
		Steps:     make([]StepReport, 0, len(steps)),
	}
	for _, step := range steps {
		out.Steps = append(out.Steps, step.Report())
	}
	return out
}

// Archived returns a copy of r stamped with archivedAt.
func (r PlanReport) Archived(archivedAt time.Time) PlanReport {
	at := archivedAt.UTC()
	r.ArchivedAt = &at
	return r
}
