package plan

// State is shared by steps and plans. Transitions are monotonic:
// Pending -> Running -> Complete | Failed.
type State int

const (
	Pending State = iota
	Running
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	case Complete:
		return "COMPLETE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Complete || s == Failed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "PENDING":
		*s = Pending
	case "RUNNING":
		*s = Running
	case "COMPLETE":
		*s = Complete
	case "FAILED":
		*s = Failed
	default:
		return &UnknownStateError{Value: string(text)}
	}
	return nil
}

type UnknownStateError struct {
	Value string
}

func (e *UnknownStateError) Error() string {
	return "plan: unknown state " + e.Value
}
