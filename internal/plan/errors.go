package plan

import (
	"errors"
	"fmt"
)

// ErrOutOfOrder marks a step run while not Pending; it is always a caller bug.
var ErrOutOfOrder = errors.New("plan: step out of order")

type OutOfOrderError struct {
	Kind  Kind
	State State
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("plan: step %s run in state %s", e.Kind, e.State)
}

func (e *OutOfOrderError) Is(target error) bool {
	return target == ErrOutOfOrder
}

// PanicError records a recovered panic from a step action.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("plan: step action panicked: %v", e.Value)
}
