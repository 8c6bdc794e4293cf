package surface

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/convergectl/internal/topology"
)

var (
	ErrServiceExists   = errors.New("surface: service already exists")
	ErrServiceNotFound = errors.New("surface: service not found")
	ErrUnreachable     = errors.New("surface: target unreachable")
)

// Surface is the synchronous, fallible capability the reconciler acts through.
// Status returns a nil topology with a nil error when the target state is unknown.
type Surface interface {
	Status(ctx context.Context) (*topology.ObservedTopology, error)
	Deploy(ctx context.Context, name string, spec topology.ServiceSpec) error
	AddRelation(ctx context.Context, a, b string) error
	RemoveRelation(ctx context.Context, a, b string) error
	DestroyService(ctx context.Context, name string) error
	AddLocalPackage(ctx context.Context, name, path string) error
}

// DeploymentError wraps a failed service deployment.
type DeploymentError struct {
	Service string
	Err     error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("surface: deploy %s: %v", e.Service, e.Err)
}

func (e *DeploymentError) Unwrap() error {
	return e.Err
}

// CommandError is a non-zero exit from the deployment CLI.
type CommandError struct {
	Command  string
	Args     []string
	ExitCode int32
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("surface: %s %s exited %d: %s", e.Command, strings.Join(e.Args, " "), e.ExitCode, msg)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
