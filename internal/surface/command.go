package surface

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/convergectl/internal/logging"
	"github.com/danmuck/convergectl/internal/tools"
	"github.com/danmuck/convergectl/internal/topology"
)

// DefaultBinary is the deployment CLI invoked when Command.Binary is empty.
const DefaultBinary = "juju"

// Command drives a deployment CLI through a CommandRunner (local exec or ssh).
type Command struct {
	Runner tools.CommandRunner
	Binary string
}

// NewCommand returns a Command surface over runner.
func NewCommand(runner tools.CommandRunner, binary string) *Command {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultBinary
	}
	return &Command{Runner: runner, Binary: binary}
}

func (c *Command) Status(ctx context.Context) (*topology.ObservedTopology, error) {
	stdout, err := c.run(ctx, "status", "--format=json")
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(stdout))) == 0 {
		return nil, nil
	}
	return topology.DecodeObserved(stdout)
}

// Deploy creates the service, applies its options and exposes it when requested.
func (c *Command) Deploy(ctx context.Context, name string, spec topology.ServiceSpec) error {
	artifact := strings.TrimSpace(spec.Artifact)
	if ref, ok := spec.LocalRef(); ok {
		artifact = ref
	}
	if artifact == "" {
		artifact = name
	}
	args := []string{"deploy", artifact, name, "--num-units", strconv.Itoa(spec.UnitCount())}
	if constraints := strings.TrimSpace(spec.Constraints); constraints != "" {
		args = append(args, "--constraints", constraints)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return &DeploymentError{Service: name, Err: err}
	}
	if len(spec.Config) > 0 {
		setArgs := append([]string{"set", name}, configArgs(spec.Config)...)
		if _, err := c.run(ctx, setArgs...); err != nil {
			return &DeploymentError{Service: name, Err: err}
		}
	}
	if spec.Expose {
		if _, err := c.run(ctx, "expose", name); err != nil {
			return &DeploymentError{Service: name, Err: err}
		}
	}
	return nil
}

func (c *Command) AddRelation(ctx context.Context, a, b string) error {
	_, err := c.run(ctx, "add-relation", a, b)
	return err
}

func (c *Command) RemoveRelation(ctx context.Context, a, b string) error {
	_, err := c.run(ctx, "remove-relation", a, b)
	return err
}

func (c *Command) DestroyService(ctx context.Context, name string) error {
	_, err := c.run(ctx, "destroy-service", name)
	return err
}

func (c *Command) AddLocalPackage(ctx context.Context, name, path string) error {
	_, err := c.run(ctx, "add-local-package", name, path)
	return err
}

func (c *Command) run(ctx context.Context, args ...string) ([]byte, error) {
	if c.Runner == nil {
		return nil, ErrUnreachable
	}
	binary := c.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	logging.Debugf("surface.Command.run cmd=%q args=%q", binary, strings.Join(args, " "))
	stdout, stderr, code, err := c.Runner.Run(ctx, binary, args...)
	if err != nil || code != 0 {
		return stdout, &CommandError{
			Command:  binary,
			Args:     args,
			ExitCode: code,
			Stderr:   string(stderr),
			Err:      err,
		}
	}
	return stdout, nil
}

// configArgs renders options as sorted key=value arguments.
func configArgs(config map[string]any) []string {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%v", k, config[k]))
	}
	return out
}
