package surface

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/convergectl/internal/testutil/testlog"
	"github.com/danmuck/convergectl/internal/topology"
)

type scriptedRunner struct {
	calls  []string
	stdout map[string]string
	fail   map[string]int32
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	line := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, line)
	if code, ok := r.fail[args[0]]; ok {
		return nil, []byte("denied\n"), code, errors.New("exit status")
	}
	return []byte(r.stdout[args[0]]), nil, 0, nil
}

func TestCommandStatusDecodesJSON(t *testing.T) {
	testlog.Start(t)

	runner := &scriptedRunner{stdout: map[string]string{
		"status": `{"Services": {"nats": {"Charm": "cs:trusty/nats", "Relations": {"nats": ["router"]}}}}`,
	}}
	c := NewCommand(runner, "")
	observed, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !observed.HasService("nats") {
		t.Fatalf("unexpected observed: %+v", observed)
	}
	if runner.calls[0] != "juju status --format=json" {
		t.Fatalf("unexpected command: %q", runner.calls[0])
	}
}

func TestCommandDeployRunsSubCommands(t *testing.T) {
	testlog.Start(t)

	runner := &scriptedRunner{}
	c := NewCommand(runner, "deployctl")
	spec := topology.ServiceSpec{
		Artifact:    "cs:trusty/router",
		Branch:      "local:trusty/router",
		Units:       2,
		Config:      map[string]any{"zeta": 1, "alpha": "x"},
		Constraints: "mem=2G",
		Expose:      true,
	}
	if err := c.Deploy(context.Background(), "router", spec); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	want := []string{
		"deployctl deploy local:trusty/router router --num-units 2 --constraints mem=2G",
		"deployctl set router alpha=x zeta=1",
		"deployctl expose router",
	}
	if len(runner.calls) != len(want) {
		t.Fatalf("unexpected calls: %q", runner.calls)
	}
	for i := range want {
		if runner.calls[i] != want[i] {
			t.Fatalf("call[%d] = %q want %q", i, runner.calls[i], want[i])
		}
	}
}

func TestCommandErrorsCarryStderr(t *testing.T) {
	testlog.Start(t)

	runner := &scriptedRunner{fail: map[string]int32{"deploy": 2, "add-relation": 1}}
	c := NewCommand(runner, "")

	err := c.Deploy(context.Background(), "mysql", topology.ServiceSpec{Artifact: "cs:mysql"})
	var deployErr *DeploymentError
	var cmdErr *CommandError
	if !errors.As(err, &deployErr) || !errors.As(err, &cmdErr) {
		t.Fatalf("expected DeploymentError wrapping CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 2 || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("unexpected command error: %v", err)
	}

	if err := c.AddRelation(context.Background(), "a", "b"); !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
}
