package surface

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/convergectl/internal/testutil/testlog"
	"github.com/danmuck/convergectl/internal/topology"
)

func TestMemoryDeployAndStatus(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	m := NewMemory()
	if err := m.Deploy(ctx, "mysql", topology.ServiceSpec{Artifact: "cs:trusty/mysql"}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	err := m.Deploy(ctx, "mysql", topology.ServiceSpec{})
	var deployErr *DeploymentError
	if !errors.As(err, &deployErr) || !errors.Is(err, ErrServiceExists) {
		t.Fatalf("expected DeploymentError wrapping ErrServiceExists, got %v", err)
	}

	observed, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if observed.Services["mysql"].Artifact != "cs:trusty/mysql" {
		t.Fatalf("unexpected observed: %+v", observed)
	}
}

func TestMemoryRelationsSatisfyQualifiedMatch(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	m := NewMemory()
	_ = m.Deploy(ctx, "svc1", topology.ServiceSpec{})
	_ = m.Deploy(ctx, "svc2", topology.ServiceSpec{})
	if err := m.AddRelation(ctx, "svc1:nats", "svc2"); err != nil {
		t.Fatalf("add relation: %v", err)
	}
	observed, _ := m.Status(ctx)
	if !observed.HasRelation(topology.ParseEndpoint("svc1:nats"), topology.ParseEndpoint("svc2")) {
		t.Fatalf("expected nats relation observed: %+v", observed)
	}
	if observed.HasRelation(topology.ParseEndpoint("svc1:http"), topology.ParseEndpoint("svc2")) {
		t.Fatalf("unexpected http relation")
	}

	if err := m.RemoveRelation(ctx, "svc1", "svc2"); err != nil {
		t.Fatalf("remove relation: %v", err)
	}
	observed, _ = m.Status(ctx)
	if observed.HasRelation(topology.ParseEndpoint("svc1"), topology.ParseEndpoint("svc2")) {
		t.Fatalf("relation should be removed")
	}

	if err := m.AddRelation(ctx, "svc1", "missing"); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestMemoryDestroyDropsPeers(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	m := NewMemoryFrom(&topology.ObservedTopology{Services: map[string]topology.ObservedService{
		"a": {Relations: map[string][]string{"db": {"b"}}},
		"b": {Relations: map[string][]string{"db": {"a"}}},
	}})
	if err := m.DestroyService(ctx, "b"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	observed, _ := m.Status(ctx)
	if observed.HasService("b") || len(observed.Services["a"].Relations) != 0 {
		t.Fatalf("unexpected observed after destroy: %+v", observed)
	}
	if err := m.DestroyService(ctx, "b"); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestMemoryFailureInjectionAndCallLog(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	boom := errors.New("boom")
	m := NewMemory()
	m.FailOn(OpDeploy, boom)
	if err := m.Deploy(ctx, "a", topology.ServiceSpec{}); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	m.FailOn(OpDeploy, nil)
	if err := m.Deploy(ctx, "a", topology.ServiceSpec{}); err != nil {
		t.Fatalf("expected failure cleared, got %v", err)
	}
	if err := m.AddLocalPackage(ctx, "a", "/tmp/a.zip"); err != nil {
		t.Fatalf("add local package: %v", err)
	}
	if m.Packages()["a"] != "/tmp/a.zip" {
		t.Fatalf("unexpected packages: %+v", m.Packages())
	}

	m.SetUnreachable(true)
	observed, err := m.Status(ctx)
	if err != nil || observed != nil {
		t.Fatalf("expected unknown status, got %+v %v", observed, err)
	}

	calls := m.Calls()
	if len(calls) != 4 || calls[0].Op != OpDeploy || calls[2].Op != OpAddLocalPackage || calls[3].Op != OpStatus {
		t.Fatalf("unexpected call log: %v", calls)
	}
}
