package plan

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/convergectl/internal/surface"
	"github.com/danmuck/convergectl/internal/testutil/testlog"
	"github.com/danmuck/convergectl/internal/topology"
)

func TestStepRunCompletesAndRecordsTimes(t *testing.T) {
	testlog.Start(t)

	target := surface.NewMemory()
	step := CreateService("mysql", topology.ServiceSpec{Artifact: "cs:trusty/mysql"})
	if err := step.Run(context.Background(), target); err != nil {
		t.Fatalf("run: %v", err)
	}
	if step.State() != Complete {
		t.Fatalf("expected Complete, got %s", step.State())
	}
	report := step.Report()
	if report.StartedAt == nil || report.EndedAt == nil || report.Failure != "" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Params["service"] != "mysql" || report.Params["artifact"] != "cs:trusty/mysql" {
		t.Fatalf("unexpected params: %+v", report.Params)
	}
	observed, _ := target.Status(context.Background())
	if !observed.HasService("mysql") {
		t.Fatalf("expected service deployed")
	}
}

func TestStepRunCapturesFailureWithoutReturningIt(t *testing.T) {
	testlog.Start(t)

	boom := errors.New("boom")
	target := surface.NewMemory()
	target.FailOn(surface.OpDestroyService, boom)

	step := DestroyService("mysql")
	if err := step.Run(context.Background(), target); err != nil {
		t.Fatalf("failure must not propagate, got %v", err)
	}
	if step.State() != Failed || !errors.Is(step.Failure(), boom) {
		t.Fatalf("expected Failed with boom, got %s %v", step.State(), step.Failure())
	}
	if step.Report().EndedAt == nil {
		t.Fatalf("end time must be recorded on failure")
	}
}

func TestStepRunCapturesPanic(t *testing.T) {
	testlog.Start(t)

	step := GenerateArtifacts("v1", func() error { panic("generator exploded") })
	if err := step.Run(context.Background(), nil); err != nil {
		t.Fatalf("panic must not propagate, got %v", err)
	}
	var panicErr *PanicError
	if step.State() != Failed || !errors.As(step.Failure(), &panicErr) {
		t.Fatalf("expected recovered panic, got %s %v", step.State(), step.Failure())
	}
}

func TestStepRunOutOfOrder(t *testing.T) {
	testlog.Start(t)

	step := GenerateArtifacts("v1", func() error { return nil })
	if err := step.Run(context.Background(), nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	err := step.Run(context.Background(), nil)
	var ooo *OutOfOrderError
	if !errors.As(err, &ooo) || !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected out of order error, got %v", err)
	}
	if ooo.State != Complete || ooo.Kind != KindGenerateArtifacts {
		t.Fatalf("unexpected out of order detail: %+v", ooo)
	}
}

func TestSimpleActionIgnoresSurface(t *testing.T) {
	testlog.Start(t)

	called := false
	step := GenerateArtifacts("v2", func() error {
		called = true
		return nil
	})
	if err := step.Run(context.Background(), nil); err != nil || !called {
		t.Fatalf("expected simple action invoked without surface, err=%v called=%v", err, called)
	}
}

func TestStepString(t *testing.T) {
	testlog.Start(t)

	step := AddRelation("svc1:nats", "svc2")
	got := step.String()
	if got != "AddRelation [PENDING]: endpoint_a=svc1:nats endpoint_b=svc2" {
		t.Fatalf("unexpected string: %q", got)
	}
	if !strings.HasPrefix(RemoveRelation("a", "b").String(), "RemoveRelation [PENDING]") {
		t.Fatalf("unexpected remove relation string")
	}
}

func TestStepReportDuration(t *testing.T) {
	testlog.Start(t)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ticks := []time.Time{base, base.Add(1500 * time.Millisecond)}
	step := GenerateArtifacts("v1", func() error { return nil })
	step.now = func() time.Time {
		next := ticks[0]
		ticks = ticks[1:]
		return next
	}
	_ = step.Run(context.Background(), nil)
	if d := step.Report().Duration; d != 1500*time.Millisecond {
		t.Fatalf("unexpected duration %s", d)
	}
}
