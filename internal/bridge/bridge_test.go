package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type stubDriver struct {
	starts   atomic.Int32
	failN    int32 // fail this many times before succeeding (blocking until ctx done)
	stopped  atomic.Bool
	inbound  chan ForeignEvent
}

func newStubDriver(failN int32) *stubDriver {
	return &stubDriver{failN: failN, inbound: make(chan ForeignEvent, 1)}
}

func (d *stubDriver) Start(ctx context.Context) error {
	n := d.starts.Add(1)
	if n <= d.failN {
		return errors.New("simulated transient failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *stubDriver) Inbound() <-chan ForeignEvent { return d.inbound }
func (d *stubDriver) Outbound(sig ForeignEvent)    {}
func (d *stubDriver) Stop() error                  { d.stopped.Store(true); return nil }
func (d *stubDriver) State() State                 { return StateRunning }

func TestSupervisorRestartsOnFailure(t *testing.T) {
	d := newStubDriver(2)
	sup := NewSupervisor("test", d, Backoff{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for d.starts.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("starts = %d, want at least 3 within deadline", d.starts.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSupervisorStopCallsDriverStop(t *testing.T) {
	d := newStubDriver(0)
	sup := NewSupervisor("test", d, DefaultBackoff(), nil)

	ctx := context.Background()
	go sup.Run(ctx)

	for d.starts.Load() < 1 {
		time.Sleep(time.Millisecond)
	}

	sup.Stop()
	if !d.stopped.Load() {
		t.Error("driver.Stop() was not called")
	}
	if sup.State() != StateStopped {
		t.Errorf("State() = %v, want StateStopped", sup.State())
	}
}

func TestRegistryCreateDuplicateRejected(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	if _, err := r.Create(ctx, "b1", "osc", nil, newStubDriver(0)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Delete("b1")

	_, err := r.Create(ctx, "b1", "osc", nil, newStubDriver(0))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Create duplicate err = %v, want ErrDuplicateID", err)
	}
}

func TestRegistryDeleteStopsAndRemoves(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	d := newStubDriver(0)
	inst, err := r.Create(ctx, "b1", "osc", nil, d)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.Kind != "osc" {
		t.Errorf("Kind = %q, want osc", inst.Kind)
	}

	if err := r.Delete("b1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !d.stopped.Load() {
		t.Error("Delete did not stop the driver")
	}
	if _, ok := r.Get("b1"); ok {
		t.Error("Get found a deleted bridge")
	}

	if err := r.Delete("b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete again err = %v, want ErrNotFound", err)
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	r.Create(ctx, "b1", "osc", nil, newStubDriver(0))
	r.Create(ctx, "b2", "midi", nil, newStubDriver(0))
	defer r.Delete("b1")
	defer r.Delete("b2")

	got := r.List()
	if len(got) != 2 {
		t.Fatalf("List() len = %d, want 2", len(got))
	}
}
