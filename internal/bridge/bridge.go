// Package bridge hosts the foreign-protocol bridge runtime (spec.md
// §4.9): a process-wide registry of running bridge instances, each
// supervising one bridge.Driver (OSC, MIDI, Art-Net, sACN, DMX-serial,
// MQTT, HTTP, or generic WebSocket) in its own goroutine with
// exponential backoff on transient failures. The supervisor's backoff
// schedule is adapted from the teacher's internal/connwatch, which
// applies the same idea (startup backoff, then steady-state
// monitoring) to health-probing an external service rather than
// restarting a driver goroutine.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/clasp/internal/wire"
)

// ForeignEvent is one inbound signal a driver has translated from its
// native protocol into CLASP terms, ready for the bridge runtime to
// publish into the router.
type ForeignEvent struct {
	Address string
	Value   wire.Value
	Kind    wire.SignalKind
	TimeUs  int64
}

// Driver is the interface every concrete bridge implements. Start
// should block until ctx is cancelled or a fatal error occurs;
// transient errors are expected to be retried internally where that
// makes sense (e.g. a dropped TCP connection to a broker) and fatal
// otherwise (e.g. a port that refuses to bind at all).
type Driver interface {
	Start(ctx context.Context) error
	Inbound() <-chan ForeignEvent
	Outbound(sig ForeignEvent)
	Stop() error
	State() State
}

// State is a driver's lifecycle position, surfaced to the control
// surface (spec.md §4.11's bridge_event / list_bridges).
type State uint8

const (
	StateStarting State = iota
	StateRunning
	StateDegraded
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Backoff controls how a Supervisor retries a driver whose Start
// returns an error, mirroring connwatch.BackoffConfig's shape but
// capped at the 30s ceiling spec.md §4.9 specifies for bridge restarts
// rather than connwatch's 60s health-probe ceiling.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff is 1s, 2s, 4s, ... capped at 30s.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2}
}

func (b Backoff) next(delay time.Duration) time.Duration {
	if delay <= 0 {
		return b.Initial
	}
	next := time.Duration(float64(delay) * b.Multiplier)
	if next > b.Max {
		return b.Max
	}
	return next
}

// Supervisor runs one Driver in a dedicated goroutine, restarting it
// with exponential backoff whenever Start returns a non-nil,
// non-context-cancellation error. Each restart recreates nothing on
// the driver itself — Start is expected to be safe to call again on
// the same Driver value after Stop.
type Supervisor struct {
	id     string
	driver Driver
	backoff Backoff
	logger *slog.Logger

	mu    sync.Mutex
	state State

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor wraps driver under id for supervised restart.
func NewSupervisor(id string, driver Driver, backoff Backoff, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{id: id, driver: driver, backoff: backoff, logger: logger, state: StateStarting}
}

// State reports the supervised driver's last-known lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run starts the supervision loop; it returns once ctx is cancelled or
// Stop is called, after the driver has been stopped.
func (s *Supervisor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()
	defer close(s.done)

	var delay time.Duration
	for {
		s.setState(StateStarting)
		err := s.driver.Start(ctx)
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return
		}
		if err == nil {
			// Start returned without ctx being cancelled — the driver
			// considers its work done (rare; most drivers block until
			// stopped). Treat as a clean stop, not a restart.
			s.setState(StateStopped)
			return
		}

		s.setState(StateDegraded)
		delay = s.backoff.next(delay)
		s.logger.Warn("bridge driver failed, restarting",
			"bridge", s.id, "error", err, "retry_in", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.setState(StateStopped)
			return
		}
	}
}

// Stop cancels the supervision loop and waits for Run to return.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
	s.driver.Stop()
}

// ErrDuplicateID is returned by Registry.Create when id is already in
// use (spec.md §4.11: create_bridge is idempotent on bridge ids with
// identical config, an error otherwise — the identical-config check is
// the control surface's job since it alone has the driver configs to
// compare; Registry only enforces uniqueness).
var ErrDuplicateID = errors.New("bridge: id already registered")

// ErrNotFound is returned by Registry.Delete/Get for an unknown id.
var ErrNotFound = errors.New("bridge: unknown id")

// Instance is one running bridge: its driver, the supervisor keeping
// it alive, the kind name it was created with (e.g. "osc", "mqtt")
// for control-surface listing, and the raw config it was created
// from, kept so a repeat create_bridge on the same id can be compared
// for idempotency (spec.md §4.11).
type Instance struct {
	ID         string
	Kind       string
	Config     json.RawMessage
	Driver     Driver
	supervisor *Supervisor
}

// State reports the instance's current supervised lifecycle state.
func (i *Instance) State() State { return i.supervisor.State() }

// Registry is the process-wide table of running bridge instances.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Instance
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{instances: make(map[string]*Instance), logger: logger}
}

// Create registers and starts a new bridge instance under id. ctx
// governs the instance's supervised lifetime — cancelling it (or
// calling Delete) stops the driver.
func (r *Registry) Create(ctx context.Context, id, kind string, cfg json.RawMessage, driver Driver) (*Instance, error) {
	r.mu.Lock()
	if _, exists := r.instances[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	sup := NewSupervisor(id, driver, DefaultBackoff(), r.logger)
	inst := &Instance{ID: id, Kind: kind, Config: cfg, Driver: driver, supervisor: sup}
	r.instances[id] = inst
	r.mu.Unlock()

	go sup.Run(ctx)
	return inst, nil
}

// Delete stops and removes the bridge instance registered under id.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.instances, id)
	r.mu.Unlock()

	inst.supervisor.Stop()
	return nil
}

// Get returns the instance registered under id.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// List returns every currently registered instance.
func (r *Registry) List() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}
