package control

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nugget/clasp/internal/bridge"
	"github.com/nugget/clasp/internal/bundle"
	"github.com/nugget/clasp/internal/dispatch"
	"github.com/nugget/clasp/internal/session"
	"github.com/nugget/clasp/internal/store"
	"github.com/nugget/clasp/internal/subscribe"
)

type pipeRW struct {
	r *strings.Reader
	w *strings.Builder
}

func (p *pipeRW) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeRW) Write(b []byte) (int, error) { return p.w.Write(b) }

func newTestDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	st := store.New()
	subs := subscribe.NewEngine()
	bundles := bundle.NewEngine(st, subs)
	sessions := session.NewManager()
	tokens, err := session.NewStaticTokens(nil)
	if err != nil {
		t.Fatalf("NewStaticTokens: %v", err)
	}
	if err := tokens.SetDefault([]string{"/**"}, []string{"/**"}); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	return dispatch.NewDispatcher(st, subs, sessions, bundles, tokens)
}

func readLines(t *testing.T, out string, n int) []Event {
	t.Helper()
	scanner := bufio.NewScanner(strings.NewReader(out))
	var events []Event
	for scanner.Scan() && len(events) < n {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("unmarshal event: %v (line %q)", err, scanner.Text())
		}
		events = append(events, ev)
	}
	return events
}

func TestSendSignalUpdatesStoreAndEmitsEvent(t *testing.T) {
	d := newTestDispatcher(t)
	registry := bridge.NewRegistry(nil)
	surface := New(d, registry, nil, "", nil)

	req := Request{Command: "send_signal", Address: "/stage/a/x", Value: 0.5}
	body, _ := json.Marshal(req)

	rw := &pipeRW{r: strings.NewReader(string(body) + "\n"), w: &strings.Builder{}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- surface.Serve(ctx, rw, cancel) }()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}

	entry, ok := d.Store.Get("/stage/a/x")
	if !ok {
		t.Fatal("store has no entry for /stage/a/x")
	}
	if entry.Value.AsFloat64() != 0.5 {
		t.Errorf("stored value = %+v, want 0.5", entry.Value)
	}

	events := readLines(t, rw.w.String(), 2)
	if len(events) < 2 {
		t.Fatalf("got %d events, want at least 2 (ready + signal)", len(events))
	}
	if events[0].Type != "ready" {
		t.Errorf("events[0].Type = %q, want ready", events[0].Type)
	}
	if events[1].Type != "signal" || events[1].Address != "/stage/a/x" {
		t.Errorf("events[1] = %+v, want signal for /stage/a/x", events[1])
	}
}

func TestUnknownCommandEmitsError(t *testing.T) {
	d := newTestDispatcher(t)
	registry := bridge.NewRegistry(nil)
	surface := New(d, registry, nil, "", nil)

	body := `{"command":"not_a_real_command"}` + "\n"
	rw := &pipeRW{r: strings.NewReader(body), w: &strings.Builder{}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- surface.Serve(ctx, rw, cancel) }()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}

	events := readLines(t, rw.w.String(), 2)
	if len(events) < 2 || events[1].Type != "error" {
		t.Fatalf("events = %+v, want an error event for the unknown command", events)
	}
}

func TestListBridgesEmitsOneEventPerInstance(t *testing.T) {
	d := newTestDispatcher(t)
	registry := bridge.NewRegistry(nil)

	stub := &stubDriver{}
	if _, err := registry.Create(context.Background(), "b1", "osc", nil, stub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	surface := New(d, registry, nil, "", nil)
	body := `{"command":"list_bridges"}` + "\n"
	rw := &pipeRW{r: strings.NewReader(body), w: &strings.Builder{}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- surface.Serve(ctx, rw, cancel) }()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}

	events := readLines(t, rw.w.String(), 2)
	if len(events) < 2 {
		t.Fatalf("got %d events, want ready + one bridge_event", len(events))
	}
	if events[1].Bridge != "b1" {
		t.Errorf("events[1].Bridge = %q, want b1", events[1].Bridge)
	}
}

func TestSameBridgeComparesConfig(t *testing.T) {
	a := json.RawMessage(`{"listen_addr":"127.0.0.1:9000","prefix":"/osc"}`)
	aReordered := json.RawMessage(`{"prefix":"/osc","listen_addr":"127.0.0.1:9000"}`)
	b := json.RawMessage(`{"listen_addr":"127.0.0.1:9001","prefix":"/osc"}`)

	if !sameBridge("osc", a, "osc", aReordered) {
		t.Error("sameBridge(same kind, same config reordered) = false, want true")
	}
	if sameBridge("osc", a, "osc", b) {
		t.Error("sameBridge(same kind, different config) = true, want false")
	}
	if sameBridge("osc", a, "midi", a) {
		t.Error("sameBridge(different kind, same config) = true, want false")
	}
}

type stubDriver struct{}

func (s *stubDriver) Start(ctx context.Context) error     { <-ctx.Done(); return ctx.Err() }
func (s *stubDriver) Inbound() <-chan bridge.ForeignEvent { return nil }
func (s *stubDriver) Outbound(ev bridge.ForeignEvent)     {}
func (s *stubDriver) Stop() error                         { return nil }
func (s *stubDriver) State() bridge.State                 { return bridge.StateRunning }
