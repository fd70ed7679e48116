// Package control implements CLASP's administrative surface: a
// line-oriented JSON protocol over any io.ReadWriter (stdin/stdout by
// default) for operating the running router without a CLASP client —
// creating and tearing down bridges, pushing signals by hand, and
// reading back basic stats. The read/dispatch/write shape mirrors
// internal/transport.Serve: one reader goroutine decodes inbound
// messages, a single writer goroutine drains an outbound channel so
// concurrent responses and async events never interleave mid-line.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"

	"github.com/skip2/go-qrcode"

	"github.com/nugget/clasp/internal/bridge"
	"github.com/nugget/clasp/internal/bridge/httpbridge"
	"github.com/nugget/clasp/internal/bridge/mqttbridge"
	"github.com/nugget/clasp/internal/bridge/osc"
	"github.com/nugget/clasp/internal/bridge/wsbridge"
	"github.com/nugget/clasp/internal/dispatch"
	"github.com/nugget/clasp/internal/mqttlink"
	"github.com/nugget/clasp/internal/store"
	"github.com/nugget/clasp/internal/wire"
)

// Request is one inbound line of the control protocol.
type Request struct {
	Command string          `json:"command"`
	ID      string          `json:"id,omitempty"`
	Bridge  string          `json:"bridge,omitempty"`
	Kind    string          `json:"kind,omitempty"` // bridge driver kind: osc, midi, mqtt, http, ws
	Config  json.RawMessage `json:"config,omitempty"`
	Address string          `json:"address,omitempty"`
	Value   float64         `json:"value,omitempty"`
	Str     *string         `json:"str,omitempty"`
}

// Event is one outbound line of the control protocol.
type Event struct {
	Type    string `json:"type"`
	Bridge  string `json:"bridge,omitempty"`
	Address string `json:"address,omitempty"`
	Value   any    `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`
	QR      string `json:"qr,omitempty"`
	Stats   any    `json:"stats,omitempty"`
}

// StatsSource is implemented by internal/statsdb.
type StatsSource interface {
	Snapshot(ctx context.Context) (any, error)
}

// Surface is one control connection. The zero value is not usable;
// construct with New.
type Surface struct {
	logger *slog.Logger

	dispatcher *dispatch.Dispatcher
	bridges    *bridge.Registry
	stats      StatsSource
	connectURI string

	out chan Event

	mu       sync.Mutex
	shutdown context.CancelFunc
}

// New creates a control surface wired to a live dispatcher and bridge
// registry.
func New(d *dispatch.Dispatcher, bridges *bridge.Registry, stats StatsSource, connectURI string, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{
		logger:     logger,
		dispatcher: d,
		bridges:    bridges,
		stats:      stats,
		connectURI: connectURI,
		out:        make(chan Event, 64),
	}
}

// stdio adapts os.Stdin/os.Stdout to a single io.ReadWriter.
type stdio struct {
	io.Reader
	io.Writer
}

// ServeStdio runs the control protocol over stdin/stdout, the default
// transport for an operator attached to the router's own process.
func (s *Surface) ServeStdio(ctx context.Context, stdin io.Reader, stdout io.Writer, cancelAll context.CancelFunc) error {
	return s.Serve(ctx, stdio{Reader: stdin, Writer: stdout}, cancelAll)
}

// Serve runs the control protocol over rw until ctx is cancelled or rw
// is closed/EOF. cancelAll is invoked when a "shutdown" command is
// received.
func (s *Surface) Serve(ctx context.Context, rw io.ReadWriter, cancelAll context.CancelFunc) error {
	s.mu.Lock()
	s.shutdown = cancelAll
	s.mu.Unlock()

	writerDone := make(chan struct{})
	go s.writeLoop(rw, writerDone)
	defer func() {
		close(s.out)
		<-writerDone
	}()

	s.emit(Event{Type: "ready"})

	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.emit(Event{Type: "error", Error: fmt.Sprintf("invalid request: %v", err)})
			continue
		}
		s.handle(ctx, req)
	}
	return scanner.Err()
}

// Outbound returns the channel external components (e.g. a bridge
// event fan-in) can send Events on to have them delivered to the
// control client.
func (s *Surface) Outbound() chan<- Event { return s.out }

func (s *Surface) emit(ev Event) {
	select {
	case s.out <- ev:
	default:
		s.logger.Debug("control: outbound queue full, dropping event", "type", ev.Type)
	}
}

func (s *Surface) writeLoop(w io.Writer, done chan struct{}) {
	defer close(done)
	enc := json.NewEncoder(w)
	for ev := range s.out {
		if err := enc.Encode(ev); err != nil {
			s.logger.Debug("control: write failed", "error", err)
			return
		}
	}
}

func (s *Surface) handle(ctx context.Context, req Request) {
	switch req.Command {
	case "create_bridge":
		s.handleCreateBridge(req)
	case "delete_bridge":
		s.handleDeleteBridge(req)
	case "list_bridges":
		s.handleListBridges()
	case "send_signal":
		s.handleSendSignal(ctx, req)
	case "stats":
		s.handleStats(ctx)
	case "qr":
		s.handleQR()
	case "shutdown":
		s.emit(Event{Type: "ready", Error: "shutting down"})
		s.mu.Lock()
		cancel := s.shutdown
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	default:
		s.emit(Event{Type: "error", Error: fmt.Sprintf("unknown command %q", req.Command)})
	}
}

func (s *Surface) handleCreateBridge(req Request) {
	if req.Bridge == "" {
		s.emit(Event{Type: "error", Error: "create_bridge requires bridge id"})
		return
	}
	if existing, ok := s.bridges.Get(req.Bridge); ok {
		if sameBridge(existing.Kind, existing.Config, req.Kind, req.Config) {
			s.emit(Event{Type: "bridge_event", Bridge: req.Bridge, Value: "unchanged"})
			return
		}
		s.emit(Event{Type: "error", Bridge: req.Bridge, Error: "bridge id exists with a different configuration"})
		return
	}

	driver, err := buildDriver(req.Kind, req.Config, s.logger)
	if err != nil {
		s.emit(Event{Type: "error", Bridge: req.Bridge, Error: err.Error()})
		return
	}
	if _, err := s.bridges.Create(context.Background(), req.Bridge, req.Kind, req.Config, driver); err != nil {
		s.emit(Event{Type: "error", Bridge: req.Bridge, Error: err.Error()})
		return
	}
	s.emit(Event{Type: "bridge_event", Bridge: req.Bridge, Value: "created"})
}

// sameBridge reports whether a repeat create_bridge names the same
// kind and semantically equivalent config as the already-running
// instance (spec.md §4.11: identical id+config is a no-op, id with a
// different config is an error). Config is compared structurally
// rather than byte-for-byte so whitespace/key-order differences in
// the request don't spuriously count as a change.
func sameBridge(haveKind string, haveConfig json.RawMessage, wantKind string, wantConfig json.RawMessage) bool {
	if haveKind != wantKind {
		return false
	}
	var have, want any
	if len(haveConfig) > 0 {
		if err := json.Unmarshal(haveConfig, &have); err != nil {
			return false
		}
	}
	if len(wantConfig) > 0 {
		if err := json.Unmarshal(wantConfig, &want); err != nil {
			return false
		}
	}
	return reflect.DeepEqual(have, want)
}

func (s *Surface) handleDeleteBridge(req Request) {
	if err := s.bridges.Delete(req.Bridge); err != nil {
		s.emit(Event{Type: "error", Bridge: req.Bridge, Error: err.Error()})
		return
	}
	s.emit(Event{Type: "bridge_event", Bridge: req.Bridge, Value: "deleted"})
}

func (s *Surface) handleListBridges() {
	for _, inst := range s.bridges.List() {
		s.emit(Event{Type: "bridge_event", Bridge: inst.ID, Value: inst.Kind})
	}
}

// handleSendSignal writes directly to the store and republishes to
// subscribers, mirroring dispatch.Dispatcher's own handleSet body. The
// control surface is a trusted local operator, not a capability-scoped
// session, so it bypasses the per-session write-scope check entirely.
func (s *Surface) handleSendSignal(ctx context.Context, req Request) {
	var v wire.Value
	if req.Str != nil {
		v = wire.StringValue(*req.Str)
	} else {
		v = wire.FloatValue(req.Value)
	}

	entry, err := s.dispatcher.Store.Set(req.Address, v, store.SetOptions{
		Writer:      "control",
		TimestampUs: s.dispatcher.Now(),
	})
	if err != nil {
		s.emit(Event{Type: "error", Address: req.Address, Error: err.Error()})
		return
	}

	rev := entry.Revision
	_, _ = s.dispatcher.Subs.Publish(wire.Message{
		Type:     wire.TypeSet,
		Address:  req.Address,
		Value:    entry.Value,
		Revision: &rev,
		Signal:   wire.SignalParam,
		TimeUs:   entry.TimestampUs,
	})
	s.emit(Event{Type: "signal", Address: req.Address, Value: req.Value})
}

func (s *Surface) handleStats(ctx context.Context) {
	if s.stats == nil {
		s.emit(Event{Type: "error", Error: "stats not configured"})
		return
	}
	snap, err := s.stats.Snapshot(ctx)
	if err != nil {
		s.emit(Event{Type: "error", Error: err.Error()})
		return
	}
	s.emit(Event{Type: "stats", Stats: snap})
}

// handleQR renders this router's WebSocket connect URI as an ASCII QR
// code for a phone camera to pick up — skip2/go-qrcode is the teacher's
// own dependency, otherwise unwired in the teacher's tree.
func (s *Surface) handleQR() {
	if s.connectURI == "" {
		s.emit(Event{Type: "error", Error: "no connect uri configured"})
		return
	}
	q, err := qrcode.New(s.connectURI, qrcode.Medium)
	if err != nil {
		s.emit(Event{Type: "error", Error: err.Error()})
		return
	}
	s.emit(Event{Type: "bridge_event", Value: s.connectURI, QR: q.ToString(false)})
}

func buildDriver(kind string, cfg json.RawMessage, logger *slog.Logger) (bridge.Driver, error) {
	switch kind {
	case "osc":
		var opts osc.Options
		if err := json.Unmarshal(cfg, &opts); err != nil {
			return nil, fmt.Errorf("control: osc config: %w", err)
		}
		return osc.New(opts, logger), nil
	case "mqtt":
		var cfg2 struct {
			mqttlink.Options
			Prefix string   `json:"prefix"`
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(cfg, &cfg2); err != nil {
			return nil, fmt.Errorf("control: mqtt config: %w", err)
		}
		return mqttbridge.New(cfg2.Options, cfg2.Prefix, cfg2.Topics, logger), nil
	case "http":
		var opts httpbridge.Options
		if err := json.Unmarshal(cfg, &opts); err != nil {
			return nil, fmt.Errorf("control: http config: %w", err)
		}
		return httpbridge.New(opts, logger), nil
	case "ws":
		var opts wsbridge.Options
		if err := json.Unmarshal(cfg, &opts); err != nil {
			return nil, fmt.Errorf("control: ws config: %w", err)
		}
		return wsbridge.New(opts, logger), nil
	case "midi":
		return nil, fmt.Errorf("control: midi bridges require a RawSource wired by the host process, not dynamically creatable")
	default:
		return nil, fmt.Errorf("control: unknown bridge kind %q", kind)
	}
}
