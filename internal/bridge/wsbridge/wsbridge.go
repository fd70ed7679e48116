// Package wsbridge implements the bridge.Driver for foreign systems
// that speak JSON over WebSocket but not CLASP's binary frame format
// (browser-based visualizers and lightweight controllers are the
// common case). Each connected client can send and receive
// {"address": "...", "value": ...} messages; this driver fans
// outbound CLASP signals to every connected client and merges every
// client's inbound messages into one ForeignEvent stream.
package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nugget/clasp/internal/bridge"
	"github.com/nugget/clasp/internal/wire"
)

// Options configures a WebSocket JSON bridge endpoint.
type Options struct {
	ListenAddr string // e.g. "127.0.0.1:8081"
	Path       string // e.g. "/ws"
	Prefix     string // CLASP address prefix, e.g. "/ws"
}

type wireJSON struct {
	Address string  `json:"address"`
	Value   float64 `json:"value,omitempty"`
	Str     *string `json:"str,omitempty"`
	Bool    *bool   `json:"bool,omitempty"`
}

// Driver bridges foreign WebSocket/JSON clients into CLASP address
// space.
type Driver struct {
	opts   Options
	logger *slog.Logger

	srv      *http.Server
	upgrader websocket.Upgrader
	inbound  chan bridge.ForeignEvent

	mu      sync.Mutex
	state   bridge.State
	clients map[*websocket.Conn]struct{}
}

// New creates a WebSocket JSON bridge driver; nothing is bound until
// Start.
func New(opts Options, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		opts:     opts,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		inbound:  make(chan bridge.ForeignEvent, 256),
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

func (d *Driver) setState(s bridge.State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// State implements bridge.Driver.
func (d *Driver) State() bridge.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Inbound implements bridge.Driver.
func (d *Driver) Inbound() <-chan bridge.ForeignEvent { return d.inbound }

// Start implements bridge.Driver: serves the WebSocket endpoint until
// ctx is cancelled.
func (d *Driver) Start(ctx context.Context) error {
	d.setState(bridge.StateStarting)

	r := mux.NewRouter()
	r.HandleFunc(d.opts.Path, d.handleUpgrade)
	d.srv = &http.Server{Addr: d.opts.ListenAddr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		if err := d.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	d.setState(bridge.StateRunning)

	select {
	case <-ctx.Done():
		d.closeAllClients()
		return ctx.Err()
	case err := <-errCh:
		d.setState(bridge.StateError)
		return fmt.Errorf("wsbridge: listen: %w", err)
	}
}

func (d *Driver) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Debug("wsbridge: upgrade failed", "error", err)
		return
	}

	d.mu.Lock()
	d.clients[conn] = struct{}{}
	d.mu.Unlock()

	go d.readLoop(conn)
}

// readLoop is the one reader per connection CLASP's own transport
// layer also uses: a single goroutine owns conn.ReadMessage, handing
// decoded values off to the shared inbound channel.
func (d *Driver) readLoop(conn *websocket.Conn) {
	defer func() {
		d.mu.Lock()
		delete(d.clients, conn)
		d.mu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wireJSON
		if err := json.Unmarshal(raw, &msg); err != nil {
			d.logger.Debug("wsbridge: malformed json, dropping", "error", err)
			continue
		}
		v := jsonToValue(msg)
		ev := bridge.ForeignEvent{Address: d.opts.Prefix + msg.Address, Value: v, Kind: wire.SignalParam}
		select {
		case d.inbound <- ev:
		default:
			d.logger.Debug("wsbridge: inbound queue full, dropping message", "address", ev.Address)
		}
	}
}

// Outbound implements bridge.Driver: broadcasts sig as JSON to every
// connected client.
func (d *Driver) Outbound(sig bridge.ForeignEvent) {
	payload, err := json.Marshal(valueToJSON(sig))
	if err != nil {
		d.logger.Debug("wsbridge: marshal failed", "error", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for conn := range d.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			d.logger.Debug("wsbridge: write failed, dropping client", "error", err)
			go conn.Close()
			delete(d.clients, conn)
		}
	}
}

func (d *Driver) closeAllClients() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for conn := range d.clients {
		conn.Close()
		delete(d.clients, conn)
	}
}

// Stop implements bridge.Driver.
func (d *Driver) Stop() error {
	d.setState(bridge.StateStopped)
	d.closeAllClients()
	if d.srv != nil {
		ctx := context.Background()
		return d.srv.Shutdown(ctx)
	}
	return nil
}

func jsonToValue(msg wireJSON) wire.Value {
	switch {
	case msg.Str != nil:
		return wire.StringValue(*msg.Str)
	case msg.Bool != nil:
		return wire.BoolValue(*msg.Bool)
	default:
		return wire.FloatValue(msg.Value)
	}
}

func valueToJSON(sig bridge.ForeignEvent) wireJSON {
	address := sig.Address
	out := wireJSON{Address: address}
	switch sig.Value.Kind {
	case wire.KindString:
		out.Str = &sig.Value.Str
	case wire.KindBool:
		out.Bool = &sig.Value.Bool
	default:
		out.Value = sig.Value.AsFloat64()
	}
	return out
}
