// Package httpbridge implements the bridge.Driver for simple REST
// foreign systems: GET a CLASP address for its last known value, POST
// a JSON body to set one. Routing uses gorilla/mux, the same router
// the teacher's web surface is built on.
package httpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/yuin/goldmark"

	"github.com/nugget/clasp/internal/bridge"
	"github.com/nugget/clasp/internal/wire"
)

// Options configures an HTTP bridge endpoint.
type Options struct {
	ListenAddr string // e.g. "127.0.0.1:8080"
	Prefix     string // CLASP address prefix, e.g. "/http"
}

type snapshot struct {
	Value any    `json:"value"`
	Type  string `json:"type"`
}

type setRequest struct {
	Value float64 `json:"value"`
	Str   *string `json:"str,omitempty"`
	Bool  *bool   `json:"bool,omitempty"`
}

// Driver bridges foreign HTTP clients into CLASP address space: every
// address under opts.Prefix is readable with GET and writable with
// POST of a small JSON body.
type Driver struct {
	opts   Options
	logger *slog.Logger

	srv     *http.Server
	inbound chan bridge.ForeignEvent

	mu      sync.RWMutex
	state   bridge.State
	current map[string]wire.Value
}

// New creates an HTTP bridge driver; nothing is bound until Start.
func New(opts Options, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		opts:    opts,
		logger:  logger,
		inbound: make(chan bridge.ForeignEvent, 256),
		current: make(map[string]wire.Value),
	}
}

func (d *Driver) setState(s bridge.State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// State implements bridge.Driver.
func (d *Driver) State() bridge.State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Inbound implements bridge.Driver.
func (d *Driver) Inbound() <-chan bridge.ForeignEvent { return d.inbound }

// Start implements bridge.Driver: serves until ctx is cancelled.
func (d *Driver) Start(ctx context.Context) error {
	d.setState(bridge.StateStarting)

	r := mux.NewRouter()
	r.HandleFunc("/_status", d.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/{address:.*}", d.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/{address:.*}", d.handleSet).Methods(http.MethodPost)

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		d.setState(bridge.StateError)
		return fmt.Errorf("httpbridge: listen: %w", err)
	}
}

// handleStatus renders a short Markdown summary of the bridge's known
// addresses to HTML via goldmark, for a human checking the bridge from
// a browser rather than a CLASP client.
func (d *Driver) handleStatus(w http.ResponseWriter, r *http.Request) {
	d.mu.RLock()
	addrs := make([]string, 0, len(d.current))
	for a := range d.current {
		addrs = append(addrs, a)
	}
	d.mu.RUnlock()

	var md strings.Builder
	fmt.Fprintf(&md, "# httpbridge: %s\n\n", d.opts.Prefix)
	if len(addrs) == 0 {
		md.WriteString("No addresses observed yet.\n")
	} else {
		md.WriteString("Known addresses:\n\n")
		for _, a := range addrs {
			fmt.Fprintf(&md, "- `%s`\n", a)
		}
	}

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(md.String()), &html); err != nil {
		http.Error(w, "failed to render status", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(html.Bytes())
}

func (d *Driver) handleGet(w http.ResponseWriter, r *http.Request) {
	address := "/" + mux.Vars(r)["address"]

	d.mu.RLock()
	v, ok := d.current[address]
	d.mu.RUnlock()
	if !ok {
		http.Error(w, "no known value for address", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(valueToSnapshot(v))
}

func (d *Driver) handleSet(w http.ResponseWriter, r *http.Request) {
	address := "/" + mux.Vars(r)["address"]

	var req setRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	var v wire.Value
	switch {
	case req.Str != nil:
		v = wire.StringValue(*req.Str)
	case req.Bool != nil:
		v = wire.BoolValue(*req.Bool)
	default:
		v = wire.FloatValue(req.Value)
	}

	full := d.opts.Prefix + address
	select {
	case d.inbound <- bridge.ForeignEvent{Address: full, Value: v, Kind: wire.SignalParam}:
	default:
		d.logger.Debug("httpbridge: inbound queue full, dropping request", "address", full)
	}

	w.WriteHeader(http.StatusAccepted)
}

// Outbound implements bridge.Driver: records sig as the address's
// current snapshot for the next GET.
func (d *Driver) Outbound(sig bridge.ForeignEvent) {
	address := strings.TrimPrefix(sig.Address, d.opts.Prefix)
	d.mu.Lock()
	d.current[address] = sig.Value
	d.mu.Unlock()
}

// Stop implements bridge.Driver.
func (d *Driver) Stop() error {
	d.setState(bridge.StateStopped)
	if d.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.srv.Shutdown(ctx)
	}
	return nil
}

func valueToSnapshot(v wire.Value) snapshot {
	switch v.Kind {
	case wire.KindBool:
		return snapshot{Value: v.Bool, Type: "bool"}
	case wire.KindString:
		return snapshot{Value: v.Str, Type: "string"}
	case wire.KindInt8, wire.KindInt16, wire.KindInt32, wire.KindInt64:
		return snapshot{Value: v.Int, Type: "int"}
	case wire.KindFloat32, wire.KindFloat64:
		return snapshot{Value: v.Float, Type: "float"}
	default:
		return snapshot{Value: v.AsFloat64(), Type: "float"}
	}
}
