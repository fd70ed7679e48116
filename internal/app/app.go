// Package app wires every CLASP component into one running router:
// store, subscription engine, session manager, dispatcher, bundle
// engine, transport front-ends, bridges, discovery, the control
// surface, and stats persistence. Its shape follows the teacher's
// cmd/thane/main.go runServe — load config, construct dependencies in
// order, start background goroutines, wait on a cancellable context —
// generalized from an single agent process to a router with a
// variable set of transports and bridges.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nugget/clasp/internal/bridge"
	"github.com/nugget/clasp/internal/bridge/httpbridge"
	"github.com/nugget/clasp/internal/bridge/mqttbridge"
	"github.com/nugget/clasp/internal/bridge/osc"
	"github.com/nugget/clasp/internal/bridge/wsbridge"
	"github.com/nugget/clasp/internal/bundle"
	"github.com/nugget/clasp/internal/config"
	"github.com/nugget/clasp/internal/control"
	"github.com/nugget/clasp/internal/discovery"
	"github.com/nugget/clasp/internal/dispatch"
	"github.com/nugget/clasp/internal/events"
	"github.com/nugget/clasp/internal/mqttlink"
	"github.com/nugget/clasp/internal/session"
	"github.com/nugget/clasp/internal/statsdb"
	"github.com/nugget/clasp/internal/store"
	"github.com/nugget/clasp/internal/subscribe"
	"github.com/nugget/clasp/internal/transport"
)

// App is a fully wired CLASP router, not yet listening on anything.
// Call Run to start it.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Store    *store.Store
	Subs     *subscribe.Engine
	Tokens   *session.StaticTokens
	Dispatch *dispatch.Dispatcher
	Bundles  *bundle.Engine
	Bridges  *bridge.Registry
	Stats    *statsdb.DB
	Events   *events.Bus

	listeners []transport.Listener
}

// New constructs the router's fixed components. It does not bind any
// sockets or start any goroutines yet — that happens in Run.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: create data dir: %w", err)
	}

	statsPath := filepath.Join(cfg.DataDir, "stats.db")
	stats, err := statsdb.Open(statsPath)
	if err != nil {
		return nil, fmt.Errorf("app: open stats db: %w", err)
	}

	st := store.New()
	subs := subscribe.NewEngine()
	bundles := bundle.NewEngine(st, subs)
	sessions := session.NewManager()

	tokens, err := session.NewStaticTokens(nil)
	if err != nil {
		stats.Close()
		return nil, fmt.Errorf("app: build token resolver: %w", err)
	}
	// No token configuration surface yet (spec.md §4.5's per-token
	// config format is an Open Question); every HELLO
	// with no token gets full local access, matching a single-operator
	// install. A networked deployment should front this with its own
	// auth layer before exposing a transport beyond localhost.
	if err := tokens.SetDefault([]string{"/**"}, []string{"/**"}); err != nil {
		stats.Close()
		return nil, fmt.Errorf("app: set default capability: %w", err)
	}

	d := dispatch.NewDispatcher(st, subs, sessions, bundles, tokens)
	bridges := bridge.NewRegistry(logger)
	bus := events.New()

	return &App{
		cfg:      cfg,
		logger:   logger,
		Store:    st,
		Subs:     subs,
		Tokens:   tokens,
		Dispatch: d,
		Bundles:  bundles,
		Bridges:  bridges,
		Stats:    stats,
		Events:   bus,
	}, nil
}

// Close releases resources that don't belong to Run's context
// lifetime (the stats database).
func (a *App) Close() error {
	return a.Stats.Close()
}

// Run starts every configured transport, bridge, and background task,
// then blocks until ctx is cancelled. It returns once every started
// goroutine has stopped.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if a.cfg.Transports.WebSocket {
		addr := fmt.Sprintf("%s:%d", a.cfg.Listen.Address, a.cfg.Listen.Port)
		ln, err := transport.ListenWebSocket(addr, "/clasp")
		if err != nil {
			return fmt.Errorf("app: websocket listen: %w", err)
		}
		a.startListener(ctx, &wg, "websocket", ln)
	}
	if a.cfg.Transports.TCP {
		addr := fmt.Sprintf("%s:%d", a.cfg.Listen.Address, a.cfg.Listen.Port+1)
		ln, err := transport.ListenTCP(addr)
		if err != nil {
			return fmt.Errorf("app: tcp listen: %w", err)
		}
		a.startListener(ctx, &wg, "tcp", ln)
	}
	if a.cfg.Transports.UDP {
		addr := fmt.Sprintf("%s:%d", a.cfg.Listen.Address, a.cfg.Listen.Port+2)
		ln, err := transport.ListenUDP(addr)
		if err != nil {
			return fmt.Errorf("app: udp listen: %w", err)
		}
		a.startListener(ctx, &wg, "udp", ln)
	}
	if a.cfg.Transports.QUIC {
		addr := fmt.Sprintf("%s:%d", a.cfg.Listen.Address, a.cfg.Listen.Port+3)
		ln, err := transport.ListenQUIC(addr, nil)
		if err != nil {
			return fmt.Errorf("app: quic listen: %w", err)
		}
		a.startListener(ctx, &wg, "quic", ln)
	}

	if a.cfg.Discovery.Enabled {
		a.startDiscovery(ctx, &wg)
	}

	for _, bc := range a.cfg.Bridges {
		if err := a.createConfiguredBridge(ctx, bc); err != nil {
			a.logger.Error("app: configured bridge failed to start", "bridge", bc.ID, "kind", bc.Kind, "error", err)
		}
	}

	a.logger.Info("clasp router started", "listen_port", a.cfg.Listen.Port, "data_dir", a.cfg.DataDir)

	<-ctx.Done()
	a.logger.Info("shutting down")
	for _, ln := range a.listeners {
		ln.Close()
	}
	for _, inst := range a.Bridges.List() {
		if err := a.Bridges.Delete(inst.ID); err != nil {
			a.logger.Warn("app: bridge shutdown error", "bridge", inst.ID, "error", err)
		}
	}
	wg.Wait()
	return nil
}

func (a *App) startListener(ctx context.Context, wg *sync.WaitGroup, kind string, ln transport.Listener) {
	a.listeners = append(a.listeners, ln)
	a.Events.Publish(events.Event{Source: events.SourceTransport, Kind: events.KindListenerStarted, Data: map[string]any{"kind": kind, "address": ln.Addr()}})
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := ln.Serve(ctx, func(ctx context.Context, conn transport.Conn) {
			transport.Serve(ctx, conn, a.Dispatch, a.logger)
		})
		a.Events.Publish(events.Event{Source: events.SourceTransport, Kind: events.KindListenerStopped, Data: map[string]any{"kind": kind, "error": errString(err)}})
	}()
}

func (a *App) startDiscovery(ctx context.Context, wg *sync.WaitGroup) {
	info := discovery.AdvertiseInfo{
		Name:    hostnameOrDefault("clasp"),
		Port:    a.cfg.Listen.Port,
		Version: "",
		WSPath:  "/clasp",
	}
	connectAddr := fmt.Sprintf("%s:%d", hostnameOrDefault("localhost"), a.cfg.Listen.Port)

	advertiser := discovery.NewAdvertiser(info, a.logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := advertiser.Start(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("discovery: mdns advertiser stopped", "error", err)
		}
	}()

	responder := discovery.NewProbeResponder(info, connectAddr, a.logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := responder.Start(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("discovery: probe responder stopped", "error", err)
		}
	}()
}

// createConfiguredBridge builds and registers one bridge named in the
// config file, equivalent to the control surface's create_bridge.
func (a *App) createConfiguredBridge(ctx context.Context, bc config.BridgeConfig) error {
	driver, err := buildDriverFromMap(bc.Kind, bc.Config, a.logger)
	if err != nil {
		return err
	}
	cfg, err := json.Marshal(bc.Config)
	if err != nil {
		return fmt.Errorf("bridge %s: marshal config: %w", bc.ID, err)
	}
	_, err = a.Bridges.Create(ctx, bc.ID, bc.Kind, cfg, driver)
	return err
}

func buildDriverFromMap(kind string, raw map[string]interface{}, logger *slog.Logger) (bridge.Driver, error) {
	switch kind {
	case "osc":
		return osc.New(osc.Options{
			ListenAddr: stringField(raw, "listen_addr"),
			SendAddr:   stringField(raw, "send_addr"),
			Prefix:     stringField(raw, "prefix"),
		}, logger), nil
	case "http":
		return httpbridge.New(httpbridge.Options{
			ListenAddr: stringField(raw, "listen_addr"),
			Prefix:     stringField(raw, "prefix"),
		}, logger), nil
	case "ws":
		return wsbridge.New(wsbridge.Options{
			ListenAddr: stringField(raw, "listen_addr"),
			Path:       stringField(raw, "path"),
			Prefix:     stringField(raw, "prefix"),
		}, logger), nil
	case "mqtt":
		opts := mqttlink.Options{
			Broker:   stringField(raw, "broker"),
			ClientID: stringField(raw, "client_id"),
			Username: stringField(raw, "username"),
			Password: stringField(raw, "password"),
		}
		if ka, ok := raw["keepalive_sec"].(int); ok {
			opts.KeepAliveSec = uint16(ka)
		}
		return mqttbridge.New(opts, stringField(raw, "prefix"), stringSliceField(raw, "topics"), logger), nil
	default:
		return nil, fmt.Errorf("app: bridge kind %q is not statically configurable (use the control surface)", kind)
	}
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceField(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func hostnameOrDefault(def string) string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return def
	}
	return h
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// NewControlSurface builds the control surface wired to this app's
// dispatcher, bridge registry, and stats store.
func (a *App) NewControlSurface(connectURI string) *control.Surface {
	return control.New(a.Dispatch, a.Bridges, a.Stats, connectURI, a.logger)
}

