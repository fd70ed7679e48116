package osc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/nugget/clasp/internal/bridge"
	"github.com/nugget/clasp/internal/wire"
)

// Options configures one OSC UDP endpoint.
type Options struct {
	ListenAddr string // e.g. "0.0.0.0:9000"
	SendAddr   string // e.g. "127.0.0.1:9001"; empty disables Outbound
	Prefix     string // CLASP address prefix, e.g. "/osc"
}

// Driver bridges OSC 1.0 over UDP into CLASP address space: every OSC
// address becomes prefix+address; a message with one argument carries
// it as a scalar value, one with several carries them as an Array
// value, and one with none carries a null value.
type Driver struct {
	opts   Options
	logger *slog.Logger

	conn    *net.UDPConn
	remote  *net.UDPAddr
	inbound chan bridge.ForeignEvent

	mu    sync.Mutex
	state bridge.State
}

// New creates an OSC driver; nothing is bound until Start.
func New(opts Options, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		opts:    opts,
		logger:  logger,
		inbound: make(chan bridge.ForeignEvent, 256),
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

// Start implements bridge.Driver: binds the listen socket and runs the
// receive loop until ctx is cancelled or the socket fails.
func (d *Driver) Start(ctx context.Context) error {
	d.setState(bridge.StateStarting)

	laddr, err := net.ResolveUDPAddr("udp", d.opts.ListenAddr)
	if err != nil {
		d.setState(bridge.StateError)
		return fmt.Errorf("osc: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		d.setState(bridge.StateError)
		return fmt.Errorf("osc: listen: %w", err)
	}
	d.conn = conn
	defer conn.Close()

	if d.opts.SendAddr != "" {
		raddr, err := net.ResolveUDPAddr("udp", d.opts.SendAddr)
		if err != nil {
			d.setState(bridge.StateError)
			return fmt.Errorf("osc: resolve send addr: %w", err)
		}
		d.remote = raddr
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	d.setState(bridge.StateRunning)

	buf := make([]byte, 65535)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.setState(bridge.StateError)
			return fmt.Errorf("osc: read: %w", err)
		}

		bdl, err := DecodePacket(buf[:n])
		if err != nil {
			d.logger.Debug("osc: malformed packet dropped", "error", err)
			continue
		}
		for _, el := range bdl.Elements {
			msg, err := DecodeMessage(el)
			if err != nil {
				d.logger.Debug("osc: malformed bundle element dropped", "error", err)
				continue
			}
			d.deliver(msg, bdl.TimeUs)
		}
	}
}

func (d *Driver) deliver(msg Message, timeUs int64) {
	var val wire.Value
	switch len(msg.Args) {
	case 0:
		val = wire.Null()
	case 1:
		val = argToValue(msg.Args[0])
	default:
		vals := make([]wire.Value, len(msg.Args))
		for i, a := range msg.Args {
			vals[i] = argToValue(a)
		}
		val = wire.ArrayValue(vals)
	}
	ev := bridge.ForeignEvent{
		Address: d.opts.Prefix + msg.Address,
		Value:   val,
		Kind:    wire.SignalParam,
		TimeUs:  timeUs,
	}
	select {
	case d.inbound <- ev:
	default:
		d.logger.Debug("osc: inbound queue full, dropping message", "address", ev.Address)
	}
}

// Outbound implements bridge.Driver.
func (d *Driver) Outbound(sig bridge.ForeignEvent) {
	if d.conn == nil || d.remote == nil {
		return
	}
	address := strings.TrimPrefix(sig.Address, d.opts.Prefix)
	msg := Message{Address: address, Args: valueToArgs(sig.Value)}
	frame, err := EncodeMessage(msg)
	if err != nil {
		d.logger.Debug("osc: encode failed", "address", sig.Address, "error", err)
		return
	}
	if _, err := d.conn.WriteToUDP(frame, d.remote); err != nil {
		d.logger.Debug("osc: write failed", "address", sig.Address, "error", err)
	}
}

// Stop implements bridge.Driver.
func (d *Driver) Stop() error {
	d.setState(bridge.StateStopped)
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// argToValue maps an OSC argument onto the CLASP value it most
// naturally represents.
func argToValue(a Arg) wire.Value {
	switch a.Tag {
	case 'i':
		return wire.IntValue(int64(a.Int))
	case 'f':
		return wire.FloatValue(float64(a.Float))
	case 's':
		return wire.StringValue(a.Str)
	case 'b':
		return wire.BytesValue(a.Blob)
	case 'T', 'F':
		return wire.BoolValue(a.Bool)
	default:
		return wire.Null()
	}
}

// valueToArgs maps a CLASP value onto the OSC argument list it
// represents: a scalar unwraps to one argument, an Array value expands
// to one argument per element, matching spec.md §4.9's "one arg
// unwrapped as scalar; multiple args packaged as array" round trip.
func valueToArgs(v wire.Value) []Arg {
	if v.Kind == wire.KindArray {
		args := make([]Arg, len(v.Array))
		for i, elem := range v.Array {
			args[i] = valueToArg(elem)
		}
		return args
	}
	return []Arg{valueToArg(v)}
}

// valueToArg maps a single CLASP value onto the OSC argument tag it
// most naturally represents: integer kinds go out as 'i' (int32), and
// everything that isn't bool/string/bytes/integer goes out as 'f' with
// its AsFloat64 value.
func valueToArg(v wire.Value) Arg {
	switch v.Kind {
	case wire.KindBool:
		if v.Bool {
			return Arg{Tag: 'T', Bool: true}
		}
		return Arg{Tag: 'F', Bool: false}
	case wire.KindString:
		return Arg{Tag: 's', Str: v.Str}
	case wire.KindBytes:
		return Arg{Tag: 'b', Blob: v.Bytes}
	case wire.KindInt8, wire.KindInt16, wire.KindInt32, wire.KindInt64:
		return Arg{Tag: 'i', Int: int32(v.Int)}
	default:
		return Arg{Tag: 'f', Float: float32(v.AsFloat64())}
	}
}
