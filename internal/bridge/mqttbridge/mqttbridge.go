// Package mqttbridge is the bridge.Driver for MQTT: every subscribed
// topic surfaces as a CLASP Param under a configurable address prefix,
// and every outbound write to an address under that prefix publishes
// back to the corresponding topic. It is a thin translation layer over
// internal/mqttlink, adapted from the teacher's internal/mqtt package
// which used the same autopaho-based client for Home Assistant device
// discovery instead of address translation.
package mqttbridge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/clasp/internal/bridge"
	"github.com/nugget/clasp/internal/mqttlink"
	"github.com/nugget/clasp/internal/wire"
)

// Driver bridges one MQTT broker connection into CLASP address space.
type Driver struct {
	opts    mqttlink.Options
	prefix  string
	topics  []string
	logger  *slog.Logger

	client  *mqttlink.Client
	inbound chan bridge.ForeignEvent

	mu    sync.Mutex
	state bridge.State
}

// New creates a driver that publishes/subscribes under prefix (e.g.
// "/mqtt"), pre-subscribing to topics at connect time.
func New(opts mqttlink.Options, prefix string, topics []string, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		opts:    opts,
		prefix:  strings.TrimSuffix(prefix, "/"),
		topics:  topics,
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

// Start implements bridge.Driver: connects to the broker and blocks
// until ctx is cancelled, per bridge.Supervisor's contract.
func (d *Driver) Start(ctx context.Context) error {
	d.setState(bridge.StateStarting)

	d.client = mqttlink.New(d.opts, d.logger)
	d.client.SetMessageHandler(d.onMessage)
	for _, t := range d.topics {
		d.client.Subscribe(ctx, t)
	}

	d.setState(bridge.StateRunning)
	err := d.client.Connect(ctx)
	if ctx.Err() != nil {
		return err
	}
	d.setState(bridge.StateError)
	return err
}

// Stop implements bridge.Driver.
func (d *Driver) Stop() error {
	d.setState(bridge.StateStopped)
	if d.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}

// Outbound implements bridge.Driver: publishes sig.Value to the topic
// mapped from sig.Address, stripped of the bridge's address prefix.
func (d *Driver) Outbound(sig bridge.ForeignEvent) {
	if d.client == nil {
		return
	}
	topic := strings.TrimPrefix(strings.TrimPrefix(sig.Address, d.prefix), "/")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.client.Publish(ctx, topic, valueToPayload(sig.Value), 0, false); err != nil {
		d.logger.Debug("mqttbridge: publish failed", "topic", topic, "error", err)
	}
}

func (d *Driver) onMessage(topic string, payload []byte) {
	addr := d.prefix + "/" + topic
	select {
	case d.inbound <- bridge.ForeignEvent{Address: addr, Value: payloadToValue(payload), Kind: wire.SignalParam}:
	default:
		d.logger.Debug("mqttbridge: inbound queue full, dropping message", "topic", topic)
	}
}

// valueToPayload renders a CLASP Value as an MQTT payload: numeric
// values as their shortest decimal form, everything else via its
// string representation — mirroring how most MQTT devices in the wild
// publish plain-text sensor state rather than a structured encoding.
func valueToPayload(v wire.Value) []byte {
	switch v.Kind {
	case wire.KindString:
		return []byte(v.Str)
	case wire.KindBool:
		if v.Bool {
			return []byte("true")
		}
		return []byte("false")
	default:
		if v.IsNumeric() {
			return []byte(strconv.FormatFloat(v.AsFloat64(), 'g', -1, 64))
		}
		return []byte(fmt.Sprintf("%v", v))
	}
}

// payloadToValue parses an inbound MQTT payload as a float if it looks
// numeric, falling back to a plain string value.
func payloadToValue(payload []byte) wire.Value {
	s := string(payload)
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return wire.FloatValue(f)
	}
	return wire.StringValue(s)
}
