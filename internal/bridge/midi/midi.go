// Package midi implements the bridge.Driver for MIDI: Control Change,
// Note On/Off, and Pitch Bend messages parsed from a raw byte stream.
// Device enumeration (finding and opening a hardware MIDI port) is an
// external shell concern outside spec.md's scope — RawSource only
// needs to produce the raw byte stream, so this driver works equally
// over a real device, a virtual port, or a test pipe.
package midi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/nugget/clasp/internal/bridge"
	"github.com/nugget/clasp/internal/wire"
)

// RawSource is a raw MIDI byte stream: a serial port, ALSA raw MIDI
// device, or any io.Reader/io.Writer a platform-specific shell layer
// connects to real hardware.
type RawSource interface {
	io.Reader
	io.Writer
}

// Status byte high nibbles for the voice messages this driver
// understands (spec.md: "Control Change / Note On-Off / Pitch Bend").
const (
	statusNoteOff       = 0x8
	statusNoteOn        = 0x9
	statusControlChange = 0xB
	statusPitchBend     = 0xE
)

// Options configures a MIDI driver.
type Options struct {
	Prefix   string // CLASP address prefix, e.g. "/midi"
	DeviceID string // the bridge's device id, the "D" segment of every address
}

// Driver bridges a raw MIDI byte stream into CLASP address space.
// Addresses follow spec.md §4.9's bit-exact MIDI mapping:
// "{prefix}/{device}/cc/{channel}/{controller}" for Control Change,
// "{prefix}/{device}/note/{channel}" for Note On/Off, and
// "{prefix}/{device}/pb/{channel}" for Pitch Bend.
type Driver struct {
	opts   Options
	source RawSource
	logger *slog.Logger

	inbound chan bridge.ForeignEvent

	mu    sync.Mutex
	state bridge.State
}

// New creates a driver reading from and writing to source.
func New(source RawSource, opts Options, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		opts:    opts,
		source:  source,
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

// Start implements bridge.Driver: reads status/data byte triples from
// source until ctx is cancelled or the stream ends. Running status
// (an implicit repeat of the previous status byte, common in real MIDI
// streams) is tracked across messages.
func (d *Driver) Start(ctx context.Context) error {
	d.setState(bridge.StateRunning)
	r := bufio.NewReader(d.source)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()

	var running byte
	for {
		select {
		case <-done:
			return ctx.Err()
		default:
		}

		b, err := r.ReadByte()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.setState(bridge.StateError)
			return fmt.Errorf("midi: read: %w", err)
		}

		var status byte
		if b&0x80 != 0 {
			status = b
			running = b
		} else {
			if running == 0 {
				continue // data byte with no running status yet; drop
			}
			status = running
			if err := r.UnreadByte(); err != nil {
				return fmt.Errorf("midi: unread: %w", err)
			}
		}

		kind := status >> 4
		channel := int(status & 0x0f)

		d1, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("midi: read data1: %w", err)
		}

		switch kind {
		case statusNoteOn, statusNoteOff:
			d2, err := r.ReadByte()
			if err != nil {
				return fmt.Errorf("midi: read velocity: %w", err)
			}
			d.deliverNote(channel, kind, d1, d2)
		case statusControlChange:
			d2, err := r.ReadByte()
			if err != nil {
				return fmt.Errorf("midi: read cc value: %w", err)
			}
			d.deliverCC(channel, d1, d2)
		case statusPitchBend:
			d2, err := r.ReadByte()
			if err != nil {
				return fmt.Errorf("midi: read pitch bend msb: %w", err)
			}
			d.deliverPitchBend(channel, d1, d2)
		default:
			// Not a message this driver interprets (e.g. program
			// change, aftertouch); ignore its one data byte already
			// consumed above and continue scanning.
		}
	}
}

func (d *Driver) deliver(address string, v wire.Value, kind wire.SignalKind) {
	select {
	case d.inbound <- bridge.ForeignEvent{Address: address, Value: v, Kind: kind}:
	default:
		d.logger.Debug("midi: inbound queue full, dropping message", "address", address)
	}
}

// deliverNote emits Note On/Off as an Event (not retained) carrying
// the full {note, velocity, phase} structure spec.md §4.9 names,
// rather than collapsing it to a bare Param boolean.
func (d *Driver) deliverNote(channel int, kind byte, note, velocity byte) {
	phase := "off"
	vel := int64(0)
	if kind == statusNoteOn && velocity > 0 {
		phase = "on"
		vel = int64(velocity)
	}
	address := fmt.Sprintf("%s/%s/note/%d", d.opts.Prefix, d.opts.DeviceID, channel+1)
	v := wire.MapValue(map[string]wire.Value{
		"note":     wire.IntValue(int64(note)),
		"velocity": wire.IntValue(vel),
		"phase":    wire.StringValue(phase),
	})
	d.deliver(address, v, wire.SignalEvent)
}

// deliverCC emits Control Change as a Param carrying the raw 0-127
// controller value, not normalized to a float.
func (d *Driver) deliverCC(channel int, controller, value byte) {
	address := fmt.Sprintf("%s/%s/cc/%d/%d", d.opts.Prefix, d.opts.DeviceID, channel+1, controller)
	d.deliver(address, wire.IntValue(int64(value)), wire.SignalParam)
}

// deliverPitchBend emits Pitch Bend as a Param at "/pb/{channel}"
// carrying the raw signed 14-bit range spec.md §4.9 names (-8192..8191,
// 0 center), not a value normalized to -1..1.
func (d *Driver) deliverPitchBend(channel int, lsb, msb byte) {
	raw := int(msb)<<7 | int(lsb) // 14-bit, 0..16383, 8192 is center
	signed := raw - 8192
	address := fmt.Sprintf("%s/%s/pb/%d", d.opts.Prefix, d.opts.DeviceID, channel+1)
	d.deliver(address, wire.IntValue(int64(signed)), wire.SignalParam)
}

// Outbound implements bridge.Driver: writes sig back out as a Control
// Change if its address matches ".../cc/{channel}/{controller}", a
// Note On/Off if it matches ".../note/{channel}", or a Pitch Bend if
// it matches ".../pb/{channel}"; anything else is not representable
// and is dropped.
func (d *Driver) Outbound(sig bridge.ForeignEvent) {
	prefix := d.opts.Prefix + "/" + d.opts.DeviceID + "/"
	rest := strings.TrimPrefix(sig.Address, prefix)
	if rest == sig.Address {
		return
	}
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 3 && parts[0] == "cc":
		channel, err := strconv.Atoi(parts[1])
		if err != nil {
			return
		}
		controller, err := strconv.Atoi(parts[2])
		if err != nil {
			return
		}
		value := byte(sig.Value.AsFloat64())
		d.write([]byte{statusControlChange<<4 | byte(channel-1), byte(controller), value})

	case len(parts) == 2 && parts[0] == "note":
		channel, err := strconv.Atoi(parts[1])
		if err != nil {
			return
		}
		if sig.Value.Kind != wire.KindMap {
			return
		}
		note := byte(sig.Value.Map["note"].AsFloat64())
		velocity := byte(sig.Value.Map["velocity"].AsFloat64())
		status := byte(statusNoteOff<<4) | byte(channel-1)
		if sig.Value.Map["phase"].Str == "on" {
			status = byte(statusNoteOn<<4) | byte(channel-1)
		}
		d.write([]byte{status, note, velocity})

	case len(parts) == 2 && parts[0] == "pb":
		channel, err := strconv.Atoi(parts[1])
		if err != nil {
			return
		}
		raw := int(sig.Value.AsFloat64()) + 8192
		d.write([]byte{statusPitchBend<<4 | byte(channel-1), byte(raw & 0x7f), byte((raw >> 7) & 0x7f)})
	}
}

func (d *Driver) write(b []byte) {
	if _, err := d.source.Write(b); err != nil {
		d.logger.Debug("midi: write failed", "error", err)
	}
}

// Stop implements bridge.Driver. Closing the underlying RawSource, if
// it also implements io.Closer, is the caller's responsibility — this
// driver only stops interpreting it.
func (d *Driver) Stop() error {
	d.setState(bridge.StateStopped)
	return nil
}
