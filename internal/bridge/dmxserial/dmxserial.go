// Package dmxserial implements the bridge.Driver for DMX512 over a
// serial line (a USB-DMX interface such as an Enttec Open DMX USB):
// a fixed-rate refresh loop that retransmits the full 512-slot
// universe as a break + data frame, since DMX512 has no way to signal
// a partial update. Device opening is a platform concern left to the
// caller; SerialPort only needs to produce a break-capable byte
// stream, matching the RawSource pattern used by the MIDI driver.
package dmxserial

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/clasp/internal/bridge"
)

// SerialPort is a DMX-capable serial line. Break generates the
// required >= 88us line break preceding each DMX frame; platform
// shells typically implement this via termios ioctls or a dedicated
// USB-DMX driver.
type SerialPort interface {
	io.Writer
	Break(d time.Duration) error
}

const (
	maxSlots      = 512
	startCode     = 0
	defaultRateHz = 44
)

// Options configures a DMX serial driver. This driver is output-only
// (DMX512 is unidirectional); Inbound always returns a channel that
// never delivers.
type Options struct {
	Prefix string // CLASP address prefix, e.g. "/dmx/0"
	RateHz int    // refresh rate; 0 defaults to 44Hz (DMX512 standard)
}

// Driver bridges CLASP Param writes at "{prefix}/{slot}" (1-indexed)
// into a continuously retransmitted DMX512 universe.
type Driver struct {
	opts   Options
	port   SerialPort
	logger *slog.Logger

	inbound chan bridge.ForeignEvent

	mu     sync.Mutex
	state  bridge.State
	slots  [maxSlots]byte
}

// New creates a driver writing to port.
func New(port SerialPort, opts Options, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RateHz <= 0 {
		opts.RateHz = defaultRateHz
	}
	return &Driver{opts: opts, port: port, logger: logger, inbound: make(chan bridge.ForeignEvent)}
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

// Inbound implements bridge.Driver: DMX512 carries no return channel.
func (d *Driver) Inbound() <-chan bridge.ForeignEvent { return d.inbound }

// Start implements bridge.Driver: retransmits the current universe at
// opts.RateHz until ctx is cancelled.
func (d *Driver) Start(ctx context.Context) error {
	d.setState(bridge.StateRunning)

	interval := time.Second / time.Duration(d.opts.RateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.setState(bridge.StateStopped)
			return ctx.Err()
		case <-ticker.C:
			if err := d.transmit(); err != nil {
				d.setState(bridge.StateError)
				return fmt.Errorf("dmxserial: transmit: %w", err)
			}
		}
	}
}

func (d *Driver) transmit() error {
	if err := d.port.Break(176 * time.Microsecond); err != nil {
		return err
	}
	d.mu.Lock()
	frame := make([]byte, 1+maxSlots)
	frame[0] = startCode
	copy(frame[1:], d.slots[:])
	d.mu.Unlock()
	_, err := d.port.Write(frame)
	return err
}

// Outbound implements bridge.Driver: updates the held universe buffer.
// The next refresh tick transmits the new value.
func (d *Driver) Outbound(sig bridge.ForeignEvent) {
	var slot int
	if _, err := fmt.Sscanf(sig.Address, d.opts.Prefix+"/%d", &slot); err != nil || slot < 1 || slot > maxSlots {
		return
	}
	d.mu.Lock()
	d.slots[slot-1] = byte(sig.Value.AsFloat64() * 255)
	d.mu.Unlock()
}

// Stop implements bridge.Driver.
func (d *Driver) Stop() error {
	d.setState(bridge.StateStopped)
	return nil
}
