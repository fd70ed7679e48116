// Package artnet implements the bridge.Driver for Art-Net: a UDP
// OpDmx packet parser/builder with per-slot delta suppression, so
// CLASP only sees a Param update for the channels that actually
// changed between two OpDmx frames (Art-Net nodes commonly retransmit
// their full universe at a fixed rate regardless of whether anything
// moved). Interface selection for multi-homed hosts uses
// golang.org/x/net/ipv4.PacketConn, the same library the corpus uses
// for mDNS multicast (zeroconf) — here for picking the egress NIC a
// universe is broadcast on, not for group membership.
package artnet

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/nugget/clasp/internal/bridge"
	"github.com/nugget/clasp/internal/wire"
)

var artNetHeader = []byte("Art-Net\x00")

const (
	opDMX       = 0x5000
	protocolVer = 14
	maxChannels = 512
)

// Options configures an Art-Net universe endpoint.
type Options struct {
	ListenAddr    string // e.g. "0.0.0.0:6454"
	BroadcastAddr string // e.g. "255.255.255.255:6454"; empty disables Outbound
	Interface     string // optional egress interface name for Outbound
	Prefix        string // CLASP address prefix, e.g. "/artnet/0" (universe 0)
	Net           byte
	SubUni        byte
}

// Driver bridges one Art-Net universe into CLASP address space:
// "{prefix}/{channel}" (1-indexed, matching how lighting consoles
// number DMX channels) holds the most recent slot value as a float
// normalized to 0..1 (raw byte / 255); the raw 0-255 byte is not
// carried as an integer. Outbound expects the same 0..1 scale.
type Driver struct {
	opts   Options
	logger *slog.Logger

	conn    *net.UDPConn
	pc      *ipv4.PacketConn
	bcast   *net.UDPAddr
	inbound chan bridge.ForeignEvent

	mu       sync.Mutex
	state    bridge.State
	lastSeen [maxChannels]byte
	haveSeen bool
	sequence byte
}

// New creates an Art-Net driver; nothing is bound until Start.
func New(opts Options, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{opts: opts, logger: logger, inbound: make(chan bridge.ForeignEvent, 512)}
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

// Start implements bridge.Driver.
func (d *Driver) Start(ctx context.Context) error {
	d.setState(bridge.StateStarting)

	laddr, err := net.ResolveUDPAddr("udp4", d.opts.ListenAddr)
	if err != nil {
		d.setState(bridge.StateError)
		return fmt.Errorf("artnet: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		d.setState(bridge.StateError)
		return fmt.Errorf("artnet: listen: %w", err)
	}
	d.conn = conn
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if d.opts.Interface != "" {
		ifi, err := net.InterfaceByName(d.opts.Interface)
		if err != nil {
			d.setState(bridge.StateError)
			return fmt.Errorf("artnet: interface %q: %w", d.opts.Interface, err)
		}
		if err := pc.SetMulticastInterface(ifi); err != nil {
			d.logger.Debug("artnet: set egress interface failed, continuing with default route", "error", err)
		}
	}
	d.pc = pc

	if d.opts.BroadcastAddr != "" {
		bcast, err := net.ResolveUDPAddr("udp4", d.opts.BroadcastAddr)
		if err != nil {
			d.setState(bridge.StateError)
			return fmt.Errorf("artnet: resolve broadcast addr: %w", err)
		}
		d.bcast = bcast
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	d.setState(bridge.StateRunning)

	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.setState(bridge.StateError)
			return fmt.Errorf("artnet: read: %w", err)
		}
		data, err := DecodeDMX(buf[:n])
		if err != nil {
			d.logger.Debug("artnet: malformed packet dropped", "error", err)
			continue
		}
		if data.Net != d.opts.Net || data.SubUni != d.opts.SubUni {
			continue
		}
		d.deliverDelta(data.Data)
	}
}

func (d *Driver) deliverDelta(slots []byte) {
	d.mu.Lock()
	first := !d.haveSeen
	d.haveSeen = true
	var changed []int
	for i, v := range slots {
		if i >= maxChannels {
			break
		}
		if first || d.lastSeen[i] != v {
			changed = append(changed, i)
			d.lastSeen[i] = v
		}
	}
	d.mu.Unlock()

	for _, i := range changed {
		ev := bridge.ForeignEvent{
			Address: fmt.Sprintf("%s/%d", d.opts.Prefix, i+1),
			Value:   wire.FloatValue(float64(slots[i]) / 255.0),
			Kind:    wire.SignalParam,
		}
		select {
		case d.inbound <- ev:
		default:
			d.logger.Debug("artnet: inbound queue full, dropping slot", "address", ev.Address)
		}
	}
}

// Outbound implements bridge.Driver: any write updates this driver's
// in-memory universe buffer and retransmits the whole universe as one
// OpDmx packet (DMX has no concept of a partial-universe update on the
// wire — every packet carries the full channel set).
func (d *Driver) Outbound(sig bridge.ForeignEvent) {
	if d.conn == nil || d.bcast == nil {
		return
	}
	var channel int
	if _, err := fmt.Sscanf(sig.Address, d.opts.Prefix+"/%d", &channel); err != nil || channel < 1 || channel > maxChannels {
		return
	}

	d.mu.Lock()
	d.lastSeen[channel-1] = byte(sig.Value.AsFloat64() * 255)
	d.haveSeen = true
	slots := d.lastSeen
	seq := d.sequence + 1
	d.sequence = seq
	d.mu.Unlock()

	frame := EncodeDMX(DMXFrame{
		Sequence: seq,
		Net:      d.opts.Net,
		SubUni:   d.opts.SubUni,
		Data:     slots[:],
	})
	if _, err := d.conn.WriteToUDP(frame, d.bcast); err != nil {
		d.logger.Debug("artnet: write failed", "error", err)
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

// DMXFrame is a decoded Art-Net OpDmx packet.
type DMXFrame struct {
	Sequence byte
	Physical byte
	Net      byte
	SubUni   byte
	Data     []byte
}

// EncodeDMX serializes an OpDmx packet.
func EncodeDMX(f DMXFrame) []byte {
	var buf bytes.Buffer
	buf.Write(artNetHeader)
	binary.Write(&buf, binary.LittleEndian, uint16(opDMX))
	binary.Write(&buf, binary.BigEndian, uint16(protocolVer))
	buf.WriteByte(f.Sequence)
	buf.WriteByte(f.Physical)
	buf.WriteByte(f.SubUni)
	buf.WriteByte(f.Net)
	binary.Write(&buf, binary.BigEndian, uint16(len(f.Data)))
	buf.Write(f.Data)
	return buf.Bytes()
}

// DecodeDMX parses an OpDmx packet, rejecting anything that doesn't
// carry the Art-Net header and opcode.
func DecodeDMX(data []byte) (DMXFrame, error) {
	if len(data) < 18 {
		return DMXFrame{}, fmt.Errorf("artnet: packet too short")
	}
	if !bytes.Equal(data[:8], artNetHeader) {
		return DMXFrame{}, fmt.Errorf("artnet: bad header")
	}
	opcode := binary.LittleEndian.Uint16(data[8:10])
	if opcode != opDMX {
		return DMXFrame{}, fmt.Errorf("artnet: unsupported opcode 0x%04x", opcode)
	}
	seq := data[12]
	phy := data[13]
	subUni := data[14]
	netB := data[15]
	length := int(binary.BigEndian.Uint16(data[16:18]))
	if 18+length > len(data) {
		return DMXFrame{}, fmt.Errorf("artnet: truncated dmx data")
	}
	return DMXFrame{
		Sequence: seq,
		Physical: phy,
		Net:      netB,
		SubUni:   subUni,
		Data:     append([]byte(nil), data[18:18+length]...),
	}, nil
}
