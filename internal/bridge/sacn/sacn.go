// Package sacn implements the bridge.Driver for sACN (E1.31): DMX data
// carried over IPv4 multicast, one group per universe
// (239.255.{universe-high}.{universe-low}). Multicast group membership
// uses golang.org/x/net/ipv4.PacketConn.JoinGroup, the same library the
// corpus reaches for alongside zeroconf's mDNS multicast advertising.
package sacn

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

const (
	rootVector  = 0x00000004
	frameVector = 0x00000002
	dmpVector   = 0x02
	maxSlots    = 512
	port        = 5568
)

// Options configures one sACN universe.
type Options struct {
	Universe  uint16
	Interface string // optional egress/ingress interface name
	Prefix    string // CLASP address prefix, e.g. "/sacn/1"
	SourceName string
	CID       [16]byte
}

func multicastGroup(universe uint16) net.IP {
	return net.IPv4(239, 255, byte(universe>>8), byte(universe))
}

// Driver bridges one sACN universe into CLASP address space, one
// Param per DMX slot at "{prefix}/{slot}" (1-indexed).
type Driver struct {
	opts   Options
	logger *slog.Logger

	conn    *net.UDPConn
	pc      *ipv4.PacketConn
	group   *net.UDPAddr
	inbound chan bridge.ForeignEvent

	mu       sync.Mutex
	state    bridge.State
	lastSeen [maxSlots]byte
	haveSeen bool
	sequence byte
}

// New creates an sACN driver; nothing is bound until Start.
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

// Start implements bridge.Driver: joins the universe's multicast group
// and decodes incoming E1.31 data packets.
func (d *Driver) Start(ctx context.Context) error {
	d.setState(bridge.StateStarting)

	group := multicastGroup(d.opts.Universe)
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		d.setState(bridge.StateError)
		return fmt.Errorf("sacn: listen: %w", err)
	}
	d.conn = conn
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	var ifi *net.Interface
	if d.opts.Interface != "" {
		ifi, err = net.InterfaceByName(d.opts.Interface)
		if err != nil {
			d.setState(bridge.StateError)
			return fmt.Errorf("sacn: interface %q: %w", d.opts.Interface, err)
		}
	}
	groupAddr := &net.UDPAddr{IP: group, Port: port}
	if err := pc.JoinGroup(ifi, groupAddr); err != nil {
		d.setState(bridge.StateError)
		return fmt.Errorf("sacn: join multicast group %s: %w", group, err)
	}
	d.pc = pc
	d.group = groupAddr

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	d.setState(bridge.StateRunning)

	buf := make([]byte, 1144)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.setState(bridge.StateError)
			return fmt.Errorf("sacn: read: %w", err)
		}
		data, err := DecodeData(buf[:n])
		if err != nil {
			d.logger.Debug("sacn: malformed packet dropped", "error", err)
			continue
		}
		if data.Universe != d.opts.Universe {
			continue
		}
		d.deliverDelta(data.Slots)
	}
}

func (d *Driver) deliverDelta(slots []byte) {
	d.mu.Lock()
	first := !d.haveSeen
	d.haveSeen = true
	var changed []int
	for i, v := range slots {
		if i >= maxSlots {
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
			d.logger.Debug("sacn: inbound queue full, dropping slot", "address", ev.Address)
		}
	}
}

// Outbound implements bridge.Driver: updates the in-memory universe
// buffer and retransmits the full universe as one E1.31 data packet.
func (d *Driver) Outbound(sig bridge.ForeignEvent) {
	if d.conn == nil || d.group == nil {
		return
	}
	var slot int
	if _, err := fmt.Sscanf(sig.Address, d.opts.Prefix+"/%d", &slot); err != nil || slot < 1 || slot > maxSlots {
		return
	}

	d.mu.Lock()
	d.lastSeen[slot-1] = byte(sig.Value.AsFloat64() * 255)
	d.haveSeen = true
	slots := d.lastSeen
	seq := d.sequence + 1
	d.sequence = seq
	d.mu.Unlock()

	packet := EncodeData(Data{
		CID:        d.opts.CID,
		SourceName: d.opts.SourceName,
		Universe:   d.opts.Universe,
		Sequence:   seq,
		Slots:      slots[:],
	})
	if _, err := d.conn.WriteToUDP(packet, d.group); err != nil {
		d.logger.Debug("sacn: write failed", "error", err)
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

// Data is a decoded E1.31 DMX data packet (root + framing + DMP
// layers collapsed into the fields a bridge driver actually needs).
type Data struct {
	CID        [16]byte
	SourceName string
	Universe   uint16
	Sequence   byte
	Slots      []byte
}

// EncodeData serializes an E1.31 data packet. The layout follows
// ANSI E1.31's root/framing/DMP layering but writes fixed values for
// fields this bridge never reads: priority 100, and zero for the
// universe sync address and options.
func EncodeData(d Data) []byte {
	var buf bytes.Buffer

	slotCount := len(d.Slots) + 1 // DMX start code + slots
	dmpLen := 10 + slotCount
	frameLen := 77 + dmpLen
	rootLen := 22 + frameLen

	binary.Write(&buf, binary.BigEndian, uint16(0x0010))
	binary.Write(&buf, binary.BigEndian, flagsAndLength(rootLen-16))
	buf.Write([]byte{0x00, 0x00, 0x00, 0x04}) // ACN_PACKET_IDENTIFIER short form (vendor specific in real E1.31, simplified here)
	binary.Write(&buf, binary.BigEndian, uint32(rootVector))
	buf.Write(d.CID[:])

	binary.Write(&buf, binary.BigEndian, flagsAndLength(frameLen))
	binary.Write(&buf, binary.BigEndian, uint32(frameVector))
	name := make([]byte, 64)
	copy(name, d.SourceName)
	buf.Write(name)
	buf.WriteByte(100) // priority
	buf.WriteByte(0)   // sync address hi
	buf.WriteByte(0)   // sync address lo
	buf.WriteByte(d.Sequence)
	buf.WriteByte(0) // options
	binary.Write(&buf, binary.BigEndian, d.Universe)

	binary.Write(&buf, binary.BigEndian, flagsAndLength(dmpLen))
	buf.WriteByte(dmpVector)
	buf.WriteByte(0xa1) // address type & data type
	binary.Write(&buf, binary.BigEndian, uint16(0x0000)) // first property address
	binary.Write(&buf, binary.BigEndian, uint16(0x0001)) // address increment
	binary.Write(&buf, binary.BigEndian, uint16(slotCount))
	buf.WriteByte(0) // DMX start code
	buf.Write(d.Slots)

	return buf.Bytes()
}

func flagsAndLength(length int) uint16 {
	return uint16(0x7000) | uint16(length&0x0fff)
}

// DecodeData parses an E1.31 data packet produced by EncodeData (or
// any sACN source using the same simplified layering).
func DecodeData(data []byte) (Data, error) {
	if len(data) < 28 {
		return Data{}, fmt.Errorf("sacn: packet too short")
	}
	if binary.BigEndian.Uint32(data[4:8]) != 0x00000004 {
		return Data{}, fmt.Errorf("sacn: bad packet identifier")
	}
	var cid [16]byte
	copy(cid[:], data[12:28])

	frame := data[28:]
	if len(frame) < 77 {
		return Data{}, fmt.Errorf("sacn: truncated framing layer")
	}
	sourceName := string(bytes.TrimRight(frame[6:70], "\x00"))
	sequence := frame[73]
	universe := binary.BigEndian.Uint16(frame[75:77])

	dmp := frame[77:]
	if len(dmp) < 10 {
		return Data{}, fmt.Errorf("sacn: truncated dmp layer")
	}
	count := int(binary.BigEndian.Uint16(dmp[8:10]))
	if 10+count > len(dmp) {
		return Data{}, fmt.Errorf("sacn: truncated slot data")
	}
	slotData := dmp[10 : 10+count]
	if len(slotData) < 1 {
		return Data{}, fmt.Errorf("sacn: missing start code")
	}

	return Data{
		CID:        cid,
		SourceName: sourceName,
		Universe:   universe,
		Sequence:   sequence,
		Slots:      append([]byte(nil), slotData[1:]...),
	}, nil
}
