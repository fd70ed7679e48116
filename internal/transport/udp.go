package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/nugget/clasp/internal/wire"
)

// UDPListener serves CLASP over UDP: one datagram is exactly one
// frame (spec.md §4.8), no reassembly. Since UDP is connectionless,
// the listener demultiplexes inbound datagrams by source address,
// synthesizing one Conn (and, through Serve's handle callback, one
// session) per peer the first time it's seen.
type UDPListener struct {
	pc *net.UDPConn

	mu    sync.Mutex
	peers map[string]*udpConn
}

// ListenUDP binds addr for a UDP front end.
func ListenUDP(addr string) (*UDPListener, error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenUDP("udp", a)
	if err != nil {
		return nil, err
	}
	return &UDPListener{pc: pc, peers: make(map[string]*udpConn)}, nil
}

func (u *UDPListener) Addr() string { return u.pc.LocalAddr().String() }
func (u *UDPListener) Close() error { return u.pc.Close() }

// Serve reads datagrams until ctx is cancelled or the socket fails.
// The first datagram from a never-seen source address allocates a
// udpConn and hands it to handle on a new goroutine; later datagrams
// from the same address are routed to that same conn's inbound queue.
func (u *UDPListener) Serve(ctx context.Context, handle func(ctx context.Context, conn Conn)) error {
	go func() {
		<-ctx.Done()
		u.pc.Close()
	}()

	buf := make([]byte, 65535+16)
	for {
		n, raddr, err := u.pc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		datagram := append([]byte(nil), buf[:n]...)
		key := raddr.String()

		u.mu.Lock()
		pc, ok := u.peers[key]
		if !ok {
			pc = newUDPConn(u.pc, raddr, func() {
				u.mu.Lock()
				delete(u.peers, key)
				u.mu.Unlock()
			})
			u.peers[key] = pc
		}
		u.mu.Unlock()

		if !ok {
			go handle(ctx, pc)
		}

		select {
		case pc.recv <- datagram:
		case <-ctx.Done():
			return nil
		default:
			// Peer's inbound queue is saturated; UDP delivery is
			// already best-effort, so the datagram is simply dropped.
		}
	}
}

// udpConn is one peer's view of a shared *net.UDPConn socket: reads
// come off a per-peer channel fed by the listener's demux loop,
// writes go straight back out to the peer's source address.
type udpConn struct {
	pc     *net.UDPConn
	remote *net.UDPAddr
	recv   chan []byte
	evict  func()

	closeOnce sync.Once
}

func newUDPConn(pc *net.UDPConn, remote *net.UDPAddr, evict func()) *udpConn {
	return &udpConn{
		pc:     pc,
		remote: remote,
		recv:   make(chan []byte, 64),
		evict:  evict,
	}
}

func (c *udpConn) ReadMessage(ctx context.Context) (wire.Message, error) {
	select {
	case datagram, ok := <-c.recv:
		if !ok {
			return wire.Message{}, io.EOF
		}
		n, err := wire.CheckComplete(datagram)
		if err != nil {
			return wire.Message{}, fmt.Errorf("transport: malformed udp datagram: %w", err)
		}
		if n != len(datagram) {
			return wire.Message{}, fmt.Errorf("transport: udp datagram carries %d bytes beyond its frame, fragments are not supported", len(datagram)-n)
		}
		m, qos, _, err := wire.Decode(datagram)
		if err != nil {
			return wire.Message{}, err
		}
		m.QoS = qos
		return m, nil
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	}
}

func (c *udpConn) WriteMessage(ctx context.Context, m wire.Message, enc wire.Encoding) error {
	frame, err := wire.Encode(m, enc, m.QoS, m.TimeUs, false)
	if err != nil {
		return err
	}
	_, err = c.pc.WriteToUDP(frame, c.remote)
	return err
}

func (c *udpConn) RemoteAddr() string { return c.remote.String() }

func (c *udpConn) Close() error {
	c.closeOnce.Do(func() {
		c.evict()
		close(c.recv)
	})
	return nil
}
