// Package discovery advertises a running CLASP router on the local
// network so clients don't need a hardcoded address: mDNS via
// github.com/libp2p/zeroconf/v2 for networks where multicast reaches,
// and a UDP broadcast probe/reply fallback on port 7331 for networks
// that block it. Both run as supervised background tasks; neither
// affects dispatcher correctness if disabled or failing.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/libp2p/zeroconf/v2"
)

const (
	serviceType = "_clasp._tcp"
	domain      = "local."

	// ProbePort is the UDP broadcast fallback port used when mDNS
	// doesn't reach (segmented VLANs, IGMP snooping misconfiguration).
	ProbePort = 7331
)

var probeMagic = []byte("CLASP-PROBE\x00")
var announcePrefix = []byte("CLASP-ANNOUNCE\x00")

// AdvertiseInfo describes the service instance being advertised.
type AdvertiseInfo struct {
	Name       string // instance name, e.g. hostname
	Port       int    // TCP/WS listen port advertised to clients
	Version    string
	WSPath     string // e.g. "/clasp" if the WebSocket front end is enabled; "" if not
	Interfaces []net.Interface
}

// Advertiser publishes CLASP's presence over mDNS.
type Advertiser struct {
	info   AdvertiseInfo
	logger *slog.Logger

	server *zeroconf.Server
}

// NewAdvertiser creates an mDNS advertiser; nothing is published until
// Start.
func NewAdvertiser(info AdvertiseInfo, logger *slog.Logger) *Advertiser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advertiser{info: info, logger: logger}
}

// Start registers the service and blocks until ctx is cancelled, then
// unregisters it (mDNS services should announce a goodbye on exit).
func (a *Advertiser) Start(ctx context.Context) error {
	txt := []string{
		fmt.Sprintf("version=%s", a.info.Version),
		fmt.Sprintf("name=%s", a.info.Name),
	}
	if a.info.WSPath != "" {
		txt = append(txt, fmt.Sprintf("ws=%s", a.info.WSPath))
	}

	server, err := zeroconf.Register(a.info.Name, serviceType, domain, a.info.Port, txt, a.info.Interfaces)
	if err != nil {
		return fmt.Errorf("discovery: mdns register: %w", err)
	}
	a.server = server
	a.logger.Info("discovery: advertising over mdns", "service", serviceType, "port", a.info.Port)

	<-ctx.Done()
	server.Shutdown()
	return ctx.Err()
}

// ProbeResponder answers the UDP broadcast discovery fallback: any
// datagram beginning with probeMagic receives a unicast ANNOUNCE reply
// naming this instance's connect address.
type ProbeResponder struct {
	info   AdvertiseInfo
	addr   string // host:port clients should connect to, e.g. "192.168.1.50:7777"
	logger *slog.Logger
}

// NewProbeResponder creates a responder advertising connectAddr as the
// address clients should dial.
func NewProbeResponder(info AdvertiseInfo, connectAddr string, logger *slog.Logger) *ProbeResponder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProbeResponder{info: info, addr: connectAddr, logger: logger}
}

// Start listens for probes on ProbePort until ctx is cancelled.
func (p *ProbeResponder) Start(ctx context.Context) error {
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: ProbePort}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("discovery: listen probe port: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	p.logger.Info("discovery: listening for broadcast probes", "port", ProbePort)

	buf := make([]byte, 256)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("discovery: read probe: %w", err)
		}
		if !isProbe(buf[:n]) {
			continue
		}
		reply := buildAnnounce(p.info, p.addr)
		if _, err := conn.WriteToUDP(reply, src); err != nil {
			p.logger.Debug("discovery: announce reply failed", "error", err, "peer", src)
		}
	}
}

func isProbe(data []byte) bool {
	if len(data) < len(probeMagic) {
		return false
	}
	for i, b := range probeMagic {
		if data[i] != b {
			return false
		}
	}
	return true
}

func buildAnnounce(info AdvertiseInfo, connectAddr string) []byte {
	return append(append([]byte{}, announcePrefix...),
		[]byte(fmt.Sprintf("name=%s;version=%s;addr=%s", info.Name, info.Version, connectAddr))...)
}

// Probe sends one broadcast probe on ProbePort and collects unicast
// ANNOUNCE replies until timeout elapses. Used by CLASP clients (and
// tests) to discover routers without a hardcoded address.
func Probe(ctx context.Context, timeout time.Duration) ([]string, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("discovery: probe socket: %w", err)
	}
	defer conn.Close()

	bcast := &net.UDPAddr{IP: net.IPv4bcast, Port: ProbePort}
	if _, err := conn.WriteToUDP(probeMagic, bcast); err != nil {
		return nil, fmt.Errorf("discovery: send probe: %w", err)
	}

	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)

	var found []string
	buf := make([]byte, 256)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		if n > len(announcePrefix) {
			found = append(found, string(buf[len(announcePrefix):n]))
		}
	}
	return found, nil
}
