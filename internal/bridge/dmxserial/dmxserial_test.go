package dmxserial

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nugget/clasp/internal/bridge"
	"github.com/nugget/clasp/internal/wire"
)

type fakePort struct {
	mu     sync.Mutex
	breaks int
	frames [][]byte
}

func (p *fakePort) Break(d time.Duration) error {
	p.mu.Lock()
	p.breaks++
	p.mu.Unlock()
	return nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.frames = append(p.frames, append([]byte(nil), b...))
	p.mu.Unlock()
	return len(b), nil
}

func (p *fakePort) last() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return nil
	}
	return p.frames[len(p.frames)-1]
}

func TestDriverRetransmitsUniverse(t *testing.T) {
	port := &fakePort{}
	d := New(port, Options{Prefix: "/dmx/0", RateHz: 200}, nil)

	d.Outbound(bridge.ForeignEvent{Address: "/dmx/0/1", Value: wire.FloatValue(1.0)})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d.Start(ctx)

	frame := port.last()
	if frame == nil {
		t.Fatal("no frame transmitted")
	}
	if frame[0] != 0 {
		t.Errorf("start code = %d, want 0", frame[0])
	}
	if frame[1] != 255 {
		t.Errorf("slot 1 = %d, want 255", frame[1])
	}
	if len(frame) != 513 {
		t.Errorf("frame length = %d, want 513", len(frame))
	}
}

func TestInboundNeverDelivers(t *testing.T) {
	port := &fakePort{}
	d := New(port, Options{Prefix: "/dmx/0"}, nil)

	select {
	case <-d.Inbound():
		t.Fatal("Inbound delivered a value, want none for a write-only DMX driver")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestOutboundIgnoresAddressesOutsidePrefix(t *testing.T) {
	port := &fakePort{}
	d := New(port, Options{Prefix: "/dmx/0", RateHz: 200}, nil)

	d.Outbound(bridge.ForeignEvent{Address: "/other/1", Value: wire.FloatValue(1.0)})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d.Start(ctx)

	frame := port.last()
	if frame == nil {
		t.Fatal("no frame transmitted")
	}
	if !bytes.Equal(frame[1:], make([]byte, 512)) {
		t.Errorf("universe should remain all-zero for an unrelated address")
	}
}
