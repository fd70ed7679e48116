package osc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nugget/clasp/internal/wire"
)

func TestValueArgConversions(t *testing.T) {
	cases := []struct {
		v    wire.Value
		tag  byte
	}{
		{wire.FloatValue(1.5), 'f'},
		{wire.IntValue(7), 'i'},
		{wire.StringValue("hi"), 's'},
		{wire.BytesValue([]byte{1, 2}), 'b'},
		{wire.BoolValue(true), 'T'},
		{wire.BoolValue(false), 'F'},
	}
	for _, c := range cases {
		a := valueToArg(c.v)
		if a.Tag != c.tag {
			t.Errorf("valueToArg(%+v).Tag = %q, want %q", c.v, a.Tag, c.tag)
		}
		back := argToValue(a)
		if back.Kind == wire.KindNull {
			t.Errorf("argToValue(%+v) = null", a)
		}
	}
}

func TestValueToArgsExpandsArray(t *testing.T) {
	v := wire.ArrayValue([]wire.Value{wire.FloatValue(1), wire.StringValue("a"), wire.BoolValue(true)})
	args := valueToArgs(v)
	if len(args) != 3 {
		t.Fatalf("valueToArgs len = %d, want 3", len(args))
	}
	if args[0].Tag != 'f' || args[1].Tag != 's' || args[2].Tag != 'T' {
		t.Errorf("valueToArgs tags = %+v, want [f s T]", args)
	}
}

func TestValueToArgsScalarIsSingleArg(t *testing.T) {
	args := valueToArgs(wire.FloatValue(2.5))
	if len(args) != 1 || args[0].Tag != 'f' {
		t.Fatalf("valueToArgs(scalar) = %+v, want one float arg", args)
	}
}

func TestDeliverMultiArgBecomesArray(t *testing.T) {
	d := New(Options{Prefix: "/osc"}, nil)
	msg := Message{Address: "/a/pos", Args: []Arg{
		{Tag: 'f', Float: 1}, {Tag: 'f', Float: 2}, {Tag: 'f', Float: 3},
	}}
	d.deliver(msg, 0)

	ev := <-d.Inbound()
	if ev.Value.Kind != wire.KindArray {
		t.Fatalf("Value.Kind = %v, want KindArray", ev.Value.Kind)
	}
	if len(ev.Value.Array) != 3 {
		t.Fatalf("Array len = %d, want 3", len(ev.Value.Array))
	}
	if ev.Value.Array[1].AsFloat64() != 2 {
		t.Errorf("Array[1] = %+v, want 2", ev.Value.Array[1])
	}
}

func TestDriverReceivesMessageOverUDP(t *testing.T) {
	d := New(Options{ListenAddr: "127.0.0.1:0", Prefix: "/osc"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	go func() {
		// Start resolves and binds before entering its receive loop;
		// poll d.conn to know when it's safe to send.
		d.Start(ctx)
	}()
	for {
		if d.conn != nil {
			close(started)
			break
		}
		select {
		case <-time.After(2 * time.Second):
			t.Fatal("driver never bound its listen socket")
		case <-time.After(time.Millisecond):
		}
	}
	<-started

	raddr := d.conn.LocalAddr().(*net.UDPAddr)
	sender, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer sender.Close()

	msg := Message{Address: "/a/pos", Args: []Arg{{Tag: 'f', Float: 9.5}}}
	frame, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if _, err := sender.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case ev := <-d.Inbound():
		if ev.Address != "/osc/a/pos" {
			t.Errorf("Address = %q, want /osc/a/pos", ev.Address)
		}
		if ev.Value.AsFloat64() != 9.5 {
			t.Errorf("Value = %+v, want 9.5", ev.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
}
