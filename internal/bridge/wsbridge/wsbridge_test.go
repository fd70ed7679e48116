package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/clasp/internal/bridge"
	"github.com/nugget/clasp/internal/wire"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server at %s never came up", addr)
}

func TestClientMessageDeliversInbound(t *testing.T) {
	addr := freePort(t)
	d := New(Options{ListenAddr: addr, Path: "/ws", Prefix: "/ws"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)
	waitForServer(t, addr)

	url := fmt.Sprintf("ws://%s/ws", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	body, _ := json.Marshal(wireJSON{Address: "/slider/1", Value: 0.3})
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	select {
	case ev := <-d.Inbound():
		if ev.Address != "/ws/slider/1" {
			t.Errorf("Address = %q, want /ws/slider/1", ev.Address)
		}
		if ev.Value.AsFloat64() != 0.3 {
			t.Errorf("Value = %+v, want 0.3", ev.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
}

func TestOutboundBroadcastsToClients(t *testing.T) {
	addr := freePort(t)
	d := New(Options{ListenAddr: addr, Path: "/ws", Prefix: "/ws"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)
	waitForServer(t, addr)

	url := fmt.Sprintf("ws://%s/ws", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the client before broadcasting.
	time.Sleep(50 * time.Millisecond)
	d.Outbound(bridge.ForeignEvent{Address: "/ws/led/1", Value: wire.FloatValue(0.8)})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var msg wireJSON
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.Address != "/ws/led/1" || msg.Value != 0.8 {
		t.Errorf("msg = %+v, want address=/ws/led/1 value=0.8", msg)
	}
}
