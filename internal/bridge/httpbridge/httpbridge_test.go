package httpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

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

func TestHandleSetDeliversInbound(t *testing.T) {
	addr := freePort(t)
	d := New(Options{ListenAddr: addr, Prefix: "/http"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	waitForServer(t, addr)

	body, _ := json.Marshal(setRequest{Value: 0.75})
	resp, err := http.Post(fmt.Sprintf("http://%s/sensors/temp", addr), "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	select {
	case ev := <-d.Inbound():
		if ev.Address != "/http/sensors/temp" {
			t.Errorf("Address = %q, want /http/sensors/temp", ev.Address)
		}
		if ev.Value.AsFloat64() != 0.75 {
			t.Errorf("Value = %+v, want 0.75", ev.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
}

func TestHandleGetReturnsLastOutbound(t *testing.T) {
	addr := freePort(t)
	d := New(Options{ListenAddr: addr, Prefix: "/http"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	waitForServer(t, addr)

	d.Outbound(bridge.ForeignEvent{Address: "/http/sensors/temp", Value: wire.FloatValue(21.5)})

	resp, err := http.Get(fmt.Sprintf("http://%s/sensors/temp", addr))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var snap snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Type != "float" {
		t.Errorf("Type = %q, want float", snap.Type)
	}
}

func TestHandleGetUnknownAddress404(t *testing.T) {
	addr := freePort(t)
	d := New(Options{ListenAddr: addr, Prefix: "/http"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	waitForServer(t, addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/never/set", addr))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleStatusRendersMarkdownToHTML(t *testing.T) {
	addr := freePort(t)
	d := New(Options{ListenAddr: addr, Prefix: "/http"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)
	waitForServer(t, addr)

	d.Outbound(bridge.ForeignEvent{Address: "/http/sensors/temp", Value: wire.FloatValue(21.5)})

	resp, err := http.Get(fmt.Sprintf("http://%s/_status", addr))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !bytes.Contains([]byte(ct), []byte("text/html")) {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
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
