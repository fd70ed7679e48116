package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/nugget/clasp/internal/wire"
)

// subprotocol is the WebSocket subprotocol CLASP negotiates
// (spec.md §4.8); clients that don't offer it are still accepted —
// some browser environments can't set subprotocols on raw WebSocket
// connections — but an accepting server should prefer it.
const subprotocol = "clasp.v2"

// WSListener is the WebSocket front end; the router starts it only when
// transports.websocket is true in its configuration. The teacher's only
// WebSocket code (homeassistant.WSClient) dials outbound with
// websocket.Dialer; this is the same library's server-side mirror,
// websocket.Upgrader, since CLASP is the one accepting connections
// rather than making them.
type WSListener struct {
	ln       net.Listener
	path     string
	upgrader websocket.Upgrader
	srv      *http.Server
}

// ListenWebSocket binds addr and serves WebSocket upgrades at path
// (e.g. "/clasp").
func ListenWebSocket(addr, path string) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &WSListener{
		ln:   ln,
		path: path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			Subprotocols:    []string{subprotocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}, nil
}

func (w *WSListener) Addr() string { return w.ln.Addr().String() }

func (w *WSListener) Close() error {
	if w.srv != nil {
		return w.srv.Close()
	}
	return w.ln.Close()
}

// Serve upgrades every request to path and runs handle on the
// resulting connection inline — the standard net/http per-request
// goroutine becomes the connection's pump goroutine, so no extra
// goroutine management is needed here.
func (w *WSListener) Serve(ctx context.Context, handle func(ctx context.Context, conn Conn)) error {
	mux := http.NewServeMux()
	mux.HandleFunc(w.path, func(rw http.ResponseWriter, r *http.Request) {
		wsc, err := w.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		handle(r.Context(), newWSConn(wsc))
	})
	w.srv = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		w.srv.Close()
	}()

	err := w.srv.Serve(w.ln)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// wsConn adapts a *websocket.Conn to Conn: one CLASP frame maps to
// exactly one binary WebSocket message in both directions, so there is
// no stream-framing loop here — gorilla already reassembles a
// fragmented WebSocket message into a single ReadMessage call.
type wsConn struct {
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadMessage(ctx context.Context) (wire.Message, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return wire.Message{}, err
	}
	if mt != websocket.BinaryMessage {
		return wire.Message{}, fmt.Errorf("transport: websocket: unexpected message type %d, CLASP frames are binary", mt)
	}
	n, err := wire.CheckComplete(data)
	if err != nil {
		return wire.Message{}, err
	}
	if n != len(data) {
		return wire.Message{}, fmt.Errorf("transport: websocket message carries %d bytes beyond its frame", len(data)-n)
	}
	m, qos, _, err := wire.Decode(data)
	if err != nil {
		return wire.Message{}, err
	}
	m.QoS = qos
	return m, nil
}

func (c *wsConn) WriteMessage(ctx context.Context, m wire.Message, enc wire.Encoding) error {
	frame, err := wire.Encode(m, enc, m.QoS, m.TimeUs, false)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }
func (c *wsConn) Close() error       { return c.conn.Close() }
