package transport

import (
	"context"
	"net"
)

// TCPListener serves CLASP over a plain TCP stream, framed with
// wire.CheckComplete (spec.md §4.8).
type TCPListener struct {
	ln net.Listener
}

// ListenTCP binds addr (host:port) for a TCP front end.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln}, nil
}

func (t *TCPListener) Addr() string { return t.ln.Addr().String() }
func (t *TCPListener) Close() error { return t.ln.Close() }

// Serve accepts connections until ctx is cancelled or the listener's
// socket fails. Each accepted connection is wrapped in a streamConn
// and handed to handle on its own goroutine.
func (t *TCPListener) Serve(ctx context.Context, handle func(ctx context.Context, conn Conn)) error {
	go func() {
		<-ctx.Done()
		t.ln.Close()
	}()

	for {
		nc, err := t.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		conn := newStreamConn(nc, netAddrString(nc.RemoteAddr()))
		go handle(ctx, conn)
	}
}
