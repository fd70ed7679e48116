package transport

import (
	"context"
	"fmt"
)

// Unsupported is a Listener stub for a transport named in spec.md
// §4.8 but not implemented in this build. Its Serve returns an error
// naming the transport instead of silently accepting no connections.
// No configuration option selects it; only its own test constructs it.
//
// WebRTC DataChannel is the current occupant: no WebRTC library
// appears anywhere in the retrieval corpus, and its ICE/SDP/DTLS
// handshake stack is disproportionate to hand-roll ungrounded (see
// DESIGN.md).
type Unsupported struct {
	Name string
}

func (u Unsupported) Addr() string { return "" }
func (u Unsupported) Close() error { return nil }

func (u Unsupported) Serve(ctx context.Context, handle func(ctx context.Context, conn Conn)) error {
	return fmt.Errorf("transport: %s is not implemented in this build", u.Name)
}
