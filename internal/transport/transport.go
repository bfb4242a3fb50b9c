// Package transport implements the pluggable transport envelope: a
// clear-text UDP baseline and a Noise-handshake AEAD implementation,
// selected by the runtime controller and the client state machine per
// the configured transport mode. The codec (package wire) operates only
// on plaintext; this package sits between the socket and the codec and
// never imports wire.
package transport

import (
	"context"
	"net"
)

// Transport sends and receives whole datagrams. Implementations may
// transform bytes (e.g. encrypt) but must preserve datagram boundaries:
// one Send call corresponds to exactly one Recv call on the peer.
type Transport interface {
	Send(ctx context.Context, b []byte) error
	Recv(ctx context.Context) ([]byte, error)
	LocalAddr() net.Addr
	Close() error
}

// MaxDatagramSize bounds a single read, matching the codec's payload
// budget (internal/wire.MaxPayloadSize) plus header and transport
// overhead headroom.
const MaxDatagramSize = 4*1024*1024 + 4096
