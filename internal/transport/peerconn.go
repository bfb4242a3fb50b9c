package transport

import (
	"context"
	"fmt"
	"net"
)

// PeerConn adapts one remote address on a shared Listener into a
// point-to-point Transport, so a single bound UDP socket can host
// independent per-peer Noise sessions demultiplexed by the caller's
// receive loop rather than each peer owning its own socket.
type PeerConn struct {
	listener *Listener
	addr     net.Addr
	inbox    chan []byte
	closed   chan struct{}
}

// NewPeerConn returns a PeerConn bound to addr on l. The caller's receive
// loop demultiplexes l.ReadFrom by remote address and feeds this peer's
// datagrams to Deliver.
func NewPeerConn(l *Listener, addr net.Addr) *PeerConn {
	return &PeerConn{
		listener: l,
		addr:     addr,
		inbox:    make(chan []byte, 32),
		closed:   make(chan struct{}),
	}
}

// Deliver hands one inbound datagram to this peer. Non-blocking: a full
// inbox drops the datagram rather than stalling the shared receive loop
// that feeds every other peer.
func (p *PeerConn) Deliver(b []byte) {
	select {
	case p.inbox <- b:
	default:
	}
}

// Send writes b to this peer's address over the shared socket.
func (p *PeerConn) Send(ctx context.Context, b []byte) error {
	return p.listener.WriteTo(ctx, b, p.addr)
}

// Recv blocks until a datagram addressed to this peer arrives, ctx is
// cancelled, or Close is called.
func (p *PeerConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.inbox:
		return b, nil
	case <-p.closed:
		return nil, fmt.Errorf("transport: peer connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LocalAddr returns the shared listener's bound address.
func (p *PeerConn) LocalAddr() net.Addr { return p.listener.LocalAddr() }

// Close detaches this peer from its demultiplexer without touching the
// shared listener, which every other peer still uses.
func (p *PeerConn) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

var _ Transport = (*PeerConn)(nil)
