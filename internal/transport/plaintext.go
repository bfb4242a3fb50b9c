package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Listener is the server-side baseline transport: a bound UDP socket
// multiplexing many remote peers.
type Listener struct {
	conn net.PacketConn
}

// ListenUDP binds addr, preferring udp6 and falling back to udp4.
func ListenUDP(addr string) (*Listener, error) {
	conn, err := net.ListenPacket("udp6", addr)
	if err != nil {
		conn, err = net.ListenPacket("udp4", addr)
		if err != nil {
			return nil, fmt.Errorf("transport: listen udp: %w", err)
		}
	}
	return &Listener{conn: conn}, nil
}

// ReadFrom blocks until a datagram arrives, ctx is cancelled, or the
// underlying socket is closed.
func (l *Listener) ReadFrom(ctx context.Context) ([]byte, net.Addr, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetReadDeadline(dl)
	} else {
		_ = l.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = l.conn.SetReadDeadline(time.Now()) })
	defer stop()
	buf := make([]byte, MaxDatagramSize)
	n, addr, err := l.conn.ReadFrom(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

// WriteTo sends a single datagram to addr.
func (l *Listener) WriteTo(ctx context.Context, b []byte, addr net.Addr) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(dl)
	} else {
		_ = l.conn.SetWriteDeadline(time.Time{})
	}
	_, err := l.conn.WriteTo(b, addr)
	return err
}

// LocalAddr returns the bound local address.
func (l *Listener) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// Close releases the underlying socket.
func (l *Listener) Close() error { return l.conn.Close() }

// PacketConn exposes the underlying net.PacketConn for components (e.g.
// the NAT descriptor collector) that need the bound local port.
func (l *Listener) PacketConn() net.PacketConn { return l.conn }

// dialed is the client-side baseline Transport: a connected UDP socket
// talking to exactly one remote peer.
type dialed struct {
	conn net.Conn
}

// Dial connects to address (host:port) over UDP, preferring udp6.
func Dial(ctx context.Context, address string) (Transport, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "udp6", address)
	if err != nil {
		conn, err = d.DialContext(ctx, "udp4", address)
		if err != nil {
			return nil, fmt.Errorf("transport: dial: %w", err)
		}
	}
	return &dialed{conn: conn}, nil
}

func (d *dialed) Send(ctx context.Context, b []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = d.conn.SetWriteDeadline(dl)
	} else {
		_ = d.conn.SetWriteDeadline(time.Time{})
	}
	_, err := d.conn.Write(b)
	return err
}

func (d *dialed) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = d.conn.SetReadDeadline(dl)
	} else {
		_ = d.conn.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, MaxDatagramSize)
	n, err := d.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (d *dialed) LocalAddr() net.Addr { return d.conn.LocalAddr() }
func (d *dialed) Close() error        { return d.conn.Close() }
