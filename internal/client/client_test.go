package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tdelhaise/box/internal/dispatch"
	"github.com/tdelhaise/box/internal/ident"
	"github.com/tdelhaise/box/internal/location"
	"github.com/tdelhaise/box/internal/store"
	"github.com/tdelhaise/box/internal/transport"
	"github.com/tdelhaise/box/internal/wire"
)

// pipeAddr is a stand-in net.Addr for the in-memory pipe below.
type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// pipeConn is a minimal in-memory transport.Transport used to drive the
// client state machine against a real dispatch.Dispatcher without
// touching a UDP socket.
type pipeConn struct {
	out chan []byte
	in  chan []byte
}

func (p *pipeConn) Send(ctx context.Context, b []byte) error {
	cp := append([]byte(nil), b...)
	select {
	case p.out <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) LocalAddr() net.Addr { return pipeAddr("pipe") }
func (p *pipeConn) Close() error        { return nil }

var _ transport.Transport = (*pipeConn)(nil)

// newPipe returns connected client and server ends.
func newPipe() (*pipeConn, *pipeConn) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	return &pipeConn{out: ab, in: ba}, &pipeConn{out: ba, in: ab}
}

func newTestDispatcher(t *testing.T) (*dispatch.Dispatcher, ident.Identity, *location.Coordinator) {
	t.Helper()
	st := store.New(t.TempDir(), nil)
	loc := location.New(st)
	server := ident.Identity{NodeUUID: ident.NewNodeUUID(), UserUUID: ident.NewUserUUID()}
	d := dispatch.New(st, loc, server, ident.BuildInfo{Version: "test"}, nil)
	return d, server, loc
}

// serve runs one dispatcher loop over conn until ctx is cancelled or Recv
// errors (e.g. the context is done).
func serve(ctx context.Context, conn transport.Transport, d *dispatch.Dispatcher) {
	sess := &dispatch.Session{}
	go func() {
		for {
			buf, err := conn.Recv(ctx)
			if err != nil {
				return
			}
			f, err := wire.Decode(buf)
			if err != nil {
				continue
			}
			replies := d.Handle(sess, f, dispatch.RemotePeer{Address: "test"})
			for _, r := range replies {
				out, err := wire.Encode(r)
				if err != nil {
					continue
				}
				if err := conn.Send(ctx, out); err != nil {
					return
				}
			}
		}
	}()
}

func TestClientUnregisteredCallerGetsUnauthorized(t *testing.T) {
	clientConn, serverConn := newPipe()
	d, _, _ := newTestDispatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serve(ctx, serverConn, d)

	self := ident.Identity{NodeUUID: ident.NewNodeUUID(), UserUUID: ident.NewUserUUID()}
	action := ident.ClientAction{Kind: ident.ActionPut, QueuePath: "INBOX", ContentType: "text/plain", Data: []byte("hi")}
	c := New(self, action, 2*time.Second, nil)

	res, err := c.runOnConn(ctx, clientConn)
	require.NoError(t, err)
	require.Equal(t, ident.StatusUnauthorized, res.Status)
}

func TestClientHandshakeOnlyAction(t *testing.T) {
	clientConn, serverConn := newPipe()
	d, _, _ := newTestDispatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serve(ctx, serverConn, d)

	self := ident.Identity{NodeUUID: ident.NewNodeUUID(), UserUUID: ident.NewUserUUID()}
	c := New(self, ident.ClientAction{Kind: ident.ActionHandshake}, 2*time.Second, nil)

	res, err := c.runOnConn(ctx, clientConn)
	require.NoError(t, err)
	require.Equal(t, ident.StatusOK, res.Status)
}

// TestClientNoiseWrappedConnRunsTheSameSequence exercises runOnConn over a
// NoiseSession instead of a bare pipeConn, the same wrapping attempt
// performs when Client.Transport is TransportNoise, confirming the codec
// above the transport boundary never needs to know it is encrypted.
func TestClientNoiseWrappedConnRunsTheSameSequence(t *testing.T) {
	clientConn, serverConn := newPipe()
	d, _, _ := newTestDispatcher(t)

	serverKP, err := transport.GenerateKeypair()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type handshakeResult struct {
		sess *transport.NoiseSession
		err  error
	}
	serverCh := make(chan handshakeResult, 1)
	go func() {
		sess, err := transport.Handshake(ctx, serverConn, transport.NoiseConfig{
			Pattern:       transport.PatternNK,
			Initiator:     false,
			StaticKeypair: serverKP,
		})
		serverCh <- handshakeResult{sess, err}
	}()

	clientSess, err := transport.Handshake(ctx, clientConn, transport.NoiseConfig{
		Pattern:      transport.PatternNK,
		Initiator:    true,
		RemoteStatic: serverKP.Public,
	})
	require.NoError(t, err)

	hs := <-serverCh
	require.NoError(t, hs.err)
	serve(ctx, hs.sess, d)

	self := ident.Identity{NodeUUID: ident.NewNodeUUID(), UserUUID: ident.NewUserUUID()}
	c := New(self, ident.ClientAction{Kind: ident.ActionHandshake}, 2*time.Second, nil)

	res, err := c.runOnConn(ctx, clientSess)
	require.NoError(t, err)
	require.Equal(t, ident.StatusOK, res.Status)
}

func TestClientPutThenGetRoundTrip(t *testing.T) {
	clientConn, serverConn := newPipe()
	d, _, loc := newTestDispatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serve(ctx, serverConn, d)

	self := ident.Identity{NodeUUID: ident.NewNodeUUID(), UserUUID: ident.NewUserUUID()}
	require.NoError(t, loc.Publish(location.NodeRecord{
		NodeUUID: location.ToUUID(self.NodeUUID),
		UserUUID: location.ToUserUUID(self.UserUUID),
		Online:   true,
	}))

	putAction := ident.ClientAction{Kind: ident.ActionPut, QueuePath: "INBOX", ContentType: "text/plain", Data: []byte("hello")}
	c := New(self, putAction, 2*time.Second, nil)
	res, err := c.runOnConn(ctx, clientConn)
	require.NoError(t, err)
	require.Equal(t, ident.StatusOK, res.Status)

	clientConn2, serverConn2 := newPipe()
	serve(ctx, serverConn2, d)
	getAction := ident.ClientAction{Kind: ident.ActionGet, QueuePath: "INBOX"}
	c2 := New(self, getAction, 2*time.Second, nil)
	res, err = c2.runOnConn(ctx, clientConn2)
	require.NoError(t, err)
	require.Equal(t, ident.StatusOK, res.Status)
	require.Equal(t, []byte("hello"), res.Data)
}
