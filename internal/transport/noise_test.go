package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memAddr is a stand-in net.Addr for the in-memory pipe below.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// memConn is a minimal in-memory Transport used to drive a Noise
// handshake and AEAD exchange without a real UDP socket.
type memConn struct {
	out chan []byte
	in  chan []byte
}

func (m *memConn) Send(ctx context.Context, b []byte) error {
	cp := append([]byte(nil), b...)
	select {
	case m.out <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-m.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *memConn) LocalAddr() net.Addr { return memAddr("mem") }
func (m *memConn) Close() error        { return nil }

var _ Transport = (*memConn)(nil)

func newMemPipe() (*memConn, *memConn) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	return &memConn{out: ab, in: ba}, &memConn{out: ba, in: ab}
}

func TestNoiseHandshakeNKRoundTrip(t *testing.T) {
	serverKP, err := GenerateKeypair()
	require.NoError(t, err)

	initiatorConn, responderConn := newMemPipe()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type result struct {
		sess *NoiseSession
		err  error
	}
	responderCh := make(chan result, 1)
	go func() {
		sess, err := Handshake(ctx, responderConn, NoiseConfig{
			Pattern:       PatternNK,
			Initiator:     false,
			StaticKeypair: serverKP,
		})
		responderCh <- result{sess, err}
	}()

	initiatorSess, err := Handshake(ctx, initiatorConn, NoiseConfig{
		Pattern:      PatternNK,
		Initiator:    true,
		RemoteStatic: serverKP.Public,
	})
	require.NoError(t, err)

	r := <-responderCh
	require.NoError(t, r.err)
	responderSess := r.sess

	require.NoError(t, initiatorSess.Send(ctx, []byte("hello server")))
	got, err := responderSess.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello server"), got)

	require.NoError(t, responderSess.Send(ctx, []byte("hello client")))
	got, err = initiatorSess.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello client"), got)
}

func TestNoiseReplayFilterRejectsDuplicateCounter(t *testing.T) {
	f := &replayFilter{}
	require.True(t, f.accept(1))
	require.True(t, f.accept(2))
	require.False(t, f.accept(1), "a counter already seen must be rejected")
	require.True(t, f.accept(3))
}

func TestNoiseReplayFilterToleratesReordering(t *testing.T) {
	f := &replayFilter{}
	require.True(t, f.accept(10))
	require.True(t, f.accept(8))
	require.True(t, f.accept(9))
	require.False(t, f.accept(8))
}

func TestDerivePublicKeyMatchesGeneratedKeypair(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	pub, err := DerivePublicKey(kp.Private)
	require.NoError(t, err)
	require.Equal(t, kp.Public, pub)
}
