package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// Pattern selects the Noise handshake pattern: "nk" or "ik".
type Pattern string

const (
	PatternNK Pattern = "nk"
	PatternIK Pattern = "ik"
)

// NoiseConfig configures a Noise-secured session.
type NoiseConfig struct {
	Pattern       Pattern
	Initiator     bool
	StaticKeypair noise.DHKey // this side's long-term keypair
	RemoteStatic  []byte      // required for NK (initiator) and IK
}

func noisePattern(p Pattern) noise.HandshakePattern {
	if p == PatternIK {
		return noise.HandshakeIK
	}
	return noise.HandshakeNK
}

// GenerateKeypair creates a fresh Curve25519 static keypair for Noise.
func GenerateKeypair() (noise.DHKey, error) {
	return noise.DH25519.GenerateKeypair(rand.Reader)
}

// DerivePublicKey computes the Curve25519 public key for an existing
// static private scalar, so an operator-supplied pre_share_key survives a
// config reload without ever needing the private half to leave the
// sibling .env file.
func DerivePublicKey(private []byte) ([]byte, error) {
	pub, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("transport: derive public key: %w", err)
	}
	return pub, nil
}

// replayWindowSize is the sliding-window size for the receive-side replay
// filter.
const replayWindowSize = 64

// replayFilter rejects counters already seen within the last
// replayWindowSize values, tolerating reordering within the window.
type replayFilter struct {
	highest uint64
	seen    uint64 // bitmask relative to highest
	started bool
}

func (f *replayFilter) accept(counter uint64) bool {
	if !f.started {
		f.started = true
		f.highest = counter
		f.seen = 1
		return true
	}
	switch {
	case counter > f.highest:
		shift := counter - f.highest
		if shift >= replayWindowSize {
			f.seen = 1
		} else {
			f.seen = (f.seen << shift) | 1
		}
		f.highest = counter
		return true
	case f.highest-counter >= replayWindowSize:
		return false
	default:
		bit := uint64(1) << (f.highest - counter)
		if f.seen&bit != 0 {
			return false
		}
		f.seen |= bit
		return true
	}
}

// NoiseSession wraps an inner Transport with a Noise handshake and
// per-direction AEAD framing: a 16-byte salt, an 8-byte monotonic
// counter, and the ciphertext. The codec above this layer never sees any
// of this; it only ever encodes/decodes plaintext frames.
type NoiseSession struct {
	inner Transport

	send *noise.CipherState
	recv *noise.CipherState

	sendSalt [16]byte
	recvSalt [16]byte
	counter  uint64
	replay   replayFilter
}

// Handshake performs the configured Noise pattern over inner and returns
// a ready-to-use NoiseSession. For NK the initiator must supply
// cfg.RemoteStatic (the responder's known static public key); for IK both
// sides authenticate with static keys exchanged during the handshake.
func Handshake(ctx context.Context, inner Transport, cfg NoiseConfig) (*NoiseSession, error) {
	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)
	hsConfig := noise.Config{
		CipherSuite:   cs,
		Pattern:       noisePattern(cfg.Pattern),
		Initiator:     cfg.Initiator,
		StaticKeypair: cfg.StaticKeypair,
	}
	if len(cfg.RemoteStatic) > 0 {
		hsConfig.PeerStatic = cfg.RemoteStatic
	}

	hs, err := noise.NewHandshakeState(hsConfig)
	if err != nil {
		return nil, fmt.Errorf("transport: noise handshake state: %w", err)
	}

	var cs1, cs2 *noise.CipherState
	if cfg.Initiator {
		msg, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("transport: noise write msg1: %w", err)
		}
		if err := inner.Send(ctx, msg); err != nil {
			return nil, fmt.Errorf("transport: noise send msg1: %w", err)
		}

		reply, err := inner.Recv(ctx)
		if err != nil {
			return nil, fmt.Errorf("transport: noise recv msg2: %w", err)
		}
		_, cs1, cs2, err = hs.ReadMessage(nil, reply)
		if err != nil {
			return nil, fmt.Errorf("transport: noise read msg2: %w", err)
		}
	} else {
		msg1, err := inner.Recv(ctx)
		if err != nil {
			return nil, fmt.Errorf("transport: noise recv msg1: %w", err)
		}
		if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
			return nil, fmt.Errorf("transport: noise read msg1: %w", err)
		}

		reply, c1, c2, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("transport: noise write msg2: %w", err)
		}
		if err := inner.Send(ctx, reply); err != nil {
			return nil, fmt.Errorf("transport: noise send msg2: %w", err)
		}
		cs1, cs2 = c1, c2
	}

	sess := &NoiseSession{inner: inner}
	// Convention: cs1 encrypts initiator->responder, cs2 responder->initiator.
	if cfg.Initiator {
		sess.send, sess.recv = cs1, cs2
	} else {
		sess.send, sess.recv = cs2, cs1
	}
	if _, err := rand.Read(sess.sendSalt[:]); err != nil {
		return nil, fmt.Errorf("transport: noise generate salt: %w", err)
	}
	return sess, nil
}

// Send encrypts and frames b as salt(16) | counter(8) | ciphertext.
func (s *NoiseSession) Send(ctx context.Context, b []byte) error {
	s.counter++
	var hdr [24]byte
	copy(hdr[0:16], s.sendSalt[:])
	binary.BigEndian.PutUint64(hdr[16:24], s.counter)

	ciphertext := s.send.Encrypt(nil, hdr[:], b)
	frame := append(append([]byte{}, hdr[:]...), ciphertext...)
	return s.inner.Send(ctx, frame)
}

// Recv reads and decrypts one datagram, rejecting replays within the
// 64-entry sliding window.
func (s *NoiseSession) Recv(ctx context.Context) ([]byte, error) {
	raw, err := s.inner.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if len(raw) < 24 {
		return nil, fmt.Errorf("transport: noise frame too short")
	}
	hdr := raw[0:24]
	counter := binary.BigEndian.Uint64(hdr[16:24])
	if !s.replay.accept(counter) {
		return nil, fmt.Errorf("transport: noise replay rejected for counter %d", counter)
	}
	plaintext, err := s.recv.Decrypt(nil, hdr, raw[24:])
	if err != nil {
		return nil, fmt.Errorf("transport: noise decrypt: %w", err)
	}
	return plaintext, nil
}

func (s *NoiseSession) LocalAddr() net.Addr { return s.inner.LocalAddr() }
func (s *NoiseSession) Close() error        { return s.inner.Close() }

var _ Transport = (*NoiseSession)(nil)
var _ Transport = (*dialed)(nil)
