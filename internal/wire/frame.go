// Package wire implements the Box framing codec: a pure, stateless,
// deterministic translation between byte buffers and typed frames, plus
// the per-command payload subcodecs layered on top of it. The codec never
// performs I/O and never assumes anything about the transport beneath it.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/tdelhaise/box/internal/ident"
)

const (
	// Magic is the constant first byte of every frame.
	Magic byte = 0x42
	// Version is the protocol version this codec implements.
	Version byte = 1

	// HeaderSize is the fixed size, in bytes, of a frame header.
	HeaderSize = 1 + 1 + 4 + 4 + 16 + 16 + 16 // 58

	// lengthFieldEnd is the offset immediately after the remainder-length
	// field; "remainder" is everything from here to the end of the frame.
	lengthFieldEnd = 1 + 1 + 4 // 6

	// MaxPayloadSize bounds payload length so a single frame fits the
	// datagram budget (at least 4 MiB must be supported; chunking larger
	// payloads is the caller's responsibility). Chosen as exactly 4 MiB.
	MaxPayloadSize = 4 * 1024 * 1024
)

// Frame is one unit of protocol exchange.
type Frame struct {
	Command   ident.Command
	RequestID uuid.UUID
	NodeUUID  ident.NodeUUID
	UserUUID  ident.UserUUID
	Payload   []byte
}

// Encode serialises f into a freshly allocated buffer whose first
// HeaderSize bytes are the header and whose remainder is f.Payload
// verbatim. All multi-byte integers are big-endian.
func Encode(f Frame) ([]byte, error) {
	if !f.Command.Valid() {
		return nil, fmt.Errorf("wire: encode: %w: %s", ErrUnsupportedCommand, f.Command)
	}
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("wire: encode: %w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}

	remainder := (HeaderSize - lengthFieldEnd) + len(f.Payload)
	buf := make([]byte, HeaderSize+len(f.Payload))

	buf[0] = Magic
	buf[1] = Version
	binary.BigEndian.PutUint32(buf[2:6], uint32(remainder))
	binary.BigEndian.PutUint32(buf[6:10], uint32(f.Command))
	copy(buf[10:26], f.RequestID[:])
	nodeBytes := f.NodeUUID.Bytes()
	copy(buf[26:42], nodeBytes[:])
	userBytes := f.UserUUID.Bytes()
	copy(buf[42:58], userBytes[:])
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// Decode parses buf into a Frame. On success the returned Payload is a
// view into buf, not a copy; callers that retain it past the lifetime of
// buf must copy it themselves.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, fmt.Errorf("wire: decode: %w: got %d bytes, need at least %d", ErrBufferTooShort, len(buf), HeaderSize)
	}
	if buf[0] != Magic {
		return Frame{}, fmt.Errorf("wire: decode: %w: got 0x%02x", ErrBadMagic, buf[0])
	}
	if buf[1] != Version {
		return Frame{}, fmt.Errorf("wire: decode: %w: got %d, want %d", ErrBadVersion, buf[1], Version)
	}

	declared := binary.BigEndian.Uint32(buf[2:6])
	actual := len(buf) - lengthFieldEnd
	if actual < 0 || uint64(declared) != uint64(actual) {
		return Frame{}, fmt.Errorf("wire: decode: %w: declared %d, actual %d", ErrLengthMismatch, declared, actual)
	}

	cmd := ident.Command(binary.BigEndian.Uint32(buf[6:10]))
	if !cmd.Valid() {
		return Frame{}, fmt.Errorf("wire: decode: %w: code %d", ErrUnsupportedCommand, uint32(cmd))
	}

	var reqID uuid.UUID
	copy(reqID[:], buf[10:26])
	var nodeID [16]byte
	copy(nodeID[:], buf[26:42])
	var userID [16]byte
	copy(userID[:], buf[42:58])

	return Frame{
		Command:   cmd,
		RequestID: reqID,
		NodeUUID:  ident.NodeUUID(nodeID),
		UserUUID:  ident.UserUUID(userID),
		Payload:   buf[HeaderSize:],
	}, nil
}
