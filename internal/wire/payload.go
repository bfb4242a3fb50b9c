package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// MaxQueuePathLen is the total path-length bound: at most 256 bytes.
const MaxQueuePathLen = 256

// HelloPayload is the HELLO command payload: a status byte and the set of
// protocol versions the sender supports.
type HelloPayload struct {
	Status   byte
	Versions []uint16
}

func EncodeHello(p HelloPayload) ([]byte, error) {
	if len(p.Versions) > 0xff {
		return nil, fmt.Errorf("wire: encode hello: %w: %d versions", ErrMalformedPayload, len(p.Versions))
	}
	buf := make([]byte, 2+2*len(p.Versions))
	buf[0] = p.Status
	buf[1] = byte(len(p.Versions))
	for i, v := range p.Versions {
		binary.BigEndian.PutUint16(buf[2+2*i:4+2*i], v)
	}
	return buf, nil
}

func DecodeHello(b []byte) (HelloPayload, error) {
	if len(b) < 2 {
		return HelloPayload{}, fmt.Errorf("wire: decode hello: %w", ErrMalformedPayload)
	}
	status := b[0]
	count := int(b[1])
	need := 2 + 2*count
	if len(b) != need {
		return HelloPayload{}, fmt.Errorf("wire: decode hello: %w: want %d bytes, got %d", ErrMalformedPayload, need, len(b))
	}
	versions := make([]uint16, count)
	for i := 0; i < count; i++ {
		versions[i] = binary.BigEndian.Uint16(b[2+2*i : 4+2*i])
	}
	return HelloPayload{Status: status, Versions: versions}, nil
}

// StatusPayload is the STATUS command payload.
type StatusPayload struct {
	Status  byte
	Message string
}

func EncodeStatus(p StatusPayload) ([]byte, error) {
	msg := []byte(p.Message)
	if len(msg) > 0xffff {
		return nil, fmt.Errorf("wire: encode status: %w: message too long", ErrMalformedPayload)
	}
	buf := make([]byte, 3+len(msg))
	buf[0] = p.Status
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(msg)))
	copy(buf[3:], msg)
	return buf, nil
}

func DecodeStatus(b []byte) (StatusPayload, error) {
	if len(b) < 3 {
		return StatusPayload{}, fmt.Errorf("wire: decode status: %w", ErrMalformedPayload)
	}
	status := b[0]
	msgLen := int(binary.BigEndian.Uint16(b[1:3]))
	if len(b) != 3+msgLen {
		return StatusPayload{}, fmt.Errorf("wire: decode status: %w: want %d bytes, got %d", ErrMalformedPayload, 3+msgLen, len(b))
	}
	return StatusPayload{Status: status, Message: string(b[3 : 3+msgLen])}, nil
}

// PutPayload is the PUT command payload (also reused to shape GET and
// SEARCH responses).
type PutPayload struct {
	QueuePath   string
	ContentType string
	Data        []byte
}

func EncodePut(p PutPayload) ([]byte, error) {
	queuePath := []byte(p.QueuePath)
	contentType := []byte(p.ContentType)
	if len(queuePath) > 0xffff || len(contentType) > 0xffff {
		return nil, fmt.Errorf("wire: encode put: %w", ErrMalformedPayload)
	}
	if len(p.Data) > MaxPayloadSize {
		return nil, fmt.Errorf("wire: encode put: %w: %d bytes", ErrPayloadTooLarge, len(p.Data))
	}

	size := 2 + len(queuePath) + 2 + len(contentType) + 4 + len(p.Data)
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(queuePath)))
	off += 2
	off += copy(buf[off:], queuePath)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(contentType)))
	off += 2
	off += copy(buf[off:], contentType)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(p.Data)))
	off += 4
	copy(buf[off:], p.Data)
	return buf, nil
}

func DecodePut(b []byte) (PutPayload, error) {
	off := 0
	queuePath, off, err := readLen16String(b, off)
	if err != nil {
		return PutPayload{}, fmt.Errorf("wire: decode put: queue path: %w", err)
	}
	contentType, off, err := readLen16String(b, off)
	if err != nil {
		return PutPayload{}, fmt.Errorf("wire: decode put: content type: %w", err)
	}
	if off+4 > len(b) {
		return PutPayload{}, fmt.Errorf("wire: decode put: %w: truncated data length", ErrMalformedPayload)
	}
	dataLen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if uint64(off)+uint64(dataLen) != uint64(len(b)) {
		return PutPayload{}, fmt.Errorf("wire: decode put: %w: declared data length %d does not match remaining %d bytes", ErrMalformedPayload, dataLen, len(b)-off)
	}
	data := b[off : off+int(dataLen)]
	return PutPayload{QueuePath: queuePath, ContentType: contentType, Data: data}, nil
}

// GetPayload is the GET command payload.
type GetPayload struct {
	QueuePath string
}

func EncodeGet(p GetPayload) ([]byte, error) {
	queuePath := []byte(p.QueuePath)
	if len(queuePath) > 0xffff {
		return nil, fmt.Errorf("wire: encode get: %w", ErrMalformedPayload)
	}
	buf := make([]byte, 2+len(queuePath))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(queuePath)))
	copy(buf[2:], queuePath)
	return buf, nil
}

func DecodeGet(b []byte) (GetPayload, error) {
	queuePath, off, err := readLen16String(b, 0)
	if err != nil {
		return GetPayload{}, fmt.Errorf("wire: decode get: %w", err)
	}
	if off != len(b) {
		return GetPayload{}, fmt.Errorf("wire: decode get: %w: trailing bytes", ErrMalformedPayload)
	}
	return GetPayload{QueuePath: queuePath}, nil
}

// DeletePayload is the DELETE command payload: the queue an object lives
// in plus its subject UUID. This mirrors GetPayload with an appended
// object id, the natural minimal addressing scheme given queue+uuid
// already identifies every stored object.
type DeletePayload struct {
	QueuePath string
	ObjectID  uuid.UUID
}

func EncodeDelete(p DeletePayload) ([]byte, error) {
	queuePath := []byte(p.QueuePath)
	if len(queuePath) > 0xffff {
		return nil, fmt.Errorf("wire: encode delete: %w", ErrMalformedPayload)
	}
	buf := make([]byte, 2+len(queuePath)+16)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(queuePath)))
	off := 2
	off += copy(buf[off:], queuePath)
	copy(buf[off:], p.ObjectID[:])
	return buf, nil
}

func DecodeDelete(b []byte) (DeletePayload, error) {
	queuePath, off, err := readLen16String(b, 0)
	if err != nil {
		return DeletePayload{}, fmt.Errorf("wire: decode delete: %w", err)
	}
	if len(b)-off != 16 {
		return DeletePayload{}, fmt.Errorf("wire: decode delete: %w: want 16 trailing bytes, got %d", ErrMalformedPayload, len(b)-off)
	}
	var id uuid.UUID
	copy(id[:], b[off:])
	return DeletePayload{QueuePath: queuePath, ObjectID: id}, nil
}

// SearchPayload is the SEARCH command payload: a single queue path. The
// response is a stream of PUT frames terminated by a STATUS frame.
type SearchPayload struct {
	QueuePath string
}

func EncodeSearch(p SearchPayload) ([]byte, error) {
	return EncodeGet(GetPayload(p))
}

func DecodeSearch(b []byte) (SearchPayload, error) {
	g, err := DecodeGet(b)
	if err != nil {
		return SearchPayload{}, err
	}
	return SearchPayload(g), nil
}

// LocateKind selects whether a LOCATE subject UUID names a node or a user.
type LocateKind byte

const (
	LocateNode LocateKind = 0
	LocateUser LocateKind = 1
)

// LocatePayload is the LOCATE command payload.
type LocatePayload struct {
	Subject uuid.UUID
	Kind    LocateKind
}

func EncodeLocate(p LocatePayload) ([]byte, error) {
	buf := make([]byte, 17)
	copy(buf[0:16], p.Subject[:])
	buf[16] = byte(p.Kind)
	return buf, nil
}

func DecodeLocate(b []byte) (LocatePayload, error) {
	if len(b) != 17 {
		return LocatePayload{}, fmt.Errorf("wire: decode locate: %w: want 17 bytes, got %d", ErrMalformedPayload, len(b))
	}
	if b[16] != byte(LocateNode) && b[16] != byte(LocateUser) {
		return LocatePayload{}, fmt.Errorf("wire: decode locate: %w: bad kind flag", ErrMalformedPayload)
	}
	var subject uuid.UUID
	copy(subject[:], b[0:16])
	return LocatePayload{Subject: subject, Kind: LocateKind(b[16])}, nil
}

func readLen16String(b []byte, off int) (string, int, error) {
	if off+2 > len(b) {
		return "", 0, fmt.Errorf("%w: truncated length", ErrMalformedPayload)
	}
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if off+n > len(b) {
		return "", 0, fmt.Errorf("%w: truncated value", ErrMalformedPayload)
	}
	return string(b[off : off+n]), off + n, nil
}
