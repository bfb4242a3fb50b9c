package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestHelloRoundTrip(t *testing.T) {
	p := HelloPayload{Status: 0, Versions: []uint16{1, 2, 3}}
	b, err := EncodeHello(p)
	require.NoError(t, err)
	got, err := DecodeHello(b)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestStatusRoundTrip(t *testing.T) {
	p := StatusPayload{Status: 1, Message: "unauthorized"}
	b, err := EncodeStatus(p)
	require.NoError(t, err)
	got, err := DecodeStatus(b)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestStatusEmptyMessage(t *testing.T) {
	p := StatusPayload{Status: 0, Message: ""}
	b, err := EncodeStatus(p)
	require.NoError(t, err)
	got, err := DecodeStatus(b)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestPutRoundTrip(t *testing.T) {
	p := PutPayload{QueuePath: "/demo", ContentType: "text/plain", Data: []byte("Hello")}
	b, err := EncodePut(p)
	require.NoError(t, err)
	got, err := DecodePut(b)
	require.NoError(t, err)
	require.Equal(t, p.QueuePath, got.QueuePath)
	require.Equal(t, p.ContentType, got.ContentType)
	require.Equal(t, p.Data, got.Data)
}

func TestPutZeroLengthData(t *testing.T) {
	p := PutPayload{QueuePath: "/demo", ContentType: "text/plain", Data: nil}
	b, err := EncodePut(p)
	require.NoError(t, err)
	got, err := DecodePut(b)
	require.NoError(t, err)
	require.Empty(t, got.Data)
}

func TestDecodePutTruncatedDataLength(t *testing.T) {
	p := PutPayload{QueuePath: "/demo", ContentType: "text/plain", Data: []byte("Hello")}
	b, err := EncodePut(p)
	require.NoError(t, err)
	_, err = DecodePut(b[:len(b)-1])
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestGetRoundTrip(t *testing.T) {
	p := GetPayload{QueuePath: "/demo"}
	b, err := EncodeGet(p)
	require.NoError(t, err)
	got, err := DecodeGet(b)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestLocateRoundTrip(t *testing.T) {
	p := LocatePayload{Subject: uuid.New(), Kind: LocateUser}
	b, err := EncodeLocate(p)
	require.NoError(t, err)
	got, err := DecodeLocate(b)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestDecodeLocateBadLength(t *testing.T) {
	_, err := DecodeLocate(make([]byte, 10))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestValidateQueuePathBounds(t *testing.T) {
	require.NoError(t, ValidateQueuePath("demo"))
	require.NoError(t, ValidateQueuePath("a/b/c"))

	// exactly 256 bytes total is accepted: the bound is inclusive
	exact := make([]byte, 0, MaxQueuePathLen)
	for len(exact) < MaxQueuePathLen {
		seg := "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyzabcdefghij" // 62 bytes
		if len(exact)+len(seg)+1 > MaxQueuePathLen {
			seg = seg[:MaxQueuePathLen-len(exact)-1]
			if len(seg) == 0 {
				break
			}
		}
		if len(exact) > 0 {
			exact = append(exact, '/')
		}
		exact = append(exact, seg...)
	}
	require.Len(t, exact, MaxQueuePathLen)
	require.NoError(t, ValidateQueuePath(string(exact)))

	tooLong := string(exact) + "x"
	require.ErrorIs(t, ValidateQueuePath(tooLong), ErrMalformedPayload)

	require.ErrorIs(t, ValidateQueuePath(""), ErrMalformedPayload)
	require.ErrorIs(t, ValidateQueuePath("café"), ErrMalformedPayload)
}
