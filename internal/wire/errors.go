package wire

import "errors"

// Framing errors. These are always fatal for the current frame and are
// never propagated to the remote end (silent drop with a debug log) to
// avoid giving an attacker an oracle for malformed input.
var (
	ErrBufferTooShort    = errors.New("bufferTooShort")
	ErrBadMagic          = errors.New("badMagic")
	ErrBadVersion        = errors.New("badVersion")
	ErrLengthMismatch    = errors.New("lengthMismatch")
	ErrUnsupportedCommand = errors.New("unsupportedCommand")
	ErrPayloadTooLarge   = errors.New("payloadTooLarge")
	ErrMalformedPayload  = errors.New("malformedPayload")
)

// IsFraming reports whether err is one of the framing-layer errors that
// must never be echoed back to the sender.
func IsFraming(err error) bool {
	switch {
	case errors.Is(err, ErrBufferTooShort),
		errors.Is(err, ErrBadMagic),
		errors.Is(err, ErrBadVersion),
		errors.Is(err, ErrLengthMismatch),
		errors.Is(err, ErrUnsupportedCommand):
		return true
	default:
		return false
	}
}
