package wire

import (
	"fmt"
	"strings"
)

// MaxQueueSegmentLen is the per-segment length bound: path segments are
// ASCII, 1-64 bytes each.
const MaxQueueSegmentLen = 64

// ValidateQueuePath checks a queue path's invariants: ASCII only, 1-64
// bytes per "/"-separated segment, total length at most MaxQueuePathLen.
// The dispatcher uses it to map violations to badRequest; the queue store
// does not call it.
func ValidateQueuePath(path string) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty queue path", ErrMalformedPayload)
	}
	if len(path) > MaxQueuePathLen {
		return fmt.Errorf("%w: queue path exceeds %d bytes", ErrMalformedPayload, MaxQueuePathLen)
	}
	for i := 0; i < len(path); i++ {
		if path[i] > 0x7f {
			return fmt.Errorf("%w: queue path is not ASCII", ErrMalformedPayload)
		}
	}
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return fmt.Errorf("%w: queue path has no segments", ErrMalformedPayload)
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if len(seg) == 0 {
			return fmt.Errorf("%w: empty path segment", ErrMalformedPayload)
		}
		if len(seg) > MaxQueueSegmentLen {
			return fmt.Errorf("%w: path segment exceeds %d bytes", ErrMalformedPayload, MaxQueueSegmentLen)
		}
	}
	return nil
}

// NormalizeQueuePath strips leading/trailing slashes, returning the
// canonical queue name used as a directory path component under the
// storage root.
func NormalizeQueuePath(path string) string {
	return strings.Trim(path, "/")
}
