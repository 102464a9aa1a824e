package frame

import "errors"

// Decode errors. All are fatal to the current connection; the caller
// is expected to tear down the transport on any of these.
var (
	ErrBadSync   = errors.New("frame: bad SYNC marker")
	ErrBadLength = errors.New("frame: length field out of range")
	ErrBadEnd    = errors.New("frame: bad END marker")
	ErrShortRead = errors.New("frame: peer closed mid-frame")

	// ErrPayloadTimeout wraps a read-deadline timeout that fired after
	// some bytes of the frame were already consumed (part of the header,
	// or the whole header). Unlike a timeout waiting for a fresh header,
	// this leaves the stream desynced: the caller cannot safely retry
	// and must treat it as fatal.
	ErrPayloadTimeout = errors.New("frame: read timeout mid-frame")
)
