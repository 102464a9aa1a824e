// Package frame implements the wire envelope of the instrument
// protocol: SYNC | length (u32 LE) | payload | END. It is pure and
// stateless; it knows nothing about payload contents.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/cortexlab/instrclient/wire"
)

// Codec encodes and decodes frames. The zero value is ready to use
// and applies wire.MaxFrame as the length ceiling.
type Codec struct {
	// MaxFrame overrides wire.MaxFrame when non-zero.
	MaxFrame uint32
}

func (c Codec) maxFrame() uint32 {
	if c.MaxFrame != 0 {
		return c.MaxFrame
	}
	return wire.MaxFrame
}

// Encode wraps payload in a full SYNC|len|payload|END envelope.
// payload must satisfy 4 <= len(payload) <= MaxFrame; callers that
// violate this build a frame the peer's Decode will reject, so Encode
// does not itself validate — the protocol engine never calls it with
// an out-of-range payload.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, 4+4+len(payload)+4)
	out = append(out, wire.Sync[:]...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, payload...)
	out = append(out, wire.End[:]...)
	return out
}

// Decode reads exactly one frame from r and returns its payload.
// It blocks until a full frame (or a read error) arrives.
func (c Codec) Decode(r io.Reader) ([]byte, error) {
	var header [8]byte
	if n, err := io.ReadFull(r, header[:]); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() && n > 0 {
			return nil, fmt.Errorf("%w: %v", ErrPayloadTimeout, err)
		}
		return nil, shortReadOr(err)
	}
	if !bytesEqual(header[0:4], wire.Sync[:]) {
		return nil, ErrBadSync
	}
	length := binary.LittleEndian.Uint32(header[4:8])
	if length < 4 || length > c.maxFrame() {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, length)
	}

	rest := make([]byte, length+4)
	if _, err := io.ReadFull(r, rest); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrPayloadTimeout, err)
		}
		return nil, shortReadOr(err)
	}
	payload := rest[:length]
	trailer := rest[length:]
	if !bytesEqual(trailer, wire.End[:]) {
		return nil, ErrBadEnd
	}
	return payload, nil
}

// Decode is the Codec{}.Decode convenience for callers that don't
// need a custom MaxFrame.
func Decode(r io.Reader) ([]byte, error) {
	return Codec{}.Decode(r)
}

func shortReadOr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrShortRead
	}
	return err
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
