package codec

import (
	"github.com/pkg/errors"
)

const (
	frameOpen    byte = '['
	frameClose   byte = ']'
	frameSpace   byte = ' '
	frameNewline byte = '\n'

	// FrameOverhead is the number of framing bytes around identity and payload: "[", "] " and "\n"
	FrameOverhead int = 4
)

// Frame is a single decoded record
type Frame struct {
	Identity int
	Payload  []byte
}

// Size returns the encoded length of f
func (f *Frame) Size() int {
	return FrameSize(f.Identity, len(f.Payload))
}

// DigitCount returns the number of decimal digits of identity, 0 when identity < 1
func DigitCount(identity int) int {
	n := 0
	for identity >= 1 {
		n += 1
		identity /= 10
	}
	return n
}

// FrameSize returns the encoded length of a payloadSize payload written by identity
func FrameSize(identity int, payloadSize int) int {
	return DigitCount(identity) + payloadSize + FrameOverhead
}

// EncodeFrame returns "[" + identity + "] " + payload + "\n"
func EncodeFrame(identity int, payload []byte) ([]byte, error) {
	if identity < 1 {
		return nil, errors.WithStack(errInvalidIdentity)
	}
	out := make([]byte, FrameSize(identity, len(payload)))
	if _, err := PutFrame(out, identity, payload); err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

// PutFrame encodes the frame at the head of dst and returns the number of bytes used.
func PutFrame(dst []byte, identity int, payload []byte) (int, error) {
	if identity < 1 {
		return 0, errors.WithStack(errInvalidIdentity)
	}
	digits := DigitCount(identity)
	size := digits + len(payload) + FrameOverhead
	if len(dst) < size {
		return 0, errors.Wrapf(errShortBuffer, "need %d bytes, have %d", size, len(dst))
	}

	n := PutHeader(dst, identity)
	n += copy(dst[n:], payload)
	dst[n] = frameNewline
	return n + 1, nil
}

// PutHeader writes "[" + identity + "] " into dst, which must hold DigitCount(identity)+3 bytes.
func PutHeader(dst []byte, identity int) int {
	digits := DigitCount(identity)
	dst[0] = frameOpen
	for i := digits; 0 < i; i -= 1 {
		dst[i] = '0' + byte(identity%10)
		identity /= 10
	}
	dst[digits+1] = frameClose
	dst[digits+2] = frameSpace
	return digits + 3
}
