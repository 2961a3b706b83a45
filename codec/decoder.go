package codec

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// Decoder splits a stream of concatenated frames back into Frames.
// A payload that itself contains '\n' cannot be told apart from a frame
// boundary and is reported as malformed.
type Decoder struct {
	r *bufio.Reader
}

// Decode returns the next frame, io.EOF at a clean end of stream and
// io.ErrUnexpectedEOF when the stream stops inside a frame.
func (d *Decoder) Decode() (*Frame, error) {
	line, err := d.r.ReadBytes(frameNewline)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if len(line) == 0 {
				return nil, io.EOF
			}
			return nil, errors.WithStack(io.ErrUnexpectedEOF)
		}
		return nil, errors.WithStack(err)
	}
	return parseLine(line)
}

func parseLine(line []byte) (*Frame, error) {
	if len(line) < FrameOverhead+1 || line[0] != frameOpen {
		return nil, errors.Wrapf(errMalformedFrame, "missing header: %q", line)
	}
	end := bytes.IndexByte(line, frameClose)
	if end < 2 || len(line) < end+2 || line[end+1] != frameSpace {
		return nil, errors.Wrapf(errMalformedFrame, "missing identity: %q", line)
	}
	digits := line[1:end]
	if digits[0] == '0' {
		return nil, errors.Wrapf(errMalformedFrame, "leading zero identity: %q", line)
	}
	identity, err := strconv.Atoi(string(digits))
	if err != nil || identity < 1 {
		return nil, errors.Wrapf(errMalformedFrame, "bad identity: %q", digits)
	}

	payload := line[end+2 : len(line)-1]
	return &Frame{
		Identity: identity,
		Payload:  payload,
	}, nil
}

// DecodeAll decodes every frame in data
func DecodeAll(data []byte) ([]*Frame, error) {
	d := NewDecoder(bytes.NewReader(data))
	frames := make([]*Frame, 0, 16)
	for {
		f, err := d.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return frames, errors.WithStack(err)
		}
		frames = append(frames, f)
	}
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r: bufio.NewReader(r),
	}
}
