package hl7

import (
	"bytes"
	"errors"
)

// DefaultMaxFrameSize bounds how many bytes a connection may buffer
// without seeing a complete frame.
const DefaultMaxFrameSize = 1 << 20

var ErrFrameTooLarge = errors.New("mllp: buffered data exceeds maximum frame size")

var frameTrailer = []byte{EndBlock, CarriageReturn}

// WrapMLLP adds the MLLP envelope to message. Already-wrapped input is
// returned unchanged.
func WrapMLLP(message []byte) []byte {
	if len(message) > 0 && message[0] == StartBlock {
		return message
	}
	framed := make([]byte, 0, len(message)+3)
	framed = append(framed, StartBlock)
	framed = append(framed, message...)
	framed = append(framed, EndBlock, CarriageReturn)
	return framed
}

// UnwrapMLLP removes the MLLP envelope from message if present.
func UnwrapMLLP(message []byte) []byte {
	message = bytes.TrimPrefix(message, []byte{StartBlock})
	message = bytes.TrimSuffix(message, frameTrailer)
	return message
}

// Accumulator buffers bytes read from one connection and yields complete
// frames in arrival order. It is owned by a single connection goroutine
// and is not safe for concurrent use.
type Accumulator struct {
	buf []byte
	max int
}

func NewAccumulator(max int) *Accumulator {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &Accumulator{max: max}
}

// Write appends a chunk read from the wire. It returns ErrFrameTooLarge
// once the buffered data exceeds the configured maximum; the caller is
// expected to drop the connection.
func (a *Accumulator) Write(p []byte) (int, error) {
	a.buf = append(a.buf, p...)
	if len(a.buf) > a.max {
		if _, ok := a.peek(); !ok {
			return len(p), ErrFrameTooLarge
		}
	}
	return len(p), nil
}

// Next extracts the next complete frame, without its envelope. Bytes
// preceding the start block are discarded. ok is false when no complete
// frame is buffered yet; the partial data is kept for the next Write.
func (a *Accumulator) Next() (frame []byte, ok bool) {
	start := bytes.IndexByte(a.buf, StartBlock)
	if start < 0 {
		a.buf = a.buf[:0]
		return nil, false
	}
	end := bytes.Index(a.buf[start+1:], frameTrailer)
	if end < 0 {
		if start > 0 {
			a.buf = append(a.buf[:0], a.buf[start:]...)
		}
		return nil, false
	}
	end += start + 1

	frame = make([]byte, end-start-1)
	copy(frame, a.buf[start+1:end])

	rest := a.buf[end+len(frameTrailer):]
	a.buf = append(a.buf[:0], rest...)
	return frame, true
}

func (a *Accumulator) peek() ([]byte, bool) {
	start := bytes.IndexByte(a.buf, StartBlock)
	if start < 0 {
		return nil, false
	}
	end := bytes.Index(a.buf[start+1:], frameTrailer)
	if end < 0 {
		return nil, false
	}
	return a.buf[start+1 : start+1+end], true
}

// Len reports the number of buffered bytes.
func (a *Accumulator) Len() int {
	return len(a.buf)
}
