package wire

import (
	"encoding/binary"
	"errors"
)

// MaxFrameSize caps the declared length of a single frame. Anything larger
// means the stream is desynchronized or the peer is broken; either way the
// stream cannot be trusted past this point.
const MaxFrameSize = 16 << 20

// ErrFrameTooBig is returned by Decoder.Next when a frame header declares a
// length over MaxFrameSize.
var ErrFrameTooBig = errors.New("wire: frame exceeds maximum size")

// EncodeFrame prefixes the payload with its 4-byte big-endian length.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// Decoder reassembles frames from an arbitrarily segmented byte stream.
// Feed chunks with Write, pop complete payloads with Next.
type Decoder struct {
	buf []byte
}

// Write appends a chunk of stream data. It never fails; it exists so a
// Decoder can sit behind an io.Writer.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame payload, or nil if the buffer does
// not yet hold one. The returned slice is a copy and stays valid across
// further writes.
func (d *Decoder) Next() ([]byte, error) {
	if len(d.buf) < 4 {
		return nil, nil
	}
	size := binary.BigEndian.Uint32(d.buf)
	if size > MaxFrameSize {
		return nil, ErrFrameTooBig
	}
	if uint32(len(d.buf)-4) < size {
		return nil, nil
	}
	payload := make([]byte, size)
	copy(payload, d.buf[4:4+size])
	d.buf = d.buf[4+size:]
	return payload, nil
}

// Buffered reports how many bytes are waiting in the reassembly buffer.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
