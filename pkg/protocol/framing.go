package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// MaxFrameBytes bounds a single frame on the wire. Transfer payload
// chunks are far smaller; the bound exists to fail fast on a corrupt
// length prefix.
const MaxFrameBytes = 1 << 20

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameBytes.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// A Codec reads and writes length-prefixed JSON frames on a stream.
// Writes are serialized so that concurrent tasks (for example the
// per-connection drain tasks of a Transfer stream) can share one codec.
type Codec struct {
	rwc     io.ReadWriteCloser
	writeMu sync.Mutex
}

// NewCodec wraps a stream with frame encoding.
func NewCodec(rwc io.ReadWriteCloser) *Codec {
	return &Codec{rwc: rwc}
}

// Write marshals v and writes it as one frame.
func (c *Codec) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(b) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rwc.Write(hdr[:]); err != nil {
		return err
	}
	_, err = c.rwc.Write(b)
	return err
}

// Read reads the next frame and unmarshals it into v. It blocks until a
// full frame arrives or the stream fails.
func (c *Codec) Read(v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(c.rwc, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(c.rwc, b); err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Close closes the underlying stream.
func (c *Codec) Close() error {
	return c.rwc.Close()
}
