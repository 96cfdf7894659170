// Package wire implements the length-prefixed framing protocol that the
// driver and remote ends of a sync use to exchange JSON and raw-byte
// messages over a single bidirectional byte stream (an ssh subprocess's
// stdin/stdout, or any other pipe).
//
// A frame is a 4-byte big-endian length N followed by exactly N payload
// bytes. Frames are positional, not self-describing: callers must know from
// protocol context whether the next frame is JSON or raw bytes.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxFrameSize bounds a single frame so a corrupt peer cannot make us
// allocate unbounded memory. Mail files can legitimately be large, so this
// is generous (1 GiB) rather than tight.
const maxFrameSize = 1 << 30

// uuidLen is the fixed width of the unframed UUID handshake (§4.8 step 1).
const uuidLen = 36

// Conn wraps a bidirectional byte stream with the frame codec. It is not
// safe for concurrent use — the protocol is single-threaded cooperative by
// design (spec §5).
type Conn struct {
	r io.Reader
	w io.Writer

	bytesRead    int64
	bytesWritten int64
}

// NewConn wraps a reader and writer pair for framed I/O.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: bufio.NewReader(r), w: w}
}

// BytesRead returns the total payload bytes read across all frames so far,
// plus the unframed UUID handshake (verbose-mode byte counters, spec §6.3).
// Length prefixes are not counted.
func (c *Conn) BytesRead() int64 { return c.bytesRead }

// BytesWritten returns the total payload bytes written across all frames,
// plus the unframed UUID handshake. Length prefixes are not counted.
func (c *Conn) BytesWritten() int64 { return c.bytesWritten }

// WriteFrame writes one length-prefixed frame.
func (c *Conn) WriteFrame(payload []byte) error {
	if len(payload) > maxFrameSize {
		return &ProtocolError{Detail: fmt.Sprintf("frame of %d bytes exceeds maximum %d", len(payload), maxFrameSize)}
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return &TransportError{Cause: err}
	}

	if len(payload) > 0 {
		if _, err := c.w.Write(payload); err != nil {
			return &TransportError{Cause: err}
		}
	}

	c.bytesWritten += int64(len(payload))

	return nil
}

// ReadFrame reads one length-prefixed frame and returns its payload.
func (c *Conn) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte

	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return nil, shortReadErr(err, "frame length")
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, &ProtocolError{Detail: fmt.Sprintf("frame of %d bytes exceeds maximum %d", n, maxFrameSize)}
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return nil, shortReadErr(err, "frame payload")
		}
	}

	c.bytesRead += int64(n)

	return payload, nil
}

// WriteJSON marshals v and writes it as one framed payload.
func (c *Conn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return &ProtocolError{Detail: "marshaling frame: " + err.Error()}
	}

	return c.WriteFrame(b)
}

// ReadJSON reads one frame and unmarshals it into v. Non-UTF-8 or malformed
// JSON where JSON is expected is a fatal protocol error (spec §4.1).
func (c *Conn) ReadJSON(v any) error {
	b, err := c.ReadFrame()
	if err != nil {
		return err
	}

	if !utf8.Valid(b) {
		return &ProtocolError{Detail: "JSON frame is not valid UTF-8"}
	}

	if err := json.Unmarshal(b, v); err != nil {
		return &ProtocolError{Detail: "decoding JSON frame: " + err.Error()}
	}

	return nil
}

// WriteUUID writes a fixed-width 36-byte ASCII UUID unframed. Used only for
// the initial handshake (spec §4.1, §4.8 step 1).
func (c *Conn) WriteUUID(id string) error {
	if len(id) != uuidLen {
		return &ProtocolError{Detail: fmt.Sprintf("UUID %q is not %d bytes", id, uuidLen)}
	}

	if _, err := io.WriteString(c.w, id); err != nil {
		return &TransportError{Cause: err}
	}

	c.bytesWritten += int64(uuidLen)

	return nil
}

// ReadUUID reads a fixed-width 36-byte ASCII UUID unframed and validates it,
// since this is the one piece of peer input that never passes through the
// JSON codec and so gets no structural validation for free.
func (c *Conn) ReadUUID() (string, error) {
	buf := make([]byte, uuidLen)

	if _, err := io.ReadFull(c.r, buf); err != nil {
		return "", shortReadErr(err, "UUID handshake")
	}

	c.bytesRead += int64(uuidLen)

	id := string(buf)

	if _, err := uuid.Parse(id); err != nil {
		return "", &ProtocolError{Detail: fmt.Sprintf("invalid UUID in handshake: %v", err)}
	}

	return id, nil
}

// CopyToFrame streams exactly n bytes from r into a single framed payload.
// Used for byte-transfer frames, which are too large to buffer via WriteFrame.
func (c *Conn) CopyToFrame(r io.Reader, n int64) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(n))

	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return &TransportError{Cause: err}
	}

	written, err := io.CopyN(c.w, r, n)
	if err != nil {
		return &TransportError{Cause: err}
	}

	c.bytesWritten += written

	return nil
}

// ReadFrameInto reads one frame directly into w (streaming, no full
// in-memory copy beyond the frame length already known to the caller).
func (c *Conn) ReadFrameInto(w io.Writer) (int64, error) {
	var lenBuf [4]byte

	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return 0, shortReadErr(err, "frame length")
	}

	n := int64(binary.BigEndian.Uint32(lenBuf[:]))
	if n > maxFrameSize {
		return 0, &ProtocolError{Detail: fmt.Sprintf("frame of %d bytes exceeds maximum %d", n, maxFrameSize)}
	}

	written, err := io.CopyN(w, c.r, n)
	if err != nil {
		return written, &TransportError{Cause: err}
	}

	c.bytesRead += written

	return written, nil
}

func shortReadErr(err error, what string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &TransportError{Cause: fmt.Errorf("short read on %s: %w", what, err)}
	}

	return &TransportError{Cause: err}
}
