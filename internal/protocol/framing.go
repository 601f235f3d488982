package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxDataLength is the hard cap on a frame body. A frame declaring more
// is a protocol error and the connection is closed.
const MaxDataLength = 1<<24 - 1 // 16 MiB - 1

// ErrFrameTooLarge is returned when a frame header declares a body
// larger than MaxDataLength.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds max length")

// ReadFrame reads one length-prefixed frame body from r. io.EOF is
// returned unwrapped when the peer closed before the header.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxDataLength {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("protocol: read body: %w", err)
	}
	return body, nil
}

// WriteFrame writes body as one length-prefixed frame. Header and body
// go out in a single Write so a frame is never interleaved.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxDataLength {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// WriteJSON marshals v and writes it as one frame.
func WriteJSON(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: marshal frame: %w", err)
	}
	return WriteFrame(w, body)
}
