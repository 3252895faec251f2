// Package protocol implements the delimiter-framed stream protocol of remote-ctrl.
//
// TCP is a byte stream with no message boundaries. Every packet record is
// followed by a fixed 4-byte delimiter, and records are packed back to back
// with no length prefix:
//
//	┌──────────────────────────┬──────────┬──────────────────────────┬──────────┐
//	│ {"op":..,"contents":..}  │ \n\r\n\r │ {"op":..,"contents":..}  │ \n\r\n\r │ ...
//	└──────────────────────────┴──────────┴──────────────────────────┴──────────┘
//
// The delimiter cannot appear inside a record produced by the codec because
// JSON escapes control characters inside strings and the encoder emits no
// whitespace between tokens.
package protocol

import (
	"bytes"
	"io"

	"remote-ctrl/codec"
	"remote-ctrl/message"
)

// Delimiter terminates every record on the wire: two "Windows new lines" with
// the CR and LF swapped.
var Delimiter = []byte("\n\r\n\r")

// Encode returns the framed bytes of p.
func Encode(p *message.Packet) ([]byte, error) {
	body, err := codec.Default.Encode(p)
	if err != nil {
		return nil, err
	}
	return append(body, Delimiter...), nil
}

// Write encodes p and writes it to w in a single call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise records from different packets will interleave and corrupt the stream.
func Write(w io.Writer, p *message.Packet) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Decode scans buf for the first complete record.
//
//   - No delimiter yet:   (nil, "", buf). Read more bytes.
//   - Malformed record:   (nil, diagnostic, rest). The record is dropped for good,
//     so a corrupt stream still makes progress.
//   - Well-formed record: (packet, "", rest).
//
// rest is whatever follows the delimiter. Callers drain a buffer by calling
// Decode until the returned slice is as long as the one passed in.
func Decode(buf []byte) (*message.Packet, string, []byte) {
	idx := bytes.Index(buf, Delimiter)
	if idx < 0 {
		return nil, "", buf
	}

	body, rest := buf[:idx], buf[idx+len(Delimiter):]
	p, err := codec.Default.Decode(body)
	if err != nil {
		return nil, err.Error(), rest
	}
	return p, "", rest
}
