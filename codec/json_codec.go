package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"remote-ctrl/message"
)

// Fields every record must carry, in the order they are checked.
var requiredFields = []string{"op", "seq", "timestamp", "contents"}

// JSONCodec encodes a packet as one UTF-8 JSON object.
//
// Numbers are decoded as json.Number so that the command layer can tell an
// integer argument from a float one.
type JSONCodec struct{}

// Encode stamps the record with the current time when p has no timestamp yet.
// p itself is left untouched.
func (c *JSONCodec) Encode(p *message.Packet) ([]byte, error) {
	rec := *p
	if rec.Timestamp == "" {
		rec.Timestamp = message.Now()
	}
	if rec.Contents == nil {
		rec.Contents = map[string]any{}
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("encode packet %q: %w", p.Op, err)
	}
	return data, nil
}

// Decode parses one record. The returned error message is meant to be shown to
// the peer as a diagnostic.
func (c *JSONCodec) Decode(data []byte) (*message.Packet, error) {
	if !utf8.Valid(data) {
		return nil, errors.New("Invalid UTF-8")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var blob map[string]any
	if err := dec.Decode(&blob); err != nil || blob == nil {
		return nil, errors.New("Invalid JSON")
	}
	// Exactly one value per record
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("Invalid JSON")
	}

	for _, k := range requiredFields {
		if _, ok := blob[k]; !ok {
			return nil, fmt.Errorf("Missing %s value", k)
		}
	}

	p := &message.Packet{Contents: blob["contents"]}
	for _, f := range []struct {
		key string
		dst *string
	}{{"op", &p.Op}, {"seq", &p.Seq}, {"timestamp", &p.Timestamp}} {
		s, ok := blob[f.key].(string)
		if !ok {
			return nil, fmt.Errorf("Invalid %s value", f.key)
		}
		*f.dst = s
	}
	return p, nil
}
