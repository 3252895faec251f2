// Package codec serializes a single packet record. Framing is not its concern,
// see the protocol package.
package codec

import "remote-ctrl/message"

type Codec interface {
	Encode(p *message.Packet) ([]byte, error)
	Decode(data []byte) (*message.Packet, error)
}

// Default is the codec used on the wire.
var Default Codec = &JSONCodec{}
