// Package message defines the packet exchanged between the operator console and
// the device-control server.
//
// A Packet is the "envelope" for every request, reply and protocol notice. It gets
// serialized by the codec layer and delimited by the protocol layer for
// transmission over TCP.
package message

import (
	"fmt"
	"time"
)

// TimeFormat is the layout of Packet.Timestamp. Timestamps are always UTC.
const TimeFormat = "2006-01-02 15:04:05.000000 MST"

// Reserved ops. Everything else on the wire is a command name.
const (
	OpBye    = "BYE"    // Connection-terminate notice, no reply
	OpPing   = "PING"   // Liveness probe
	OpPong   = "PONG"   // Reply to PING
	OpLsConn = "LSCONN" // Peer roster query
	OpConns  = "CONNS"  // Reply to LSCONN: {"hosts": [...]}
	OpLsCmd  = "LSCMD"  // Capability list query
	OpAck    = "ACK"    // Success reply
	OpNak    = "NAK"    // Failure reply: {"error": "..."}
)

// Packet carries a single protocol message.
//
//   - On request:  Op is a command name or protocol verb, Seq is assigned by the sender.
//   - On reply:    Op is ACK/NAK/PONG/CONNS and Seq echoes the request.
//
// A Packet is not mutated after it has been sent or decoded.
type Packet struct {
	Op        string `json:"op"`
	Seq       string `json:"seq"`
	Timestamp string `json:"timestamp"` // Empty until encoded, see codec
	Contents  any    `json:"contents"`  // Arbitrary JSON, semantics owned by Op
}

// New creates a packet with no sequence id and no timestamp.
func New(op string, contents any) *Packet {
	return &Packet{Op: op, Contents: contents}
}

// Now returns the current time formatted as a packet timestamp.
func Now() string {
	return time.Now().UTC().Format(TimeFormat)
}

// Time parses the packet timestamp.
func (p *Packet) Time() (time.Time, error) {
	return time.Parse(TimeFormat, p.Timestamp)
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet<op=%q,seq=%q,timestamp=%q|%v>", p.Op, p.Seq, p.Timestamp, p.Contents)
}

// Ack builds a success reply for req.
func Ack(req *Packet, contents any) *Packet {
	return &Packet{Op: OpAck, Seq: req.Seq, Contents: contents}
}

// Nak builds a failure reply for req. req may be nil when the request could
// not be decoded at all.
func Nak(req *Packet, msg string) *Packet {
	seq := ""
	if req != nil {
		seq = req.Seq
	}
	return &Packet{Op: OpNak, Seq: seq, Contents: map[string]any{"error": msg}}
}

// IsFailure reports whether p is a failure reply.
func (p *Packet) IsFailure() bool {
	return p.Op == OpNak
}

// Error returns the message of a failure reply, or "" for any other packet.
func (p *Packet) Error() string {
	if !p.IsFailure() {
		return ""
	}
	if m, ok := p.Contents.(map[string]any); ok {
		if s, ok := m["error"].(string); ok {
			return s
		}
	}
	return "unknown error"
}

// Field returns contents[key] when the contents are a JSON object.
func (p *Packet) Field(key string) (any, bool) {
	m, ok := p.Contents.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}
