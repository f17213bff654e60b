// Package relay carries APDUs between the emulator facing the reader and the
// mole sitting next to the victim card.
//
// Both ends exchange UDP datagrams whose first byte is the message type:
//
//	'C' <apdu>     challenge, server -> mole
//	'R' <data>     response, mole -> server
//	'K' <text>     flow control and keep-alive, both directions
package relay

import "fmt"

// DefaultPort is the UDP port both sides use.
const DefaultPort = 61017

// MaxDatagramSize bounds what either side reads from the socket.
const MaxDatagramSize = 300

// MessageType is the first byte of a datagram.
type MessageType byte

const (
	TypeChallenge   MessageType = 'C'
	TypeResponse    MessageType = 'R'
	TypeFlowControl MessageType = 'K'
	TypeUnknown     MessageType = 0
)

func (t MessageType) String() string {
	switch t {
	case TypeChallenge:
		return "challenge"
	case TypeResponse:
		return "response"
	case TypeFlowControl:
		return "flow-control"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Beacons sent by the server.
var (
	BeaconSearch = []byte("KAnyone here?")
	BeaconHello  = []byte("KHey\n")
)

// ParseDatagram splits a datagram into its type and payload. Empty datagrams
// and unknown leading bytes yield TypeUnknown.
func ParseDatagram(b []byte) (MessageType, []byte) {
	if len(b) == 0 {
		return TypeUnknown, nil
	}
	switch t := MessageType(b[0]); t {
	case TypeChallenge, TypeResponse, TypeFlowControl:
		return t, b[1:]
	default:
		return TypeUnknown, b[1:]
	}
}

// EncodeDatagram prefixes payload with its type byte.
func EncodeDatagram(t MessageType, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(t))
	return append(out, payload...)
}
