// Package apdu encodes and decodes the ISO 7816-4 command/response units that
// travel through the relay.
//
// Only short-length APDUs are handled: the reader-facing emulator and
// ISO-DEP cards used with the relay never negotiate extended lengths.
package apdu

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Length limits of short APDUs.
const (
	HeaderLen  = 4 // CLA INS P1 P2
	MaxShortLc = 255
	MaxShortLe = 256
)

// Common class and instruction bytes
const (
	CLAStandard = 0x00
	INSSelect   = 0xA4
)

// SELECT parameters
const (
	P1SelectByName = 0x04 // Select by DF name (AID)
	P2FirstOrOnly  = 0x00
)

var (
	// ErrShortResponse is returned when a response lacks the status word.
	ErrShortResponse = errors.New("response too short")

	// ErrMalformedCommand is returned when a command's length fields do not
	// match its size.
	ErrMalformedCommand = errors.New("malformed command APDU")
)

// Command is a parsed command APDU.
type Command struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
	Ne   int // Expected response length, 0 means no Le
}

// Bytes encodes the command in short form.
func (c *Command) Bytes() ([]byte, error) {
	if len(c.Data) > MaxShortLc {
		return nil, fmt.Errorf("data too long for short APDU: %d bytes", len(c.Data))
	}
	if c.Ne < 0 || c.Ne > MaxShortLe {
		return nil, fmt.Errorf("Ne out of range for short APDU: %d", c.Ne)
	}

	buf := make([]byte, 0, 4+1+len(c.Data)+1)
	buf = append(buf, c.CLA, c.INS, c.P1, c.P2)

	if len(c.Data) > 0 {
		buf = append(buf, byte(len(c.Data)))
		buf = append(buf, c.Data...)
	}

	if c.Ne > 0 {
		// 256 is encoded as 00
		buf = append(buf, byte(c.Ne))
	}
	return buf, nil
}

func (c *Command) String() string {
	return fmt.Sprintf("CLA=%02X INS=%02X P1=%02X P2=%02X Lc=%d Ne=%d", c.CLA, c.INS, c.P1, c.P2, len(c.Data), c.Ne)
}

// ParseCommand decodes a short command APDU (cases 1 to 4).
func ParseCommand(raw []byte) (*Command, error) {
	if len(raw) < HeaderLen {
		return nil, fmt.Errorf("%w: header needs %d bytes, got %d", ErrMalformedCommand, HeaderLen, len(raw))
	}

	cmd := &Command{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3]}
	body := raw[4:]

	switch {
	case len(body) == 0:
		// Case 1
	case len(body) == 1:
		// Case 2: Le only
		cmd.Ne = decodeLe(body[0])
	default:
		lc := int(body[0])
		if lc == 0 {
			return nil, fmt.Errorf("%w: extended length not supported", ErrMalformedCommand)
		}
		switch len(body) {
		case 1 + lc:
			// Case 3
		case 1 + lc + 1:
			// Case 4
			cmd.Ne = decodeLe(body[1+lc])
		default:
			return nil, fmt.Errorf("%w: Lc=%d but body has %d bytes", ErrMalformedCommand, lc, len(body))
		}
		cmd.Data = bytes.Clone(body[1 : 1+lc])
	}

	return cmd, nil
}

func decodeLe(b byte) int {
	if b == 0 {
		return MaxShortLe
	}
	return int(b)
}

// Response is a parsed response APDU.
type Response struct {
	Data []byte
	SW   StatusWord
}

// ParseResponse splits raw card output into data and status word.
func ParseResponse(raw []byte) (*Response, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: length %d", ErrShortResponse, len(raw))
	}
	n := len(raw) - 2
	return &Response{
		Data: raw[:n],
		SW:   NewStatusWord(raw[n], raw[n+1]),
	}, nil
}

func (r *Response) String() string {
	return fmt.Sprintf("Data (%d bytes) | Status: %s", len(r.Data), r.SW.Verbose())
}

// SelectByAID builds SELECT by DF name. ne 0 omits Le.
func SelectByAID(aid []byte, ne int) *Command {
	return &Command{
		CLA:  CLAStandard,
		INS:  INSSelect,
		P1:   P1SelectByName,
		P2:   P2FirstOrOnly,
		Data: bytes.Clone(aid),
		Ne:   ne,
	}
}

// IsSelectByAID reports whether cmd is a SELECT by DF name.
func IsSelectByAID(cmd *Command) bool {
	return cmd != nil && cmd.CLA&0x80 == 0 && cmd.INS == INSSelect && cmd.P1 == P1SelectByName
}

// SelectedAID returns the AID of a SELECT by DF name, or nil for other commands.
func SelectedAID(cmd *Command) []byte {
	if !IsSelectByAID(cmd) {
		return nil
	}
	return cmd.Data
}

// Hex formats bytes as upper-case hex pairs separated by spaces.
func Hex(data []byte) string {
	var sb strings.Builder
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}
