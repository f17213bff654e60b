// Package chameleon speaks the byte protocol of the emulator's AUX UART.
//
// The emulator faces the reader. Whenever the reader sends it a command it
// cannot answer on its own it emits a challenge and keeps the reader waiting
// until the host supplies a response or stops sending keep-alives.
package chameleon

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/lunixbochs/struc"
)

// Bytes on the emulator -> host direction
const (
	MarkerKeepAlive = 0x55
	MarkerChallenge = 0xAA
	MarkerReset     = 0x52
)

// Bytes on the host -> emulator direction
const (
	MarkerResponse      = 0x97
	MarkerHostKeepAlive = 0x98
)

// Frame size limits
const (
	MaxChallengeLen = 299
	MaxResponseLen  = 255 - 2
)

// ErrFrameTooLarge is returned for frames that exceed the emulator buffers.
var ErrFrameTooLarge = errors.New("frame too large")

// FrameType identifies an emulator -> host frame.
type FrameType int

const (
	FrameKeepAlive FrameType = iota
	FrameChallenge
	FrameReset
	FrameGarbage
)

func (t FrameType) String() string {
	switch t {
	case FrameKeepAlive:
		return "keep-alive"
	case FrameChallenge:
		return "challenge"
	case FrameReset:
		return "reset"
	case FrameGarbage:
		return "garbage"
	default:
		return fmt.Sprintf("FrameType(%d)", int(t))
	}
}

// Frame is one decoded emulator -> host message.
type Frame struct {
	Type    FrameType
	Payload []byte // challenge APDU for FrameChallenge
	Raw     byte   // offending byte for FrameGarbage
}

type challengeBody struct {
	Length uint16 `struc:"uint16,big,sizeof=Data"`
	Data   []byte
}

type responseFrame struct {
	Marker uint8
	Length uint8 `struc:"uint8,sizeof=Body"`
	Body   []byte
}

// Decoder reads frames from the emulator.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next blocks until a complete frame has been read. An oversized challenge is
// consumed entirely and reported as ErrFrameTooLarge so the stream stays in
// sync.
func (d *Decoder) Next() (Frame, error) {
	marker, err := d.r.ReadByte()
	if err != nil {
		return Frame{}, err
	}

	switch marker {
	case MarkerKeepAlive:
		return Frame{Type: FrameKeepAlive}, nil
	case MarkerReset:
		return Frame{Type: FrameReset}, nil
	case MarkerChallenge:
		var body challengeBody
		if err := struc.Unpack(d.r, &body); err != nil {
			return Frame{}, fmt.Errorf("failed to read challenge: %w", err)
		}
		if len(body.Data) > MaxChallengeLen {
			return Frame{}, fmt.Errorf("%w: challenge of %d bytes", ErrFrameTooLarge, len(body.Data))
		}
		return Frame{Type: FrameChallenge, Payload: body.Data}, nil
	default:
		return Frame{Type: FrameGarbage, Raw: marker}, nil
	}
}

// EncodeChallenge builds an emulator -> host challenge frame. The relay never
// sends one; it exists for simulators and tests.
func EncodeChallenge(apdu []byte) ([]byte, error) {
	if len(apdu) > MaxChallengeLen {
		return nil, fmt.Errorf("%w: challenge of %d bytes", ErrFrameTooLarge, len(apdu))
	}
	var buf bytes.Buffer
	buf.WriteByte(MarkerChallenge)
	if err := struc.Pack(&buf, &challengeBody{Data: apdu}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeResponse frames data for the emulator, appending the 90 00 status
// word the reader expects.
func EncodeResponse(data []byte) ([]byte, error) {
	if len(data) > MaxResponseLen {
		return nil, fmt.Errorf("%w: response of %d bytes", ErrFrameTooLarge, len(data))
	}

	body := make([]byte, 0, len(data)+2)
	body = append(body, data...)
	body = append(body, 0x90, 0x00)

	var buf bytes.Buffer
	if err := struc.Pack(&buf, &responseFrame{Marker: MarkerResponse, Body: body}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeKeepAlive returns the host keep-alive byte.
func EncodeKeepAlive() []byte {
	return []byte{MarkerHostKeepAlive}
}
