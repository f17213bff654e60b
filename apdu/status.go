package apdu

import "fmt"

// StatusWord is the SW1-SW2 trailer of a response.
type StatusWord uint16

// Frequently seen status words
const (
	SWSuccess            StatusWord = 0x9000
	SWWrongLength        StatusWord = 0x6700
	SWSecurityNotMet     StatusWord = 0x6982
	SWConditionsNotMet   StatusWord = 0x6985
	SWFileNotFound       StatusWord = 0x6A82
	SWIncorrectP1P2      StatusWord = 0x6A86
	SWINSNotSupported    StatusWord = 0x6D00
	SWCLANotSupported    StatusWord = 0x6E00
	SWNoPreciseDiagnosis StatusWord = 0x6F00
)

var statusNames = map[StatusWord]string{
	SWSuccess:            "Success",
	SWWrongLength:        "Wrong length",
	SWSecurityNotMet:     "Security status not satisfied",
	SWConditionsNotMet:   "Conditions of use not satisfied",
	SWFileNotFound:       "File or application not found",
	SWIncorrectP1P2:      "Incorrect parameters P1-P2",
	SWINSNotSupported:    "Instruction not supported",
	SWCLANotSupported:    "Class not supported",
	SWNoPreciseDiagnosis: "No precise diagnosis",
}

// NewStatusWord combines two bytes.
func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(uint16(sw1)<<8 | uint16(sw2))
}

// SW1 returns the high byte.
func (sw StatusWord) SW1() byte { return byte(sw >> 8) }

// SW2 returns the low byte.
func (sw StatusWord) SW2() byte { return byte(sw) }

// IsSuccess reports 9000.
func (sw StatusWord) IsSuccess() bool { return sw == SWSuccess }

// HasMoreData reports 61XX; SW2 is the number of bytes available.
func (sw StatusWord) HasMoreData() bool { return sw.SW1() == 0x61 }

// WrongLength reports 6CXX; SW2 is the exact Le the card wants.
func (sw StatusWord) WrongLength() bool { return sw.SW1() == 0x6C }

func (sw StatusWord) String() string {
	return fmt.Sprintf("%04X", uint16(sw))
}

// Verbose returns the hex value with a description when one is known.
func (sw StatusWord) Verbose() string {
	switch {
	case sw.HasMoreData():
		return fmt.Sprintf("%s (%d bytes available)", sw, sw.SW2())
	case sw.WrongLength():
		return fmt.Sprintf("%s (wrong Le, use %d)", sw, sw.SW2())
	}
	if name, ok := statusNames[sw]; ok {
		return fmt.Sprintf("%s (%s)", sw, name)
	}
	return sw.String()
}
