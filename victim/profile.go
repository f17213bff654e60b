// Package victim describes the contactless tags a relay can impersonate.
//
// A Profile is an immutable value: the name shown to operators, the
// Application Identifier selected on the real card, and the response length
// expected from that SELECT. Profiles are built once and shared freely
// between goroutines.
package victim

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Profile is one emulable tag identity.
type Profile struct {
	name           string
	aid            []byte
	responseLength int
}

// ST25TA is the STMicroelectronics ST25TA NDEF tag application.
var ST25TA = MustNew("ST25TA", []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}, 0)

// New validates its inputs and returns a profile holding a private copy of aid.
// Surrounding whitespace is trimmed from name.
func New(name string, aid []byte, responseLength int) (*Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("name", "must not be empty")
	}
	if len(aid) == 0 {
		return nil, invalid("aid", "must not be empty")
	}
	if responseLength < 0 {
		return nil, invalid("responseLength", fmt.Sprintf("must be >= 0, got %d", responseLength))
	}

	return &Profile{
		name:           name,
		aid:            bytes.Clone(aid),
		responseLength: responseLength,
	}, nil
}

// MustNew is like New but panics on invalid input.
func MustNew(name string, aid []byte, responseLength int) *Profile {
	p, err := New(name, aid, responseLength)
	if err != nil {
		panic(err)
	}
	return p
}

// Name returns the descriptive label of the profile.
func (p *Profile) Name() string {
	return p.name
}

// AID returns a copy of the Application Identifier.
func (p *Profile) AID() []byte {
	return bytes.Clone(p.aid)
}

// ResponseLength returns the number of bytes expected from a successful SELECT.
func (p *Profile) ResponseLength() int {
	return p.responseLength
}

// MatchesAID reports whether aid equals the profile AID byte for byte.
func (p *Profile) MatchesAID(aid []byte) bool {
	return bytes.Equal(p.aid, aid)
}

// AIDHex returns the AID as upper-case hex without separators.
func (p *Profile) AIDHex() string {
	return strings.ToUpper(hex.EncodeToString(p.aid))
}

func (p *Profile) String() string {
	return fmt.Sprintf("%s (%s, resp %d)", p.name, p.AIDHex(), p.responseLength)
}

// profileJSON is the on-disk and over-the-wire form of a Profile.
type profileJSON struct {
	Name           string `json:"name"`
	AID            string `json:"aid"`
	ResponseLength int    `json:"responseLength"`
}

// MarshalJSON encodes the AID as hex.
func (p *Profile) MarshalJSON() ([]byte, error) {
	return json.Marshal(profileJSON{
		Name:           p.name,
		AID:            p.AIDHex(),
		ResponseLength: p.responseLength,
	})
}

// UnmarshalJSON applies the same validation as New. The AID accepts the
// separators commonly found in datasheets ("D2 76 00", "D2:76:00"). Only a
// zero Profile can be decoded into; built profiles never change.
func (p *Profile) UnmarshalJSON(data []byte) error {
	if p.aid != nil {
		return ErrProfileImmutable
	}

	var raw profileJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	aid, err := ParseAID(raw.AID)
	if err != nil {
		return err
	}

	parsed, err := New(raw.Name, aid, raw.ResponseLength)
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}

// ParseAID decodes a hex AID, ignoring spaces, colons and dashes.
func ParseAID(s string) ([]byte, error) {
	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(strings.TrimSpace(s))
	if cleaned == "" {
		return nil, invalid("aid", "must not be empty")
	}
	aid, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, &ProfileError{Field: "aid", Message: "invalid hex", Cause: err}
	}
	return aid, nil
}
