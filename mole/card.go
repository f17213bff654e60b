package mole

import (
	"context"
	"errors"
	"fmt"

	"github.com/dotside-studios/nfc-relay/apdu"
	"github.com/dotside-studios/nfc-relay/relay"
	"github.com/dotside-studios/nfc-relay/victim"
)

// ErrShortCommand is returned by backends for commands without a full header.
// Both native transmit calls index the first byte of the command.
var ErrShortCommand = errors.New("command shorter than an APDU header")

func checkCommand(command []byte) error {
	if len(command) < apdu.HeaderLen {
		return fmt.Errorf("%w: %d bytes", ErrShortCommand, len(command))
	}
	return nil
}

// Card is a connected victim card.
type Card interface {
	// Transmit sends a command APDU and returns the raw response, status
	// word included.
	Transmit(command []byte) ([]byte, error)
	Close() error
}

// Reader reaches victim cards placed on it.
type Reader interface {
	// Connect returns the card currently in the field.
	Connect(ctx context.Context) (Card, error)
	Close() error
	String() string
}

// SelectVictim selects the profile's application on card. The SELECT carries
// Le = ResponseLength, omitted when it is zero.
func SelectVictim(card Card, p *victim.Profile) (*apdu.Response, error) {
	raw, err := apdu.SelectByAID(p.AID(), p.ResponseLength()).Bytes()
	if err != nil {
		return nil, relay.NewError(relay.ErrCodeSelectFailed, "select", "cannot encode SELECT for "+p.Name(), err)
	}

	rx, err := card.Transmit(raw)
	if err != nil {
		return nil, relay.NewError(relay.ErrCodeCardLost, "select", "SELECT "+p.Name()+" failed", err)
	}

	resp, err := apdu.ParseResponse(rx)
	if err != nil {
		return nil, relay.NewError(relay.ErrCodeSelectFailed, "select", "malformed answer to SELECT", err)
	}
	if !resp.SW.IsSuccess() {
		return resp, relay.NewError(relay.ErrCodeSelectFailed, "select", p.Name()+" answered "+resp.SW.Verbose(), nil)
	}
	return resp, nil
}
