package mole

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dotside-studios/nfc-relay/relay"
	"github.com/ebfe/scard"
)

// PCSCReader reaches the victim through a PC/SC reader.
type PCSCReader struct {
	name string

	mu  sync.Mutex
	ctx *scard.Context
}

// OpenPCSC establishes a PC/SC context. An empty name picks the first
// contactless reader at connect time.
func OpenPCSC(name string) (*PCSCReader, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish PC/SC context: %w", err)
	}
	return &PCSCReader{name: name, ctx: ctx}, nil
}

func (r *PCSCReader) Connect(_ context.Context) (Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	readerName := r.name
	if readerName == "" {
		readers, err := r.ctx.ListReaders()
		if err != nil {
			return nil, relay.NewError(relay.ErrCodeCardUnavailable, "connect", "failed to list readers", err)
		}
		readers = contactlessReaders(readers)
		if len(readers) == 0 {
			return nil, relay.NewError(relay.ErrCodeCardUnavailable, "connect", "no PC/SC readers found", nil)
		}
		readerName = readers[0]
	}

	// Exclusive: nothing else may talk to the victim mid-relay
	card, err := r.ctx.Connect(readerName, scard.ShareExclusive, scard.ProtocolAny)
	if err != nil {
		return nil, relay.NewError(relay.ErrCodeCardUnavailable, "connect", "no card on "+readerName, err)
	}

	proto := card.ActiveProtocol()
	if proto != scard.ProtocolT0 && proto != scard.ProtocolT1 {
		card.Disconnect(scard.LeaveCard)
		return nil, relay.NewError(relay.ErrCodeCardUnavailable, "connect", fmt.Sprintf("unsupported card protocol: %d", proto), nil)
	}
	return &pcscCard{card: card}, nil
}

func (r *PCSCReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx.Release()
}

func (r *PCSCReader) String() string {
	if r.name == "" {
		return "pcsc:auto"
	}
	return "pcsc:" + r.name
}

type pcscCard struct {
	card *scard.Card
}

func (c *pcscCard) Transmit(command []byte) ([]byte, error) {
	if err := checkCommand(command); err != nil {
		return nil, err
	}
	rx, err := c.card.Transmit(command)
	if err != nil {
		if isCardRemoved(err) {
			return nil, relay.NewError(relay.ErrCodeCardLost, "transmit", "card removed", err)
		}
		return nil, fmt.Errorf("pcsc transmit: %w", err)
	}
	return rx, nil
}

func (c *pcscCard) Close() error {
	return c.card.Disconnect(scard.ResetCard)
}

func isCardRemoved(err error) bool {
	return errors.Is(err, scard.ErrRemovedCard) ||
		errors.Is(err, scard.ErrResetCard) ||
		errors.Is(err, scard.ErrNoSmartcard) ||
		errors.Is(err, scard.ErrUnpoweredCard)
}

// contactlessReaders keeps readers whose name suggests a PICC slot, or all of
// them when none does.
func contactlessReaders(readers []string) []string {
	var out []string
	for _, r := range readers {
		lower := strings.ToLower(r)
		if strings.Contains(lower, "picc") || strings.Contains(lower, "contactless") || strings.Contains(lower, "acr122") {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return readers
	}
	return out
}
