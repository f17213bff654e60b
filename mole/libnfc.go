package mole

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/clausecker/nfc/v2"
	"github.com/dotside-studios/nfc-relay/relay"
)

// LibnfcReader reaches the victim through a libnfc device acting as
// ISO14443-A initiator.
type LibnfcReader struct {
	connstring string

	mu     sync.Mutex
	device nfc.Device
}

// OpenLibnfc opens the device. An empty connstring lets libnfc pick one.
func OpenLibnfc(connstring string) (*LibnfcReader, error) {
	dev, err := nfc.Open(connstring)
	if err != nil {
		return nil, fmt.Errorf("failed to open libnfc device %q: %w", connstring, err)
	}
	if err := dev.InitiatorInit(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to initialize initiator: %w", err)
	}
	return &LibnfcReader{connstring: connstring, device: dev}, nil
}

func (r *LibnfcReader) Connect(_ context.Context) (Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	modulation := nfc.Modulation{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106}
	target, err := r.device.InitiatorSelectPassiveTarget(modulation, nil)
	if err != nil {
		return nil, relay.NewError(relay.ErrCodeCardUnavailable, "connect", "passive target selection failed", err)
	}

	isoA, ok := target.(*nfc.ISO14443aTarget)
	if !ok || isoA == nil {
		return nil, relay.NewError(relay.ErrCodeCardUnavailable, "connect", "no ISO14443-A card in the field", nil)
	}
	// SAK bit 6 announces ISO14443-4 compliance
	if isoA.Sak&0x20 == 0 {
		return nil, relay.NewError(relay.ErrCodeCardUnavailable, "connect",
			fmt.Sprintf("card %s does not speak ISO14443-4 (SAK %02X)", uidString(isoA), isoA.Sak), nil)
	}
	return &libnfcCard{reader: r, uid: uidString(isoA)}, nil
}

func (r *LibnfcReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.device.Close()
}

func (r *LibnfcReader) String() string {
	if r.connstring == "" {
		return "libnfc:" + r.device.Connection()
	}
	return "libnfc:" + r.connstring
}

func uidString(t *nfc.ISO14443aTarget) string {
	n := int(t.UIDLen)
	if n > len(t.UID) {
		n = len(t.UID)
	}
	return strings.ToUpper(fmt.Sprintf("%x", t.UID[:n]))
}

type libnfcCard struct {
	reader *LibnfcReader
	uid    string
}

func (c *libnfcCard) Transmit(command []byte) ([]byte, error) {
	if err := checkCommand(command); err != nil {
		return nil, err
	}
	c.reader.mu.Lock()
	defer c.reader.mu.Unlock()

	var rx [262]byte
	n, err := c.reader.device.InitiatorTransceiveBytes(command, rx[:], 0)
	if err != nil {
		return nil, relay.NewError(relay.ErrCodeCardLost, "transmit", "card "+c.uid+" stopped answering", err)
	}
	return append([]byte(nil), rx[:n]...), nil
}

func (c *libnfcCard) Close() error {
	c.reader.mu.Lock()
	defer c.reader.mu.Unlock()
	return c.reader.device.InitiatorDeselectTarget()
}
