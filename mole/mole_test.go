package mole

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dotside-studios/nfc-relay/relay"
	"github.com/dotside-studios/nfc-relay/victim"
	"github.com/google/go-cmp/cmp"
)

// memCard answers APDUs from a script keyed by hex-less raw bytes.
type memCard struct {
	mu       sync.Mutex
	answers  map[string][]byte
	received [][]byte
	fail     error
	closed   bool
}

func newMemCard() *memCard {
	return &memCard{answers: make(map[string][]byte)}
}

func (c *memCard) on(command []byte, answer []byte) *memCard {
	c.answers[string(command)] = answer
	return c
}

func (c *memCard) Transmit(command []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, bytes.Clone(command))
	if c.fail != nil {
		return nil, c.fail
	}
	if answer, ok := c.answers[string(command)]; ok {
		return answer, nil
	}
	return []byte{0x6D, 0x00}, nil
}

func (c *memCard) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type memReader struct {
	mu       sync.Mutex
	card     *memCard
	connects int
}

func (r *memReader) Connect(context.Context) (Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	if r.card == nil {
		return nil, relay.NewError(relay.ErrCodeCardUnavailable, "connect", "no card", nil)
	}
	return r.card, nil
}

func (r *memReader) Close() error   { return nil }
func (r *memReader) String() string { return "mem" }

type fakeConn struct {
	in     chan datagram
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []datagram
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan datagram, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case d := <-c.in:
		return copy(b, d.data), d.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, datagram{from: addr, data: bytes.Clone(b)})
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4zero, Port: relay.DefaultPort}
}

func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) takeSent() []datagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

var (
	server    = &net.UDPAddr{IP: net.IPv4(192, 168, 177, 1), Port: relay.DefaultPort}
	stranger  = &net.UDPAddr{IP: net.IPv4(192, 168, 177, 9), Port: relay.DefaultPort}
	selectST  = []byte{0x00, 0xA4, 0x04, 0x00, 0x07, 0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}
	readCCRaw = []byte{0x00, 0xB0, 0x00, 0x00, 0x0F}
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestMole(t *testing.T, reader Reader, serverAddr string) (*Mole, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	m, err := New(conn, reader, Config{
		ServerAddr:       serverAddr,
		Logger:           quietLogger(),
		InitialReconnect: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m, conn
}

func TestSelectVictim(t *testing.T) {
	t.Run("no Le for zero response length", func(t *testing.T) {
		card := newMemCard().on(selectST, []byte{0x90, 0x00})
		if _, err := SelectVictim(card, victim.ST25TA); err != nil {
			t.Fatalf("SelectVictim failed: %v", err)
		}
		if diff := cmp.Diff([][]byte{selectST}, card.received); diff != "" {
			t.Errorf("SELECT mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Le from response length", func(t *testing.T) {
		p := victim.MustNew("Tag", []byte{0xA0, 0x01}, 16)
		want := []byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0xA0, 0x01, 0x10}
		card := newMemCard().on(want, []byte{0x6F, 0x00, 0x90, 0x00})

		resp, err := SelectVictim(card, p)
		if err != nil {
			t.Fatalf("SelectVictim failed: %v", err)
		}
		if diff := cmp.Diff([]byte{0x6F, 0x00}, resp.Data); diff != "" {
			t.Errorf("response data mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("application not found", func(t *testing.T) {
		card := newMemCard().on(selectST, []byte{0x6A, 0x82})
		_, err := SelectVictim(card, victim.ST25TA)
		if relay.Code(err) != relay.ErrCodeSelectFailed {
			t.Errorf("expected select failure, got %v", err)
		}
	})

	t.Run("card gone", func(t *testing.T) {
		card := newMemCard()
		card.fail = errors.New("removed")
		if _, err := SelectVictim(card, victim.ST25TA); !relay.IsCardLost(err) {
			t.Errorf("expected card lost, got %v", err)
		}
	})
}

func TestResolveServer(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"192.168.177.1", "192.168.177.1:61017"},
		{"192.168.177.1:4000", "192.168.177.1:4000"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			addr, err := ResolveServer(tt.input)
			if err != nil {
				t.Fatalf("ResolveServer failed: %v", err)
			}
			if addr.String() != tt.expected {
				t.Errorf("ResolveServer(%q) = %s, want %s", tt.input, addr, tt.expected)
			}
		})
	}
}

func TestMole_Discovery(t *testing.T) {
	m, conn := newTestMole(t, &memReader{}, "")

	// A challenge before any beacon has nowhere to go
	m.handleDatagram(stranger, append([]byte{'C'}, readCCRaw...))
	if sent := conn.takeSent(); len(sent) != 0 {
		t.Fatalf("expected no reply before discovery, got %d", len(sent))
	}

	m.handleDatagram(server, relay.BeaconSearch)
	if got := m.Status().Server; got != server.String() {
		t.Errorf("Server = %q, want %q", got, server.String())
	}

	sent := conn.takeSent()
	if len(sent) != 1 || sent[0].from.String() != server.String() || !bytes.Equal(sent[0].data, relay.BeaconHello) {
		t.Errorf("expected hello to server, got %+v", sent)
	}
}

func TestMole_PinnedServer(t *testing.T) {
	m, conn := newTestMole(t, &memReader{}, server.String())

	m.handleDatagram(stranger, relay.BeaconSearch)
	if sent := conn.takeSent(); len(sent) != 0 {
		t.Errorf("pinned mole must ignore other servers, sent %d datagrams", len(sent))
	}
	if got := m.Status().Server; got != server.String() {
		t.Errorf("Server = %q, want %q", got, server.String())
	}
}

func TestMole_RelayChallenge(t *testing.T) {
	card := newMemCard().
		on(selectST, []byte{0x90, 0x00}).
		on(readCCRaw, []byte{0x00, 0x0F, 0x20, 0x00, 0xFF, 0x90, 0x00})
	m, conn := newTestMole(t, &memReader{card: card}, server.String())

	if err := m.connectCard(); err != nil {
		t.Fatalf("connectCard failed: %v", err)
	}

	m.handleDatagram(server, append([]byte{'C'}, readCCRaw...))

	sent := conn.takeSent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 response, got %d", len(sent))
	}
	if diff := cmp.Diff([]byte{'R', 0x00, 0x0F, 0x20, 0x00, 0xFF}, sent[0].data); diff != "" {
		t.Errorf("response datagram mismatch (-want +got):\n%s", diff)
	}

	st := m.Status()
	if st.Challenges != 1 || st.Responses != 1 || !st.CardConnected {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestMole_CardLost(t *testing.T) {
	card := newMemCard().on(selectST, []byte{0x90, 0x00})
	m, conn := newTestMole(t, &memReader{card: card}, server.String())
	if err := m.connectCard(); err != nil {
		t.Fatal(err)
	}

	card.fail = relay.NewError(relay.ErrCodeCardLost, "transmit", "card removed", nil)
	m.handleDatagram(server, append([]byte{'C'}, readCCRaw...))

	if sent := conn.takeSent(); len(sent) != 0 {
		t.Errorf("nothing must be sent after a card error, got %d", len(sent))
	}
	st := m.Status()
	if st.CardConnected || st.CardErrors != 1 {
		t.Errorf("card should be dropped: %+v", st)
	}
	if !card.closed {
		t.Error("dropped card should be closed")
	}
	select {
	case <-m.reconnect:
	default:
		t.Error("a reconnect should be requested")
	}
}

func TestMole_ShortChallenge(t *testing.T) {
	card := newMemCard().on(selectST, []byte{0x90, 0x00})
	m, conn := newTestMole(t, &memReader{card: card}, server.String())
	if err := m.connectCard(); err != nil {
		t.Fatal(err)
	}

	for _, data := range [][]byte{{'C'}, {'C', 0x00, 0xB0, 0x00}} {
		m.handleDatagram(server, data)
	}

	if sent := conn.takeSent(); len(sent) != 0 {
		t.Errorf("short challenges must not be answered, sent %d", len(sent))
	}
	card.mu.Lock()
	received := len(card.received)
	card.mu.Unlock()
	if received != 1 {
		t.Errorf("only the SELECT should reach the card, got %d commands", received)
	}
	if st := m.Status(); !st.CardConnected || st.CardErrors != 0 {
		t.Errorf("a short challenge must not drop the card: %+v", st)
	}
}

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		name    string
		command []byte
		wantErr bool
	}{
		{"empty", nil, true},
		{"partial header", []byte{0x00, 0xA4, 0x04}, true},
		{"header only", []byte{0x00, 0xA4, 0x04, 0x00}, false},
		{"select", selectST, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkCommand(tt.command)
			if tt.wantErr != errors.Is(err, ErrShortCommand) {
				t.Errorf("checkCommand(%x) = %v, wantErr %v", tt.command, err, tt.wantErr)
			}
		})
	}
}

func TestMole_NoCard(t *testing.T) {
	m, conn := newTestMole(t, &memReader{}, server.String())
	m.handleDatagram(server, append([]byte{'C'}, readCCRaw...))

	if sent := conn.takeSent(); len(sent) != 0 {
		t.Errorf("expected no reply without card, got %d", len(sent))
	}
	select {
	case <-m.reconnect:
	default:
		t.Error("a reconnect should be requested")
	}
}

func TestMole_Run(t *testing.T) {
	card := newMemCard().
		on(selectST, []byte{0x90, 0x00}).
		on(readCCRaw, []byte{0xCA, 0xFE, 0x90, 0x00})
	reader := &memReader{card: card}
	m, conn := newTestMole(t, reader, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, func() bool { return m.Status().CardConnected })

	conn.in <- datagram{from: server, data: relay.BeaconSearch}
	conn.in <- datagram{from: server, data: append([]byte{'C'}, readCCRaw...)}

	var got []datagram
	waitFor(t, func() bool {
		got = append(got, conn.takeSent()...)
		for _, d := range got {
			if d.data[0] == 'R' {
				return true
			}
		}
		return false
	})

	var response []byte
	for _, d := range got {
		if d.data[0] == 'R' {
			response = d.data
		}
	}
	if diff := cmp.Diff([]byte{'R', 0xCA, 0xFE}, response); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !card.closed {
		t.Error("card should be closed on shutdown")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
