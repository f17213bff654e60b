package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dotside-studios/nfc-relay/apdu"
	"github.com/dotside-studios/nfc-relay/chameleon"
	"github.com/dotside-studios/nfc-relay/clock"
	"github.com/dotside-studios/nfc-relay/netutil"
	"github.com/dotside-studios/nfc-relay/victim"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"
)

// Emulator is the card emulator facing the real reader. *chameleon.Link
// implements it.
type Emulator interface {
	Frames() <-chan chameleon.Frame
	Dead() <-chan struct{}
	IsOn() bool
	SetPower(on bool) (bool, error)
	WriteResponse(data []byte) ([]byte, error)
	WriteKeepAlive() error
}

// Config holds the relay server timings and collaborators. Zero values are
// replaced by defaults.
type Config struct {
	ListenAddr string

	// BroadcastAddrs receive the search beacon while no client is known.
	// Defaults to the directed broadcast address of every LAN subnet.
	BroadcastAddrs []net.IP

	ClientTimeout     time.Duration // Forget the client after this much UDP silence
	BeaconInterval    time.Duration
	ChallengeTimeout  time.Duration // Drop a pending challenge after this long
	EmulatorKeepAlive time.Duration // Keep-alive period towards the emulator while waiting
	TickInterval      time.Duration

	MaxDatagramRate rate.Limit
	DatagramBurst   int

	Clock   clock.Clock
	Logger  *log.Logger
	Victims *victim.Registry
	Verbose bool
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":" + strconv.Itoa(DefaultPort)
	}
	if c.ClientTimeout == 0 {
		c.ClientTimeout = 5 * time.Second
	}
	if c.BeaconInterval == 0 {
		c.BeaconInterval = 3 * time.Second
	}
	if c.ChallengeTimeout == 0 {
		c.ChallengeTimeout = time.Second
	}
	if c.EmulatorKeepAlive == 0 {
		c.EmulatorKeepAlive = 50 * time.Millisecond
	}
	if c.TickInterval == 0 {
		c.TickInterval = 10 * time.Millisecond
	}
	if c.MaxDatagramRate == 0 {
		c.MaxDatagramRate = 500
	}
	if c.DatagramBurst == 0 {
		c.DatagramBurst = 50
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[relay] ", log.LstdFlags)
	}
	if c.Victims == nil {
		c.Victims = victim.DefaultRegistry()
	}
	return c
}

// Status is a snapshot of the relay state.
type Status struct {
	Client            string          `json:"client,omitempty"`
	LastDatagram      time.Time       `json:"lastDatagram"`
	SinceLastDatagram time.Duration   `json:"sinceLastDatagram"`
	EmulatorOn        bool            `json:"emulatorOn"`
	EmulatorBusy      bool            `json:"emulatorBusy"`
	PendingChallenge  int             `json:"pendingChallenge"`
	LastChallenge     time.Time       `json:"lastChallenge"`
	LastResponse      time.Time       `json:"lastResponse"`
	LastLatency       time.Duration   `json:"lastLatency"`
	Challenges        uint64          `json:"challenges"`
	Responses         uint64          `json:"responses"`
	Expired           uint64          `json:"expired"`
	Dropped           uint64          `json:"dropped"`
	Victim            *victim.Profile `json:"victim"`
}

// Server relays challenges from the emulator to the mole and responses back.
type Server struct {
	cfg     Config
	conn    net.PacketConn
	emu     Emulator
	logger  *log.Logger
	bus     *eventBus
	limiter *rate.Limiter
	garbage *rate.Limiter

	mu            sync.Mutex
	client        net.Addr
	lastUDP       time.Time
	lastBeacon    time.Time
	busy          bool
	pending       []byte
	challengeAt   time.Time
	lastKeepAlive time.Time
	responseAt    time.Time
	latency       time.Duration
	challenges    uint64
	responses     uint64
	expired       uint64
	dropped       uint64

	t tomb.Tomb
}

// Listen opens the UDP socket described by cfg and wraps it in a Server.
func Listen(emu Emulator, cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	conn, err := net.ListenPacket("udp4", cfg.ListenAddr)
	if err != nil {
		return nil, NewError(ErrCodeListen, "listen", "failed to open UDP socket on "+cfg.ListenAddr, err)
	}

	if len(cfg.BroadcastAddrs) == 0 {
		addrs, err := netutil.BroadcastAddrs()
		if err != nil {
			cfg.Logger.Printf("Could not enumerate broadcast addresses: %v", err)
		}
		cfg.BroadcastAddrs = addrs
	}
	if len(cfg.BroadcastAddrs) == 0 {
		cfg.BroadcastAddrs = []net.IP{net.IPv4bcast}
	}

	return NewServer(conn, emu, cfg), nil
}

// NewServer builds a Server on an already open socket.
func NewServer(conn net.PacketConn, emu Emulator, cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		conn:    conn,
		emu:     emu,
		logger:  cfg.Logger,
		bus:     newEventBus(),
		limiter: rate.NewLimiter(cfg.MaxDatagramRate, cfg.DatagramBurst),
		garbage: rate.NewLimiter(rate.Every(time.Second), 1),
	}

	cfg.Victims.OnChange(func(p *victim.Profile) {
		s.logger.Printf("Victim switched to %s", p)
		s.publish(Event{Type: EventVictimChanged, Message: p.Name()})
	})
	return s
}

// Victims returns the registry the server reports against.
func (s *Server) Victims() *victim.Registry {
	return s.cfg.Victims
}

// LocalAddr returns the address the socket is bound to.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Subscribe returns a channel of relay events. Events are dropped when the
// channel buffer is full. cancel releases the subscription.
func (s *Server) Subscribe(buffer int) (<-chan Event, func()) {
	return s.bus.subscribe(buffer)
}

// Status returns a snapshot of the relay state.
func (s *Server) Status() Status {
	now := s.cfg.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		LastDatagram:     s.lastUDP,
		EmulatorOn:       s.emu.IsOn(),
		EmulatorBusy:     s.busy,
		PendingChallenge: len(s.pending),
		LastChallenge:    s.challengeAt,
		LastResponse:     s.responseAt,
		LastLatency:      s.latency,
		Challenges:       s.challenges,
		Responses:        s.responses,
		Expired:          s.expired,
		Dropped:          s.dropped,
		Victim:           s.cfg.Victims.Current(),
	}
	if s.client != nil {
		st.Client = s.client.String()
	}
	if !s.lastUDP.IsZero() {
		st.SinceLastDatagram = now.Sub(s.lastUDP)
	}
	return st
}

type packet struct {
	from net.Addr
	data []byte
}

// Run serves until ctx is cancelled, Close is called, or the emulator link
// dies. The socket is closed on return.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Printf("Relay listening on %s, victim %s", s.conn.LocalAddr(), s.cfg.Victims.Current())

	packets := make(chan packet, 16)
	s.t.Go(func() error {
		s.t.Go(func() error { return s.readLoop(packets) })
		return s.mainLoop(ctx, packets)
	})

	err := s.t.Wait()
	s.bus.closeAll()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops a running server.
func (s *Server) Close() error {
	s.t.Kill(nil)
	return s.conn.Close()
}

func (s *Server) readLoop(out chan<- packet) error {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if !s.t.Alive() {
				return nil
			}
			return NewError(ErrCodeSocket, "read", "UDP receive failed", err)
		}
		if n == 0 {
			continue
		}

		select {
		case out <- packet{from: from, data: append([]byte(nil), buf[:n]...)}:
		case <-s.t.Dying():
			return nil
		}
	}
}

func (s *Server) mainLoop(ctx context.Context, packets <-chan packet) error {
	ticker := s.cfg.Clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	frames := s.emu.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.t.Dying():
			return nil
		case <-s.emu.Dead():
			return NewError(ErrCodeEmulatorLost, "serve", "emulator link closed", nil)
		case p := <-packets:
			s.handleDatagram(s.cfg.Clock.Now(), p.from, p.data)
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			s.handleFrame(s.cfg.Clock.Now(), frame)
		case now := <-ticker.C():
			s.tick(now)
		}
	}
}

// handleDatagram processes one datagram from the mole side.
func (s *Server) handleDatagram(now time.Time, from net.Addr, data []byte) {
	// Our own search beacon comes back when broadcasting on the local subnet
	if len(data) == 0 || bytes.Equal(data, BeaconSearch) {
		return
	}
	if !s.limiter.AllowN(now, 1) {
		s.mu.Lock()
		s.dropped++
		// A flooding client is still alive
		if s.client != nil && s.client.String() == from.String() {
			s.lastUDP = now
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.lastUDP = now
	s.mu.Unlock()

	s.setPower(true)

	s.publish(Event{Type: EventDatagramReceived, Time: now, Peer: from.String(), Data: data})

	s.mu.Lock()
	if s.client == nil || s.client.String() != from.String() {
		s.client = from
		s.mu.Unlock()
		s.logger.Printf("New client connected: %s", from)
		s.publish(Event{Type: EventClientConnected, Time: now, Peer: from.String()})
		s.mu.Lock()
	}

	msgType, payload := ParseDatagram(data)
	if s.cfg.Verbose {
		s.logger.Printf("UDP from %s: %s, %d bytes", from, msgType, len(data))
	}
	if msgType != TypeResponse {
		s.mu.Unlock()
		return
	}
	if s.pending == nil {
		s.mu.Unlock()
		s.logger.Printf("Ignoring %d-byte response with no pending challenge", len(payload))
		return
	}

	s.pending = nil
	latency := now.Sub(s.challengeAt)
	frame, err := s.emu.WriteResponse(payload)
	if err != nil {
		s.mu.Unlock()
		s.emulatorWriteFailed(now, NewError(ErrCodeEmulatorWrite, "respond", "failed to hand response to emulator", err))
		return
	}
	s.responseAt = now
	s.latency = latency
	s.responses++
	s.mu.Unlock()

	s.logger.Printf("Response sent: %x (%s)", frame, latency)
	s.publish(Event{Type: EventResponseReceived, Time: now, Peer: from.String(), Data: payload, Latency: latency})
}

// handleFrame processes one frame from the emulator.
func (s *Server) handleFrame(now time.Time, frame chameleon.Frame) {
	s.mu.Lock()
	s.busy = true

	switch frame.Type {
	case chameleon.FrameKeepAlive:
		s.mu.Unlock()
		s.publish(Event{Type: EventEmulatorKeepAlive, Time: now})

	case chameleon.FrameChallenge:
		s.pending = append([]byte(nil), frame.Payload...)
		s.challengeAt = now
		s.lastKeepAlive = now
		s.responseAt = time.Time{}
		s.latency = 0
		s.challenges++
		client := s.client
		if client != nil {
			s.send(client, EncodeDatagram(TypeChallenge, frame.Payload))
		}
		s.mu.Unlock()

		s.logger.Printf("Emulator sent a %d-byte challenge", len(frame.Payload))
		ev := Event{Type: EventChallengeReceived, Time: now, Data: frame.Payload, Message: s.describeChallenge(frame.Payload)}
		if client != nil {
			ev.Peer = client.String()
		}
		s.publish(ev)

	case chameleon.FrameReset:
		s.busy = false
		dropped := s.pending != nil
		s.pending = nil
		s.mu.Unlock()

		if dropped {
			s.logger.Println("Emulator was reset while waiting for a response")
		}
		s.publish(Event{Type: EventEmulatorReset, Time: now})

	default:
		s.mu.Unlock()
		if s.garbage.AllowN(now, 1) {
			s.logger.Printf("Emulator sent 0x%02x", frame.Raw)
		}
		s.publish(Event{Type: EventEmulatorGarbage, Time: now, Data: []byte{frame.Raw}})
	}
}

// describeChallenge names the victim a SELECT targets.
func (s *Server) describeChallenge(raw []byte) string {
	cmd, err := apdu.ParseCommand(raw)
	if err != nil {
		return ""
	}
	aid := apdu.SelectedAID(cmd)
	if aid == nil {
		return cmd.String()
	}

	current := s.cfg.Victims.Current()
	if current.MatchesAID(aid) {
		return "SELECT " + current.Name()
	}
	if p, ok := s.cfg.Victims.MatchAID(aid); ok {
		return fmt.Sprintf("SELECT %s (not the current victim %s)", p.Name(), current.Name())
	}
	return "SELECT unknown AID " + apdu.Hex(aid)
}

// tick runs the timer-driven duties: client loss, beacons and the pending
// challenge deadline.
func (s *Server) tick(now time.Time) {
	s.mu.Lock()

	var lost net.Addr
	if s.client != nil && now.Sub(s.lastUDP) > s.cfg.ClientTimeout {
		lost = s.client
		s.client = nil
	}

	if now.Sub(s.lastBeacon) > s.cfg.BeaconInterval {
		s.lastBeacon = now
		if s.client == nil {
			for _, ip := range s.cfg.BroadcastAddrs {
				s.send(&net.UDPAddr{IP: ip, Port: s.port()}, BeaconSearch)
			}
		} else {
			s.send(s.client, BeaconHello)
		}
	}

	expired := false
	var keepAliveErr error
	if s.pending != nil {
		if now.Sub(s.challengeAt) > s.cfg.ChallengeTimeout {
			s.pending = nil
			s.expired++
			expired = true
		} else if now.Sub(s.lastKeepAlive) > s.cfg.EmulatorKeepAlive {
			s.lastKeepAlive = now
			if err := s.emu.WriteKeepAlive(); err != nil {
				keepAliveErr = NewError(ErrCodeEmulatorWrite, "keepalive", "failed to send keep-alive to emulator", err)
			}
		}
	}
	s.mu.Unlock()

	if lost != nil {
		s.logger.Printf("Client lost: %s", lost)
		s.publish(Event{Type: EventClientLost, Time: now, Peer: lost.String()})
		s.setPower(false)
	}
	if keepAliveErr != nil {
		s.emulatorWriteFailed(now, keepAliveErr)
	}
	if expired {
		s.logger.Println("Time expired for response")
		s.publish(Event{Type: EventChallengeExpired, Time: now})
	}
}

func (s *Server) setPower(on bool) {
	changed, err := s.emu.SetPower(on)
	if err != nil {
		s.logger.Printf("Power switch failed: %v", err)
		return
	}
	if !changed {
		return
	}
	if on {
		s.publish(Event{Type: EventEmulatorOn, Time: s.cfg.Clock.Now()})
	} else {
		s.publish(Event{Type: EventEmulatorOff, Time: s.cfg.Clock.Now()})
	}
}

// send writes a datagram. Callers hold s.mu.
func (s *Server) send(to net.Addr, b []byte) {
	if _, err := s.conn.WriteTo(b, to); err != nil {
		s.logger.Printf("Failed to send %d bytes to %s: %v", len(b), to, err)
	}
}

func (s *Server) port() int {
	if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok && addr.Port != 0 {
		return addr.Port
	}
	return DefaultPort
}

func (s *Server) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = s.cfg.Clock.Now()
	}
	s.bus.publish(ev)
}

// emulatorWriteFailed reports a write the emulator did not accept. The link
// itself is judged by Dead, so the relay keeps running.
func (s *Server) emulatorWriteFailed(now time.Time, err error) {
	s.logger.Printf("%v", err)
	s.publish(Event{Type: EventEmulatorError, Time: now, Message: err.Error()})
}
