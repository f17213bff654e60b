package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"

	"github.com/dotside-studios/nfc-relay/certs"
	"github.com/dotside-studios/nfc-relay/chameleon"
	"github.com/dotside-studios/nfc-relay/netutil"
	"github.com/dotside-studios/nfc-relay/relay"
	"github.com/dotside-studios/nfc-relay/server"
	"github.com/dotside-studios/nfc-relay/victim"
)

// emulator is what the agent needs from the emulator link.
type emulator interface {
	relay.Emulator
	io.Closer
}

// Agent runs the relay server side: the emulator link, the UDP relay and
// the status server.
type Agent struct {
	Logger  *log.Logger
	Victims *victim.Registry

	Serial   string
	BaudRate int

	Relay  relay.Config
	Status server.Config

	// TLS serves the status surface over HTTPS with certificates kept in
	// CertDir.
	TLS     bool
	CertDir string

	// OpenEmulator defaults to opening Serial with chameleon.Open.
	OpenEmulator func() (emulator, error)

	mu     sync.Mutex
	emu    emulator
	relay  *relay.Server
	status *server.Server
	cancel context.CancelFunc
	done   chan error
}

func NewAgent(victims *victim.Registry) *Agent {
	a := &Agent{
		Logger:  log.New(os.Stderr, "[agent] ", log.LstdFlags),
		Victims: victims,
	}
	a.OpenEmulator = a.openChameleon
	return a
}

func (a *Agent) openChameleon() (emulator, error) {
	return chameleon.Open(chameleon.Config{Device: a.Serial, BaudRate: a.BaudRate})
}

// Running reports whether Start succeeded and Stop was not called since.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relay != nil
}

// RelayStatus returns the relay snapshot, or false when stopped.
func (a *Agent) RelayStatus() (relay.Status, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.relay == nil {
		return relay.Status{}, false
	}
	return a.relay.Status(), true
}

// Done is closed with the first fatal error of a running agent.
func (a *Agent) Done() <-chan error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.relay != nil {
		return errors.New("agent is already running")
	}

	emu, err := a.OpenEmulator()
	if err != nil {
		a.Logger.Printf("Error opening emulator: %v", err)
		return err
	}

	relayCfg := a.Relay
	relayCfg.Victims = a.Victims
	rs, err := relay.Listen(emu, relayCfg)
	if err != nil {
		emu.Close()
		return err
	}

	statusCfg := a.Status
	statusCfg.Relay = rs
	statusCfg.Victims = a.Victims
	if a.TLS {
		if err := a.configureTLS(&statusCfg); err != nil {
			rs.Close()
			emu.Close()
			return err
		}
	}
	ss := server.New(statusCfg)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := rs.Run(runCtx); err != nil {
			a.Logger.Printf("Relay stopped: %v", err)
			select {
			case done <- err:
			default:
			}
		}
		cancel()
	}()
	go func() {
		defer wg.Done()
		if err := ss.Start(runCtx); err != nil {
			a.Logger.Printf("Status server stopped: %v", err)
			select {
			case done <- err:
			default:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	a.emu, a.relay, a.status = emu, rs, ss
	a.cancel, a.done = cancel, done
	a.Logger.Printf("Agent started, emulator on %s, relay on %s", a.Serial, rs.LocalAddr())
	return nil
}

func (a *Agent) configureTLS(cfg *server.Config) error {
	hosts, err := netutil.AllHosts()
	if err != nil {
		return fmt.Errorf("failed to list hosts for certificate: %w", err)
	}
	manager := certs.NewManager(a.CertDir, nil)
	tlsConfig, err := manager.TLSConfig(hosts)
	if err != nil {
		return err
	}
	cfg.TLS = tlsConfig
	cfg.CAFile = manager.CAFile()
	return nil
}

// Stop shuts everything down and waits for the goroutines to finish.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.relay == nil {
		a.mu.Unlock()
		a.Logger.Println("Agent is not running")
		return
	}
	cancel, done, emu := a.cancel, a.done, a.emu
	a.emu, a.relay, a.status, a.cancel = nil, nil, nil, nil
	a.mu.Unlock()

	a.Logger.Println("Stopping agent...")
	cancel()
	for range done {
	}
	if err := emu.Close(); err != nil {
		a.Logger.Printf("Error closing emulator: %v", err)
	}
	a.Logger.Println("Agent stopped successfully")
}

// Run starts the agent and blocks until ctx ends or a component fails.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	done := a.Done()

	var err error
	select {
	case <-ctx.Done():
	case err = <-done:
	}
	a.Stop()
	return err
}

// StatusURL returns the status server URL as reachable from the LAN.
func (a *Agent) StatusURL() string {
	scheme := "http"
	if a.TLS {
		scheme = "https"
	}
	host := "localhost"
	if ips, err := netutil.LANIPs(); err == nil && len(ips) > 0 {
		host = ips[0]
	}
	_, port, err := net.SplitHostPort(a.Status.Addr)
	if err != nil || port == "" {
		port = fmt.Sprint(server.DefaultPort)
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, port))
}
