// Package server exposes the relay state and victim selection over HTTP and
// WebSocket, and advertises itself over mDNS.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/dotside-studios/nfc-relay/protocol"
	"github.com/dotside-studios/nfc-relay/relay"
	"github.com/dotside-studios/nfc-relay/victim"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
)

// Relay is the part of the relay server the status surface reads.
type Relay interface {
	Status() relay.Status
	Subscribe(buffer int) (<-chan relay.Event, func())
}

// Config holds the server configuration.
type Config struct {
	Addr    string
	Relay   Relay
	Victims *victim.Registry

	// TLS enables HTTPS and WSS when set.
	TLS *tls.Config
	// CAFile is served at /api/v1/ca.pem so clients can trust TLS.
	CAFile string

	MDNS         bool
	InstanceName string
	Logger       *log.Logger
}

// Server manages the HTTP and WebSocket endpoints.
type Server struct {
	config     Config
	logger     *log.Logger
	mux        *http.ServeMux
	upgrader   websocket.Upgrader
	registry   *HandlerRegistry
	httpServer *http.Server
	mdnsServer *zeroconf.Server

	clients    map[string]*Client
	clientsMux sync.RWMutex
}

// New creates a server and registers its routes and WebSocket handlers.
func New(config Config) *Server {
	if config.Addr == "" {
		config.Addr = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	if config.Victims == nil {
		config.Victims = victim.DefaultRegistry()
	}
	if config.InstanceName == "" {
		config.InstanceName = MDNSServiceName
	}

	s := &Server{
		config:   config,
		logger:   config.Logger,
		mux:      http.NewServeMux(),
		registry: NewHandlerRegistry(),
		clients:  make(map[string]*Client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}
	s.registerRoutes()
	s.registerHandlers()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Registry returns the WebSocket handler registry.
func (s *Server) Registry() *HandlerRegistry {
	return s.registry
}

func (s *Server) registerRoutes() {
	apiV1 := "/api/v1"

	s.mux.HandleFunc(apiV1+"/health", enableCORS(method(http.MethodGet, s.handleHealth)))
	s.mux.HandleFunc(apiV1+"/status", enableCORS(method(http.MethodGet, s.handleStatus)))
	s.mux.HandleFunc(apiV1+"/victims", enableCORS(method(http.MethodGet, s.handleVictims)))
	s.mux.HandleFunc(apiV1+"/victims/select", enableCORS(method(http.MethodPost, s.handleSelectVictim)))
	if s.config.CAFile != "" {
		s.mux.HandleFunc(apiV1+"/ca.pem", method(http.MethodGet, s.handleCACert))
	}

	s.mux.HandleFunc("/ws", enableCORS(s.handleWebSocket))
	s.mux.HandleFunc("/", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("NFC Relay Server Running"))
	}))
}

func (s *Server) registerHandlers() {
	s.registry.Handle(protocol.WSTypeGetStatus, s.wsGetStatus)
	s.registry.Handle(protocol.WSTypeListVictims, s.wsListVictims)
	s.registry.Handle(protocol.WSTypeSelectVictim, s.wsSelectVictim)
}

// Start serves until ctx is cancelled. It returns once the listener is
// closed.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	scheme := "http"
	if s.config.TLS != nil {
		ln = tls.NewListener(ln, s.config.TLS)
		scheme = "https"
	}
	s.logger.Printf("Status server on %s://%s", scheme, ln.Addr())

	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.config.MDNS {
		if err := s.startMDNS(ln.Addr().(*net.TCPAddr).Port, scheme); err != nil {
			s.logger.Printf("Warning: Failed to start mDNS service: %v", err)
		}
	}

	go s.forwardEvents(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.Stop()
		<-errCh
		return nil
	case err := <-errCh:
		s.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Stop shuts the server down and disconnects every client.
func (s *Server) Stop() {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
		s.logger.Printf("mDNS service stopped")
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Printf("Server shutdown error: %v", err)
		}
	}
	s.closeClients()
}

// forwardEvents pushes relay events to every client until ctx is done.
func (s *Server) forwardEvents(ctx context.Context) {
	events, cancel := s.config.Relay.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Broadcast(protocol.WebSocketMessage{Type: protocol.WSTypeEvent, Payload: ev})
			if ev.Type == relay.EventVictimChanged {
				s.Broadcast(protocol.WebSocketMessage{
					Type:    protocol.WSTypeVictimChanged,
					Payload: victimList(s.config.Victims),
				})
			}
		}
	}
}

// startMDNS advertises the status server for discovery on the LAN.
func (s *Server) startMDNS(port int, scheme string) error {
	txtRecords := []string{
		"version=1",
		"scheme=" + scheme,
		"path=/ws",
		"api=/api/v1",
	}

	server, err := zeroconf.Register(s.config.InstanceName, MDNSServiceType, MDNSDomain, port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	s.mdnsServer = server
	s.logger.Printf("mDNS service registered: %s (%s) on port %d", s.config.InstanceName, MDNSServiceType, port)
	return nil
}

// enableCORS is a middleware that adds CORS headers to responses.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// method rejects requests using any other HTTP method.
func method(m string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}
