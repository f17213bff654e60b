package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dotside-studios/nfc-relay/buildinfo"
	"github.com/dotside-studios/nfc-relay/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Client is one WebSocket connection.
type Client struct {
	ID         string
	RemoteAddr string

	conn *websocket.Conn
	mu   sync.Mutex
}

// Send writes v as a JSON text frame. Safe for concurrent use.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Reply answers req successfully.
func (c *Client) Reply(req protocol.WebSocketRequest, payload any) error {
	return c.Send(protocol.WebSocketResponse{
		ID:      req.ID,
		Type:    req.Type,
		Success: true,
		Payload: payload,
	})
}

// ReplyError answers req with a failure.
func (c *Client) ReplyError(req protocol.WebSocketRequest, code, message string) error {
	return c.Send(protocol.WebSocketResponse{
		ID:      req.ID,
		Type:    req.Type,
		Success: false,
		Error:   message,
		Payload: map[string]any{"code": code},
	})
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()
	return len(s.clients)
}

// Broadcast sends message to every client, dropping those that fail.
func (s *Server) Broadcast(message protocol.WebSocketMessage) {
	s.clientsMux.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMux.RUnlock()

	for _, c := range clients {
		if err := c.Send(message); err != nil {
			s.logger.Printf("WebSocket write error for %s: %v", c.ID, err)
			s.unregister(c)
			c.conn.Close()
		}
	}
}

func (s *Server) register(c *Client) {
	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()
	s.clients[c.ID] = c
}

func (s *Server) unregister(c *Client) {
	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()
	delete(s.clients, c.ID)
}

func (s *Server) closeClients() {
	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()
	for id, c := range s.clients {
		c.conn.Close()
		delete(s.clients, id)
	}
}

// handleWebSocket upgrades the connection, greets the client with its ID
// and the current status, then serves requests until it disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{
		ID:         uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		conn:       conn,
	}
	s.register(client)
	s.logger.Printf("WebSocket client %s connected from %s", client.ID, r.RemoteAddr)

	defer func() {
		s.unregister(client)
		conn.Close()
		s.logger.Printf("WebSocket client %s disconnected", client.ID)
	}()

	client.Send(protocol.WebSocketMessage{
		Type:    protocol.WSTypeHello,
		Payload: protocol.HelloPayload{ClientID: client.ID, Version: buildinfo.FullVersion()},
	})
	client.Send(protocol.WebSocketMessage{
		Type:    protocol.WSTypeStatus,
		Payload: s.config.Relay.Status(),
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req protocol.WebSocketRequest
		if err := json.Unmarshal(message, &req); err != nil {
			s.logger.Printf("Failed to parse WebSocket message: %v", err)
			client.Send(protocol.WebSocketResponse{
				Type:    protocol.WSTypeError,
				Error:   "Invalid message format",
				Payload: map[string]any{"code": protocol.ErrCodeParseError},
			})
			continue
		}

		handler, ok := s.registry.Get(req.Type)
		if !ok {
			client.Send(protocol.WebSocketResponse{
				ID:      req.ID,
				Type:    protocol.WSTypeError,
				Error:   fmt.Sprintf("Unknown message type: %s", req.Type),
				Payload: map[string]any{"code": protocol.ErrCodeUnknownType},
			})
			continue
		}

		if err := handler(ctx, client, req); err != nil {
			s.logger.Printf("Handler error for message type '%s': %v", req.Type, err)
		}
	}
}
