package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dotside-studios/nfc-relay/buildinfo"
	"github.com/dotside-studios/nfc-relay/protocol"
	"github.com/dotside-studios/nfc-relay/victim"
)

// victimList renders the registry with the current selection marked.
func victimList(r *victim.Registry) protocol.VictimListResponse {
	current := r.Current()
	out := protocol.VictimListResponse{Current: current.Name()}
	for _, p := range r.Available() {
		out.Victims = append(out.Victims, victimInfo(p, p == current))
	}
	return out
}

func victimInfo(p *victim.Profile, current bool) protocol.VictimInfo {
	return protocol.VictimInfo{
		Name:           p.Name(),
		AID:            p.AIDHex(),
		ResponseLength: p.ResponseLength(),
		Current:        current,
	}
}

// selectVictim switches the current victim and returns its description.
func (s *Server) selectVictim(name string) (protocol.VictimInfo, error) {
	if err := s.config.Victims.Select(strings.TrimSpace(name)); err != nil {
		return protocol.VictimInfo{}, err
	}
	return victimInfo(s.config.Victims.Current(), true), nil
}

// GET /api/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:    "ok",
		Version:   buildinfo.FullVersion(),
		Timestamp: time.Now(),
	})
}

// GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Relay.Status())
}

// GET /api/v1/victims
func (s *Server) handleVictims(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, victimList(s.config.Victims))
}

// POST /api/v1/victims/select
func (s *Server) handleSelectVictim(w http.ResponseWriter, r *http.Request) {
	var req protocol.SelectVictimRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{
			Error:     "Body must be {\"name\": \"<victim>\"}",
			ErrorCode: protocol.ErrCodeInvalidRequest,
		})
		return
	}

	info, err := s.selectVictim(req.Name)
	if err != nil {
		status, code := http.StatusInternalServerError, protocol.ErrCodeInternalError
		if errors.Is(err, victim.ErrUnknownVictim) {
			status, code = http.StatusNotFound, protocol.ErrCodeUnknownVictim
		}
		writeJSON(w, status, protocol.ErrorResponse{Error: err.Error(), ErrorCode: code})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GET /api/v1/ca.pem
func (s *Server) handleCACert(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.config.CAFile)
	if err != nil {
		http.Error(w, "CA certificate not available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", "attachment; filename=\"nfc-relay-ca.pem\"")
	w.Write(data)
}

func (s *Server) wsGetStatus(_ context.Context, c *Client, req protocol.WebSocketRequest) error {
	return c.Reply(req, s.config.Relay.Status())
}

func (s *Server) wsListVictims(_ context.Context, c *Client, req protocol.WebSocketRequest) error {
	return c.Reply(req, victimList(s.config.Victims))
}

func (s *Server) wsSelectVictim(_ context.Context, c *Client, req protocol.WebSocketRequest) error {
	name, _ := req.Payload["name"].(string)
	if name == "" {
		return c.ReplyError(req, protocol.ErrCodeInvalidRequest, "payload.name is required")
	}

	info, err := s.selectVictim(name)
	if err != nil {
		code := protocol.ErrCodeInternalError
		if errors.Is(err, victim.ErrUnknownVictim) {
			code = protocol.ErrCodeUnknownVictim
		}
		if sendErr := c.ReplyError(req, code, err.Error()); sendErr != nil {
			return sendErr
		}
		return err
	}
	return c.Reply(req, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
