// Package protocol holds the message types of the relay's status and control
// surface. It is importable without pulling in the server or hardware
// dependencies.
package protocol

import "time"

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// VictimInfo describes one victim profile.
type VictimInfo struct {
	Name           string `json:"name"`
	AID            string `json:"aid"` // Upper-case hex
	ResponseLength int    `json:"responseLength"`
	Current        bool   `json:"current"`
}

// VictimListResponse is returned by GET /api/v1/victims and listVictims.
type VictimListResponse struct {
	Current string       `json:"current"`
	Victims []VictimInfo `json:"victims"`
}

// SelectVictimRequest is the body of POST /api/v1/victims/select and the
// payload of selectVictim.
type SelectVictimRequest struct {
	Name string `json:"name"`
}

// ErrorResponse is the body of failed HTTP requests.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// Error codes shared by HTTP and WebSocket answers
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnknownVictim  = "UNKNOWN_VICTIM"
	ErrCodeUnknownType    = "UNKNOWN_TYPE"
	ErrCodeParseError     = "PARSE_ERROR"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)
