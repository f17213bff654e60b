package protocol

// WebSocket message types
const (
	WSTypeHello         = "hello"
	WSTypeStatus        = "status"
	WSTypeEvent         = "event"
	WSTypeError         = "error"
	WSTypeGetStatus     = "getStatus"
	WSTypeListVictims   = "listVictims"
	WSTypeSelectVictim  = "selectVictim"
	WSTypeVictimChanged = "victimChanged"
)

// WebSocketMessage is the envelope of server pushed messages.
type WebSocketMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WebSocketRequest is a request from a WebSocket client.
type WebSocketRequest struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// WebSocketResponse answers a WebSocketRequest with the same ID.
type WebSocketResponse struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HelloPayload is sent once per connection before anything else.
type HelloPayload struct {
	ClientID string `json:"clientId"`
	Version  string `json:"version"`
}
