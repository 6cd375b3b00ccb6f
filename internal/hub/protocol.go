package hub

import "time"

// Server-to-client message types.
const (
	TypeConnected  = "connected"
	TypeMetrics    = "metrics"
	TypeFileChange = "fileChange"
	TypeCommit     = "commit"
	TypeActivity   = "activity"
	TypeError      = "error"
	TypePong       = "pong"
)

// Client-to-server message types.
const (
	TypeGetMetrics  = "getMetrics"
	TypeGetActivity = "getActivity"
	TypePing        = "ping"
)

// ServerMessage is the envelope for everything the hub sends. Every message
// carries the server-side timestamp of the moment it was produced.
type ServerMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// ClientMessage is what connected observers may send.
type ClientMessage struct {
	Type  string `json:"type"`
	Limit int    `json:"limit,omitempty"`
}

func newServerMessage(msgType string, payload any) *ServerMessage {
	return &ServerMessage{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
