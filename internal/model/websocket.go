package model

// WebSocket message types
const (
	WSMessageTypeEvent = "event"
	WSMessageTypePing  = "ping"
	WSMessageTypePong  = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSEventMessage carries one pipeline event to subscribers of a video
type WSEventMessage struct {
	Type  string `json:"type"`
	Event Event  `json:"event"`
}
