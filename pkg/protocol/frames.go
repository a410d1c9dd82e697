package protocol

// EventFrame is the server-to-client WebSocket envelope.
type EventFrame struct {
	Type    string `json:"type"` // always "event"
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// NewEvent wraps a payload in an event frame.
func NewEvent(name string, payload any) *EventFrame {
	return &EventFrame{Type: "event", Event: name, Payload: payload}
}
