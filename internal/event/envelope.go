package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire form of an event sent to API and WebSocket clients.
type Envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      Event     `json:"data"`
}

// Wrap builds an envelope with a fresh ID.
func Wrap(e Event) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      e.EventType(),
		Timestamp: e.Timestamp(),
		Data:      e,
	}
}

// Marshal encodes an event as an envelope.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(Wrap(e))
}
