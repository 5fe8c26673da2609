package chat

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Transport event types carried in Envelope.Type.
const (
	EventTypeMessage        = "message"
	EventTypeOperatorJoined = "operator_joined"
	EventTypeMessageUpdated = "message_updated"
)

// SessionTopic names the broadcast topic for one session.
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

// Sender identifies the originator of a transport message event.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// MessageEvent is a transport-confirmed message insert.
type MessageEvent struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Sender    Sender    `json:"sender"`
}

// Message converts the wire event into the canonical message shape.
func (ev MessageEvent) Message() Message {
	return Message{
		ID:        ev.ID,
		Role:      ev.Role,
		Content:   ev.Content,
		CreatedAt: ev.Timestamp,
		SenderID:  ev.Sender.ID,
	}
}

// OperatorJoinedEvent announces that a human operator took over the session.
type OperatorJoinedEvent struct {
	AgentID   string    `json:"agentId"`
	AgentName string    `json:"agentName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageUpdatedEvent is a content edit of an already-confirmed message.
// The id and position of the target message never change.
type MessageUpdatedEvent struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Envelope frames transport events on the bus and on websocket connections.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent wraps a transport event payload into an envelope frame.
func EncodeEvent(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal event payload")
	}
	b, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return b, nil
}

// DecodeEnvelope parses an envelope frame. The payload stays raw so callers
// can decode it against the type named by Type.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if env.Type == "" {
		return Envelope{}, errors.New("envelope has no type")
	}
	return env, nil
}
