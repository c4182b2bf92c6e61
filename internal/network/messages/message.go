package messages

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Message is the envelope carried on every peer stream
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	SenderID  string          `json:"sender_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a message with payload encoded as JSON
func NewMessage(msgType string, senderID string, payload any) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		SenderID:  senderID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// NewError creates an error message
func NewError(senderID, code, text string) *Message {
	msg, _ := NewMessage(TypeError, senderID, ErrorMessage{Code: code, Message: text})
	return msg
}

// Encode encodes the message to JSON
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage decodes a JSON message
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message without type")
	}
	return &msg, nil
}

// Decode decodes the payload into v
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// DecodePayload decodes a message payload into the type registered for its message type
func DecodePayload(m *Message) (any, error) {
	var payload any

	switch m.Type {
	case TypeAnnounce:
		payload = &AnnounceMessage{}
	case TypeHello:
		payload = &HelloMessage{}
	case TypeHelloAck:
		payload = &HelloAckMessage{}
	case TypeHelloComplete:
		payload = &HelloCompleteMessage{}
	case TypePing, TypePong:
		payload = &PingMessage{}
	case TypeEventsRequest:
		payload = &EventsRequestMessage{}
	case TypeEventsResponse:
		payload = &EventsResponseMessage{}
	case TypeEventsPush:
		payload = &EventsPushMessage{}
	case TypeEventsAck:
		payload = &EventsAckMessage{}
	case TypeSnapshotRequest:
		payload = &SnapshotRequestMessage{}
	case TypeSnapshotHeader:
		payload = &SnapshotHeaderMessage{}
	case TypeRestoreRequest:
		payload = &RestoreRequestMessage{}
	case TypeRestoreProgress:
		payload = &RestoreProgressMessage{}
	case TypeRestoreResult:
		payload = &RestoreResultMessage{}
	case TypeError:
		payload = &ErrorMessage{}
	case TypeHelloOK:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown message type: %s", m.Type)
	}

	if err := m.Decode(payload); err != nil {
		return nil, err
	}
	return payload, nil
}
