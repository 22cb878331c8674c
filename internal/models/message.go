package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeRegister  MessageType = "register"
	MessageTypeSnapshot  MessageType = "snapshot"
	MessageTypeBatch     MessageType = "batch"
	MessageTypeHeartbeat MessageType = "heartbeat"
	MessageTypeAck       MessageType = "ack"
	MessageTypeError     MessageType = "error"
	MessageTypeConfig    MessageType = "config"
)

// Message is the envelope for all WebSocket communications
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payloadJSON,
		Timestamp: time.Now(),
	}, nil
}

// RegisterMessage is the first message of every session
type RegisterMessage struct {
	Agent AgentInfo `json:"agent"`
}

// BatchMessage is the payload for MessageTypeBatch
type BatchMessage struct {
	Snapshots []Snapshot `json:"snapshots"`
	Count     int        `json:"count"`
}

// NewBatchMessage copies snaps into a batch payload
func NewBatchMessage(snaps []*Snapshot) BatchMessage {
	batch := BatchMessage{Snapshots: make([]Snapshot, 0, len(snaps))}
	for _, s := range snaps {
		if s != nil {
			batch.Snapshots = append(batch.Snapshots, *s)
		}
	}
	batch.Count = len(batch.Snapshots)
	return batch
}

// HeartbeatMessage is the payload for MessageTypeHeartbeat
type HeartbeatMessage struct {
	AgentID    string `json:"agent_id"`
	Uptime     int64  `json:"uptime"`
	BufferSize int    `json:"buffer_size"`
}

// AckMessage is the payload for MessageTypeAck
type AckMessage struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// ErrorMessage is the payload for MessageTypeError
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConfigMessage is the payload for MessageTypeConfig. Intervals are in seconds.
type ConfigMessage struct {
	PollInterval int `json:"poll_interval"`
	BufferSize   int `json:"buffer_size"`
}

// Interval returns the requested poll interval, zero when none was sent
func (c ConfigMessage) Interval() time.Duration {
	if c.PollInterval <= 0 {
		return 0
	}
	return time.Duration(c.PollInterval) * time.Second
}

// UnmarshalPayload unmarshals the message payload into the provided struct
func (m *Message) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}
