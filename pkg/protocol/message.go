// Package protocol defines the messages exchanged between the porter core,
// the voice service and the dashboard.
//
// Tool calls travel as ToolCallRequest/ToolCallResult. Everything pushed to
// dashboard clients is wrapped in a Message envelope.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of dashboard message
type MessageType string

const (
	// Porter → Dashboard
	TypeRing         MessageType = "ring"          // Doorbell ring received
	TypeSessionState MessageType = "session_state" // Call session changed state
	TypeTurnState    MessageType = "turn_state"    // Turn-taking changed hands
	TypeToolCall     MessageType = "tool_call"     // AI invoked a tool
	TypeToolResult   MessageType = "tool_result"   // Tool returned
	TypeTranscript   MessageType = "transcript"    // Visitor or AI speech text

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all dashboard messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// =============================================================================
// Porter → Dashboard Message Types
// =============================================================================

// RingData describes a doorbell ring and how it was handled
type RingData struct {
	DeviceID  string `json:"device_id"`
	Model     string `json:"model,omitempty"`
	Message   string `json:"message,omitempty"`
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"` // "busy", "rate_limited"
}

// SessionStateData reports a call session transition
type SessionStateData struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Error     string `json:"error,omitempty"` // Set when a fatal error drove the transition
}

// TurnStateData reports a turn-taking transition
type TurnStateData struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	BargeIn   bool   `json:"barge_in,omitempty"`
}

// TranscriptData carries one finished utterance
type TranscriptData struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"` // "visitor", "assistant"
	Text      string `json:"text"`
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
