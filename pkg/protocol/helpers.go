package protocol

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewRingMessage creates a ring message
func NewRingMessage(ring RingData) (*Message, error) {
	return NewMessage(TypeRing, ring)
}

// NewSessionStateMessage creates a session state message
func NewSessionStateMessage(sessionID, from, to string, cause error) (*Message, error) {
	data := SessionStateData{SessionID: sessionID, From: from, To: to}
	if cause != nil {
		data.Error = cause.Error()
	}
	return NewMessage(TypeSessionState, data)
}

// NewTurnStateMessage creates a turn state message
func NewTurnStateMessage(sessionID, from, to string, bargeIn bool) (*Message, error) {
	return NewMessage(TypeTurnState, TurnStateData{
		SessionID: sessionID,
		From:      from,
		To:        to,
		BargeIn:   bargeIn,
	})
}

// NewToolCallMessage creates a tool call message
func NewToolCallMessage(req ToolCallRequest) (*Message, error) {
	return NewMessage(TypeToolCall, req)
}

// NewToolResultMessage creates a tool result message
func NewToolResultMessage(res ToolCallResult) (*Message, error) {
	return NewMessage(TypeToolResult, res)
}

// NewTranscriptMessage creates a transcript message
func NewTranscriptMessage(sessionID, role, text string) (*Message, error) {
	return NewMessage(TypeTranscript, TranscriptData{SessionID: sessionID, Role: role, Text: text})
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// NewToolResult builds a successful result. output is JSON-encoded; a value
// that cannot be encoded turns into a tool_failed error.
func NewToolResult(req ToolCallRequest, output any) ToolCallResult {
	raw, err := json.Marshal(output)
	if err != nil {
		return NewToolErrorResult(req, CodeToolFailed, "unencodable output: "+err.Error())
	}
	return ToolCallResult{
		CallID:      req.CallID,
		Name:        req.Name,
		Output:      raw,
		CompletedAt: time.Now(),
	}
}

// NewToolErrorResult builds a failed result carrying code and message.
func NewToolErrorResult(req ToolCallRequest, code, message string) ToolCallResult {
	return ToolCallResult{
		CallID:      req.CallID,
		Name:        req.Name,
		Error:       &ToolError{Code: code, Message: message},
		CompletedAt: time.Now(),
	}
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetRingData extracts ring data from a message
func (m *Message) GetRingData() (*RingData, error) {
	var data RingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetSessionStateData extracts session state data from a message
func (m *Message) GetSessionStateData() (*SessionStateData, error) {
	var data SessionStateData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetTurnStateData extracts turn state data from a message
func (m *Message) GetTurnStateData() (*TurnStateData, error) {
	var data TurnStateData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetToolResult extracts a tool result from a message
func (m *Message) GetToolResult() (*ToolCallResult, error) {
	var data ToolCallResult
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
