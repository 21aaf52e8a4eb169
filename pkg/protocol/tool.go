package protocol

import (
	"encoding/json"
	"time"
)

// ToolName is one of the fixed set of tools the AI may invoke.
type ToolName string

const (
	ToolConnectVoice    ToolName = "connect_voice"
	ToolDisconnectVoice ToolName = "disconnect_voice"
	ToolTakeSnapshot    ToolName = "take_snapshot"
	ToolAnalyzeSnapshot ToolName = "analyze_snapshot"
	ToolGetWeather      ToolName = "get_weather"
	ToolTurnLightOn     ToolName = "turn_light_on"
	ToolTurnLightOff    ToolName = "turn_light_off"
	ToolGetDatetime     ToolName = "get_datetime"
)

// ToolNames lists every tool in registration order.
var ToolNames = []ToolName{
	ToolConnectVoice,
	ToolDisconnectVoice,
	ToolTakeSnapshot,
	ToolAnalyzeSnapshot,
	ToolGetWeather,
	ToolTurnLightOn,
	ToolTurnLightOff,
	ToolGetDatetime,
}

// Known reports whether n belongs to the tool set.
func (n ToolName) Known() bool {
	for _, k := range ToolNames {
		if k == n {
			return true
		}
	}
	return false
}

// Error codes carried by ToolError.
const (
	CodeUnknownTool      = "unknown_tool"
	CodeInvalidArguments = "invalid_arguments"
	CodeToolTimeout      = "tool_timeout"
	CodeToolFailed       = "tool_failed"
)

// ToolCallRequest is a tool invocation issued by the voice service.
// It is consumed exactly once by the dispatcher.
type ToolCallRequest struct {
	CallID     string         `json:"call_id"`
	Name       ToolName       `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`

	// ArgsError is set when the raw arguments could not be decoded. Such a
	// call is answered with invalid_arguments without running the tool.
	ArgsError string `json:"args_error,omitempty"`
}

// ParseArgs decodes the raw JSON argument string sent by the voice service.
// An empty string yields an empty map.
func ParseArgs(raw string) (map[string]any, error) {
	args := map[string]any{}
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// ToolError describes why a tool call produced no output.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	return e.Code + ": " + e.Message
}

// ToolCallResult answers exactly one ToolCallRequest.
type ToolCallResult struct {
	CallID      string          `json:"call_id"`
	Name        ToolName        `json:"name"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *ToolError      `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`

	// EndCall marks the final result of a call. No follow-up response is
	// requested from the voice service after it is submitted.
	EndCall bool `json:"end_call,omitempty"`
}

// OK reports whether the call succeeded.
func (r ToolCallResult) OK() bool {
	return r.Error == nil
}

// Payload renders the result as the string handed back to the voice service.
// Plain string outputs are unquoted so the model reads them verbatim.
func (r ToolCallResult) Payload() string {
	if r.Error != nil {
		b, _ := json.Marshal(map[string]any{"error": r.Error})
		return string(b)
	}
	var s string
	if err := json.Unmarshal(r.Output, &s); err == nil {
		return s
	}
	if len(r.Output) == 0 {
		return "null"
	}
	return string(r.Output)
}
