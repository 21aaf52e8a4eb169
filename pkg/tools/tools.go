// Package tools routes AI-initiated tool calls to their handlers.
//
// Every capability (voice control, snapshot, vision, weather, light, clock)
// sits behind the Tool interface. A Registry holds the fixed tool set and is
// read-only once built; a Dispatcher looks the tool up, validates arguments
// against its JSON schema, bounds the call with a timeout and always answers
// with exactly one protocol.ToolCallResult carrying the request's call id.
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/teslashibe/go-porter/pkg/protocol"
)

var (
	// ErrUnknownTool is returned for a name outside the registered set.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrToolTimeout is returned when a handler misses its deadline.
	ErrToolTimeout = errors.New("tools: tool call timed out")

	// ErrInvalidArguments is returned when arguments fail schema validation.
	ErrInvalidArguments = errors.New("tools: invalid arguments")

	// ErrNoVoiceControl is returned by the voice tools outside a call.
	ErrNoVoiceControl = errors.New("tools: no active call")
)

// Definition describes a tool to the voice service.
type Definition struct {
	Name        protocol.ToolName
	Description string

	// Parameters is a JSON schema object for the arguments.
	// A nil schema accepts an empty object only.
	Parameters map[string]any

	// EndsCall marks the tool whose successful result ends the call.
	EndsCall bool
}

// Tool is one capability the AI may invoke.
type Tool interface {
	Definition() Definition
	Invoke(ctx context.Context, call Call) (any, error)
}

// VoiceControl is how voice tools reach the session that owns the call.
// Implementations serialize the two operations.
type VoiceControl interface {
	ConnectVoice(ctx context.Context) (string, error)
	DisconnectVoice(ctx context.Context) (string, error)
}

// Call is a validated request handed to a tool.
type Call struct {
	ID   string
	Name protocol.ToolName
	Args map[string]any

	// Voice is nil when the call is dispatched outside a session.
	Voice VoiceControl
}

// String returns the string argument key, or def when absent or not a string.
func (c Call) String(key, def string) string {
	if v, ok := c.Args[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Float returns the numeric argument key, or def.
func (c Call) Float(key string, def float64) float64 {
	switch v := c.Args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// Func adapts a plain function to the Tool interface.
type Func struct {
	Name        protocol.ToolName
	Description string
	Parameters  map[string]any
	EndsCall    bool
	Handler     func(ctx context.Context, call Call) (any, error)
}

// Definition implements Tool.
func (f *Func) Definition() Definition {
	return Definition{
		Name:        f.Name,
		Description: f.Description,
		Parameters:  f.Parameters,
		EndsCall:    f.EndsCall,
	}
}

// Invoke implements Tool.
func (f *Func) Invoke(ctx context.Context, call Call) (any, error) {
	if f.Handler == nil {
		return nil, fmt.Errorf("tools: %s has no handler", f.Name)
	}
	return f.Handler(ctx, call)
}

// Object builds a JSON schema for an object with the given properties.
// required lists mandatory keys.
func Object(properties map[string]any, required ...string) map[string]any {
	if properties == nil {
		properties = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

// Enum builds a string property restricted to values.
func Enum(description string, values ...string) map[string]any {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return map[string]any{
		"type":        "string",
		"description": description,
		"enum":        enum,
	}
}

// Code maps a dispatch error to the result code sent to the voice service.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnknownTool):
		return protocol.CodeUnknownTool
	case errors.Is(err, ErrInvalidArguments):
		return protocol.CodeInvalidArguments
	case errors.Is(err, ErrToolTimeout):
		return protocol.CodeToolTimeout
	default:
		return protocol.CodeToolFailed
	}
}
