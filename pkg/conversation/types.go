package conversation

// ConnectionState represents the WebSocket connection state.
type ConnectionState int

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates the handshake is in progress.
	StateConnecting
	// StateConnected indicates an active connection.
	StateConnected
	// StateClosed indicates the link is gone and cannot be reused.
	StateClosed
)

// String returns a human-readable connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Tool describes a function the service may call.
type Tool struct {
	// Name is the unique identifier for the tool.
	Name string `json:"name"`

	// Description explains what the tool does (shown to the AI).
	Description string `json:"description"`

	// Parameters is the JSON Schema object for the tool arguments.
	Parameters map[string]any `json:"parameters"`
}

// TurnDetection configures voice activity detection on the service side.
type TurnDetection struct {
	// Type specifies the VAD mode: "server_vad" or "none".
	Type string

	// Threshold is the VAD sensitivity (0.0-1.0, higher = less sensitive).
	Threshold float64

	// PrefixPaddingMs is the audio to include before speech detection (ms).
	PrefixPaddingMs int

	// SilenceDurationMs is how long silence indicates end of turn (ms).
	SilenceDurationMs int
}

// Transcript roles.
const (
	RoleVisitor   = "visitor"
	RoleAssistant = "assistant"
)
