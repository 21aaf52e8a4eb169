package conversation

import (
	"fmt"
	"log/slog"
	"time"
)

// Config holds configuration for voice links.
type Config struct {
	// APIKey is the authentication key for the provider.
	APIKey string

	// Model is the realtime model to use.
	Model string

	// Voice is the synthesis voice.
	Voice string

	// BaseURL overrides the default websocket endpoint.
	BaseURL string

	// SystemPrompt is the session instruction.
	SystemPrompt string

	// Temperature controls response randomness.
	Temperature float64

	// Timeout is the link-establishment budget: dial plus handshake.
	Timeout time.Duration

	// ReadTimeout is how long the link may stay silent before it is
	// considered dead.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration

	// Transcription enables input transcription events.
	Transcription bool

	// Logger is the structured logger to use.
	Logger *slog.Logger

	// Tools is the list of tools offered to the service.
	Tools []Tool

	// TurnDetection configures server-side voice activity detection.
	TurnDetection *TurnDetection
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Model:         ModelRealtime,
		Voice:         VoiceAlloy,
		Temperature:   0.8,
		Timeout:       10 * time.Second,
		ReadTimeout:   5 * time.Minute,
		WriteTimeout:  10 * time.Second,
		Transcription: true,
		Logger:        slog.Default(),
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("conversation: timeout must be positive, got %v", c.Timeout)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("conversation: temperature must be in [0, 2], got %v", c.Temperature)
	}
	return nil
}

// Option is a functional option for configuring providers.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithModel sets the realtime model.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
	}
}

// WithVoice sets the synthesis voice.
func WithVoice(voice string) Option {
	return func(c *Config) {
		c.Voice = voice
	}
}

// WithBaseURL sets the websocket endpoint.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithSystemPrompt sets the session instruction.
func WithSystemPrompt(prompt string) Option {
	return func(c *Config) {
		c.SystemPrompt = prompt
	}
}

// WithTemperature sets the response temperature.
func WithTemperature(temp float64) Option {
	return func(c *Config) {
		c.Temperature = temp
	}
}

// WithTimeout sets the link-establishment budget.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithReadTimeout sets the idle read timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ReadTimeout = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithTools sets the available tools.
func WithTools(tools ...Tool) Option {
	return func(c *Config) {
		c.Tools = tools
	}
}

// WithTurnDetection configures voice activity detection.
func WithTurnDetection(td *TurnDetection) Option {
	return func(c *Config) {
		c.TurnDetection = td
	}
}

// WithTranscription enables or disables input transcription.
func WithTranscription(enabled bool) Option {
	return func(c *Config) {
		c.Transcription = enabled
	}
}

// Realtime models and voices.
const (
	ModelRealtime = "gpt-4o-realtime-preview-2024-12-17"

	VoiceAlloy   = "alloy"
	VoiceEcho    = "echo"
	VoiceShimmer = "shimmer"
	VoiceAsh     = "ash"
	VoiceCoral   = "coral"
	VoiceSage    = "sage"
	VoiceVerse   = "verse"
)
