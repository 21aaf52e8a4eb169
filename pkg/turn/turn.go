// Package turn arbitrates who holds the floor on a doorbell call.
//
// The Controller watches inbound audio levels and outbound playback
// progress and moves between Idle, VisitorSpeaking, AISpeaking and
// Transitioning. Playback asks it before every write; nothing goes out to
// the doorbell speaker while the visitor holds the floor.
package turn

import (
	"fmt"
	"log/slog"
	"time"
)

// State is the turn-taking state.
type State int

const (
	// Idle means nobody holds the floor.
	Idle State = iota
	// VisitorSpeaking means sustained inbound speech was detected.
	VisitorSpeaking
	// AISpeaking means playback is writing the AI's turn.
	AISpeaking
	// Transitioning means the current holder stopped and the floor is being released.
	Transitioning
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case VisitorSpeaking:
		return "visitor_speaking"
	case AISpeaking:
		return "ai_speaking"
	case Transitioning:
		return "transitioning"
	default:
		return "unknown"
	}
}

// BargeInPolicy decides what visitor speech does while the AI is speaking.
type BargeInPolicy string

const (
	// BargeInIgnore keeps the AI turn going; visitor speech is not acted on
	// until the turn ends.
	BargeInIgnore BargeInPolicy = "ignore"
	// BargeInInterrupt hands the floor to the visitor and cuts playback short.
	BargeInInterrupt BargeInPolicy = "interrupt"
)

// ParseBargeIn converts a config string to a policy.
func ParseBargeIn(s string) (BargeInPolicy, error) {
	switch BargeInPolicy(s) {
	case BargeInIgnore, BargeInInterrupt:
		return BargeInPolicy(s), nil
	case "":
		return BargeInInterrupt, nil
	default:
		return "", fmt.Errorf("turn: unknown barge-in policy %q (want ignore or interrupt)", s)
	}
}

// Config holds the turn-taking tuning surface.
type Config struct {
	// SilenceThreshold is the inbound level (RMS, 0.0–1.0 of full scale)
	// at or above which a frame counts as speech.
	SilenceThreshold float64

	// SpeechDebounce is how long activity must last before the visitor
	// takes the floor.
	SpeechDebounce time.Duration

	// SilenceDebounce is how long silence must last before a finished turn
	// returns to Idle.
	SilenceDebounce time.Duration

	// BargeIn picks what happens to visitor speech during an AI turn.
	BargeIn BargeInPolicy

	// Logger for transitions. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SilenceThreshold: 0.02,
		SpeechDebounce:   120 * time.Millisecond,
		SilenceDebounce:  600 * time.Millisecond,
		BargeIn:          BargeInInterrupt,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SilenceThreshold <= 0 || c.SilenceThreshold >= 1 {
		return fmt.Errorf("turn: silence_threshold must be in (0, 1), got %v", c.SilenceThreshold)
	}
	if c.SpeechDebounce < 0 {
		return fmt.Errorf("turn: speech_debounce must not be negative, got %v", c.SpeechDebounce)
	}
	if c.SilenceDebounce < 0 {
		return fmt.Errorf("turn: silence_debounce must not be negative, got %v", c.SilenceDebounce)
	}
	if _, err := ParseBargeIn(string(c.BargeIn)); err != nil {
		return err
	}
	return nil
}
