package vision

import (
	"context"
	"errors"
	"sync"
)

// DefaultPrompt is used when the caller has no specific question.
const DefaultPrompt = "Describe who or what you see in this doorbell camera snapshot. " +
	"Focus on any people at the door, their appearance, anything they are carrying " +
	"and notable objects or activity. Be concise but detailed."

// ErrEmptyImage is returned when there is nothing to describe.
var ErrEmptyImage = errors.New("vision: empty image")

// Describer turns an image into a spoken-friendly description.
type Describer interface {
	Describe(ctx context.Context, jpeg []byte, prompt string) (string, error)
}

// Mock is a scripted Describer for tests.
type Mock struct {
	Description string
	Err         error

	mu      sync.Mutex
	prompts []string
}

// Describe records the prompt and returns the scripted answer.
func (m *Mock) Describe(ctx context.Context, jpeg []byte, prompt string) (string, error) {
	if len(jpeg) == 0 {
		return "", ErrEmptyImage
	}
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.Description, m.Err
}

// Prompts returns the prompts seen so far.
func (m *Mock) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}
