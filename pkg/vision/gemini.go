// Package vision describes doorbell snapshots with Gemini.
package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/api/generativelanguage/v1beta"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// DefaultModel is a fast multimodal model.
const DefaultModel = "gemini-2.0-flash"

const maxOutputTokens = 300

// Gemini calls the Generative Language API to describe an image.
type Gemini struct {
	svc    *generativelanguage.Service
	model  string
	logger *slog.Logger
}

// NewGemini creates a describer authenticated with apiKey. Extra options
// (an endpoint override in tests) are appended.
func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger, opts ...option.ClientOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("vision: GOOGLE_API_KEY not set")
	}
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := generativelanguage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision: create gemini client: %w", err)
	}
	return &Gemini{
		svc:    svc,
		model:  model,
		logger: logger.With("component", "vision", "model", model),
	}, nil
}

// Describe sends the JPEG and prompt and returns the first candidate's text.
func (g *Gemini) Describe(ctx context.Context, jpeg []byte, prompt string) (string, error) {
	if len(jpeg) == 0 {
		return "", ErrEmptyImage
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}

	req := &generativelanguage.GenerateContentRequest{
		Contents: []*generativelanguage.Content{{
			Role: "user",
			Parts: []*generativelanguage.Part{
				{Text: prompt},
				{InlineData: &generativelanguage.Blob{
					MimeType: "image/jpeg",
					Data:     base64.StdEncoding.EncodeToString(jpeg),
				}},
			},
		}},
		GenerationConfig: &generativelanguage.GenerationConfig{
			MaxOutputTokens: maxOutputTokens,
		},
	}

	g.logger.Info("describing snapshot", "bytes", len(jpeg))

	resp, err := g.svc.Models.GenerateContent("models/"+g.model, req).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			return "", fmt.Errorf("vision: gemini error (status %d): %s", gerr.Code, gerr.Message)
		}
		return "", fmt.Errorf("vision: gemini request: %w", err)
	}

	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		var parts []string
		for _, p := range cand.Content.Parts {
			if t := strings.TrimSpace(p.Text); t != "" {
				parts = append(parts, t)
			}
		}
		if len(parts) > 0 {
			desc := strings.Join(parts, " ")
			g.logger.Info("snapshot described", "chars", len(desc))
			return desc, nil
		}
	}
	return "", errors.New("vision: no description in gemini response")
}

var _ Describer = (*Gemini)(nil)
