// Package llm adapts hosted generative models to a single prompt-in,
// text-out call.
package llm

import (
	"context"
	"errors"
)

// ErrGeneration marks a failed call to the generative model.
var ErrGeneration = errors.New("generation failed")

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Options struct {
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
}

const (
	DefaultGeminiModel = "gemini-2.5-flash"
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 500
)
