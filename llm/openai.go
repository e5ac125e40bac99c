package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/gamma-omg/calendar-rag/docstore"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type OpenAIGenerator struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
}

func NewOpenAIGenerator(opts Options, reqOpts ...option.RequestOption) (*OpenAIGenerator, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: openai api key is not set", docstore.ErrCapabilityUnavailable)
	}

	model := opts.Model
	if model == "" {
		model = DefaultOpenAIModel
	}

	reqOpts = append([]option.RequestOption{option.WithAPIKey(opts.APIKey)}, reqOpts...)
	return &OpenAIGenerator{
		client:      openai.NewClient(reqOpts...),
		model:       model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(g.temperature),
	}
	if g.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(g.maxTokens))
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: openai returned no choices", ErrGeneration)
	}

	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: openai returned an empty message", ErrGeneration)
	}

	return text, nil
}
