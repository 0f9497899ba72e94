package generation

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig holds configuration for the OpenAI backend. Zero values
// fall back to defaults.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIGenerator produces JSON payloads through the OpenAI chat API
// with the JSON response format enabled.
type OpenAIGenerator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIGenerator creates an OpenAI-backed generator.
func NewOpenAIGenerator(config OpenAIConfig) *OpenAIGenerator {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	model := config.Model
	if model == "" {
		model = openai.GPT4o
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   model,
		timeout: timeout,
	}
}

// Name returns "openai".
func (g *OpenAIGenerator) Name() string { return "openai" }

// Generate runs one JSON-mode completion.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, &GenerationError{Backend: g.Name(), Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &GenerationError{Backend: g.Name(), Err: fmt.Errorf("empty response")}
	}
	raw, err := repairJSON(g.Name(), resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return &Result{
		Raw:     raw,
		Backend: g.Name(),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}
