package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 4096

// AnthropicConfig holds configuration for the Anthropic backend. Zero
// values fall back to defaults.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// AnthropicGenerator produces JSON payloads through the Anthropic
// messages API. The API has no JSON mode, so the prompt instructs the
// model and the output runs through the JSON repair pass.
type AnthropicGenerator struct {
	client  anthropic.Client
	model   anthropic.Model
	timeout time.Duration
}

// NewAnthropicGenerator creates an Anthropic-backed generator.
func NewAnthropicGenerator(config AnthropicConfig) *AnthropicGenerator {
	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	model := anthropic.Model(config.Model)
	if config.Model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &AnthropicGenerator{
		client:  anthropic.NewClient(options...),
		model:   model,
		timeout: timeout,
	}
}

// Name returns "anthropic".
func (g *AnthropicGenerator) Name() string { return "anthropic" }

// Generate runs one completion.
func (g *AnthropicGenerator) Generate(ctx context.Context, prompt string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	message, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: anthropicMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: "Respond with a single JSON object and nothing else."},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, &GenerationError{Backend: g.Name(), Err: err}
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &GenerationError{Backend: g.Name(), Err: fmt.Errorf("empty response")}
	}
	raw, err := repairJSON(g.Name(), text.String())
	if err != nil {
		return nil, err
	}
	return &Result{
		Raw:     raw,
		Backend: g.Name(),
		Usage: Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}
