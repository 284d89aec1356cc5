package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"askdocs-go/internal/config"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicGenerator 通过 Messages API 生成文本，用作主后端不可用时的备用。
type AnthropicGenerator struct {
	client anthropic.Client
	model  string
}

// NewAnthropicGenerator 创建备用后端，APIKey 为空时返回 nil。
func NewAnthropicGenerator(cfg config.AnthropicConfig) *AnthropicGenerator {
	if cfg.APIKey == "" {
		return nil
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(1),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicGenerator{client: anthropic.NewClient(opts...), model: model}
}

// Name 返回后端名称。
func (a *AnthropicGenerator) Name() string { return "anthropic:" + a.model }

// Generate 发送单轮消息，拼接返回中的全部文本块。
func (a *AnthropicGenerator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages api: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(text.String())
	return &GenerateResult{
		Success: out != "",
		Text:    out,
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
		Backend: a.Name(),
	}, nil
}
