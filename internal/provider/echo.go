package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nidhogg/recall/internal/tokenizer"
	"go.uber.org/zap"
)

// EchoProvider answers without a model by restating the last user message.
// It keeps the daemon usable offline.
type EchoProvider struct {
	config ProviderConfig
}

// NewEchoProvider creates an offline provider.
func NewEchoProvider(cfg ProviderConfig) *EchoProvider {
	return &EchoProvider{config: cfg}
}

func (p *EchoProvider) ID() string   { return p.config.ID }
func (p *EchoProvider) Name() string { return p.config.Name }

// Chat returns the last user message prefixed with the number of context
// messages it was given.
func (p *EchoProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	content := fmt.Sprintf("(%d context messages) %s", len(req.Messages), strings.TrimSpace(last))
	prompt := tokenizer.Estimate(req.System)
	for _, m := range req.Messages {
		prompt += tokenizer.Estimate(m.Content)
	}
	completion := tokenizer.Estimate(content)
	return &ChatResponse{
		ID:           uuid.NewString(),
		Model:        "echo",
		Content:      content,
		FinishReason: "stop",
		Usage:        Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
	}, nil
}

// New builds a provider from its configuration.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	if cfg.ID == "" {
		cfg.ID = cfg.Type
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	switch strings.ToLower(cfg.Type) {
	case "openai", "openai-compatible":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic", "claude":
		return NewAnthropicProvider(cfg, logger), nil
	case "echo", "":
		return NewEchoProvider(cfg), nil
	}
	return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
}
