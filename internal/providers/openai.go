package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/crystaldolphin/replyflow/internal/schema"
	"github.com/crystaldolphin/replyflow/internal/shared/llmutils"
)

// OpenAIProvider calls any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client       *openai.Client
	spec         *ProviderSpec
	apiBase      string
	defaultModel string
	cfg          LLMConfig
}

// NewOpenAIProvider builds a client from cfg, resolving the API base from
// the provider registry when none is configured.
func NewOpenAIProvider(cfg LLMConfig) *OpenAIProvider {
	spec := Resolve(cfg.Provider, cfg.APIKey, cfg.APIBase, cfg.Model)
	base := ResolveAPIBase(spec, cfg.APIBase)

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = base

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(oc),
		spec:         spec,
		apiBase:      base,
		defaultModel: cfg.Model,
		cfg:          cfg,
	}
}

func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

// Spec returns the resolved registry entry.
func (p *OpenAIProvider) Spec() *ProviderSpec { return p.spec }

// APIBase returns the effective endpoint.
func (p *OpenAIProvider) APIBase() string { return p.apiBase }

// Client exposes the underlying client so embeddings can share it.
func (p *OpenAIProvider) Client() *openai.Client { return p.client }

// Chat implements schema.LLMProvider.
func (p *OpenAIProvider) Chat(ctx context.Context, messages schema.Messages, opts schema.ChatOptions) (string, error) {
	model := llmutils.StringOrDefault(opts.Model, p.defaultModel)
	if model == "" {
		return "", errors.New("no model configured")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model:       stripProviderPrefix(model, p.spec),
		Messages:    toOpenAIMessages(messages),
		MaxTokens:   maxTokens,
		Temperature: float32(opts.Temperature),
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion: no choices returned")
	}

	return strings.TrimSpace(llmutils.StripThink(resp.Choices[0].Message.Content)), nil
}

func toOpenAIMessages(messages schema.Messages) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, messages.Len())
	for _, m := range messages.Messages {
		role := m.Role
		switch role {
		case schema.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case schema.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		default:
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// stripProviderPrefix removes a leading "<provider>/" the endpoint does not
// expect. Gateways such as OpenRouter route on it, so it is kept there.
func stripProviderPrefix(model string, spec *ProviderSpec) string {
	if spec == nil || spec.DetectByKeyPrefix != "" {
		return model
	}
	if prefix, rest, ok := strings.Cut(model, "/"); ok && strings.EqualFold(prefix, spec.Name) {
		return rest
	}
	return model
}
