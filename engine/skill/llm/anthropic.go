package llm

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stepwise-ai/stepwise/engine/guard"
	"github.com/stepwise-ai/stepwise/engine/skill"
)

const anthropicAPIHost = "api.anthropic.com"

// AnthropicSkill is a chat-completion skill backed by Claude.
type AnthropicSkill struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicSkill creates the "anthropic_chat" skill. The default
// model applies when a step does not override it.
func NewAnthropicSkill(apiKey, defaultModel string) *AnthropicSkill {
	if defaultModel == "" {
		defaultModel = "claude-3-5-sonnet-20241022"
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicSkill{
		client:    &client,
		model:     defaultModel,
		maxTokens: 4096,
	}
}

// Name returns "anthropic_chat".
func (a *AnthropicSkill) Name() string { return "anthropic_chat" }

// Invoke sends the prompt to the Messages API and returns the completion
// with token usage and attributed cost.
func (a *AnthropicSkill) Invoke(ctx context.Context, inv skill.Invocation) (skill.Result, error) {
	prompt, ok := inv.Inputs["prompt"].(string)
	if !ok || prompt == "" {
		return skill.Result{}, skill.Errorf("invalid_input", "prompt parameter required")
	}
	model := a.model
	if m, ok := inv.Inputs["model"].(string); ok && m != "" {
		model = m
	}

	if g := guard.From(ctx); g != nil {
		if err := g.Check(guard.CallNetwork, anthropicAPIHost); err != nil {
			return skill.Result{}, err
		}
	}

	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return skill.Result{}, skill.RetryableErrorf("upstream_unavailable", "anthropic call failed: %v", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	inputTokens := message.Usage.InputTokens
	outputTokens := message.Usage.OutputTokens
	return skill.Result{
		Output: map[string]any{
			"text":          text,
			"model":         model,
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
		CostCents: CostCents(model, inputTokens, outputTokens),
	}, nil
}
