package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/stepwise-ai/stepwise/engine/guard"
	"github.com/stepwise-ai/stepwise/engine/skill"
)

const googleAPIHost = "generativelanguage.googleapis.com"

// GoogleSkill is a chat-completion skill backed by Gemini.
type GoogleSkill struct {
	client *genai.Client
	model  string
}

// NewGoogleSkill creates the "google_chat" skill. The client owns a
// connection; call Close when done.
func NewGoogleSkill(ctx context.Context, apiKey, defaultModel string) (*GoogleSkill, error) {
	if defaultModel == "" {
		defaultModel = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GoogleSkill{client: client, model: defaultModel}, nil
}

// Close releases the underlying client.
func (g *GoogleSkill) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Name returns "google_chat".
func (g *GoogleSkill) Name() string { return "google_chat" }

// Invoke sends the prompt to the Gemini API.
func (g *GoogleSkill) Invoke(ctx context.Context, inv skill.Invocation) (skill.Result, error) {
	prompt, ok := inv.Inputs["prompt"].(string)
	if !ok || prompt == "" {
		return skill.Result{}, skill.Errorf("invalid_input", "prompt parameter required")
	}
	model := g.model
	if m, ok := inv.Inputs["model"].(string); ok && m != "" {
		model = m
	}

	if gd := guard.From(ctx); gd != nil {
		if err := gd.Check(guard.CallNetwork, googleAPIHost); err != nil {
			return skill.Result{}, err
		}
	}

	resp, err := g.client.GenerativeModel(model).GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return skill.Result{}, skill.RetryableErrorf("upstream_unavailable", "gemini call failed: %v", err)
	}

	var text string
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text += string(t)
			}
		}
	}

	var inputTokens, outputTokens int64
	if resp.UsageMetadata != nil {
		inputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		outputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}

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
