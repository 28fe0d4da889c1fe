package llm

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/stepwise-ai/stepwise/engine/guard"
	"github.com/stepwise-ai/stepwise/engine/skill"
)

const openaiAPIHost = "api.openai.com"

// OpenAISkill is a chat-completion skill backed by the OpenAI API.
type OpenAISkill struct {
	client   *openai.Client
	model    string
	jsonMode bool
}

// NewOpenAISkill creates the "openai_chat" skill.
func NewOpenAISkill(apiKey, defaultModel string) *OpenAISkill {
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAISkill{client: &client, model: defaultModel}
}

// WithJSONMode makes the skill request a JSON object response.
func (o *OpenAISkill) WithJSONMode() *OpenAISkill {
	o.jsonMode = true
	return o
}

// Name returns "openai_chat".
func (o *OpenAISkill) Name() string { return "openai_chat" }

// Invoke sends the prompt to the Chat Completions API.
func (o *OpenAISkill) Invoke(ctx context.Context, inv skill.Invocation) (skill.Result, error) {
	prompt, ok := inv.Inputs["prompt"].(string)
	if !ok || prompt == "" {
		return skill.Result{}, skill.Errorf("invalid_input", "prompt parameter required")
	}
	model := o.model
	if m, ok := inv.Inputs["model"].(string); ok && m != "" {
		model = m
	}

	if g := guard.From(ctx); g != nil {
		if err := g.Check(guard.CallNetwork, openaiAPIHost); err != nil {
			return skill.Result{}, err
		}
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(prompt),
					},
				},
			},
		},
		Temperature: openai.Float(1.0),
	}
	if o.jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return skill.Result{}, skill.RetryableErrorf("upstream_unavailable", "openai call failed: %v", err)
	}
	if len(completion.Choices) == 0 {
		return skill.Result{}, skill.Errorf("empty_response", "no choices returned")
	}

	inputTokens := completion.Usage.PromptTokens
	outputTokens := completion.Usage.CompletionTokens
	return skill.Result{
		Output: map[string]any{
			"text":          completion.Choices[0].Message.Content,
			"model":         model,
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
		CostCents: CostCents(model, inputTokens, outputTokens),
	}, nil
}
