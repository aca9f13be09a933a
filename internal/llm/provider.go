package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/attendite/ieim/internal/ieimerrors"
)

// Usage mirrors the optional token accounting a provider may report.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a provider's raw JSON reply plus optional usage.
type Response struct {
	Content string
	Usage   *Usage
}

// Provider is the external LLM interface (§6): chat_json(model, system,
// user, temperature=0, max_tokens).
type Provider interface {
	ChatJSON(ctx context.Context, model, system, user string, maxTokens int) (Response, error)
}

// AnthropicProvider is the concrete Provider backed by anthropic-sdk-go,
// called with temperature 0 for determinism of the prompt (not of the
// output -- LLM outputs are never decision-hashed directly, only their
// re-grounded, schema-validated mapping is).
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (p *AnthropicProvider) ChatJSON(ctx context.Context, model, system, user string, maxTokens int) (Response, error) {
	if model == "" {
		model = p.model
	}
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.F(model),
		MaxTokens:   anthropic.F(int64(maxTokens)),
		System:      anthropic.F(system),
		Temperature: anthropic.F(0.0),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		}),
	})
	if err != nil {
		return Response{}, ieimerrors.Wrap(ieimerrors.KindLLMProviderError, "llm: anthropic call failed", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	var usage *Usage
	usage = &Usage{InputTokens: int(msg.Usage.InputTokens), OutputTokens: int(msg.Usage.OutputTokens)}

	return Response{Content: sb.String(), Usage: usage}, nil
}

// DisabledProvider is the Provider used when classification.llm.provider is
// "disabled" in the pack config: it always fails closed rather than silently
// returning an empty mapping, so a misconfigured pipeline that nonetheless
// opens the LLM gate surfaces a LLM_PROVIDER_ERROR instead of pretending to
// have consulted a model.
type DisabledProvider struct{}

func (DisabledProvider) ChatJSON(ctx context.Context, model, system, user string, maxTokens int) (Response, error) {
	return Response{}, ieimerrors.New(ieimerrors.KindLLMProviderError, "llm: provider disabled")
}

// StripCodeFence removes a leading/trailing ``` or ```json fence from a raw
// model response, per the "optional code-fence stripping" allowance in §6.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
