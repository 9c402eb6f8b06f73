package draft

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const systemPrompt = `You write short, warm business introduction emails on behalf of a broker.
Write plain text only: a greeting, two or three short paragraphs, and a sign-off.
Never invent facts that are not in the brief.`

// OpenAIGenerator asks a chat model for the draft.
type OpenAIGenerator struct {
	client openai.Client
	model  string
}

func NewOpenAIGenerator(apiKey, model string, opts ...option.RequestOption) *OpenAIGenerator {
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &OpenAIGenerator{client: openai.NewClient(opts...), model: model}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, in Context) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(Brief(in)),
		},
		Temperature: openai.Float(0.6),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("chat completion returned empty text")
	}
	return text, nil
}

// Brief renders the generator context as the user prompt.
func Brief(in Context) string {
	var b strings.Builder
	line := func(label, value string) {
		if value = strings.TrimSpace(value); value != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}
	line("Introduction type", string(in.ConnectionType))
	line("Requester", in.RequesterProfile.DisplayName)
	line("Requester company", in.RequesterProfile.Company)
	line("Requester role", in.RequesterProfile.Role)
	line("Requester LinkedIn", in.RequesterProfile.LinkedIn)
	line("Recipient", in.TargetName)
	line("Recipient company", in.TargetCompany)
	if in.Deal != nil {
		line("Deal", in.Deal.Title)
		line("Deal company", in.Deal.Company)
	}
	line("Requester goals", in.Goals)
	line("Related signal", in.RelatedSignal)
	return strings.TrimSpace(b.String())
}
