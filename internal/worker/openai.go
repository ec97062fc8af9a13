package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const systemPrompt = `You are a %s worker in a deal screening pipeline%s.
Reply with a single JSON object and nothing else. Cite evidence only by the ids
present in the evidence field.`

// OpenAIInvoker calls an OpenAI-compatible chat completions endpoint. The
// request fields are sent as a JSON user message and the reply content is the
// worker output. Tool activity is not reported by this backend.
type OpenAIInvoker struct {
	client openai.Client
	model  string
}

func NewOpenAIInvoker(apiKey, baseURL, model string) *OpenAIInvoker {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIInvoker{client: openai.NewClient(opts...), model: model}
}

func (o *OpenAIInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	fields, err := encodeFields(req.Fields)
	if err != nil {
		return Response{}, err
	}
	spec := ""
	if req.Specialization != "" {
		spec = " specialised in " + req.Specialization
	}
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(fmt.Sprintf(systemPrompt, req.Role, spec)),
			openai.UserMessage(req.Instruction + "\n\nContext:\n" + string(fields)),
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("chat completion returned no choices")
	}
	return Response{Output: []byte(stripFence(resp.Choices[0].Message.Content))}, nil
}

// stripFence removes a markdown code fence around a JSON reply.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
