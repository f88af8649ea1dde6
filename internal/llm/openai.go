package llm

import (
	"context"
	"errors"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

var errEmptyCompletion = errors.New("provider returned no choices")

// OpenAIProvider talks to OpenAI or any OpenAI-compatible server (base URL
// override), following the chat completions API.
type OpenAIProvider struct {
	client sdk.Client
}

// NewOpenAIProvider builds a client. baseURL may be empty for api.openai.com.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{client: sdk.NewClient(opts...)}
}

func (p *OpenAIProvider) params(req CompletionRequest) sdk.ChatCompletionNewParams {
	msgs := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, sdk.SystemMessage(req.System))
	}
	for _, m := range req.History {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, sdk.AssistantMessage(m.Content))
		case "system":
			msgs = append(msgs, sdk.SystemMessage(m.Content))
		default:
			msgs = append(msgs, sdk.UserMessage(m.Content))
		}
	}
	msgs = append(msgs, sdk.UserMessage(req.Prompt))
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(req.Model),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return "", p.wrapErr(err)
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: "openai", Retryable: true, Err: errEmptyCompletion}
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req CompletionRequest, onDelta func(string)) error {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(req))
	defer stream.Close()
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			onDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return p.wrapErr(err)
	}
	return nil
}

func (p *OpenAIProvider) wrapErr(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider:   "openai",
			StatusCode: apiErr.StatusCode,
			Retryable:  retryableStatus(apiErr.StatusCode),
			Err:        err,
		}
	}
	// transport-level failures (conn reset, timeouts) are worth retrying
	return &ProviderError{Provider: "openai", Retryable: true, Err: err}
}
