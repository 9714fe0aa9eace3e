package llm

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"google.golang.org/api/iterator"

	"github.com/healthsimple/companion-gateway/internal/conversation"
)

const providerOpenAI = "openai"

// OpenAIClient implements Provider with the Chat Completions streaming API.
type OpenAIClient struct {
	client openai.Client
	opts   Options
}

// NewOpenAIClient creates an OpenAI provider. The SDK's own retries are
// disabled; stream opens are retried by the caller's policy.
func NewOpenAIClient(apiKey, baseURL string, opts Options, extra ...option.RequestOption) *OpenAIClient {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, extra...)

	return &OpenAIClient{
		client: openai.NewClient(reqOpts...),
		opts:   opts,
	}
}

// Name implements Provider
func (c *OpenAIClient) Name() string {
	return providerOpenAI
}

// OpenStream implements Provider
func (c *OpenAIClient) OpenStream(ctx context.Context, req conversation.Request) (TokenStream, error) {
	params := openai.ChatCompletionNewParams{
		Messages: openAIMessages(req),
		Model:    c.opts.Model,
	}
	if c.opts.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(c.opts.MaxTokens))
	}
	if c.opts.Temperature > 0 {
		params.Temperature = param.NewOpt(c.opts.Temperature)
	}

	// The request is sent here; a failure is held by the stream.
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, classifyOpenAIError(err)
	}
	return &openAIStream{stream: stream}, nil
}

func openAIMessages(req conversation.Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, turn := range req.History {
		switch turn.Role {
		case conversation.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(turn.Text))
		default:
			msgs = append(msgs, openai.UserMessage(turn.Text))
		}
	}
	return append(msgs, openai.UserMessage(req.Prompt()))
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: providerOpenAI, Status: apiErr.StatusCode, Err: err}
	}
	return err
}

type openAIStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
}

func (s *openAIStream) Next() (string, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", err
	}
	return "", iterator.Done
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
