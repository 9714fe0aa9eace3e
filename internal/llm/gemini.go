package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"google.golang.org/api/iterator"
	"google.golang.org/genai"

	"github.com/healthsimple/companion-gateway/internal/conversation"
)

const providerGemini = "gemini"

// GeminiClient implements Provider with Gemini's streaming content API.
type GeminiClient struct {
	client *genai.Client
	opts   Options
}

// NewGeminiClient creates a Gemini provider.
func NewGeminiClient(ctx context.Context, apiKey string, opts Options) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{client: client, opts: opts}, nil
}

// Name implements Provider
func (c *GeminiClient) Name() string {
	return providerGemini
}

// OpenStream implements Provider. The response iterator is lazy, so the
// first response is pulled here to surface request errors to the caller.
func (c *GeminiClient) OpenStream(ctx context.Context, req conversation.Request) (TokenStream, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(req.System)}}
	}
	if c.opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(c.opts.MaxTokens)
	}
	if c.opts.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(c.opts.Temperature))
	}

	next, stop := iter.Pull2(c.client.Models.GenerateContentStream(ctx, c.opts.Model, geminiContents(req), cfg))
	resp, err, ok := next()
	if err != nil {
		stop()
		return nil, classifyGeminiError(err)
	}

	s := &geminiStream{next: next, stop: stop, done: !ok}
	if ok {
		s.pending = geminiText(resp)
	}
	return s, nil
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: providerGemini, Status: apiErr.Code, Err: err}
	}
	return err
}

func geminiContents(req conversation.Request) []*genai.Content {
	var contents []*genai.Content
	add := func(role, text string) {
		part := genai.NewPartFromText(text)
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, part)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{part}})
	}

	for _, turn := range req.History {
		if turn.Role == conversation.RoleAssistant {
			add("model", turn.Text)
		} else {
			add("user", turn.Text)
		}
	}
	add("user", req.Prompt())
	return contents
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	content := resp.Candidates[0].Content
	if content == nil {
		return ""
	}
	var text string
	for _, p := range content.Parts {
		if p != nil {
			text += p.Text
		}
	}
	return text
}

type geminiStream struct {
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	pending string
	done    bool
}

func (s *geminiStream) Next() (string, error) {
	for {
		if s.pending != "" {
			text := s.pending
			s.pending = ""
			return text, nil
		}
		if s.done {
			return "", iterator.Done
		}
		resp, err, ok := s.next()
		if !ok {
			s.done = true
			continue
		}
		if err != nil {
			s.done = true
			s.stop()
			return "", err
		}
		s.pending = geminiText(resp)
	}
}

func (s *geminiStream) Close() error {
	s.done = true
	s.stop()
	return nil
}
