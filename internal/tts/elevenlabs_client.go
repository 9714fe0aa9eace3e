package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"

	"github.com/healthsimple/companion-gateway/internal/config"
)

const (
	providerElevenLabs = "elevenlabs"

	// chunkSize bounds each read from the response body
	chunkSize = 4096

	// maxErrorDetail caps how much of an error body is kept
	maxErrorDetail = 2048
)

// ElevenLabsClient implements Provider using ElevenLabs' HTTP streaming API.
type ElevenLabsClient struct {
	apiKey     string
	baseURL    string
	voiceID    string
	modelID    string
	settings   VoiceSettings
	httpClient *http.Client
}

// VoiceSettings tune the synthesized voice
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// ElevenLabsRequest represents the request payload for the streaming endpoint
type ElevenLabsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

// NewElevenLabsClient creates a new ElevenLabs TTS client
func NewElevenLabsClient(cfg *config.Config) *ElevenLabsClient {
	return NewElevenLabsClientWithHTTP(cfg, &http.Client{})
}

// NewElevenLabsClientWithHTTP uses client for requests. Tests point it at an
// httptest server through cfg.ElevenLabsBaseURL.
func NewElevenLabsClientWithHTTP(cfg *config.Config, client *http.Client) *ElevenLabsClient {
	if client == nil {
		client = &http.Client{}
	}
	return &ElevenLabsClient{
		apiKey:  cfg.ElevenLabsAPIKey,
		baseURL: strings.TrimRight(cfg.ElevenLabsBaseURL, "/"),
		voiceID: cfg.ElevenLabsVoiceID,
		modelID: cfg.ElevenLabsModelID,
		settings: VoiceSettings{
			Stability:       cfg.ElevenLabsStability,
			SimilarityBoost: cfg.ElevenLabsSimilarityBoost,
		},
		httpClient: client,
	}
}

// Name implements Provider
func (c *ElevenLabsClient) Name() string {
	return providerElevenLabs
}

// OpenStream posts text and returns the MPEG audio body as a Stream. A
// non-2xx response is read fully and returned as a *SynthesisError.
func (c *ElevenLabsClient) OpenStream(ctx context.Context, text string) (Stream, error) {
	jsonData, err := json.Marshal(ElevenLabsRequest{
		Text:          text,
		ModelID:       c.modelID,
		VoiceSettings: c.settings,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream", c.baseURL, url.PathEscape(c.voiceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(resp.Body)
		if len(detail) > maxErrorDetail {
			detail = detail[:maxErrorDetail]
		}
		log.Warn().
			Str("provider", providerElevenLabs).
			Int("status", resp.StatusCode).
			Bytes("detail", detail).
			Msg("Synthesis request rejected")
		return nil, &SynthesisError{
			Provider: providerElevenLabs,
			Status:   resp.StatusCode,
			Detail:   strings.TrimSpace(string(detail)),
		}
	}

	return &bodyStream{body: resp.Body}, nil
}

// bodyStream hands out the response body one read at a time.
type bodyStream struct {
	body io.ReadCloser
	err  error
}

func (s *bodyStream) Next() ([]byte, error) {
	for s.err == nil {
		buf := make([]byte, chunkSize)
		n, err := s.body.Read(buf)
		switch {
		case errors.Is(err, io.EOF):
			s.err = iterator.Done
		case err != nil:
			s.err = fmt.Errorf("failed to read audio: %w", err)
		}
		if n > 0 {
			return buf[:n], nil
		}
	}
	return nil, s.err
}

func (s *bodyStream) Close() error {
	if s.err == nil {
		s.err = iterator.Done
	}
	return s.body.Close()
}
