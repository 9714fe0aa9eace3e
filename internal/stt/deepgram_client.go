package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/healthsimple/companion-gateway/internal/config"
	"github.com/healthsimple/companion-gateway/internal/observability"
	"github.com/healthsimple/companion-gateway/internal/resilience"
)

const providerDeepgram = "deepgram"

// ErrNotActive is returned when audio is sent without a live session.
var ErrNotActive = errors.New("deepgram client is not active")

var errConnectFailed = errors.New("failed to connect to Deepgram")

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	message      func(*msginterfaces.MessageResponse)
	utteranceEnd func()
	errorHandler func(*msginterfaces.ErrorResponse)
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.message(message)
	return nil
}

func (m *messageCallbackHandler) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	m.utteranceEnd()
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.errorHandler(errorResponse)
	return nil
}

// DeepgramClient implements Transcriber using Deepgram's live streaming API.
// Final segments are joined until Deepgram marks the end of speech.
type DeepgramClient struct {
	config    *config.Config
	initiator *resilience.StreamInitiator
	logger    zerolog.Logger

	mu       sync.Mutex
	client   *listenClient.WSCallback
	isActive bool
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc

	// Final segments of the utterance in progress
	pending    []string
	confidence float64

	transcripts chan Transcript
}

// NewDeepgramClient creates a Deepgram streaming client. Connects go
// through initiator so they share the gateway's retry policy and breaker.
func NewDeepgramClient(cfg *config.Config, initiator *resilience.StreamInitiator, logger zerolog.Logger) *DeepgramClient {
	if initiator == nil {
		initiator = resilience.NewStreamInitiator(nil)
	}
	return &DeepgramClient{
		config:      cfg,
		initiator:   initiator,
		logger:      logger.With().Str("provider", providerDeepgram).Logger(),
		transcripts: make(chan Transcript, 16),
	}
}

// Start opens the streaming session
func (d *DeepgramClient) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.isActive {
		d.mu.Unlock()
		return fmt.Errorf("deepgram client is already active")
	}
	if d.closed {
		d.mu.Unlock()
		return ErrNotActive
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	sessionCtx := d.ctx
	d.mu.Unlock()

	client, err := resilience.OpenStream(sessionCtx, d.initiator, providerDeepgram,
		func(ctx context.Context) (*listenClient.WSCallback, error) {
			return d.connect(ctx)
		})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.client = client
	d.isActive = true
	d.mu.Unlock()

	d.logger.Info().
		Str("model", d.config.DeepgramModel).
		Str("language", d.config.DeepgramLanguage).
		Msg("Deepgram streaming session started")
	return nil
}

func (d *DeepgramClient) connect(ctx context.Context) (*listenClient.WSCallback, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.config.DeepgramLanguage,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,    // Required for utterance end events
		UtteranceEndMs: "1000",  // End utterance after 1 second of silence
		VadEvents:      true,
		Encoding:       d.config.DeepgramEncoding,
		Channels:       1,
		SampleRate:     d.config.DeepgramSampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		message:                d.handleMessage,
		utteranceEnd:           d.flushUtterance,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) {
			observability.RecordError("provider", "stt")
			observability.RecordTranscript(false)
			d.logger.Error().
				Str("error_type", errorResponse.Type).
				Str("description", errorResponse.Description).
				Msg("Deepgram error")
		},
	}

	client, err := listenClient.NewWSUsingCallback(ctx, d.config.DeepgramAPIKey, nil, tOptions, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		return nil, resilience.NewRetryableError(errConnectFailed)
	}
	return client, nil
}

// handleMessage processes transcription results from Deepgram
func (d *DeepgramClient) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	d.handleResult(alt.Transcript, alt.Confidence, msg.IsFinal, msg.SpeechFinal)
}

// handleResult keeps final segments and emits the utterance once speech
// has ended. Interim results are ignored.
func (d *DeepgramClient) handleResult(text string, confidence float64, isFinal, speechFinal bool) {
	if !isFinal {
		return
	}

	d.mu.Lock()
	if text = strings.TrimSpace(text); text != "" {
		if len(d.pending) == 0 || confidence < d.confidence {
			d.confidence = confidence
		}
		d.pending = append(d.pending, text)
	}
	d.mu.Unlock()

	if speechFinal {
		d.flushUtterance()
	}
}

// flushUtterance emits the buffered final segments as one transcript
func (d *DeepgramClient) flushUtterance() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pending) == 0 || d.closed {
		return
	}
	t := Transcript{
		Text:       strings.Join(d.pending, " "),
		Confidence: d.confidence,
	}
	d.pending = nil
	d.confidence = 0

	select {
	case d.transcripts <- t:
		observability.RecordTranscript(true)
		d.logger.Debug().Float64("confidence", t.Confidence).Msg("Final transcript")
	default:
		observability.RecordError("dropped_transcript", "stt")
		d.logger.Warn().Msg("Transcript channel full, dropping utterance")
	}
}

// SendAudio sends an audio chunk to Deepgram
func (d *DeepgramClient) SendAudio(audio []byte) error {
	d.mu.Lock()
	active := d.isActive
	client := d.client
	d.mu.Unlock()

	if !active || client == nil {
		return ErrNotActive
	}
	if _, err := client.Write(audio); err != nil {
		observability.RecordError("send_audio", "stt")
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	observability.RecordAudioIn(len(audio))
	return nil
}

// Transcripts returns the channel of finished utterances
func (d *DeepgramClient) Transcripts() <-chan Transcript {
	return d.transcripts
}

// Close finishes the session and closes the transcript channel
func (d *DeepgramClient) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if d.isActive && d.client != nil {
		d.client.Finish()
	}
	d.isActive = false
	if d.cancel != nil {
		d.cancel()
	}
	close(d.transcripts)

	d.logger.Info().Msg("Deepgram streaming session stopped")
	return nil
}

// IsActive returns whether the client is currently active
func (d *DeepgramClient) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isActive
}
