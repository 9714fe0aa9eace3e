package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"

	"github.com/healthsimple/companion-gateway/internal/conversation"
	"github.com/healthsimple/companion-gateway/internal/llm"
	"github.com/healthsimple/companion-gateway/internal/observability"
	"github.com/healthsimple/companion-gateway/internal/resilience"
	"github.com/healthsimple/companion-gateway/internal/segment"
	"github.com/healthsimple/companion-gateway/internal/tts"
)

// Result describes how a turn ended.
type Result struct {
	TurnID    string
	Response  string // Assistant text received so far
	Completed bool   // All audio was delivered
	Err       error
}

// Runner starts turns: language model, then segmenter, then synthesizer.
type Runner struct {
	llm       llm.Provider
	synth     *Synthesizer
	initiator *resilience.StreamInitiator
	maxWords  int
}

// NewRunner creates a Runner. The initiator is shared with the synthesizer.
func NewRunner(provider llm.Provider, synth *Synthesizer, initiator *resilience.StreamInitiator, maxWords int) *Runner {
	if initiator == nil {
		initiator = resilience.NewStreamInitiator(nil)
	}
	return &Runner{
		llm:       provider,
		synth:     synth,
		initiator: initiator,
		maxWords:  maxWords,
	}
}

// Start creates a turn for req. Providers are not contacted until the
// first call to Next. onDone is called exactly once, from Close.
func (r *Runner) Start(ctx context.Context, req conversation.Request, logger zerolog.Logger, onDone func(Result)) *Turn {
	ctx, cancel := context.WithCancel(ctx)
	id := uuid.New().String()

	t := &Turn{
		ID:      id,
		ctx:     ctx,
		cancel:  cancel,
		runner:  r,
		req:     req,
		onDone:  onDone,
		metrics: observability.NewTurnMetrics(id),
		logger:  logger.With().Str("turn_id", id).Logger(),
	}
	t.metrics.RecordTurnStart()
	return t
}

// Turn streams the spoken response to one user message.
type Turn struct {
	ID string

	ctx    context.Context
	cancel context.CancelFunc
	runner *Runner
	req    conversation.Request

	tokens *recordingTokens
	audio  *AudioStream
	err    error
	done   bool

	closeOnce sync.Once
	onDone    func(Result)
	metrics   *observability.TurnMetrics
	logger    zerolog.Logger
}

// Next returns the next audio chunk, or iterator.Done when the response
// has been fully spoken.
func (t *Turn) Next() (AudioChunk, error) {
	if t.err != nil {
		return AudioChunk{}, t.err
	}
	if t.done {
		return AudioChunk{}, iterator.Done
	}

	if t.audio == nil {
		if err := t.open(); err != nil {
			t.err = err
			return AudioChunk{}, err
		}
	}

	chunk, err := t.audio.Next()
	switch {
	case errors.Is(err, iterator.Done):
		t.done = true
	case err != nil:
		t.err = err
	default:
		t.metrics.RecordAudioOut(len(chunk.Data))
	}
	return chunk, err
}

func (t *Turn) open() error {
	provider := t.runner.llm
	stream, err := resilience.OpenStream(t.ctx, t.runner.initiator, provider.Name(),
		func(ctx context.Context) (llm.TokenStream, error) {
			return provider.OpenStream(ctx, t.req)
		})
	if err != nil {
		return err
	}

	t.tokens = &recordingTokens{src: stream}
	phrases := segment.NewIterator(t.ctx, t.tokens, t.runner.maxWords)
	t.audio = t.runner.synth.Synthesize(t.ctx, phrases)
	t.audio.OnPhrase = func(p segment.Phrase) {
		t.metrics.RecordPhrase()
		t.logger.Debug().Int("phrase_index", p.Index).Msg("Synthesizing phrase")
	}
	return nil
}

// Response returns the assistant text received so far.
func (t *Turn) Response() string {
	if t.tokens == nil {
		return ""
	}
	return t.tokens.text.String()
}

// Close stops the turn and releases its provider streams. Closing before
// the audio is exhausted counts as cancellation.
func (t *Turn) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		if t.audio != nil {
			t.audio.Close()
		}
		if t.tokens != nil {
			t.tokens.src.Close()
		}

		err := t.err
		if err == nil && !t.done {
			err = context.Canceled
		}
		if err != nil && !observability.IsCancellation(err) {
			t.metrics.RecordError(errorType(err), "pipeline")
		}
		t.metrics.RecordTurnEnd(observability.Outcome(err))
		observability.LogStreamEnd(t.logger, err, "Turn ended")

		if t.onDone != nil {
			t.onDone(Result{
				TurnID:    t.ID,
				Response:  t.Response(),
				Completed: t.done,
				Err:       err,
			})
		}
	})
	return nil
}

func errorType(err error) string {
	var initErr *resilience.StreamInitiationError
	if errors.As(err, &initErr) {
		return "stream_initiation"
	}
	var synthErr *tts.SynthesisError
	if errors.As(err, &synthErr) {
		return "synthesis"
	}
	return "stream"
}

// recordingTokens keeps the text of every token it passes on.
type recordingTokens struct {
	src  llm.TokenStream
	text strings.Builder
}

func (r *recordingTokens) Next() (string, error) {
	for {
		tok, err := r.src.Next()
		if err != nil {
			return "", err
		}
		if tok == "" {
			continue
		}
		r.text.WriteString(tok)
		return tok, nil
	}
}
