// Package pipeline turns a language-model response into one ordered audio
// stream.
package pipeline

import (
	"context"
	"errors"

	"google.golang.org/api/iterator"

	"github.com/healthsimple/companion-gateway/internal/resilience"
	"github.com/healthsimple/companion-gateway/internal/segment"
	"github.com/healthsimple/companion-gateway/internal/tts"
)

// AudioChunk is a piece of synthesized audio and the phrase it came from.
type AudioChunk struct {
	PhraseIndex int
	Data        []byte
}

// PhraseSource yields phrases until it returns iterator.Done.
type PhraseSource interface {
	Next() (segment.Phrase, error)
}

// Synthesizer synthesizes phrases one at a time, in order.
type Synthesizer struct {
	provider  tts.Provider
	initiator *resilience.StreamInitiator
}

// NewSynthesizer creates a Synthesizer. A nil initiator uses the default
// retry policy without circuit breakers.
func NewSynthesizer(provider tts.Provider, initiator *resilience.StreamInitiator) *Synthesizer {
	if initiator == nil {
		initiator = resilience.NewStreamInitiator(nil)
	}
	return &Synthesizer{
		provider:  provider,
		initiator: initiator,
	}
}

// Synthesize returns a stream of the audio for every phrase of phrases.
// Nothing is requested until the stream is read.
func (s *Synthesizer) Synthesize(ctx context.Context, phrases PhraseSource) *AudioStream {
	return &AudioStream{
		ctx:     ctx,
		synth:   s,
		phrases: phrases,
	}
}

// AudioStream is a pull-based audio stream. All audio of a phrase is
// returned before the next phrase is synthesized. It is not safe for
// concurrent use.
type AudioStream struct {
	ctx     context.Context
	synth   *Synthesizer
	phrases PhraseSource

	current tts.Stream
	phrase  segment.Phrase
	err     error

	// OnPhrase is called when synthesis of a phrase starts.
	OnPhrase func(p segment.Phrase)
}

// Next returns the next audio chunk, or iterator.Done after the last phrase.
// Errors are sticky. A synthesis failure aborts the stream; no silence is
// substituted for the failed phrase.
func (a *AudioStream) Next() (AudioChunk, error) {
	for {
		if a.err != nil {
			return AudioChunk{}, a.err
		}
		if err := a.ctx.Err(); err != nil {
			a.fail(err)
			continue
		}

		if a.current == nil {
			p, err := a.phrases.Next()
			if err != nil {
				a.fail(err)
				continue
			}
			if err := a.open(p); err != nil {
				a.fail(err)
			}
			continue
		}

		data, err := a.current.Next()
		if errors.Is(err, iterator.Done) {
			a.closeCurrent()
			continue
		}
		if err != nil {
			a.fail(err)
			continue
		}
		if len(data) == 0 {
			continue
		}
		// Nothing is delivered once the consumer has gone away.
		if err := a.ctx.Err(); err != nil {
			a.fail(err)
			continue
		}
		return AudioChunk{PhraseIndex: a.phrase.Index, Data: data}, nil
	}
}

func (a *AudioStream) open(p segment.Phrase) error {
	provider := a.synth.provider
	stream, err := resilience.OpenStream(a.ctx, a.synth.initiator, provider.Name(),
		func(ctx context.Context) (tts.Stream, error) {
			return provider.OpenStream(ctx, p.Text)
		})
	if err != nil {
		// A rejection is reported as the provider's own error.
		var synthErr *tts.SynthesisError
		if errors.As(err, &synthErr) {
			return synthErr
		}
		return err
	}

	a.current = stream
	a.phrase = p
	if a.OnPhrase != nil {
		a.OnPhrase(p)
	}
	return nil
}

func (a *AudioStream) closeCurrent() {
	if a.current != nil {
		a.current.Close()
		a.current = nil
	}
}

func (a *AudioStream) fail(err error) {
	a.err = err
	a.closeCurrent()
}

// Close aborts any in-flight synthesis. Later calls to Next return
// iterator.Done unless the stream already failed.
func (a *AudioStream) Close() error {
	if a.err == nil {
		a.err = iterator.Done
	}
	a.closeCurrent()
	return nil
}
