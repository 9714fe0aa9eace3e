package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"google.golang.org/api/iterator"

	"github.com/healthsimple/companion-gateway/internal/conversation"
	"github.com/healthsimple/companion-gateway/internal/llm"
	"github.com/healthsimple/companion-gateway/internal/resilience"
	"github.com/healthsimple/companion-gateway/internal/segment"
	"github.com/healthsimple/companion-gateway/internal/tts"
)

// testInitiator retries without waiting.
func testInitiator() *resilience.StreamInitiator {
	policy := resilience.DefaultPolicy()
	policy.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return resilience.NewStreamInitiator(policy)
}

type phraseList struct {
	phrases []segment.Phrase
	pulled  int
}

func newPhraseList(texts ...string) *phraseList {
	l := &phraseList{}
	for i, text := range texts {
		l.phrases = append(l.phrases, segment.Phrase{Index: i, Text: text})
	}
	return l
}

func (l *phraseList) Next() (segment.Phrase, error) {
	if l.pulled >= len(l.phrases) {
		return segment.Phrase{}, iterator.Done
	}
	p := l.phrases[l.pulled]
	l.pulled++
	return p, nil
}

// fakeTTS returns two chunks per phrase: "<text>/1" and "<text>/2".
type fakeTTS struct {
	mu      sync.Mutex
	opens   []string
	status  map[string]int         // Error status returned when opening a phrase
	onRead  func(text string)      // Called before every chunk read
	streams map[string]*fakeSpeech // Last stream opened per phrase

	failOpens int // Opens that fail as if the provider were unreachable
}

func newFakeTTS() *fakeTTS {
	return &fakeTTS{
		status:  make(map[string]int),
		streams: make(map[string]*fakeSpeech),
	}
}

func (f *fakeTTS) Name() string { return "fake-tts" }

func (f *fakeTTS) OpenStream(ctx context.Context, text string) (tts.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, text)
	if f.failOpens > 0 {
		f.failOpens--
		return nil, errors.New("dial tcp: connection refused")
	}
	if status, ok := f.status[text]; ok {
		return nil, &tts.SynthesisError{Provider: f.Name(), Status: status, Detail: "rejected"}
	}
	s := &fakeSpeech{
		ctx:    ctx,
		text:   text,
		chunks: [][]byte{[]byte(text + "/1"), []byte(text + "/2")},
		onRead: f.onRead,
	}
	f.streams[text] = s
	return s, nil
}

func (f *fakeTTS) Opens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opens...)
}

type fakeSpeech struct {
	ctx    context.Context
	text   string
	chunks [][]byte
	read   int
	closed bool
	onRead func(text string)
}

func (s *fakeSpeech) Next() ([]byte, error) {
	if s.onRead != nil {
		s.onRead(s.text)
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if s.read >= len(s.chunks) {
		return nil, iterator.Done
	}
	c := s.chunks[s.read]
	s.read++
	return c, nil
}

func (s *fakeSpeech) Close() error {
	s.closed = true
	return nil
}

// fakeLLM streams a fixed token list.
type fakeLLM struct {
	tokens  []string
	openErr error
	opens   int
	last    *fakeTokens
	req     conversation.Request // Last request opened
}

func (f *fakeLLM) Name() string { return "fake-llm" }

func (f *fakeLLM) OpenStream(ctx context.Context, req conversation.Request) (llm.TokenStream, error) {
	f.opens++
	f.req = req
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.last = &fakeTokens{ctx: ctx, tokens: f.tokens}
	return f.last, nil
}

type fakeTokens struct {
	ctx    context.Context
	tokens []string
	read   int
	closed bool
}

func (s *fakeTokens) Next() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.read >= len(s.tokens) {
		return "", iterator.Done
	}
	tok := s.tokens[s.read]
	s.read++
	return tok, nil
}

func (s *fakeTokens) Close() error {
	s.closed = true
	return nil
}
