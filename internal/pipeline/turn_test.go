package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"

	"github.com/healthsimple/companion-gateway/internal/conversation"
	"github.com/healthsimple/companion-gateway/internal/llm"
	"github.com/healthsimple/companion-gateway/internal/resilience"
	"github.com/healthsimple/companion-gateway/internal/tts"
)

func newTestRunner(model *fakeLLM, speech *fakeTTS) *Runner {
	initiator := testInitiator()
	return NewRunner(model, NewSynthesizer(speech, initiator), initiator, 25)
}

func TestTurn_SpeaksWholeResponse(t *testing.T) {
	model := &fakeLLM{tokens: []string{"Hello", " there.", "", " How are", " you today?"}}
	speech := newFakeTTS()

	var results []Result
	turn := newTestRunner(model, speech).Start(context.Background(), conversation.Request{UserText: "hi"},
		zerolog.Nop(), func(r Result) { results = append(results, r) })

	got, err := drain(turn)
	if !errors.Is(err, iterator.Done) {
		t.Fatalf("Expected iterator.Done, got %v", err)
	}
	want := []string{"Hello there./1", "Hello there./2", "How are you today?/1", "How are you today?/2"}
	if len(got) != len(want) {
		t.Fatalf("Expected audio %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected chunk %d to be '%s', got '%s'", i, want[i], got[i])
		}
	}

	turn.Close()
	turn.Close()

	if len(results) != 1 {
		t.Fatalf("Expected onDone once, got %d calls", len(results))
	}
	r := results[0]
	if !r.Completed || r.Err != nil {
		t.Errorf("Expected completed turn, got %+v", r)
	}
	if r.Response != "Hello there. How are you today?" {
		t.Errorf("Expected full response text, got '%s'", r.Response)
	}
	if r.TurnID != turn.ID || turn.ID == "" {
		t.Errorf("Expected result for turn '%s', got '%s'", turn.ID, r.TurnID)
	}
	if !model.last.closed {
		t.Error("Expected token stream to be closed")
	}
}

func TestTurn_LazyOpen(t *testing.T) {
	model := &fakeLLM{tokens: []string{"Hi."}}
	turn := newTestRunner(model, newFakeTTS()).Start(context.Background(), conversation.Request{}, zerolog.Nop(), nil)
	defer turn.Close()

	if model.opens != 0 {
		t.Errorf("Expected no LLM request before Next, got %d", model.opens)
	}
}

func TestTurn_LLMRejected(t *testing.T) {
	model := &fakeLLM{openErr: &llm.ProviderError{Provider: "fake-llm", Status: 401, Err: errors.New("bad key")}}
	speech := newFakeTTS()

	var result Result
	turn := newTestRunner(model, speech).Start(context.Background(), conversation.Request{}, zerolog.Nop(),
		func(r Result) { result = r })

	_, err := turn.Next()
	var provErr *llm.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("Expected ProviderError, got %v", err)
	}
	if model.opens != 1 {
		t.Errorf("Expected a single attempt for 401, got %d", model.opens)
	}
	if _, again := turn.Next(); !errors.Is(again, err) {
		t.Errorf("Expected sticky error, got %v", again)
	}
	turn.Close()

	if result.Completed || result.Err == nil {
		t.Errorf("Expected failed result, got %+v", result)
	}
	if len(speech.Opens()) != 0 {
		t.Errorf("Expected no synthesis, got %v", speech.Opens())
	}
}

func TestTurn_CloseEarlyIsCancellation(t *testing.T) {
	model := &fakeLLM{tokens: []string{"First sentence.", " Second sentence."}}
	speech := newFakeTTS()

	var result Result
	turn := newTestRunner(model, speech).Start(context.Background(), conversation.Request{}, zerolog.Nop(),
		func(r Result) { result = r })

	if _, err := turn.Next(); err != nil {
		t.Fatalf("Expected first chunk, got %v", err)
	}
	turn.Close()

	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", result.Err)
	}
	if result.Completed {
		t.Error("Expected incomplete turn")
	}
	if result.Response != "First sentence." {
		t.Errorf("Expected partial response 'First sentence.', got '%s'", result.Response)
	}
	if !speech.streams["First sentence."].closed {
		t.Error("Expected in-flight synthesis to be closed")
	}
}

func TestTurn_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &fakeLLM{tokens: []string{"One.", " Two."}}
	turn := newTestRunner(model, newFakeTTS()).Start(ctx, conversation.Request{}, zerolog.Nop(), nil)
	defer turn.Close()

	if _, err := turn.Next(); err != nil {
		t.Fatalf("Expected first chunk, got %v", err)
	}
	cancel()

	if _, err := turn.Next(); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{&resilience.StreamInitiationError{Provider: "fake-llm", Err: errors.New("x")}, "stream_initiation"},
		{&tts.SynthesisError{Provider: "fake-tts", Status: 503}, "synthesis"},
		{errors.New("stream reset"), "stream"},
	}
	for _, tt := range tests {
		if got := errorType(tt.err); got != tt.expected {
			t.Errorf("Expected error type '%s', got '%s'", tt.expected, got)
		}
	}
}
