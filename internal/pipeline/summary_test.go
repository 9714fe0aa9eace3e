package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/healthsimple/companion-gateway/internal/conversation"
	"github.com/healthsimple/companion-gateway/internal/llm"
)

func TestRunner_Summarize(t *testing.T) {
	model := &fakeLLM{tokens: []string{" You took", "", " a moment to breathe. "}}
	speech := newFakeTTS()
	runner := newTestRunner(model, speech)
	turns := []conversation.Turn{
		{Role: conversation.RoleUser, Text: "I feel tense."},
		{Role: conversation.RoleAssistant, Text: "Let's breathe."},
	}

	note, err := runner.Summarize(context.Background(), turns, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if note != "You took a moment to breathe." {
		t.Errorf("Expected trimmed summary, got '%s'", note)
	}
	if !strings.Contains(model.req.UserText, "User: I feel tense.\nAssistant: Let's breathe.") {
		t.Errorf("Expected transcript in request, got %q", model.req.UserText)
	}
	if !model.last.closed {
		t.Error("Expected token stream to be closed")
	}
	if len(speech.Opens()) != 0 {
		t.Errorf("Expected nothing synthesized, got %v", speech.Opens())
	}
}

func TestRunner_SummarizeErrors(t *testing.T) {
	tests := []struct {
		name  string
		model *fakeLLM
		check func(error) bool
	}{
		{
			name:  "rejected",
			model: &fakeLLM{openErr: &llm.ProviderError{Provider: "fake-llm", Status: 401, Err: errors.New("bad key")}},
			check: func(err error) bool {
				var provErr *llm.ProviderError
				return errors.As(err, &provErr)
			},
		},
		{
			name:  "empty",
			model: &fakeLLM{tokens: []string{"  ", "\n"}},
			check: func(err error) bool { return errors.Is(err, ErrEmptySummary) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newTestRunner(tt.model, newFakeTTS())
			note, err := runner.Summarize(context.Background(), nil, time.Now())
			if !tt.check(err) {
				t.Errorf("Unexpected error %v", err)
			}
			if note != "" {
				t.Errorf("Expected no summary, got '%s'", note)
			}
		})
	}
}
