package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/api/iterator"

	"github.com/healthsimple/companion-gateway/internal/conversation"
	"github.com/healthsimple/companion-gateway/internal/llm"
	"github.com/healthsimple/companion-gateway/internal/observability"
	"github.com/healthsimple/companion-gateway/internal/resilience"
)

// ErrEmptySummary is returned when the model produced no text.
var ErrEmptySummary = errors.New("pipeline: empty summary")

// Summarize asks the language model for a reflection on a finished
// conversation. The reply is collected as text and never spoken.
func (r *Runner) Summarize(ctx context.Context, turns []conversation.Turn, now time.Time) (string, error) {
	req := conversation.SummaryRequest(turns, now)
	stream, err := resilience.OpenStream(ctx, r.initiator, r.llm.Name(),
		func(ctx context.Context) (llm.TokenStream, error) {
			return r.llm.OpenStream(ctx, req)
		})
	if err != nil {
		if !observability.IsCancellation(err) {
			observability.RecordError(errorType(err), "summary")
		}
		return "", err
	}
	defer stream.Close()

	var b strings.Builder
	for {
		tok, err := stream.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			if !observability.IsCancellation(err) {
				observability.RecordError("stream", "summary")
			}
			return "", err
		}
		b.WriteString(tok)
	}

	note := strings.TrimSpace(b.String())
	if note == "" {
		return "", ErrEmptySummary
	}
	return note, nil
}
