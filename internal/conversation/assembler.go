// Package conversation assembles language-model requests from a session's
// turn history and its latest interpreted physiological state.
package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/healthsimple/companion-gateway/internal/physio"
)

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = `You are a calm, attentive wellness companion. Respond briefly and warmly, in plain spoken language.
You may receive a summary of the user's physiological state. Use it to adapt your tone and pacing, never to diagnose, and never mention raw measurements.
If the user seems distressed beyond conversational support, gently encourage them to seek outside help.`

// Request is everything a language provider needs for one turn.
type Request struct {
	System       string
	History      []Turn // Turns before this one, oldest first
	UserText     string
	StateContext string // Categorical state summary, never raw numbers
	At           time.Time
}

// Prompt frames the user's words and the state summary as the final user
// message. A request without state context is sent as is.
func (r Request) Prompt() string {
	if r.StateContext == "" {
		return r.UserText
	}
	var b strings.Builder
	b.WriteString("\n----START OF USER INPUT----\n")
	b.WriteString(r.UserText)
	b.WriteString("\n----END OF USER INPUT----\n")
	b.WriteString("\n----USER STATE FROM PHYSICAL SIGNALS: ")
	b.WriteString(r.StateContext)
	b.WriteString("----\n")
	return b.String()
}

// Assembler builds provider requests.
type Assembler struct {
	System string
}

// NewAssembler creates an Assembler. An empty prompt uses DefaultSystemPrompt.
func NewAssembler(systemPrompt string) *Assembler {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &Assembler{System: systemPrompt}
}

// Assemble records the user's turn in history and returns the request for
// it. state may be nil when no sample has been received.
func (a *Assembler) Assemble(state *physio.State, history *History, userText string, now time.Time) Request {
	prior := history.Turns()
	history.Append(Turn{Role: RoleUser, Text: userText, At: now})

	return Request{
		System:       a.System,
		History:      prior,
		UserText:     userText,
		StateContext: Summarize(state),
		At:           now,
	}
}

// Summarize renders state as categorical text.
func Summarize(state *physio.State) string {
	if state == nil {
		return "unavailable"
	}

	parts := []string{
		fmt.Sprintf("arousal %s", state.ArousalLevel),
		fmt.Sprintf("cognitive load %s", state.CognitiveLoad),
		fmt.Sprintf("regulation %s", state.RegulationState),
		fmt.Sprintf("breathing %s", state.BreathingPattern),
	}
	if len(state.StressIndicators) > 0 {
		parts = append(parts, "signs of "+strings.Join(state.StressIndicators, ", "))
	}
	if state.Trend.Status == physio.TrendAnalyzed {
		parts = append(parts, fmt.Sprintf("blink rate %s, jaw tension %s", state.Trend.BlinkRate, state.Trend.JawTension))
	}
	parts = append(parts, fmt.Sprintf("signal reliability %s", reliability(state.Confidence)))

	return strings.Join(parts, "; ")
}

func reliability(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return "high"
	case confidence >= 0.5:
		return "moderate"
	default:
		return "low"
	}
}
