package conversation

import (
	"strings"
	"time"
)

// SummaryPrompt asks for a reflection on a finished session, written for the
// user.
const SummaryPrompt = `You are a reflective wellness companion.

Summarize the following conversation session in a gentle, supportive way.

Rules:
- Do NOT diagnose or label the user
- Do NOT mention biometric data or tools
- Use uncertainty-aware, compassionate language
- Focus on emotional themes, moments of grounding, and what seemed important
- Keep it concise (5-8 sentences max)
- This summary is for the user, not a clinician`

// SummaryRequest builds the request for a session reflection. The whole
// transcript goes into one user message; there is no system prompt, history
// or state context.
func SummaryRequest(turns []Turn, now time.Time) Request {
	var b strings.Builder
	b.WriteString(SummaryPrompt)
	b.WriteString("\n\nConversation:\n")
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		b.WriteString(speaker(t.Role))
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return Request{UserText: b.String(), At: now}
}

func speaker(role Role) string {
	if role == RoleAssistant {
		return "Assistant"
	}
	return "User"
}
