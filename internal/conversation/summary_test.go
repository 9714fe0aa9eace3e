package conversation

import (
	"strings"
	"testing"
)

func TestSummaryRequest(t *testing.T) {
	turns := []Turn{
		{Role: RoleUser, Text: "I couldn't sleep.", At: testNow},
		{Role: RoleAssistant, Text: " Let's slow down together. ", At: testNow},
		{Role: RoleUser, Text: "   ", At: testNow},
	}

	req := SummaryRequest(turns, testNow)

	if req.System != "" || len(req.History) != 0 || req.StateContext != "" {
		t.Errorf("Expected a single user message, got %+v", req)
	}
	if !strings.HasPrefix(req.UserText, SummaryPrompt) {
		t.Error("Expected the reflection instructions first")
	}
	want := "Conversation:\nUser: I couldn't sleep.\nAssistant: Let's slow down together.\n"
	if !strings.HasSuffix(req.UserText, want) {
		t.Errorf("Expected transcript %q at the end, got %q", want, req.UserText)
	}
	if req.Prompt() != req.UserText {
		t.Error("Expected the summary request to be sent without framing")
	}
	if !req.At.Equal(testNow) {
		t.Errorf("Expected request time %v, got %v", testNow, req.At)
	}
}
