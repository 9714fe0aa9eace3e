package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"

	"github.com/healthsimple/companion-gateway/internal/audio"
	"github.com/healthsimple/companion-gateway/internal/conversation"
	"github.com/healthsimple/companion-gateway/internal/llm"
	"github.com/healthsimple/companion-gateway/internal/physio"
	"github.com/healthsimple/companion-gateway/internal/pipeline"
	"github.com/healthsimple/companion-gateway/internal/resilience"
	"github.com/healthsimple/companion-gateway/internal/session"
	"github.com/healthsimple/companion-gateway/internal/store"
	"github.com/healthsimple/companion-gateway/internal/stt"
	"github.com/healthsimple/companion-gateway/internal/tts"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type replyLLM struct {
	reply []string
}

func (replyLLM) Name() string { return "reply" }

func (m replyLLM) OpenStream(ctx context.Context, req conversation.Request) (llm.TokenStream, error) {
	return &tokenList{tokens: append([]string(nil), m.reply...)}, nil
}

type tokenList struct {
	tokens []string
}

func (t *tokenList) Next() (string, error) {
	if len(t.tokens) == 0 {
		return "", iterator.Done
	}
	tok := t.tokens[0]
	t.tokens = t.tokens[1:]
	return tok, nil
}

func (t *tokenList) Close() error { return nil }

// textTTS "speaks" a phrase as its own bytes, or rejects it with status.
type textTTS struct {
	status int
}

func (textTTS) Name() string { return "text" }

func (f textTTS) OpenStream(ctx context.Context, text string) (tts.Stream, error) {
	if f.status != 0 {
		return nil, &tts.SynthesisError{Provider: "text", Status: f.status}
	}
	return &byteStream{data: []byte(text)}, nil
}

type byteStream struct {
	data []byte
}

func (b *byteStream) Next() ([]byte, error) {
	if b.data == nil {
		return nil, iterator.Done
	}
	d := b.data
	b.data = nil
	return d, nil
}

func (b *byteStream) Close() error { return nil }

// echoTranscriber turns every audio frame it receives into a transcript.
type echoTranscriber struct {
	frames      chan []byte
	transcripts chan stt.Transcript
}

func newEchoTranscriber() *echoTranscriber {
	return &echoTranscriber{
		frames:      make(chan []byte, 8),
		transcripts: make(chan stt.Transcript, 8),
	}
}

func (e *echoTranscriber) Start(ctx context.Context) error { return nil }

func (e *echoTranscriber) SendAudio(data []byte) error {
	e.frames <- data
	e.transcripts <- stt.Transcript{Text: "hello from the mic", Confidence: 0.9}
	return nil
}

func (e *echoTranscriber) Transcripts() <-chan stt.Transcript { return e.transcripts }

func (e *echoTranscriber) Close() error {
	close(e.transcripts)
	return nil
}

func newTestServer(t *testing.T, speech textTTS, opts ...Option) (*httptest.Server, *session.Manager) {
	t.Helper()
	initiator := resilience.NewStreamInitiator(nil)
	model := replyLLM{reply: []string{"Breathe in.", " Breathe out."}}
	runner := pipeline.NewRunner(model, pipeline.NewSynthesizer(speech, initiator), initiator, 25)
	sessions := session.NewManager(session.Options{
		Runner: runner,
		Store:  store.NewMemory(),
		Now:    func() time.Time { return testNow },
	})

	mux := http.NewServeMux()
	opts = append(opts, WithClock(func() time.Time { return testNow }))
	NewServer(sessions, opts...).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, sessions
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestFeaturesAndState(t *testing.T) {
	srv, _ := newTestServer(t, textTTS{})

	resp := postJSON(t, srv.URL+"/sessions/abc/features",
		`{"blink_rate": 6, "jaw_tension": "0.8", "breathing_rate": 28, "head_motion": "high"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var state physio.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	if state.ArousalLevel != physio.LevelHigh {
		t.Errorf("Expected arousal high, got %s", state.ArousalLevel)
	}

	get, err := http.Get(srv.URL + "/sessions/abc/state")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 for state, got %d", get.StatusCode)
	}
}

func TestState_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, textTTS{})

	resp, err := http.Get(srv.URL + "/sessions/unknown/state")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestBadRequests(t *testing.T) {
	srv, _ := newTestServer(t, textTTS{})

	tests := []struct {
		name string
		path string
		body string
	}{
		{"malformed features", "/sessions/abc/features", `{"blink_rate":`},
		{"invalid session id", "/sessions/a.b/features", `{}`},
		{"malformed turn", "/sessions/abc/turns", `not json`},
		{"empty text", "/sessions/abc/turns", `{"text": "  "}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+tt.path, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestTurn_StreamsAudio(t *testing.T) {
	srv, sessions := newTestServer(t, textTTS{})

	resp := postJSON(t, srv.URL+"/sessions/abc/turns", `{"text": "I feel tense"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Expected audio/mpeg, got '%s'", ct)
	}
	if resp.Header.Get("X-Turn-ID") == "" {
		t.Error("Expected X-Turn-ID header")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Breathe in.Breathe out." {
		t.Errorf("Expected phrases in order, got '%s'", body)
	}

	sess, err := sessions.Get("abc")
	if err != nil {
		t.Fatalf("Expected session to exist: %v", err)
	}
	// The reply is recorded once the handler has closed the turn
	deadline := time.Now().Add(time.Second)
	for len(sess.History()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(sess.History()); got != 2 {
		t.Errorf("Expected 2 turns in history, got %d", got)
	}
}

func TestTurn_Conflict(t *testing.T) {
	srv, sessions := newTestServer(t, textTTS{})

	sess, _ := sessions.Open(context.Background(), "abc")
	turn, err := sess.StartTurn(context.Background(), "first")
	if err != nil {
		t.Fatalf("StartTurn() failed: %v", err)
	}
	defer turn.Close()

	resp := postJSON(t, srv.URL+"/sessions/abc/turns", `{"text": "second"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", resp.StatusCode)
	}
}

func TestTurn_ProviderFailure(t *testing.T) {
	srv, _ := newTestServer(t, textTTS{status: 401})

	resp := postJSON(t, srv.URL+"/sessions/abc/turns", `{"text": "hello"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", resp.StatusCode)
	}
}

func TestEndAndSummary(t *testing.T) {
	srv, sessions := newTestServer(t, textTTS{})

	turn := postJSON(t, srv.URL+"/sessions/abc/turns", `{"text": "I feel tense"}`)
	io.ReadAll(turn.Body)
	sess, _ := sessions.Get("abc")
	deadline := time.Now().Add(time.Second)
	for sess.Busy() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	resp := postJSON(t, srv.URL+"/sessions/abc/end", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var summary store.Summary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("Failed to decode summary: %v", err)
	}
	if summary.SessionID != "abc" || summary.Note != "Breathe in. Breathe out." {
		t.Errorf("Expected summary of abc, got %+v", summary)
	}

	get, err := http.Get(srv.URL + "/sessions/abc/summary")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer get.Body.Close()
	var stored store.Summary
	json.NewDecoder(get.Body).Decode(&stored)
	if get.StatusCode != http.StatusOK || stored.Note != summary.Note {
		t.Errorf("Expected stored summary, got %d %+v", get.StatusCode, stored)
	}

	if _, err := sessions.Get("abc"); err == nil {
		t.Error("Expected session to be closed")
	}
}

func TestEnd_Errors(t *testing.T) {
	srv, sessions := newTestServer(t, textTTS{})

	sessions.Open(context.Background(), "empty")
	busy, _ := sessions.Open(context.Background(), "busy")
	turn, err := busy.StartTurn(context.Background(), "first")
	if err != nil {
		t.Fatalf("StartTurn() failed: %v", err)
	}
	defer turn.Close()

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown session", "/sessions/unknown/end", http.StatusNotFound},
		{"turn active", "/sessions/busy/end", http.StatusConflict},
		{"no conversation", "/sessions/empty/end", http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+tt.path, `{}`)
			if resp.StatusCode != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}

	get, err := http.Get(srv.URL + "/sessions/unknown/summary")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404 for missing summary, got %d", get.StatusCode)
	}
}

func TestValidSessionID(t *testing.T) {
	tests := []struct {
		id       string
		expected bool
	}{
		{"abc", true},
		{"user_42-session", true},
		{"", false},
		{"a:b", false},
		{"a/b", false},
		{strings.Repeat("a", 129), false},
	}
	for _, tt := range tests {
		if got := validSessionID(tt.id); got != tt.expected {
			t.Errorf("Expected validSessionID(%q) = %v, got %v", tt.id, tt.expected, got)
		}
	}
}

func readServerMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() failed: %v", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Failed to decode message: %v", err)
		}
		return msg
	}
}

func TestWebSocket_FeaturesAndTurn(t *testing.T) {
	srv, _ := newTestServer(t, textTTS{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/abc/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	conn.WriteJSON(ClientMessage{Type: "features", Data: map[string]any{"blink_rate": 18, "jaw_tension": 0.2}})
	msg := readServerMessage(t, conn)
	if msg.Type != "state" || msg.State == nil {
		t.Fatalf("Expected state message, got %+v", msg)
	}

	conn.WriteJSON(ClientMessage{Type: "text", Text: "hello"})
	start := readServerMessage(t, conn)
	if start.Type != "turn_start" || start.TurnID == "" {
		t.Fatalf("Expected turn_start, got %+v", start)
	}

	var audio bytes.Buffer
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() failed: %v", err)
		}
		if kind == websocket.BinaryMessage {
			audio.Write(data)
			continue
		}
		var end ServerMessage
		json.Unmarshal(data, &end)
		if end.Type != "turn_end" || end.TurnID != start.TurnID {
			t.Fatalf("Expected turn_end for %s, got %+v", start.TurnID, end)
		}
		break
	}
	if audio.String() != "Breathe in.Breathe out." {
		t.Errorf("Expected audio in phrase order, got '%s'", audio.String())
	}
}

func TestWebSocket_AudioWithoutVoiceInput(t *testing.T) {
	srv, _ := newTestServer(t, textTTS{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/abc/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
	msg := readServerMessage(t, conn)
	if msg.Type != "error" {
		t.Errorf("Expected error message, got %+v", msg)
	}
}

func TestWebSocket_VoiceInput(t *testing.T) {
	transcriber := newEchoTranscriber()
	srv, _ := newTestServer(t, textTTS{},
		WithTranscriber(func(zerolog.Logger) stt.Transcriber { return transcriber }),
		WithMicInput(audio.MicConfig{Encoding: audio.EncodingLinear16, SampleRate: 16000}, true),
	)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/abc/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Less than one 100ms frame is buffered, not sent
	conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1000))
	conn.WriteMessage(websocket.BinaryMessage, make([]byte, 2200))

	msg := readServerMessage(t, conn)
	if msg.Type != "transcript" || msg.Text != "hello from the mic" {
		t.Fatalf("Expected transcript message, got %+v", msg)
	}
	if frame := <-transcriber.frames; len(frame) != 3200 {
		t.Errorf("Expected a 3200-byte frame, got %d bytes", len(frame))
	}
	if start := readServerMessage(t, conn); start.Type != "turn_start" {
		t.Errorf("Expected the transcript to start a turn, got %+v", start)
	}
}
