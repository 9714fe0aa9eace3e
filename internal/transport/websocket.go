package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"

	"github.com/healthsimple/companion-gateway/internal/audio"
	"github.com/healthsimple/companion-gateway/internal/observability"
	"github.com/healthsimple/companion-gateway/internal/physio"
	"github.com/healthsimple/companion-gateway/internal/pipeline"
	"github.com/healthsimple/companion-gateway/internal/session"
	"github.com/healthsimple/companion-gateway/internal/stt"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients are served from other origins; auth happens upstream
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const wsWriteTimeout = 10 * time.Second

// Client message types
const (
	msgFeatures = "features"
	msgText     = "text"
	msgCancel   = "cancel"
)

// Server message types
const (
	msgState      = "state"
	msgTranscript = "transcript"
	msgTurnStart  = "turn_start"
	msgTurnEnd    = "turn_end"
	msgError      = "error"
)

// ClientMessage is a JSON text frame sent by the client. Binary frames
// carry microphone audio.
type ClientMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"` // Feature record for "features"
	Text string         `json:"text,omitempty"` // User text for "text"
}

// ServerMessage is a JSON text frame sent to the client. Audio is sent as
// binary frames between turn_start and turn_end.
type ServerMessage struct {
	Type    string        `json:"type"`
	TurnID  string        `json:"turn_id,omitempty"`
	Text    string        `json:"text,omitempty"`
	Message string        `json:"message,omitempty"`
	State   *physio.State `json:"state,omitempty"`
}

// wsSession holds one WebSocket connection to a companion session
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	server  *Server
	session *session.Session
	stt     stt.Transcriber
	mic     *audio.MicInput
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	cancelTurn context.CancelFunc
}

// handleWebSocket upgrades the connection and serves it until the client
// disconnects. Disconnecting cancels the active turn.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Open(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("Failed to open session")
		writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	ws := &wsSession{
		conn:    conn,
		server:  s,
		session: sess,
		logger: observability.WithCorrelationID("").With().
			Str("session_id", id).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	ws.logger.Info().Msg("WebSocket connection established")

	if s.newTranscriber != nil {
		ws.startTranscriber()
	}

	ws.readLoop()

	cancel()
	if ws.stt != nil {
		if rest := ws.mic.Flush(); rest != nil {
			ws.stt.SendAudio(rest)
		}
		ws.stt.Close()
	}
	ws.wg.Wait()
	ws.logger.Info().Msg("WebSocket connection closed")
}

func (ws *wsSession) startTranscriber() {
	transcriber := ws.server.newTranscriber(ws.logger)
	if err := transcriber.Start(ws.ctx); err != nil {
		ws.logger.Error().Err(err).Msg("Voice input unavailable")
		ws.sendError("voice input unavailable")
		transcriber.Close()
		return
	}
	ws.stt = transcriber
	ws.mic = audio.NewMicInput(ws.server.mic)

	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		for t := range transcriber.Transcripts() {
			ws.send(ServerMessage{Type: msgTranscript, Text: t.Text})
			ws.startTurn(t.Text)
		}
	}()
}

// readLoop handles all incoming frames until the connection fails
func (ws *wsSession) readLoop() {
	for {
		kind, message, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ws.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if kind == websocket.BinaryMessage {
			ws.handleAudio(message)
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			ws.sendError("invalid message")
			continue
		}

		switch msg.Type {
		case msgFeatures:
			state := ws.session.Ingest(physio.ParseSample(msg.Data, ws.server.now()))
			ws.send(ServerMessage{Type: msgState, State: &state})

		case msgText:
			ws.startTurn(msg.Text)

		case msgCancel:
			ws.interrupt()

		default:
			ws.sendError("unknown message type " + msg.Type)
		}
	}
}

func (ws *wsSession) handleAudio(data []byte) {
	if ws.stt == nil {
		ws.sendError("voice input is not enabled")
		return
	}
	frames, speechStarted := ws.mic.Write(data)
	if speechStarted && ws.server.bargeIn {
		ws.interrupt()
	}
	for _, frame := range frames {
		if err := ws.stt.SendAudio(frame); err != nil {
			ws.logger.Warn().Err(err).Msg("Error sending audio to speech-to-text")
			return
		}
	}
}

// interrupt cancels the active turn, if any.
func (ws *wsSession) interrupt() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.cancelTurn != nil && ws.session.Busy() {
		ws.logger.Info().Msg("Interrupting active turn")
		ws.cancelTurn()
	}
}

// startTurn starts a turn and streams its audio from a new goroutine.
func (ws *wsSession) startTurn(text string) {
	ctx, cancel := context.WithCancel(ws.ctx)
	turn, err := ws.session.StartTurn(ctx, text)
	if err != nil {
		cancel()
		ws.sendError(err.Error())
		return
	}

	ws.mu.Lock()
	ws.cancelTurn = cancel
	ws.mu.Unlock()

	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		defer cancel()
		defer turn.Close()
		ws.streamTurn(turn)
	}()
}

func (ws *wsSession) streamTurn(turn *pipeline.Turn) {
	if err := ws.send(ServerMessage{Type: msgTurnStart, TurnID: turn.ID}); err != nil {
		return
	}
	for {
		chunk, err := turn.Next()
		if errors.Is(err, iterator.Done) {
			ws.send(ServerMessage{Type: msgTurnEnd, TurnID: turn.ID})
			return
		}
		if err != nil {
			if !observability.IsCancellation(err) {
				ws.send(ServerMessage{Type: msgError, TurnID: turn.ID, Message: "speech generation failed"})
			} else if ws.ctx.Err() == nil {
				// Cancelled by the client; the connection is still open
				ws.send(ServerMessage{Type: msgTurnEnd, TurnID: turn.ID})
			}
			return
		}
		if err := ws.write(websocket.BinaryMessage, chunk.Data); err != nil {
			return
		}
	}
}

func (ws *wsSession) send(msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ws.write(websocket.TextMessage, data)
}

func (ws *wsSession) sendError(message string) {
	ws.send(ServerMessage{Type: msgError, Message: message})
}

// write serializes frames; gorilla allows one concurrent writer.
func (ws *wsSession) write(kind int, data []byte) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	ws.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := ws.conn.WriteMessage(kind, data); err != nil {
		ws.logger.Debug().Err(err).Msg("WebSocket write failed")
		ws.cancel()
		return err
	}
	return nil
}
