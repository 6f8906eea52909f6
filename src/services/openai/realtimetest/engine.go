// Package realtimetest provides a scripted realtime engine for tests
package realtimetest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Options controls how the fake engine reacts on its own
type Options struct {
	// Confirm answers session.update with session.updated
	Confirm bool
	// RejectSession answers session.update with an error event carrying this
	// code instead
	RejectSession string
	// AutoCreate answers every response.create with response.created
	AutoCreate bool
}

// Received is one client message seen by the engine
type Received struct {
	Type string
	Raw  json.RawMessage
}

// Engine is an httptest server that speaks the realtime protocol
type Engine struct {
	Server *httptest.Server
	URL    string

	opts     Options
	upgrader websocket.Upgrader

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	header    http.Header
	received  []Received
	responses int
	lastID    string
}

// New starts a fake engine
func New(opts Options) *Engine {
	e := &Engine{opts: opts}
	e.Server = httptest.NewServer(http.HandlerFunc(e.handle))
	e.URL = "ws" + strings.TrimPrefix(e.Server.URL, "http") + "/v1/realtime?model=test-model"
	return e
}

// Close drops any connection and stops the server
func (e *Engine) Close() {
	e.Drop()
	e.Server.Close()
}

func (e *Engine) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.conn = conn
	e.header = r.Header.Clone()
	e.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		e.mu.Lock()
		e.received = append(e.received, Received{Type: envelope.Type, Raw: append(json.RawMessage(nil), data...)})
		e.mu.Unlock()

		switch envelope.Type {
		case "session.update":
			if e.opts.RejectSession != "" {
				e.Error(e.opts.RejectSession, "session rejected")
			} else if e.opts.Confirm {
				e.Send(map[string]any{"type": "session.updated"})
			}
		case "response.create":
			if e.opts.AutoCreate {
				e.mu.Lock()
				e.responses++
				id := fmt.Sprintf("resp_%d", e.responses)
				e.lastID = id
				e.mu.Unlock()
				e.Created(id)
			}
		}
	}
}

// Send writes one JSON message to the connected client
func (e *Engine) Send(v any) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no client connected")
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// Drop closes the client connection without a close handshake
func (e *Engine) Drop() {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

// Header returns the upgrade request headers of the last connection
func (e *Engine) Header() http.Header {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.header
}

// Count returns how many client messages of the given type arrived
func (e *Engine) Count(eventType string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range e.received {
		if r.Type == eventType {
			n++
		}
	}
	return n
}

// Received returns the client messages in arrival order
func (e *Engine) Received() []Received {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Received(nil), e.received...)
}

// Types returns the types of the client messages in arrival order
func (e *Engine) Types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	types := make([]string, len(e.received))
	for i, r := range e.received {
		types[i] = r.Type
	}
	return types
}

// LastResponseID is the id of the most recent automatic response.created
func (e *Engine) LastResponseID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastID
}

func (e *Engine) Created(responseID string) error {
	return e.Send(map[string]any{
		"type":     "response.created",
		"response": map[string]any{"id": responseID, "status": "in_progress"},
	})
}

// Speak sends one audio delta and one transcript delta for a response
func (e *Engine) Speak(responseID string, pcm []byte, text string) error {
	if pcm != nil {
		if err := e.Send(map[string]any{
			"type":        "response.audio.delta",
			"response_id": responseID,
			"delta":       base64.StdEncoding.EncodeToString(pcm),
		}); err != nil {
			return err
		}
	}
	if text == "" {
		return nil
	}
	return e.Send(map[string]any{
		"type":        "response.audio_transcript.delta",
		"response_id": responseID,
		"delta":       text,
	})
}

// Done sends response.done with the given status
func (e *Engine) Done(responseID, status string) error {
	return e.Send(map[string]any{
		"type":     "response.done",
		"response": map[string]any{"id": responseID, "status": status},
	})
}

func (e *Engine) SpeechStarted() error {
	return e.Send(map[string]any{"type": "input_audio_buffer.speech_started", "audio_start_ms": 100})
}

func (e *Engine) SpeechStopped() error {
	return e.Send(map[string]any{"type": "input_audio_buffer.speech_stopped", "audio_end_ms": 900})
}

// CallerTranscript sends the transcription of a committed caller item
func (e *Engine) CallerTranscript(itemID, text string) error {
	return e.Send(map[string]any{
		"type":          "conversation.item.input_audio_transcription.completed",
		"item_id":       itemID,
		"content_index": 0,
		"transcript":    text,
	})
}

// Error sends an error event not tied to any client message
func (e *Engine) Error(code, message string) error {
	return e.Reject("", code, message)
}

// Reject sends an error event naming the client message it refers to
func (e *Engine) Reject(eventID, code, message string) error {
	body := map[string]any{"type": "invalid_request_error", "code": code, "message": message}
	if eventID != "" {
		body["event_id"] = eventID
	}
	return e.Send(map[string]any{"type": "error", "error": body})
}

// EventID returns the event_id of the last client message of the given type
func (e *Engine) EventID(eventType string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.received) - 1; i >= 0; i-- {
		if e.received[i].Type != eventType {
			continue
		}
		var msg struct {
			EventID string `json:"event_id"`
		}
		_ = json.Unmarshal(e.received[i].Raw, &msg)
		return msg.EventID
	}
	return ""
}
