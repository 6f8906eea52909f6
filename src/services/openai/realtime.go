package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/square-key-labs/callbridge/src/audio"
	"github.com/square-key-labs/callbridge/src/frames"
	"github.com/square-key-labs/callbridge/src/logger"
	"github.com/square-key-labs/callbridge/src/metrics"
	"github.com/square-key-labs/callbridge/src/models"
	"github.com/square-key-labs/callbridge/src/services"
)

const writeTimeout = 5 * time.Second

var (
	// ErrConfirmationTimeout means session.updated never arrived
	ErrConfirmationTimeout = errors.New("session configuration was not acknowledged in time")
	ErrSessionClosed       = errors.New("realtime session closed")
	ErrNotReady            = errors.New("realtime session not ready")
)

// ConnectionError reports a failure to open, configure or keep the engine
// transport
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime connection failure during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// UnconfirmedPolicy says what Connect does when the configuration is never
// acknowledged
type UnconfirmedPolicy int

const (
	// UnconfirmedAbort fails Connect with ErrConfirmationTimeout
	UnconfirmedAbort UnconfirmedPolicy = iota
	// UnconfirmedProceed marks the session unconfirmed and carries on
	UnconfirmedProceed
)

// Config holds configuration for the realtime engine client
type Config struct {
	URL              string // full endpoint including ?model=
	APIKey           string
	Voice            string // used when the agent config has none
	HandshakeTimeout time.Duration
	OnUnconfirmed    UnconfirmedPolicy
	OutputBuffer     int // frames buffered towards the call handler
	Dialer           *websocket.Dialer
	Logger           *logger.Logger
	Metrics          *metrics.Metrics
}

// Session drives one call's conversation with the realtime engine
type Session struct {
	cfg     Config
	id      string
	log     *logger.Logger
	metrics *metrics.Metrics

	connMu sync.Mutex // Protects concurrent WebSocket writes

	mu             sync.Mutex
	conn           *websocket.Conn
	state          services.SessionState
	agent          models.AgentConfig
	unconfirmed    bool
	pendingTurn    bool
	activeResponse string
	// createEventID is the response.create still waiting for response.created
	createEventID string
	// cancelCreate is a response.create interrupted before its
	// response.created arrived; the cancel goes out with the id
	cancelCreate string
	eventSeq     int
	cancelled    map[string]bool
	transcript     strings.Builder
	err            error

	frames       chan frames.Frame
	confirmed    chan struct{}
	handshakeErr chan error
	done         chan struct{}
	finishOnce   sync.Once
}

var _ services.RealtimeSession = (*Session)(nil)

// NewSession creates an unconnected session
func NewSession(cfg Config) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = 256
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	id := uuid.NewString()
	base := cfg.Logger
	if base == nil {
		base = logger.GetDefault()
	}
	return &Session{
		cfg:          cfg,
		id:           id,
		log:          base.WithPrefix("RealtimeSession " + id[:8]),
		metrics:      cfg.Metrics,
		state:        services.StateDisconnected,
		cancelled:    make(map[string]bool),
		frames:       make(chan frames.Frame, cfg.OutputBuffer),
		confirmed:    make(chan struct{}),
		handshakeErr: make(chan error, 1),
		done:         make(chan struct{}),
	}
}

// ID identifies the session in logs
func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() services.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Unconfirmed reports whether the session is running without an
// acknowledged configuration
func (s *Session) Unconfirmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unconfirmed
}

func (s *Session) Frames() <-chan frames.Frame {
	return s.frames
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.String()
}

// Connect dials the engine, sends the agent configuration and waits for it
// to be acknowledged
func (s *Session) Connect(ctx context.Context, agent models.AgentConfig) error {
	s.mu.Lock()
	if s.state != services.StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("connect called in state %s", state)
	}
	s.state = services.StateConnecting
	s.agent = agent
	s.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		s.finish(nil)
		return &ConnectionError{Op: "dial", Err: err}
	}

	s.mu.Lock()
	if s.state == services.StateClosed {
		s.mu.Unlock()
		conn.Close()
		return &ConnectionError{Op: "dial", Err: ErrSessionClosed}
	}
	s.conn = conn
	s.state = services.StateAwaitingConfirmation
	s.mu.Unlock()

	go s.receiveEvents(conn)

	if err := s.send(NewSessionUpdate(s.sessionConfig(agent))); err != nil {
		s.Close()
		return &ConnectionError{Op: "configure", Err: err}
	}
	s.log.Info("Connected, awaiting configuration ack (timeout=%v)", s.cfg.HandshakeTimeout)

	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-s.confirmed:
		return nil

	case err := <-s.handshakeErr:
		s.Close()
		return &ConnectionError{Op: "handshake", Err: err}

	case <-s.done:
		err := s.Err()
		if err == nil {
			err = ErrSessionClosed
		}
		return &ConnectionError{Op: "handshake", Err: err}

	case <-ctx.Done():
		s.Close()
		return &ConnectionError{Op: "confirm", Err: ctx.Err()}

	case <-timer.C:
		return s.confirmationTimedOut()
	}
}

func (s *Session) confirmationTimedOut() error {
	s.mu.Lock()
	if s.state != services.StateAwaitingConfirmation {
		// Acknowledged at the same moment the timer fired
		s.mu.Unlock()
		return nil
	}
	if s.cfg.OnUnconfirmed == UnconfirmedAbort {
		s.mu.Unlock()
		s.log.Warn("No session.updated within %v, aborting", s.cfg.HandshakeTimeout)
		s.Close()
		return &ConnectionError{Op: "confirm", Err: ErrConfirmationTimeout}
	}
	s.state = services.StateReady
	s.unconfirmed = true
	s.mu.Unlock()

	s.log.Warn("No session.updated within %v, proceeding UNCONFIRMED", s.cfg.HandshakeTimeout)
	s.metrics.RecordHandshakeUnconfirmed()
	s.greet()
	return nil
}

func (s *Session) sessionConfig(agent models.AgentConfig) SessionConfig {
	voice := agent.Voice
	if voice == "" {
		voice = s.cfg.Voice
	}
	return SessionConfig{
		Modalities:              []string{"text", "audio"},
		Instructions:            BuildInstructions(agent),
		Voice:                   voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &InputTranscription{Model: "whisper-1"},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 500,
			CreateResponse:    false,
		},
	}
}

// SendAudio appends caller audio to the engine's input buffer
func (s *Session) SendAudio(pcm audio.PCM16) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case services.StateReady, services.StateResponding:
	case services.StateClosed:
		return ErrSessionClosed
	default:
		return ErrNotReady
	}
	return s.send(NewInputAudioAppend(base64.StdEncoding.EncodeToString(pcm.Bytes())))
}

// Interrupt cancels the response in flight and frees the response lock. A
// caller turn held back behind the cancelled response is answered next.
func (s *Session) Interrupt() bool {
	s.mu.Lock()
	if s.state != services.StateResponding {
		s.mu.Unlock()
		return false
	}
	id := s.activeResponse
	if id == "" {
		s.cancelCreate = s.createEventID
	} else {
		s.cancelled[id] = true
	}
	s.createEventID = ""
	s.activeResponse = ""
	pending := s.pendingTurn
	s.pendingTurn = false
	s.transcript.Reset()
	s.state = services.StateReady
	s.mu.Unlock()

	s.metrics.RecordResponseInterrupted()
	if id == "" {
		s.log.Debug("Response interrupted before response.created, cancel deferred")
	} else {
		s.cancel(id)
	}
	if pending {
		if _, err := s.requestResponse(nil, true); err != nil {
			s.log.Error("Error answering deferred turn: %v", err)
		}
	}
	return true
}

func (s *Session) cancel(responseID string) {
	if err := s.send(NewResponseCancel(responseID)); err != nil {
		s.log.Warn("Error sending response.cancel: %v", err)
		return
	}
	s.log.Debug("Response cancelled id=%s", responseID)
}

// Close ends the session from any state
func (s *Session) Close() error {
	s.finish(nil)
	return nil
}

func (s *Session) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.state = services.StateClosed
		s.err = err
		conn := s.conn
		s.mu.Unlock()

		close(s.done)
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
		if err != nil {
			s.log.Warn("Session ended: %v", err)
		} else {
			s.log.Info("Session closed")
		}
	})
}

func (s *Session) send(ev ClientEvent) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrSessionClosed
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("failed to send %s: %w", ev.EventType(), err)
	}
	return nil
}

func (s *Session) emit(f frames.Frame) {
	select {
	case s.frames <- f:
	case <-s.done:
	}
}

// greet makes the agent speak first on an inbound call
func (s *Session) greet() {
	s.mu.Lock()
	agent := s.agent
	s.mu.Unlock()
	if _, err := s.requestResponse(greetingOptions(agent), false); err != nil {
		s.log.Error("Error requesting greeting: %v", err)
	}
}

// requestResponse takes the response lock and asks the engine to speak. With
// commit set it first commits the caller's buffered audio; the two always go
// out together. When a response is already in flight nothing is sent and a
// committed turn is remembered for later.
func (s *Session) requestResponse(opts *ResponseOptions, commit bool) (bool, error) {
	s.mu.Lock()
	if s.state != services.StateReady {
		if s.state == services.StateResponding {
			if commit {
				s.pendingTurn = true
			}
			s.mu.Unlock()
			s.metrics.RecordResponseSuppressed()
			s.log.Debug("Response already in flight, request held back")
			return false, nil
		}
		state := s.state
		s.mu.Unlock()
		s.log.Debug("Ignoring response request in state %s", state)
		return false, nil
	}
	s.state = services.StateResponding
	s.activeResponse = ""
	s.eventSeq++
	eventID := fmt.Sprintf("evt_%s_%d", s.id[:8], s.eventSeq)
	s.createEventID = eventID
	s.mu.Unlock()

	if commit {
		if err := s.send(NewInputAudioCommit()); err != nil {
			return false, err
		}
	}
	if err := s.send(NewResponseCreate(eventID, opts)); err != nil {
		return false, err
	}
	s.metrics.RecordResponseRequested()
	return true, nil
}

func (s *Session) receiveEvents(conn *websocket.Conn) {
	defer close(s.frames)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			connErr := &ConnectionError{Op: "read", Err: err}
			if s.State() == services.StateAwaitingConfirmation {
				s.signalHandshake(connErr)
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Error("Error reading message: %v", err)
			}
			s.finish(connErr)
			return
		}

		ev, err := DecodeServerEvent(message)
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				s.metrics.RecordProtocolError(perr.Code)
			}
			s.log.Warn("Dropping engine message: %v", err)
			continue
		}
		s.handleEvent(ev)
	}
}

func (s *Session) signalHandshake(err error) {
	select {
	case s.handshakeErr <- err:
	default:
	}
}

func (s *Session) handleEvent(ev ServerEvent) {
	switch e := ev.(type) {
	case SessionCreated:
		s.log.Info("Engine session created id=%s model=%s", e.Session.ID, e.Session.Model)

	case SessionUpdated:
		s.onSessionUpdated()

	case SpeechStarted:
		s.emit(frames.NewSpeechStartedFrame(s.State() == services.StateResponding))

	case SpeechStopped:
		sent, err := s.requestResponse(nil, true)
		if err != nil {
			s.log.Error("Error requesting response: %v", err)
		} else if !sent {
			s.log.Debug("Caller turn ended while responding, deferred")
		}

	case InputAudioCommitted:
		s.log.Debug("Input committed item=%s", e.ItemID)

	case CallerTranscript:
		if strings.TrimSpace(e.Transcript) == "" {
			return
		}
		s.emit(frames.NewCallerTranscriptFrame(e.Transcript, e.ItemID, s.State() == services.StateResponding))

	case ResponseCreated:
		s.onResponseCreated(e.Response.ID)

	case AudioDelta:
		if s.isCancelled(e.ResponseID) {
			return
		}
		data, err := base64.StdEncoding.DecodeString(e.Delta)
		if err != nil {
			s.metrics.RecordCodecError(frames.Outbound.String())
			s.log.Warn("Dropping undecodable audio delta: %v", err)
			return
		}
		if _, err := audio.ParsePCM16(data); err != nil {
			s.metrics.RecordCodecError(frames.Outbound.String())
			s.log.Warn("Dropping audio delta: %v", err)
			return
		}
		f := frames.NewAudioFrame(audio.EngineFormat, data, frames.Outbound)
		f.ResponseID = e.ResponseID
		s.emit(f)

	case AudioDone:
		s.log.Debug("Audio done response=%s", e.ResponseID)

	case TranscriptDelta:
		s.mu.Lock()
		if !s.cancelledLocked(e.ResponseID) {
			s.transcript.WriteString(e.Delta)
		}
		s.mu.Unlock()

	case TranscriptDone:
		s.mu.Lock()
		if !s.cancelledLocked(e.ResponseID) && s.transcript.Len() == 0 {
			s.transcript.WriteString(e.Transcript)
		}
		s.mu.Unlock()

	case ResponseDone:
		s.onResponseDone(e.Response)

	case ErrorEvent:
		s.onError(e.AsProtocolError())

	case UnknownEvent:
		s.log.Debug("Unhandled engine event %s", e.Type)

	default:
		s.log.Warn("Unexpected event value %T", ev)
	}
}

func (s *Session) onSessionUpdated() {
	s.mu.Lock()
	switch {
	case s.state == services.StateAwaitingConfirmation:
		s.state = services.StateReady
		s.mu.Unlock()
		s.log.Info("Configuration acknowledged, session ready")
		s.greet()
		close(s.confirmed)
	case s.unconfirmed:
		s.unconfirmed = false
		s.mu.Unlock()
		s.log.Info("Late configuration ack received, session now confirmed")
	default:
		s.mu.Unlock()
		s.log.Debug("session.updated in state %s", s.State())
	}
}

func (s *Session) onResponseCreated(id string) {
	s.mu.Lock()
	if s.cancelCreate != "" {
		s.cancelCreate = ""
		s.cancelled[id] = true
		s.mu.Unlock()
		s.log.Debug("Response %s created after interrupt, cancelling", id)
		s.cancel(id)
		return
	}
	if s.state == services.StateResponding && s.activeResponse == "" {
		s.activeResponse = id
		s.createEventID = ""
	}
	s.mu.Unlock()
}

func (s *Session) onResponseDone(resp ResponseInfo) {
	s.mu.Lock()
	if s.cancelledLocked(resp.ID) {
		delete(s.cancelled, resp.ID)
		s.mu.Unlock()
		s.emit(frames.NewTranscriptFrame("", resp.ID, true))
		return
	}
	text := s.transcript.String()
	s.transcript.Reset()
	if s.state == services.StateResponding {
		s.state = services.StateReady
	}
	s.activeResponse = ""
	pending := s.pendingTurn
	s.pendingTurn = false
	s.mu.Unlock()

	s.emit(frames.NewTranscriptFrame(text, resp.ID, resp.Status == "cancelled"))

	if pending {
		if _, err := s.requestResponse(nil, true); err != nil {
			s.log.Error("Error answering deferred turn: %v", err)
		}
	}
}

func (s *Session) onError(perr *ProtocolError) {
	s.metrics.RecordProtocolError(perr.Code)

	s.mu.Lock()
	state := s.state
	// Only a rejected response.create frees the lock: it never produces
	// response.created or response.done. Errors about other messages, such
	// as an empty commit sent alongside it, leave the response running.
	switch {
	case perr.EventID == "":
	case perr.EventID == s.cancelCreate:
		s.cancelCreate = ""
	case perr.EventID == s.createEventID:
		s.createEventID = ""
		if state == services.StateResponding && s.activeResponse == "" {
			s.state = services.StateReady
			s.pendingTurn = false
		}
	}
	s.mu.Unlock()

	if state == services.StateAwaitingConfirmation || state == services.StateConnecting {
		s.signalHandshake(perr)
		return
	}
	s.log.Warn("Engine error code=%s param=%s: %s", perr.Code, perr.Param, perr.Message)
}

func (s *Session) isCancelled(responseID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelledLocked(responseID)
}

func (s *Session) cancelledLocked(responseID string) bool {
	return responseID != "" && s.cancelled[responseID]
}
