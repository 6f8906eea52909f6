package call

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/square-key-labs/callbridge/src/audio"
	"github.com/square-key-labs/callbridge/src/frames"
	"github.com/square-key-labs/callbridge/src/interruptions"
	"github.com/square-key-labs/callbridge/src/logger"
	"github.com/square-key-labs/callbridge/src/metrics"
	"github.com/square-key-labs/callbridge/src/models"
	"github.com/square-key-labs/callbridge/src/services"
	"github.com/square-key-labs/callbridge/src/store"
	"github.com/square-key-labs/callbridge/src/usage"
)

const (
	defaultIncomingQueueSize = 50
	defaultFinalizeTimeout   = 10 * time.Second
)

// Carrier is the caller-facing side of a call: the media socket
type Carrier interface {
	SendAudio(payload audio.Mulaw) error
	// Clear discards audio the carrier has buffered but not yet played
	Clear() error
	Close() error
}

// Narrator speaks text to the caller through carrier call control
type Narrator interface {
	Speak(ctx context.Context, carrierCallID, text string) error
}

// Deps are the collaborators a Handler needs. They are shared by all calls.
type Deps struct {
	Calls    store.CallRecords
	Configs  store.AgentConfigs
	Usage    store.UsageStore
	Gate     *usage.Gate
	Narrator Narrator

	NewSession  services.SessionFactory
	NewStrategy func() interruptions.Strategy

	Metrics *metrics.Metrics
	Logger  *logger.Logger
	Now     func() time.Time

	IncomingQueueSize int
	FinalizeTimeout   time.Duration
}

// Handler owns one live call: it admits it, wires the carrier to a realtime
// session and finalizes the record when the call ends
type Handler struct {
	deps Deps
	log  *logger.Logger

	callID     string
	businessID string
	record     models.CallSession
	agent      models.AgentConfig
	status     usage.Status
	session    services.RealtimeSession
	startedAt  time.Time

	incoming chan audio.Mulaw

	bargeMu  sync.Mutex
	strategy interruptions.Strategy
	// armed is set when caller speech during a response was not enough to
	// interrupt; its transcription is offered to the strategy
	armed bool

	mu          sync.Mutex
	carrier     Carrier
	turns       []string
	initialized bool
	ended       bool
	onEnd       func()

	// narrations are fallback Speak calls still running; ctx is cancelled
	// when the call ends
	narrations sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	endOnce sync.Once
	done    chan struct{}
}

// NewHandler creates a handler. Nothing is read or dialed until Initialize.
func NewHandler(deps Deps) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.IncomingQueueSize <= 0 {
		deps.IncomingQueueSize = defaultIncomingQueueSize
	}
	if deps.FinalizeTimeout <= 0 {
		deps.FinalizeTimeout = defaultFinalizeTimeout
	}
	if deps.Logger == nil {
		deps.Logger = logger.GetDefault()
	}

	strategy := interruptions.Strategy(interruptions.Immediate{})
	if deps.NewStrategy != nil {
		strategy = deps.NewStrategy()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		deps:     deps,
		log:      deps.Logger.WithPrefix("CallHandler"),
		strategy: strategy,
		incoming: make(chan audio.Mulaw, deps.IncomingQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Initialize admits the call and brings up its engine session. On error
// nothing has been charged and no session is left open.
func (h *Handler) Initialize(ctx context.Context, carrierCallID, businessID string) error {
	h.mu.Lock()
	if h.initialized || h.ended {
		h.mu.Unlock()
		return fmt.Errorf("handler for %s already initialized", h.callID)
	}
	h.mu.Unlock()

	h.callID = carrierCallID
	h.businessID = businessID
	h.log = h.deps.Logger.WithPrefix("CallHandler " + carrierCallID)

	if businessID == "" {
		return fmt.Errorf("%w: no business id for call %s", ErrConfigurationMissing, carrierCallID)
	}

	// 1. Admission
	status, err := h.deps.Gate.Admit(ctx, businessID)
	h.status = status
	if err != nil {
		var denied *usage.AdmissionError
		if errors.As(err, &denied) {
			h.log.Warn("Admission denied business=%s usage=%.2f limit=%.2f", businessID, status.Usage, status.Limit)
			return err
		}
		return fmt.Errorf("usage check failed: %w", err)
	}
	if status.Warning {
		h.log.Warn("Business %s is near its plan limit usage=%.2f limit=%.2f", businessID, status.Usage, status.Limit)
	}

	// 2. Call record, by carrier id then by internal id
	record, err := h.deps.Calls.FindByCarrierID(ctx, carrierCallID)
	if errors.Is(err, store.ErrNotFound) {
		record, err = h.deps.Calls.FindByID(ctx, carrierCallID)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, carrierCallID)
		}
		return fmt.Errorf("call lookup failed: %w", err)
	}
	if record.State == models.CallEnded {
		return fmt.Errorf("%w: %s has already ended", ErrNotFound, carrierCallID)
	}
	h.record = record

	// 3. Agent configuration
	agent, err := h.deps.Configs.AgentConfig(ctx, businessID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: business %s", ErrConfigurationMissing, businessID)
		}
		return fmt.Errorf("agent config lookup failed: %w", err)
	}
	h.agent = agent

	// 4. Engine session
	session := h.deps.NewSession()
	if err := session.Connect(ctx, agent); err != nil {
		session.Close()
		return fmt.Errorf("%w: %w", ErrConnectionFailure, err)
	}

	// 5. Go live
	startedAt := h.deps.Now()
	if err := h.deps.Calls.MarkActive(ctx, record.ID, startedAt); err != nil {
		session.Close()
		return fmt.Errorf("failed to mark call active: %w", err)
	}

	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		session.Close()
		return ErrCallEnded
	}
	h.session = session
	h.startedAt = startedAt
	h.initialized = true
	h.mu.Unlock()

	h.deps.Metrics.RecordCallStart()
	h.log.Info("Call bridged record=%s business=%s usage=%.2f/%.2f", record.ID, businessID, status.Usage, status.Limit)

	go h.pumpInput()
	go h.pumpOutput()
	return nil
}

// CallID is the carrier call id the handler was initialized with
func (h *Handler) CallID() string {
	return h.callID
}

// Record returns the call record as loaded at admission
func (h *Handler) Record() models.CallSession {
	return h.record
}

// Status returns the admission result
func (h *Handler) Status() usage.Status {
	return h.status
}

// Done is closed once the call has ended
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// AttachCarrier makes c the carrier for this call. A carrier it replaces is
// closed; its later close does not end the call.
func (h *Handler) AttachCarrier(c Carrier) error {
	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		c.Close()
		return ErrCallEnded
	}
	previous := h.carrier
	h.carrier = c
	h.mu.Unlock()

	if previous != nil && previous != c {
		h.log.Info("Carrier re-attached, closing previous connection")
		previous.Close()
	}
	return nil
}

// CarrierClosed reports that c went away. Only the current carrier ends the
// call.
func (h *Handler) CarrierClosed(c Carrier) {
	h.mu.Lock()
	current := h.carrier == c
	h.mu.Unlock()
	if !current {
		h.log.Debug("Replaced carrier closed, call continues")
		return
	}
	h.End(models.EndHangup)
}

func (h *Handler) currentCarrier() Carrier {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.carrier
}

// HandleIncomingAudio queues one carrier frame for the engine. It never
// blocks: when the queue is full the oldest frame is dropped.
func (h *Handler) HandleIncomingAudio(payload audio.Mulaw) {
	select {
	case <-h.done:
		return
	default:
	}

	for {
		select {
		case h.incoming <- payload:
			return
		default:
		}
		select {
		case <-h.incoming:
			h.deps.Metrics.RecordFrameDropped(frames.Inbound.String())
		default:
		}
	}
}

func (h *Handler) pumpInput() {
	for {
		select {
		case <-h.done:
			return
		case payload := <-h.incoming:
			pcm := audio.TelephonyToEngine(payload)
			h.deps.Metrics.RecordAudioBytes(frames.Inbound.String(), len(payload))

			h.bargeMu.Lock()
			h.strategy.AppendAudio(pcm)
			h.bargeMu.Unlock()

			if err := h.session.SendAudio(pcm); err != nil {
				h.log.Debug("Dropping caller audio: %v", err)
			}
		}
	}
}

func (h *Handler) pumpOutput() {
	written := 0
	// Audio of an interrupted response may still be queued behind the
	// speech-started frame
	var lastResponse, skipResponse string

	for f := range h.session.Frames() {
		switch frame := f.(type) {
		case *frames.AudioFrame:
			if frame.ResponseID != "" && frame.ResponseID == skipResponse {
				continue
			}
			lastResponse = frame.ResponseID

			payload, err := audio.ToTelephony(frame.Format, frame.Data)
			if err != nil {
				h.deps.Metrics.RecordCodecError(frames.Outbound.String())
				h.log.Warn("Dropping engine audio: %v", err)
				continue
			}
			carrier := h.currentCarrier()
			if carrier == nil {
				h.deps.Metrics.RecordFrameDropped(frames.Outbound.String())
				continue
			}
			if err := carrier.SendAudio(payload); err != nil {
				h.log.Warn("Error writing to carrier: %v", err)
				continue
			}
			written++
			h.deps.Metrics.RecordAudioBytes(frames.Outbound.String(), len(payload))

		case *frames.SpeechStartedFrame:
			if h.bargeIn(frame) {
				skipResponse = lastResponse
			}

		case *frames.CallerTranscriptFrame:
			if h.bargeInOnText(frame) {
				skipResponse = lastResponse
			}

		case *frames.TranscriptFrame:
			h.completeTurn(frame, written)
			written = 0
		}
	}

	if err := h.session.Err(); err != nil {
		h.log.Error("Engine session lost: %v", err)
		h.End(models.EndEngineLost)
	}
}

func (h *Handler) bargeIn(frame *frames.SpeechStartedFrame) bool {
	if !frame.Responding {
		return false
	}

	h.bargeMu.Lock()
	allow := h.strategy.ShouldInterrupt()
	h.strategy.Reset()
	h.armed = !allow
	h.bargeMu.Unlock()

	if !allow {
		h.log.Debug("Caller speech while responding, barge-in not allowed yet")
		return false
	}
	return h.interrupt()
}

// bargeInOnText gives the strategy the words of an utterance that started
// during a response
func (h *Handler) bargeInOnText(frame *frames.CallerTranscriptFrame) bool {
	h.bargeMu.Lock()
	if !h.armed {
		h.bargeMu.Unlock()
		return false
	}
	h.armed = false
	h.strategy.AppendText(frame.Text)
	allow := h.strategy.ShouldInterrupt()
	h.strategy.Reset()
	h.bargeMu.Unlock()

	if !allow || !frame.Responding {
		return false
	}
	return h.interrupt()
}

// interrupt cancels the response in flight and drops what the carrier has
// buffered of it
func (h *Handler) interrupt() bool {
	if !h.session.Interrupt() {
		return false
	}
	if carrier := h.currentCarrier(); carrier != nil {
		if err := carrier.Clear(); err != nil {
			h.log.Warn("Error clearing carrier audio: %v", err)
		}
	}
	h.log.Info("Barge-in: response interrupted")
	return true
}

// completeTurn records a finished response and narrates it through the
// carrier when none of its audio reached the caller
func (h *Handler) completeTurn(frame *frames.TranscriptFrame, written int) {
	if frame.Text != "" {
		h.mu.Lock()
		h.turns = append(h.turns, frame.Text)
		h.mu.Unlock()
	}
	if frame.Cancelled || strings.TrimSpace(frame.Text) == "" || written > 0 {
		return
	}

	relayErr := fmt.Errorf("%w: response %s", ErrRelayFailure, frame.ResponseID)
	if h.deps.Narrator == nil {
		h.log.Warn("%v, no narrator configured", relayErr)
		return
	}
	h.log.Warn("%v, narrating through carrier", relayErr)

	// Speak is a REST round trip and runs off the output pump
	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		return
	}
	h.narrations.Add(1)
	h.mu.Unlock()
	go func(text string) {
		defer h.narrations.Done()
		ctx, cancel := context.WithTimeout(h.ctx, h.deps.FinalizeTimeout)
		defer cancel()
		err := h.deps.Narrator.Speak(ctx, h.carrierCallID(), text)
		h.deps.Metrics.RecordFallback(err)
		if err != nil {
			h.log.Error("Fallback narration failed: %v", err)
		}
	}(frame.Text)
}

func (h *Handler) carrierCallID() string {
	if h.record.CarrierCallID != "" {
		return h.record.CarrierCallID
	}
	return h.callID
}

// transcript joins the completed turns and whatever the engine has said in
// the turn still open
func (h *Handler) transcript() string {
	h.mu.Lock()
	parts := append([]string(nil), h.turns...)
	h.mu.Unlock()
	if partial := strings.TrimSpace(h.session.Transcript()); partial != "" {
		parts = append(parts, partial)
	}
	return strings.Join(parts, "\n")
}

// onFinish registers fn to run after the call ends. It runs at once if the
// call has already ended.
func (h *Handler) onFinish(fn func()) {
	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		fn()
		return
	}
	h.onEnd = fn
	h.mu.Unlock()
}

// End finalizes the call. Only the first call has any effect.
func (h *Handler) End(reason models.EndReason) {
	h.endOnce.Do(func() {
		h.finalize(reason)
	})
}

func (h *Handler) finalize(reason models.EndReason) {
	h.mu.Lock()
	h.ended = true
	initialized := h.initialized
	carrier := h.carrier
	onEnd := h.onEnd
	h.mu.Unlock()

	if initialized {
		h.persist(reason)
		h.session.Close()
	}
	h.cancel()
	h.narrations.Wait()
	if carrier != nil {
		carrier.Close()
	}
	close(h.done)
	if onEnd != nil {
		onEnd()
	}
}

func (h *Handler) persist(reason models.EndReason) {
	endedAt := h.deps.Now()
	duration := endedAt.Sub(h.startedAt)
	if duration < 0 {
		duration = 0
	}
	transcript := h.transcript()
	intent, messageTaken := classifyIntent(transcript, h.agent)

	outcome := models.CallOutcome{
		EndedAt:         endedAt,
		DurationSeconds: int(math.Round(duration.Seconds())),
		Transcript:      transcript,
		Intent:          intent,
		MessageTaken:    messageTaken,
		EndReason:       reason,
	}

	finalize := func(ctx context.Context) error {
		return h.deps.Calls.Finalize(ctx, h.record.ID, outcome)
	}
	if err := h.withTimeout(finalize); err != nil {
		h.log.Warn("Finalize failed, retrying once: %v", err)
		if err := h.withTimeout(finalize); err != nil {
			h.log.Error("Finalize unrecoverable for record %s: %v", h.record.ID, err)
			h.deps.Metrics.RecordFinalizeFailure()
		}
	}

	record := models.UsageRecord{
		ID:            uuid.NewString(),
		BusinessID:    h.businessID,
		CallSessionID: h.record.ID,
		Minutes:       minutes(duration),
		EndReason:     reason,
		RecordedAt:    endedAt,
	}
	err := h.withTimeout(func(ctx context.Context) error {
		return h.deps.Usage.AppendUsage(ctx, record)
	})
	if err != nil {
		h.log.Error("Failed to record usage minutes=%.2f: %v", record.Minutes, err)
	}

	h.deps.Metrics.RecordCallEnd(string(reason), duration)
	h.log.Info("Call ended reason=%s duration=%ds minutes=%.2f intent=%s", reason, outcome.DurationSeconds, record.Minutes, intent)
}

// withTimeout runs one store write under its own FinalizeTimeout deadline
func (h *Handler) withTimeout(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.deps.FinalizeTimeout)
	defer cancel()
	return fn(ctx)
}

// minutes rounds a duration to hundredths of a minute
func minutes(d time.Duration) float64 {
	return math.Round(d.Seconds()/60*100) / 100
}
