package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/callbridge/src/audio"
	"github.com/square-key-labs/callbridge/src/interruptions"
	"github.com/square-key-labs/callbridge/src/logger"
	"github.com/square-key-labs/callbridge/src/metrics"
	"github.com/square-key-labs/callbridge/src/models"
	"github.com/square-key-labs/callbridge/src/services"
	"github.com/square-key-labs/callbridge/src/services/openai"
	"github.com/square-key-labs/callbridge/src/services/openai/realtimetest"
	"github.com/square-key-labs/callbridge/src/store"
	"github.com/square-key-labs/callbridge/src/usage"
)

const waitFor = 2 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCarrier struct {
	mu     sync.Mutex
	audio  []audio.Mulaw
	clears int
	closed atomic.Bool
}

func (c *fakeCarrier) SendAudio(payload audio.Mulaw) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, payload)
	return nil
}

func (c *fakeCarrier) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	return nil
}

func (c *fakeCarrier) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeCarrier) chunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio)
}

func (c *fakeCarrier) clearCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

type spoken struct {
	callID string
	text   string
}

type fakeNarrator struct {
	mu    sync.Mutex
	calls []spoken
}

func (n *fakeNarrator) Speak(ctx context.Context, carrierCallID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, spoken{callID: carrierCallID, text: text})
	return nil
}

func (n *fakeNarrator) spoken() []spoken {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]spoken(nil), n.calls...)
}

type fixture struct {
	store    *store.Memory
	clock    *fakeClock
	engine   *realtimetest.Engine
	narrator *fakeNarrator
	carrier  *fakeCarrier
	metrics  *metrics.Metrics
	deps     Deps
}

var bakery = models.AgentConfig{
	BusinessID:    "biz-1",
	BusinessName:  "Corner Bakery",
	Greeting:      "Thanks for calling Corner Bakery",
	FAQs:          []models.FAQ{{Question: "Are you open on Sunday?", Answer: "We are closed on Sundays."}},
	MessageFields: []string{"name", "phone"},
}

func newFixture(t *testing.T, opts realtimetest.Options) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemory(),
		clock:    &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)},
		engine:   realtimetest.New(opts),
		narrator: &fakeNarrator{},
		carrier:  &fakeCarrier{},
		metrics:  metrics.NewMetrics("test"),
	}
	t.Cleanup(f.engine.Close)

	f.store.PutCall(models.CallSession{ID: "call-1", CarrierCallID: "abc123", BusinessID: "biz-1", State: models.CallRinging})
	f.store.PutAgentConfig(bakery)
	f.store.SetPlanLimit("biz-1", 1000)
	require.NoError(t, f.store.AppendUsage(context.Background(), models.UsageRecord{
		ID: "seed", BusinessID: "biz-1", Minutes: 50, RecordedAt: f.clock.Now().Add(-24 * time.Hour),
	}))

	f.deps = Deps{
		Calls:    f.store,
		Configs:  f.store,
		Usage:    f.store,
		Gate:     usage.NewGate(f.store, f.clock.Now),
		Narrator: f.narrator,
		NewSession: func() services.RealtimeSession {
			return openai.NewSession(openai.Config{
				URL:              f.engine.URL,
				APIKey:           "test-key",
				HandshakeTimeout: 200 * time.Millisecond,
				Logger:           logger.Discard(),
				Metrics:          f.metrics,
			})
		},
		Metrics: f.metrics,
		Logger:  logger.Discard(),
		Now:     f.clock.Now,
	}
	return f
}

func (f *fixture) start(t *testing.T) *Handler {
	t.Helper()
	h := NewHandler(f.deps)
	require.NoError(t, h.AttachCarrier(f.carrier))
	require.NoError(t, h.Initialize(context.Background(), "abc123", "biz-1"))
	t.Cleanup(func() { h.End(models.EndShutdown) })
	return h
}

func awaitCount(t *testing.T, eng *realtimetest.Engine, eventType string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return eng.Count(eventType) == n }, waitFor, 5*time.Millisecond,
		"expected %d %s, got %v", n, eventType, eng.Types())
}

func awaitResponse(t *testing.T, eng *realtimetest.Engine, id string) {
	t.Helper()
	require.Eventually(t, func() bool { return eng.LastResponseID() == id }, waitFor, 5*time.Millisecond)
}

func pcmBytes(samples int) []byte {
	pcm := make(audio.PCM16, samples)
	for i := range pcm {
		pcm[i] = int16(i * 40)
	}
	return pcm.Bytes()
}

func TestCallEndToEnd(t *testing.T) {
	f := newFixture(t, realtimetest.Options{Confirm: true, AutoCreate: true})
	h := f.start(t)

	assert.True(t, h.Status().Allowed)
	assert.Equal(t, 50.0, h.Status().Usage)
	assert.False(t, h.Status().Warning)

	rec, _ := f.store.Call("call-1")
	assert.Equal(t, models.CallActive, rec.State)
	assert.Equal(t, f.clock.Now(), rec.StartedAt)

	// Greeting
	awaitResponse(t, f.engine, "resp_1")
	require.NoError(t, f.engine.Speak("resp_1", pcmBytes(480), "Thanks for calling Corner Bakery."))
	require.NoError(t, f.engine.Done("resp_1", "completed"))
	require.Eventually(t, func() bool { return f.carrier.chunks() == 1 }, waitFor, 5*time.Millisecond)
	f.carrier.mu.Lock()
	assert.Len(t, f.carrier.audio[0], 160, "480 engine samples become 160 telephony bytes")
	f.carrier.mu.Unlock()

	// Caller speaks
	h.HandleIncomingAudio(audio.Mulaw(make([]byte, 160)))
	awaitCount(t, f.engine, openai.TypeInputAudioAppend, 1)

	require.NoError(t, f.engine.SpeechStopped())
	awaitCount(t, f.engine, openai.TypeResponseCreate, 2)
	assert.Equal(t, 1, f.engine.Count(openai.TypeInputAudioCommit))

	awaitResponse(t, f.engine, "resp_2")
	require.NoError(t, f.engine.Speak("resp_2", pcmBytes(960), "We are closed on Sundays."))
	require.NoError(t, f.engine.Done("resp_2", "completed"))
	require.Eventually(t, func() bool { return f.carrier.chunks() == 2 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.turns) == 2
	}, waitFor, 5*time.Millisecond)

	f.clock.Advance(42 * time.Second)
	h.End(models.EndHangup)

	rec, _ = f.store.Call("call-1")
	assert.Equal(t, models.CallEnded, rec.State)
	assert.Equal(t, 42, rec.DurationSeconds)
	assert.Equal(t, models.EndHangup, rec.EndReason)
	assert.Equal(t, IntentFAQ, rec.Intent)
	assert.False(t, rec.MessageTaken)
	assert.Contains(t, rec.Transcript, "Thanks for calling Corner Bakery.")
	assert.Contains(t, rec.Transcript, "We are closed on Sundays.")

	records := f.store.Usage()
	require.Len(t, records, 2)
	charged := records[1]
	assert.Equal(t, 0.7, charged.Minutes)
	assert.Equal(t, "call-1", charged.CallSessionID)
	assert.Equal(t, "biz-1", charged.BusinessID)
	assert.Equal(t, models.EndHangup, charged.EndReason)
	assert.NotEmpty(t, charged.ID)

	assert.True(t, f.carrier.closed.Load())
	assert.Empty(t, f.narrator.spoken())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.CallsActive))

	select {
	case <-h.Done():
	default:
		t.Fatal("done not closed")
	}

	// A second end is a no-op
	h.End(models.EndEngineLost)
	assert.Len(t, f.store.Usage(), 2)
}

func TestFallbackNarrationOnSilentTurn(t *testing.T) {
	f := newFixture(t, realtimetest.Options{Confirm: true, AutoCreate: true})
	f.start(t)

	awaitResponse(t, f.engine, "resp_1")
	require.NoError(t, f.engine.Speak("resp_1", nil, "We open at nine tomorrow."))
	require.NoError(t, f.engine.Done("resp_1", "completed"))

	require.Eventually(t, func() bool { return len(f.narrator.spoken()) == 1 }, waitFor, 5*time.Millisecond)
	got := f.narrator.spoken()[0]
	assert.Equal(t, "abc123", got.callID)
	assert.Equal(t, "We open at nine tomorrow.", got.text)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.FallbackNarrations.WithLabelValues("ok")) == 1
	}, waitFor, 5*time.Millisecond)

	// A turn that does produce audio is not narrated
	require.NoError(t, f.engine.SpeechStopped())
	awaitResponse(t, f.engine, "resp_2")
	require.NoError(t, f.engine.Speak("resp_2", pcmBytes(480), "Anything else?"))
	require.NoError(t, f.engine.Done("resp_2", "completed"))
	require.Eventually(t, func() bool { return f.carrier.chunks() == 1 }, waitFor, 5*time.Millisecond)

	// Nor is a cancelled one
	require.NoError(t, f.engine.SpeechStopped())
	awaitResponse(t, f.engine, "resp_3")
	require.NoError(t, f.engine.Done("resp_3", "cancelled"))
	require.NoError(t, f.engine.SpeechStopped())
	awaitCount(t, f.engine, openai.TypeResponseCreate, 4)

	assert.Len(t, f.narrator.spoken(), 1)
}

func TestEngineLossEndsCall(t *testing.T) {
	f := newFixture(t, realtimetest.Options{Confirm: true, AutoCreate: true})
	h := f.start(t)
	awaitResponse(t, f.engine, "resp_1")

	f.clock.Advance(90 * time.Second)
	f.engine.Drop()

	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("call did not end after engine loss")
	}

	rec, _ := f.store.Call("call-1")
	assert.Equal(t, models.CallEnded, rec.State)
	assert.Equal(t, models.EndEngineLost, rec.EndReason)

	records := f.store.Usage()
	require.Len(t, records, 2)
	assert.Equal(t, 1.5, records[1].Minutes)
	assert.Equal(t, models.EndEngineLost, records[1].EndReason)
	assert.True(t, f.carrier.closed.Load())
}

func TestInitializeAdmissionDenied(t *testing.T) {
	f := newFixture(t, realtimetest.Options{Confirm: true})
	f.store.SetPlanLimit("biz-1", 50)

	h := NewHandler(f.deps)
	err := h.Initialize(context.Background(), "abc123", "biz-1")
	require.ErrorIs(t, err, ErrAdmissionDenied)
	assert.Equal(t, "admission_denied", Kind(err))

	var admission *usage.AdmissionError
	require.ErrorAs(t, err, &admission)
	assert.Equal(t, 50.0, admission.Status.Usage)

	assert.False(t, f.engine.Connected())
	rec, _ := f.store.Call("call-1")
	assert.Equal(t, models.CallRinging, rec.State)
	assert.Len(t, f.store.Usage(), 1)
}

func TestInitializeFindsRecordByInternalID(t *testing.T) {
	f := newFixture(t, realtimetest.Options{Confirm: true})

	h := NewHandler(f.deps)
	require.NoError(t, h.Initialize(context.Background(), "call-1", "biz-1"))
	t.Cleanup(func() { h.End(models.EndShutdown) })
	assert.Equal(t, "call-1", h.Record().ID)

	rec, _ := f.store.Call("call-1")
	assert.Equal(t, models.CallActive, rec.State)
}

func TestInitializeSetupFailures(t *testing.T) {
	tests := []struct {
		name     string
		opts     realtimetest.Options
		prepare  func(f *fixture)
		callID   string
		business string
		wantErr  error
		wantKind string
	}{
		{
			name:     "unknown call",
			opts:     realtimetest.Options{Confirm: true},
			callID:   "nope",
			business: "biz-1",
			wantErr:  ErrNotFound,
			wantKind: "not_found",
		},
		{
			name: "missing agent config",
			opts: realtimetest.Options{Confirm: true},
			prepare: func(f *fixture) {
				f.store.SetPlanLimit("biz-2", 100)
				f.store.PutCall(models.CallSession{ID: "call-2", CarrierCallID: "def456", BusinessID: "biz-2"})
			},
			callID:   "def456",
			business: "biz-2",
			wantErr:  ErrConfigurationMissing,
			wantKind: "configuration_missing",
		},
		{
			name:     "no business id",
			opts:     realtimetest.Options{Confirm: true},
			callID:   "abc123",
			wantErr:  ErrConfigurationMissing,
			wantKind: "configuration_missing",
		},
		{
			name:     "engine never confirms",
			opts:     realtimetest.Options{},
			callID:   "abc123",
			business: "biz-1",
			wantErr:  openai.ErrConfirmationTimeout,
			wantKind: "connection_failure",
		},
		{
			name:     "engine rejects configuration",
			opts:     realtimetest.Options{RejectSession: "invalid_value"},
			callID:   "abc123",
			business: "biz-1",
			wantErr:  ErrConnectionFailure,
			wantKind: "connection_failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts)
			if tt.prepare != nil {
				tt.prepare(f)
			}

			h := NewHandler(f.deps)
			err := h.Initialize(context.Background(), tt.callID, tt.business)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantKind, Kind(err))

			rec, _ := f.store.Call("call-1")
			assert.Equal(t, models.CallRinging, rec.State)
			assert.Len(t, f.store.Usage(), 1, "nothing charged")
		})
	}
}

func TestIncomingQueueDropsOldest(t *testing.T) {
	m := metrics.NewMetrics("test")
	h := NewHandler(Deps{IncomingQueueSize: 2, Metrics: m, Logger: logger.Discard()})

	h.HandleIncomingAudio(audio.Mulaw{1})
	h.HandleIncomingAudio(audio.Mulaw{2})
	h.HandleIncomingAudio(audio.Mulaw{3})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("inbound")))
	assert.Equal(t, audio.Mulaw{2}, <-h.incoming)
	assert.Equal(t, audio.Mulaw{3}, <-h.incoming)
}

func TestIncomingAudioAfterEndIsIgnored(t *testing.T) {
	h := NewHandler(Deps{IncomingQueueSize: 1, Logger: logger.Discard()})
	h.End(models.EndHangup)
	h.HandleIncomingAudio(audio.Mulaw{1})
	assert.Len(t, h.incoming, 0)
}

func TestCarrierReattach(t *testing.T) {
	f := newFixture(t, realtimetest.Options{Confirm: true, AutoCreate: true})
	h := f.start(t)

	second := &fakeCarrier{}
	require.NoError(t, h.AttachCarrier(second))
	assert.True(t, f.carrier.closed.Load(), "replaced carrier is closed")

	h.CarrierClosed(f.carrier)
	select {
	case <-h.Done():
		t.Fatal("closing a replaced carrier must not end the call")
	default:
	}

	// Output now goes to the new carrier
	awaitResponse(t, f.engine, "resp_1")
	require.NoError(t, f.engine.Speak("resp_1", pcmBytes(480), "Hello"))
	require.Eventually(t, func() bool { return second.chunks() == 1 }, waitFor, 5*time.Millisecond)

	h.CarrierClosed(second)
	<-h.Done()
	rec, _ := f.store.Call("call-1")
	assert.Equal(t, models.EndHangup, rec.EndReason)

	third := &fakeCarrier{}
	assert.ErrorIs(t, h.AttachCarrier(third), ErrCallEnded)
	assert.True(t, third.closed.Load())
}

func TestBargeInInterruptsAndClears(t *testing.T) {
	f := newFixture(t, realtimetest.Options{Confirm: true, AutoCreate: true})
	f.start(t)
	awaitResponse(t, f.engine, "resp_1")
	require.NoError(t, f.engine.Speak("resp_1", pcmBytes(480), "Thanks for"))
	require.Eventually(t, func() bool { return f.carrier.chunks() == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, f.engine.SpeechStarted())
	awaitCount(t, f.engine, openai.TypeResponseCancel, 1)
	require.Eventually(t, func() bool { return f.carrier.clearCount() == 1 }, waitFor, 5*time.Millisecond)

	// Late audio of the cancelled response never reaches the caller
	require.NoError(t, f.engine.Speak("resp_1", pcmBytes(480), " calling"))
	require.NoError(t, f.engine.Done("resp_1", "cancelled"))
	require.NoError(t, f.engine.SpeechStopped())
	awaitCount(t, f.engine, openai.TypeResponseCreate, 2)
	assert.Equal(t, 1, f.carrier.chunks())
	assert.Empty(t, f.narrator.spoken())
}

func TestBargeInDisabled(t *testing.T) {
	f := newFixture(t, realtimetest.Options{Confirm: true, AutoCreate: true})
	f.deps.NewStrategy = func() interruptions.Strategy { return interruptions.Never{} }
	f.start(t)
	awaitResponse(t, f.engine, "resp_1")

	require.NoError(t, f.engine.SpeechStarted())
	require.NoError(t, f.engine.Speak("resp_1", pcmBytes(480), "Hello"))
	require.Eventually(t, func() bool { return f.carrier.chunks() == 1 }, waitFor, 5*time.Millisecond)

	assert.Equal(t, 0, f.engine.Count(openai.TypeResponseCancel))
	assert.Equal(t, 0, f.carrier.clearCount())
}

func TestBargeInAfterMinWords(t *testing.T) {
	f := newFixture(t, realtimetest.Options{Confirm: true, AutoCreate: true})
	f.deps.NewStrategy = func() interruptions.Strategy { return interruptions.NewMinWordsStrategy(3) }
	f.start(t)
	awaitResponse(t, f.engine, "resp_1")
	require.NoError(t, f.engine.Speak("resp_1", pcmBytes(480), "Thanks for"))
	require.Eventually(t, func() bool { return f.carrier.chunks() == 1 }, waitFor, 5*time.Millisecond)

	// A backchannel is too short to cut the response off
	require.NoError(t, f.engine.SpeechStarted())
	require.NoError(t, f.engine.CallerTranscript("item_1", "uh huh"))
	require.NoError(t, f.engine.Speak("resp_1", pcmBytes(480), " calling"))
	require.Eventually(t, func() bool { return f.carrier.chunks() == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, f.engine.Count(openai.TypeResponseCancel))

	require.NoError(t, f.engine.SpeechStarted())
	require.NoError(t, f.engine.SpeechStopped())
	require.NoError(t, f.engine.CallerTranscript("item_2", "hold on one second"))
	awaitCount(t, f.engine, openai.TypeResponseCancel, 1)
	require.Eventually(t, func() bool { return f.carrier.clearCount() == 1 }, waitFor, 5*time.Millisecond)

	// The finished utterance is answered
	awaitCount(t, f.engine, openai.TypeResponseCreate, 2)
	awaitResponse(t, f.engine, "resp_2")
	require.NoError(t, f.engine.Speak("resp_1", pcmBytes(480), " Corner"))
	require.NoError(t, f.engine.Speak("resp_2", pcmBytes(480), "Sure"))
	require.Eventually(t, func() bool { return f.carrier.chunks() >= 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 3, f.carrier.chunks())
}

func TestMessageIntentMarksMessageTaken(t *testing.T) {
	f := newFixture(t, realtimetest.Options{Confirm: true, AutoCreate: true})
	h := f.start(t)

	awaitResponse(t, f.engine, "resp_1")
	require.NoError(t, f.engine.Speak("resp_1", pcmBytes(480), "I'll pass your message on to the owner."))
	require.NoError(t, f.engine.Done("resp_1", "completed"))
	require.Eventually(t, func() bool { return f.carrier.chunks() == 1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.turns) == 1
	}, waitFor, 5*time.Millisecond)

	h.End(models.EndHangup)
	rec, _ := f.store.Call("call-1")
	assert.Equal(t, IntentMessage, rec.Intent)
	assert.True(t, rec.MessageTaken)
}

// blockingNarrator holds every Speak until its context ends
type blockingNarrator struct {
	started atomic.Int32
	ended   chan error
}

func (n *blockingNarrator) Speak(ctx context.Context, carrierCallID, text string) error {
	n.started.Add(1)
	<-ctx.Done()
	n.ended <- ctx.Err()
	return ctx.Err()
}

func TestSlowFallbackNarrationDoesNotStallAudio(t *testing.T) {
	f := newFixture(t, realtimetest.Options{Confirm: true, AutoCreate: true})
	narrator := &blockingNarrator{ended: make(chan error, 1)}
	f.deps.Narrator = narrator
	h := f.start(t)

	awaitResponse(t, f.engine, "resp_1")
	require.NoError(t, f.engine.Speak("resp_1", nil, "We open at nine tomorrow."))
	require.NoError(t, f.engine.Done("resp_1", "completed"))
	require.Eventually(t, func() bool { return narrator.started.Load() == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, f.engine.SpeechStopped())
	awaitResponse(t, f.engine, "resp_2")
	require.NoError(t, f.engine.Speak("resp_2", pcmBytes(480), "Anything else?"))
	require.Eventually(t, func() bool { return f.carrier.chunks() == 1 }, waitFor, 5*time.Millisecond)

	// Ending the call abandons the narration
	h.End(models.EndHangup)
	select {
	case err := <-narrator.ended:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("narration not cancelled")
	}
}

// flakyCalls fails the first Finalize attempts and honours deadlines the way
// a database driver does
type flakyCalls struct {
	*store.Memory
	failures int
	// block makes a failing attempt wait out its deadline
	block    bool
	attempts atomic.Int32
}

func (c *flakyCalls) Finalize(ctx context.Context, id string, outcome models.CallOutcome) error {
	if int(c.attempts.Add(1)) <= c.failures {
		if c.block {
			<-ctx.Done()
			return ctx.Err()
		}
		return errors.New("connection reset by peer")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Memory.Finalize(ctx, id, outcome)
}

func (c *flakyCalls) AppendUsage(ctx context.Context, record models.UsageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Memory.AppendUsage(ctx, record)
}

func TestFinalizeRetry(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		block    bool
		state    models.CallState
		failed   float64
	}{
		{name: "transient error", failures: 1, state: models.CallEnded},
		{name: "first attempt times out", failures: 1, block: true, state: models.CallEnded},
		{name: "both attempts fail", failures: 2, state: models.CallActive, failed: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, realtimetest.Options{Confirm: true, AutoCreate: true})
			calls := &flakyCalls{Memory: f.store, failures: tt.failures, block: tt.block}
			f.deps.Calls = calls
			f.deps.Usage = calls
			f.deps.FinalizeTimeout = 50 * time.Millisecond
			h := f.start(t)
			awaitResponse(t, f.engine, "resp_1")

			f.clock.Advance(30 * time.Second)
			h.End(models.EndHangup)

			assert.Equal(t, int32(2), calls.attempts.Load())
			rec, _ := f.store.Call("call-1")
			assert.Equal(t, tt.state, rec.State)
			assert.Equal(t, tt.failed, testutil.ToFloat64(f.metrics.FinalizeFailures))

			// The minutes are billed whatever happened to the record
			records := f.store.Usage()
			require.Len(t, records, 2)
			assert.Equal(t, 0.5, records[1].Minutes)
		})
	}
}
