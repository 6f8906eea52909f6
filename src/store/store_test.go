package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/callbridge/src/models"
)

func TestMonthBounds(t *testing.T) {
	start, end := MonthBounds(time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), end)
}

func TestMemoryCallLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutCall(models.CallSession{ID: "call-1", CarrierCallID: "CA1", BusinessID: "biz"})

	got, err := m.FindByCarrierID(ctx, "CA1")
	require.NoError(t, err)
	assert.Equal(t, models.CallRinging, got.State)

	_, err = m.FindByCarrierID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, m.MarkActive(ctx, "call-1", at))
	require.NoError(t, m.Finalize(ctx, "call-1", models.CallOutcome{
		EndedAt:         at.Add(42 * time.Second),
		DurationSeconds: 42,
		Intent:          "message",
		MessageTaken:    true,
		EndReason:       models.EndHangup,
	}))

	got, _ = m.Call("call-1")
	assert.Equal(t, models.CallEnded, got.State)
	assert.Equal(t, at, got.StartedAt)
	assert.Equal(t, 42, got.DurationSeconds)
	assert.True(t, got.MessageTaken)

	assert.ErrorIs(t, m.MarkActive(ctx, "call-1", at), ErrStateRegression)
	assert.ErrorIs(t, m.Finalize(ctx, "call-1", models.CallOutcome{}), ErrStateRegression)
	assert.ErrorIs(t, m.MarkActive(ctx, "nope", at), ErrNotFound)
}

func TestMemoryMonthlyMinutes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	march := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.AppendUsage(ctx, models.UsageRecord{BusinessID: "biz", Minutes: 1.5, RecordedAt: march}))
	require.NoError(t, m.AppendUsage(ctx, models.UsageRecord{BusinessID: "biz", Minutes: 0.7, RecordedAt: march.AddDate(0, 0, 10)}))
	require.NoError(t, m.AppendUsage(ctx, models.UsageRecord{BusinessID: "biz", Minutes: 9, RecordedAt: march.AddDate(0, -1, 0)}))
	require.NoError(t, m.AppendUsage(ctx, models.UsageRecord{BusinessID: "other", Minutes: 4, RecordedAt: march}))

	total, err := m.MonthlyMinutes(ctx, "biz", march)
	require.NoError(t, err)
	assert.InDelta(t, 2.2, total, 1e-9)

	_, err = m.PlanLimit(ctx, "biz")
	assert.True(t, errors.Is(err, ErrNotFound))
	m.SetPlanLimit("biz", 1000)
	limit, err := m.PlanLimit(ctx, "biz")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, limit)
}

// TestPostgresStore runs against a scratch database when one is configured
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CALLBRIDGE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CALLBRIDGE_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	defer pg.Close()
	_, err = pg.Migrate(ctx)
	require.NoError(t, err)

	biz := "biz-" + uuid.NewString()
	callID := "call-" + uuid.NewString()
	carrierID := "CA" + uuid.NewString()
	_, err = pg.pool.Exec(ctx, `INSERT INTO businesses (id, name, plan_limit_minutes) VALUES ($1, 'Acme', 1000)`, biz)
	require.NoError(t, err)
	_, err = pg.pool.Exec(ctx, `INSERT INTO agent_configs (business_id, greeting, faqs, message_fields)
		VALUES ($1, 'Hi there', '[{"question":"Are you open?","answer":"Yes"}]', '{name,phone}')`, biz)
	require.NoError(t, err)
	_, err = pg.pool.Exec(ctx, `INSERT INTO call_sessions (id, carrier_call_id, business_id) VALUES ($1, $2, $3)`, callID, carrierID, biz)
	require.NoError(t, err)

	cfg, err := pg.AgentConfig(ctx, biz)
	require.NoError(t, err)
	assert.Equal(t, "Acme", cfg.BusinessName)
	require.Len(t, cfg.FAQs, 1)
	assert.Equal(t, []string{"name", "phone"}, cfg.MessageFields)

	call, err := pg.FindByCarrierID(ctx, carrierID)
	require.NoError(t, err)
	assert.Equal(t, models.CallRinging, call.State)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, pg.MarkActive(ctx, callID, now))
	require.NoError(t, pg.Finalize(ctx, callID, models.CallOutcome{EndedAt: now, DurationSeconds: 42, EndReason: models.EndHangup}))
	assert.ErrorIs(t, pg.Finalize(ctx, callID, models.CallOutcome{}), ErrStateRegression)

	require.NoError(t, pg.AppendUsage(ctx, models.UsageRecord{
		ID: uuid.NewString(), BusinessID: biz, CallSessionID: callID, Minutes: 0.7, RecordedAt: now,
	}))
	total, err := pg.MonthlyMinutes(ctx, biz, now)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, total, 1e-9)
}
