package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/square-key-labs/callbridge/src/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Postgres is a Store backed by a pgx connection pool
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and verifies the connection
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate applies the embedded schema migrations
func (p *Postgres) Migrate(ctx context.Context) ([]string, error) {
	fsys, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return nil, err
	}
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()

	provider, err := goose.NewProvider(database.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	applied := make([]string, 0, len(results))
	for _, r := range results {
		applied = append(applied, r.Source.Path)
	}
	return applied, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

const callColumns = `id, carrier_call_id, business_id, state, started_at, ended_at,
	duration_seconds, transcript, intent, message_taken, end_reason`

func scanCall(row pgx.Row) (models.CallSession, error) {
	var (
		call             models.CallSession
		state, reason    string
		started, stopped *time.Time
	)
	err := row.Scan(&call.ID, &call.CarrierCallID, &call.BusinessID, &state, &started, &stopped,
		&call.DurationSeconds, &call.Transcript, &call.Intent, &call.MessageTaken, &reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CallSession{}, ErrNotFound
	}
	if err != nil {
		return models.CallSession{}, err
	}
	call.State = models.CallState(state)
	call.EndReason = models.EndReason(reason)
	if started != nil {
		call.StartedAt = *started
	}
	if stopped != nil {
		call.EndedAt = *stopped
	}
	return call, nil
}

func (p *Postgres) FindByCarrierID(ctx context.Context, carrierCallID string) (models.CallSession, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM call_sessions WHERE carrier_call_id = $1`, carrierCallID)
	return scanCall(row)
}

func (p *Postgres) FindByID(ctx context.Context, id string) (models.CallSession, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM call_sessions WHERE id = $1`, id)
	return scanCall(row)
}

func (p *Postgres) MarkActive(ctx context.Context, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE call_sessions
		SET state = 'active', started_at = COALESCE(started_at, $2)
		WHERE id = $1 AND state IN ('ringing', 'active')`, id, at)
	if err != nil {
		return fmt.Errorf("mark call %s active: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return p.explainMiss(ctx, id, "mark active")
	}
	return nil
}

func (p *Postgres) Finalize(ctx context.Context, id string, outcome models.CallOutcome) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE call_sessions
		SET state = 'ended', ended_at = $2, duration_seconds = $3, transcript = $4,
			intent = $5, message_taken = $6, end_reason = $7
		WHERE id = $1 AND state <> 'ended'`,
		id, outcome.EndedAt, outcome.DurationSeconds, outcome.Transcript,
		outcome.Intent, outcome.MessageTaken, string(outcome.EndReason))
	if err != nil {
		return fmt.Errorf("finalize call %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return p.explainMiss(ctx, id, "finalize")
	}
	return nil
}

// explainMiss tells a missing row apart from a guarded state transition
func (p *Postgres) explainMiss(ctx context.Context, id, op string) error {
	var state string
	err := p.pool.QueryRow(ctx, `SELECT state FROM call_sessions WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s call %s: %w", op, id, err)
	}
	return fmt.Errorf("%s call %s from %s: %w", op, id, state, ErrStateRegression)
}

func (p *Postgres) AgentConfig(ctx context.Context, businessID string) (models.AgentConfig, error) {
	cfg := models.AgentConfig{BusinessID: businessID}
	err := p.pool.QueryRow(ctx, `
		SELECT b.name, a.greeting, a.faqs, a.business_hours, a.message_fields, a.voice
		FROM agent_configs a JOIN businesses b ON b.id = a.business_id
		WHERE a.business_id = $1`, businessID).
		Scan(&cfg.BusinessName, &cfg.Greeting, &cfg.FAQs, &cfg.BusinessHours, &cfg.MessageFields, &cfg.Voice)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AgentConfig{}, ErrNotFound
	}
	if err != nil {
		return models.AgentConfig{}, fmt.Errorf("load agent config %s: %w", businessID, err)
	}
	return cfg, nil
}

func (p *Postgres) MonthlyMinutes(ctx context.Context, businessID string, month time.Time) (float64, error) {
	start, end := MonthBounds(month)
	var total float64
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(minutes), 0)::float8
		FROM usage_records
		WHERE business_id = $1 AND recorded_at >= $2 AND recorded_at < $3`,
		businessID, start, end).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage for %s: %w", businessID, err)
	}
	return total, nil
}

func (p *Postgres) PlanLimit(ctx context.Context, businessID string) (float64, error) {
	var limit float64
	err := p.pool.QueryRow(ctx, `SELECT plan_limit_minutes FROM businesses WHERE id = $1`, businessID).Scan(&limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load plan limit for %s: %w", businessID, err)
	}
	return limit, nil
}

func (p *Postgres) AppendUsage(ctx context.Context, record models.UsageRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO usage_records (id, business_id, call_session_id, minutes, end_reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID, record.BusinessID, record.CallSessionID, record.Minutes,
		string(record.EndReason), record.RecordedAt)
	if err != nil {
		return fmt.Errorf("append usage for %s: %w", record.BusinessID, err)
	}
	return nil
}
