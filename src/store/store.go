package store

import (
	"context"
	"errors"
	"time"

	"github.com/square-key-labs/callbridge/src/models"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("store: not found")
	// ErrStateRegression is returned when an update would move a call record
	// backwards in its lifecycle
	ErrStateRegression = errors.New("store: call state cannot move backwards")
)

// CallRecords is the call record store
type CallRecords interface {
	FindByCarrierID(ctx context.Context, carrierCallID string) (models.CallSession, error)
	FindByID(ctx context.Context, id string) (models.CallSession, error)
	// MarkActive moves a ringing record to active
	MarkActive(ctx context.Context, id string, at time.Time) error
	// Finalize moves a record to ended and writes the outcome
	Finalize(ctx context.Context, id string, outcome models.CallOutcome) error
}

// AgentConfigs serves read-only agent snapshots
type AgentConfigs interface {
	AgentConfig(ctx context.Context, businessID string) (models.AgentConfig, error)
}

// UsageStore is the per-business minute ledger
type UsageStore interface {
	// MonthlyMinutes sums usage recorded in the calendar month containing month
	MonthlyMinutes(ctx context.Context, businessID string, month time.Time) (float64, error)
	// PlanLimit returns the business's monthly minute allowance
	PlanLimit(ctx context.Context, businessID string) (float64, error)
	AppendUsage(ctx context.Context, record models.UsageRecord) error
}

// Store bundles every collaborator the bridge reads or writes
type Store interface {
	CallRecords
	AgentConfigs
	UsageStore
	Close()
}

// MonthBounds returns the UTC start of t's month and the start of the next
func MonthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
