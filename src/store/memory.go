package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/square-key-labs/callbridge/src/models"
)

// Memory is an in-process Store. It backs local runs without DATABASE_URL
// and the tests.
type Memory struct {
	mu      sync.RWMutex
	calls   map[string]models.CallSession
	configs map[string]models.AgentConfig
	limits  map[string]float64
	usage   []models.UsageRecord
}

func NewMemory() *Memory {
	return &Memory{
		calls:   make(map[string]models.CallSession),
		configs: make(map[string]models.AgentConfig),
		limits:  make(map[string]float64),
	}
}

// PutCall inserts or replaces a call record
func (m *Memory) PutCall(call models.CallSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call.State == "" {
		call.State = models.CallRinging
	}
	m.calls[call.ID] = call
}

// PutAgentConfig inserts or replaces a business's agent config
func (m *Memory) PutAgentConfig(cfg models.AgentConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.BusinessID] = cfg
}

// SetPlanLimit sets a business's monthly allowance in minutes
func (m *Memory) SetPlanLimit(businessID string, minutes float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[businessID] = minutes
}

// Call returns a copy of a call record
func (m *Memory) Call(id string) (models.CallSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	call, ok := m.calls[id]
	return call, ok
}

// Usage returns a copy of the usage ledger
func (m *Memory) Usage() []models.UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.UsageRecord(nil), m.usage...)
}

func (m *Memory) FindByCarrierID(ctx context.Context, carrierCallID string) (models.CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, call := range m.calls {
		if call.CarrierCallID == carrierCallID {
			return call, nil
		}
	}
	return models.CallSession{}, ErrNotFound
}

func (m *Memory) FindByID(ctx context.Context, id string) (models.CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	call, ok := m.calls[id]
	if !ok {
		return models.CallSession{}, ErrNotFound
	}
	return call, nil
}

func (m *Memory) MarkActive(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	if !call.State.CanAdvanceTo(models.CallActive) {
		return fmt.Errorf("mark call %s active from %s: %w", id, call.State, ErrStateRegression)
	}
	call.State = models.CallActive
	if call.StartedAt.IsZero() {
		call.StartedAt = at
	}
	m.calls[id] = call
	return nil
}

func (m *Memory) Finalize(ctx context.Context, id string, outcome models.CallOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	if call.State == models.CallEnded {
		return fmt.Errorf("finalize call %s: already ended: %w", id, ErrStateRegression)
	}
	call.State = models.CallEnded
	call.EndedAt = outcome.EndedAt
	call.DurationSeconds = outcome.DurationSeconds
	call.Transcript = outcome.Transcript
	call.Intent = outcome.Intent
	call.MessageTaken = outcome.MessageTaken
	call.EndReason = outcome.EndReason
	m.calls[id] = call
	return nil
}

func (m *Memory) AgentConfig(ctx context.Context, businessID string) (models.AgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[businessID]
	if !ok {
		return models.AgentConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (m *Memory) MonthlyMinutes(ctx context.Context, businessID string, month time.Time) (float64, error) {
	start, end := MonthBounds(month)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, rec := range m.usage {
		if rec.BusinessID != businessID {
			continue
		}
		at := rec.RecordedAt.UTC()
		if !at.Before(start) && at.Before(end) {
			total += rec.Minutes
		}
	}
	return total, nil
}

func (m *Memory) PlanLimit(ctx context.Context, businessID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit, ok := m.limits[businessID]
	if !ok {
		return 0, ErrNotFound
	}
	return limit, nil
}

func (m *Memory) AppendUsage(ctx context.Context, record models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, record)
	return nil
}

func (m *Memory) Close() {}
