package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/square-key-labs/callbridge/src/store"
)

// WarningRatio is the share of the plan limit at which a business is warned
const WarningRatio = 0.8

// ErrAdmissionDenied is returned when a business has used its monthly minutes
var ErrAdmissionDenied = errors.New("admission denied: monthly minutes exhausted")

// Status is the result of an admission check
type Status struct {
	Allowed bool
	Usage   float64
	Limit   float64
	Warning bool
}

// AdmissionError carries the status that caused a denial
type AdmissionError struct {
	BusinessID string
	Status     Status
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("business %s: %v (usage=%.2f limit=%.2f)", e.BusinessID, ErrAdmissionDenied, e.Status.Usage, e.Status.Limit)
}

func (e *AdmissionError) Unwrap() error {
	return ErrAdmissionDenied
}

// Reader is the part of the usage store the gate needs
type Reader interface {
	MonthlyMinutes(ctx context.Context, businessID string, month time.Time) (float64, error)
	PlanLimit(ctx context.Context, businessID string) (float64, error)
}

// Gate decides whether a business may start another call
type Gate struct {
	store Reader
	now   func() time.Time
}

func NewGate(store Reader, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{store: store, now: now}
}

// Evaluate computes a status from raw numbers
func Evaluate(usage, limit float64) Status {
	return Status{
		Allowed: usage < limit,
		Usage:   usage,
		Limit:   limit,
		Warning: usage >= WarningRatio*limit && usage < limit,
	}
}

// Check reads this month's usage and the plan limit. It never writes.
// A business without a plan is treated as having a zero limit.
func (g *Gate) Check(ctx context.Context, businessID string) (Status, error) {
	used, err := g.store.MonthlyMinutes(ctx, businessID, g.now())
	if err != nil {
		return Status{}, fmt.Errorf("failed to read usage: %w", err)
	}
	limit, err := g.store.PlanLimit(ctx, businessID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Status{}, fmt.Errorf("failed to read plan limit: %w", err)
	}
	return Evaluate(used, limit), nil
}

// Admit is Check plus a typed denial
func (g *Gate) Admit(ctx context.Context, businessID string) (Status, error) {
	status, err := g.Check(ctx, businessID)
	if err != nil {
		return status, err
	}
	if !status.Allowed {
		return status, &AdmissionError{BusinessID: businessID, Status: status}
	}
	return status, nil
}
