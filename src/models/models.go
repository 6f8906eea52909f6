package models

import (
	"fmt"
	"time"
)

// CallState is the lifecycle state of a persisted call record
type CallState string

const (
	CallRinging CallState = "ringing"
	CallActive  CallState = "active"
	CallEnded   CallState = "ended"
)

func (s CallState) rank() int {
	switch s {
	case CallRinging:
		return 0
	case CallActive:
		return 1
	case CallEnded:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether moving from s to next keeps the
// ringing -> active -> ended order. Staying in place is allowed.
func (s CallState) CanAdvanceTo(next CallState) bool {
	from, to := s.rank(), next.rank()
	return from >= 0 && to >= 0 && to >= from
}

// EndReason records why a call ended
type EndReason string

const (
	EndHangup     EndReason = "hangup"
	EndEngineLost EndReason = "engine_lost"
	EndShutdown   EndReason = "shutdown"
)

// CallSession is the persisted call record. It is created in the ringing
// state outside this service.
type CallSession struct {
	ID              string
	CarrierCallID   string
	BusinessID      string
	State           CallState
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int
	Transcript      string
	Intent          string
	MessageTaken    bool
	EndReason       EndReason
}

// CallOutcome is everything written to a call record when it ends
type CallOutcome struct {
	EndedAt         time.Time
	DurationSeconds int
	Transcript      string
	Intent          string
	MessageTaken    bool
	EndReason       EndReason
}

// FAQ is one question the agent can answer
type FAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// BusinessHours describes one day of the week
type BusinessHours struct {
	Day    string `json:"day"`
	Open   string `json:"open,omitempty"`
	Close  string `json:"close,omitempty"`
	Closed bool   `json:"closed,omitempty"`
}

func (h BusinessHours) String() string {
	if h.Closed || h.Open == "" {
		return fmt.Sprintf("%s: closed", h.Day)
	}
	return fmt.Sprintf("%s: %s-%s", h.Day, h.Open, h.Close)
}

// AgentConfig is the per-business agent setup, read once per call
type AgentConfig struct {
	BusinessID    string
	BusinessName  string
	Greeting      string
	FAQs          []FAQ
	BusinessHours []BusinessHours
	// MessageFields lists what to collect when the caller leaves a message
	MessageFields []string
	Voice         string
}

// UsageRecord is one entry in a business's minute ledger
type UsageRecord struct {
	ID            string
	BusinessID    string
	CallSessionID string
	Minutes       float64
	EndReason     EndReason
	RecordedAt    time.Time
}
