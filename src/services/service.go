package services

import (
	"context"
	"fmt"

	"github.com/square-key-labs/callbridge/src/audio"
	"github.com/square-key-labs/callbridge/src/frames"
	"github.com/square-key-labs/callbridge/src/models"
)

// SessionState is the lifecycle state of a realtime session
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAwaitingConfirmation
	StateReady
	StateResponding
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateReady:
		return "ready"
	case StateResponding:
		return "responding"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// RealtimeSession is one call's connection to a speech-to-speech engine
type RealtimeSession interface {
	// Connect opens the transport, configures the agent and returns once the
	// session can take audio
	Connect(ctx context.Context, cfg models.AgentConfig) error

	// SendAudio forwards caller audio in engine format
	SendAudio(pcm audio.PCM16) error

	// Interrupt cancels the response in flight. It reports whether there
	// was one.
	Interrupt() bool

	// Transcript returns what the engine has said so far in the current turn
	Transcript() string

	// Frames delivers engine output in order. It is closed when the
	// session's transport is gone.
	Frames() <-chan frames.Frame

	// Done is closed when the session ends for any reason
	Done() <-chan struct{}

	// Err explains why Done closed. It is nil after Close.
	Err() error

	State() SessionState

	Close() error
}

// SessionFactory builds a fresh, unconnected session
type SessionFactory func() RealtimeSession
