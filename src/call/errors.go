package call

import (
	"errors"

	"github.com/square-key-labs/callbridge/src/audio"
	"github.com/square-key-labs/callbridge/src/services/openai"
	"github.com/square-key-labs/callbridge/src/usage"
)

var (
	// ErrAdmissionDenied is returned when the business is out of minutes
	ErrAdmissionDenied = usage.ErrAdmissionDenied
	// ErrNotFound is returned when no call record matches the carrier's id
	ErrNotFound = errors.New("call record not found")
	// ErrConfigurationMissing is returned when the business has no agent
	ErrConfigurationMissing = errors.New("agent configuration missing")
	// ErrConnectionFailure wraps any failure to bring up the engine session
	ErrConnectionFailure = errors.New("engine connection failed")
	// ErrRelayFailure marks a spoken turn that produced no audio for the caller
	ErrRelayFailure = errors.New("engine response produced no audio")
	// ErrCallEnded is returned when attaching to a call that already ended
	ErrCallEnded = errors.New("call already ended")
)

// Kind maps an error to a stable label for close reasons and metrics
func Kind(err error) string {
	var (
		perr *openai.ProtocolError
		cerr *audio.CodecError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAdmissionDenied):
		return "admission_denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConfigurationMissing):
		return "configuration_missing"
	case errors.Is(err, ErrConnectionFailure):
		return "connection_failure"
	case errors.Is(err, ErrRelayFailure):
		return "relay_failure"
	case errors.Is(err, ErrCallEnded):
		return "call_ended"
	case errors.As(err, &perr):
		return "protocol_error"
	case errors.As(err, &cerr):
		return "codec_error"
	default:
		return "internal"
	}
}
