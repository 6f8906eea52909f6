package interruptions

import (
	"github.com/square-key-labs/callbridge/src/audio"
)

// Strategy decides whether caller speech detected while the agent is talking
// should cancel the agent's response
type Strategy interface {
	// AppendAudio feeds caller audio in engine format.
	// Not all strategies need audio.
	AppendAudio(pcm audio.PCM16)

	// AppendText feeds the transcription of a caller utterance.
	// Not all strategies need text.
	AppendText(text string)

	// ShouldInterrupt is asked when the engine reports the caller started
	// speaking during a response, and again when that speech has been
	// transcribed if the first answer was no
	ShouldInterrupt() bool

	// Reset clears accumulated state at the end of a turn
	Reset()
}

// Immediate interrupts on every speech start
type Immediate struct{}

func (Immediate) AppendAudio(audio.PCM16) {}
func (Immediate) AppendText(string)       {}
func (Immediate) ShouldInterrupt() bool   { return true }
func (Immediate) Reset()                  {}

// Never lets the agent finish every response
type Never struct{}

func (Never) AppendAudio(audio.PCM16) {}
func (Never) AppendText(string)       {}
func (Never) ShouldInterrupt() bool   { return false }
func (Never) Reset()                  {}
