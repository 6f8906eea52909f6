package frames

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/square-key-labs/callbridge/src/audio"
)

var frameCounter uint64

// FrameDirection indicates which way a frame travels through the bridge
type FrameDirection int

const (
	Inbound  FrameDirection = iota // caller -> engine
	Outbound                       // engine -> caller
)

func (d FrameDirection) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Frame is the closed set of events a realtime session hands to its call
// handler. The unexported method keeps the set closed to this package.
type Frame interface {
	ID() uint64
	Name() string
	PTS() time.Time
	String() string
	isFrame()
}

// BaseFrame provides common frame functionality
type BaseFrame struct {
	id   uint64
	name string
	pts  time.Time
}

func NewBaseFrame(name string) *BaseFrame {
	return &BaseFrame{
		id:   atomic.AddUint64(&frameCounter, 1),
		name: name,
		pts:  time.Now(),
	}
}

func (f *BaseFrame) ID() uint64 {
	return f.id
}

func (f *BaseFrame) Name() string {
	return f.name
}

func (f *BaseFrame) PTS() time.Time {
	return f.pts
}

func (f *BaseFrame) String() string {
	return fmt.Sprintf("%s[id=%d, pts=%v]", f.name, f.id, f.pts.Format("15:04:05.000"))
}

func (f *BaseFrame) isFrame() {}

// AudioFrame carries one chunk of audio tagged with its format
type AudioFrame struct {
	*BaseFrame
	Format     audio.Format
	Data       []byte
	Direction  FrameDirection
	ResponseID string
}

func NewAudioFrame(format audio.Format, data []byte, direction FrameDirection) *AudioFrame {
	return &AudioFrame{
		BaseFrame: NewBaseFrame("AudioFrame"),
		Format:    format,
		Data:      data,
		Direction: direction,
	}
}

// TranscriptFrame marks the end of one spoken response and carries what the
// engine said during it
type TranscriptFrame struct {
	*BaseFrame
	Text       string
	ResponseID string
	// Cancelled is set when the response was interrupted by the caller
	Cancelled bool
}

func NewTranscriptFrame(text, responseID string, cancelled bool) *TranscriptFrame {
	return &TranscriptFrame{
		BaseFrame:  NewBaseFrame("TranscriptFrame"),
		Text:       text,
		ResponseID: responseID,
		Cancelled:  cancelled,
	}
}

// SpeechStartedFrame reports that the engine heard the caller start talking
type SpeechStartedFrame struct {
	*BaseFrame
	// Responding is true when a response was in flight at the time
	Responding bool
}

func NewSpeechStartedFrame(responding bool) *SpeechStartedFrame {
	return &SpeechStartedFrame{
		BaseFrame:  NewBaseFrame("SpeechStartedFrame"),
		Responding: responding,
	}
}

// CallerTranscriptFrame carries the engine's transcription of one finished
// caller utterance
type CallerTranscriptFrame struct {
	*BaseFrame
	Text   string
	ItemID string
	// Responding is true when a response was in flight at the time
	Responding bool
}

func NewCallerTranscriptFrame(text, itemID string, responding bool) *CallerTranscriptFrame {
	return &CallerTranscriptFrame{
		BaseFrame:  NewBaseFrame("CallerTranscriptFrame"),
		Text:       text,
		ItemID:     itemID,
		Responding: responding,
	}
}
