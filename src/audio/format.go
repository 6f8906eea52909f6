package audio

import "fmt"

// Codec names the sample encoding of a buffer
type Codec string

const (
	CodecMulaw Codec = "mulaw"
	CodecPCM16 Codec = "pcm16"
)

// Format is the implicit shape of an audio buffer. Every buffer crossing a
// conversion boundary carries one.
type Format struct {
	Codec      Codec
	SampleRate int
}

var (
	// TelephonyFormat is what the carrier sends and expects back
	TelephonyFormat = Format{Codec: CodecMulaw, SampleRate: 8000}
	// EngineFormat is what the realtime engine consumes and produces
	EngineFormat = Format{Codec: CodecPCM16, SampleRate: 24000}
)

func (f Format) String() string {
	return fmt.Sprintf("%s/%d", f.Codec, f.SampleRate)
}

// ToEngine converts a telephony buffer into engine PCM. Passing a buffer in
// any other format is a caller bug and returns a CodecError.
func ToEngine(format Format, data []byte) (PCM16, error) {
	if format != TelephonyFormat {
		return nil, &CodecError{Op: "to_engine", Length: -1, Reason: "expected " + TelephonyFormat.String() + ", got " + format.String()}
	}
	return TelephonyToEngine(Mulaw(data)), nil
}

// ToTelephony converts an engine buffer into carrier μ-law
func ToTelephony(format Format, data []byte) (Mulaw, error) {
	if format != EngineFormat {
		return nil, &CodecError{Op: "to_telephony", Length: -1, Reason: "expected " + EngineFormat.String() + ", got " + format.String()}
	}
	pcm, err := ParsePCM16(data)
	if err != nil {
		return nil, err
	}
	return EngineToTelephony(pcm), nil
}
