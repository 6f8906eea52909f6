package openai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event type names on the realtime wire
const (
	TypeSessionUpdate       = "session.update"
	TypeInputAudioAppend    = "input_audio_buffer.append"
	TypeInputAudioCommit    = "input_audio_buffer.commit"
	TypeResponseCreate      = "response.create"
	TypeResponseCancel      = "response.cancel"
	TypeSessionCreated      = "session.created"
	TypeSessionUpdated      = "session.updated"
	TypeSpeechStarted       = "input_audio_buffer.speech_started"
	TypeSpeechStopped       = "input_audio_buffer.speech_stopped"
	TypeInputAudioCommitted = "input_audio_buffer.committed"
	TypeCallerTranscript    = "conversation.item.input_audio_transcription.completed"
	TypeResponseCreated     = "response.created"
	TypeAudioDelta          = "response.audio.delta"
	TypeAudioDone           = "response.audio.done"
	TypeTranscriptDelta     = "response.audio_transcript.delta"
	TypeTranscriptDone      = "response.audio_transcript.done"
	TypeResponseDone        = "response.done"
	TypeError               = "error"
)

// ClientEvent is a message this side sends to the engine
type ClientEvent interface {
	EventType() string
	isClientEvent()
}

// TurnDetection configures the engine's voice activity detection
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
	// CreateResponse must stay false: every reply is requested explicitly
	CreateResponse bool `json:"create_response"`
}

// InputTranscription enables transcription of caller audio
type InputTranscription struct {
	Model string `json:"model"`
}

// SessionConfig is the body of session.update
type SessionConfig struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions"`
	Voice                   string              `json:"voice,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *InputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection"`
	Temperature             float64             `json:"temperature,omitempty"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 PCM16 24kHz
}

type InputAudioCommit struct {
	Type string `json:"type"`
}

// ResponseOptions overrides session settings for one response
type ResponseOptions struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type ResponseCreate struct {
	// EventID is echoed in error.event_id when the engine rejects the request
	EventID  string           `json:"event_id,omitempty"`
	Type     string           `json:"type"`
	Response *ResponseOptions `json:"response,omitempty"`
}

type ResponseCancel struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
}

func (SessionUpdate) EventType() string    { return TypeSessionUpdate }
func (InputAudioAppend) EventType() string { return TypeInputAudioAppend }
func (InputAudioCommit) EventType() string { return TypeInputAudioCommit }
func (ResponseCreate) EventType() string   { return TypeResponseCreate }
func (ResponseCancel) EventType() string   { return TypeResponseCancel }

func (SessionUpdate) isClientEvent()    {}
func (InputAudioAppend) isClientEvent() {}
func (InputAudioCommit) isClientEvent() {}
func (ResponseCreate) isClientEvent()   {}
func (ResponseCancel) isClientEvent()   {}

func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, Session: cfg}
}

func NewInputAudioAppend(b64 string) InputAudioAppend {
	return InputAudioAppend{Type: TypeInputAudioAppend, Audio: b64}
}

func NewInputAudioCommit() InputAudioCommit {
	return InputAudioCommit{Type: TypeInputAudioCommit}
}

func NewResponseCreate(eventID string, opts *ResponseOptions) ResponseCreate {
	return ResponseCreate{EventID: eventID, Type: TypeResponseCreate, Response: opts}
}

func NewResponseCancel(responseID string) ResponseCancel {
	return ResponseCancel{Type: TypeResponseCancel, ResponseID: responseID}
}

// ServerEvent is a message the engine sends. DecodeServerEvent returns one of
// the concrete types below and nothing else.
type ServerEvent interface {
	EventType() string
	isServerEvent()
}

type SessionCreated struct {
	EventID string `json:"event_id"`
	Session struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"session"`
}

type SessionUpdated struct {
	EventID string `json:"event_id"`
}

type SpeechStarted struct {
	EventID      string `json:"event_id"`
	AudioStartMS int    `json:"audio_start_ms"`
	ItemID       string `json:"item_id"`
}

type SpeechStopped struct {
	EventID    string `json:"event_id"`
	AudioEndMS int    `json:"audio_end_ms"`
	ItemID     string `json:"item_id"`
}

type InputAudioCommitted struct {
	EventID string `json:"event_id"`
	ItemID  string `json:"item_id"`
}

// ResponseInfo is the response object embedded in response.created/done
type ResponseInfo struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CallerTranscript is the transcription of one committed caller item
type CallerTranscript struct {
	EventID      string `json:"event_id"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

type ResponseCreated struct {
	EventID  string       `json:"event_id"`
	Response ResponseInfo `json:"response"`
}

type AudioDelta struct {
	EventID    string `json:"event_id"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"` // base64 PCM16 24kHz
}

type AudioDone struct {
	EventID    string `json:"event_id"`
	ResponseID string `json:"response_id"`
}

type TranscriptDelta struct {
	EventID    string `json:"event_id"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
}

type TranscriptDone struct {
	EventID    string `json:"event_id"`
	ResponseID string `json:"response_id"`
	Transcript string `json:"transcript"`
}

type ResponseDone struct {
	EventID  string       `json:"event_id"`
	Response ResponseInfo `json:"response"`
}

// ErrorEvent carries an engine-side error
type ErrorEvent struct {
	EventID string `json:"event_id"`
	Error   struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
		EventID string `json:"event_id"`
	} `json:"error"`
}

// UnknownEvent is any type this client has no handling for
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (SessionCreated) EventType() string      { return TypeSessionCreated }
func (SessionUpdated) EventType() string      { return TypeSessionUpdated }
func (SpeechStarted) EventType() string       { return TypeSpeechStarted }
func (SpeechStopped) EventType() string       { return TypeSpeechStopped }
func (InputAudioCommitted) EventType() string { return TypeInputAudioCommitted }
func (CallerTranscript) EventType() string    { return TypeCallerTranscript }
func (ResponseCreated) EventType() string     { return TypeResponseCreated }
func (AudioDelta) EventType() string          { return TypeAudioDelta }
func (AudioDone) EventType() string           { return TypeAudioDone }
func (TranscriptDelta) EventType() string     { return TypeTranscriptDelta }
func (TranscriptDone) EventType() string      { return TypeTranscriptDone }
func (ResponseDone) EventType() string        { return TypeResponseDone }
func (ErrorEvent) EventType() string          { return TypeError }
func (e UnknownEvent) EventType() string      { return e.Type }

func (SessionCreated) isServerEvent()      {}
func (SessionUpdated) isServerEvent()      {}
func (SpeechStarted) isServerEvent()       {}
func (SpeechStopped) isServerEvent()       {}
func (InputAudioCommitted) isServerEvent() {}
func (CallerTranscript) isServerEvent()    {}
func (ResponseCreated) isServerEvent()     {}
func (AudioDelta) isServerEvent()          {}
func (AudioDone) isServerEvent()           {}
func (TranscriptDelta) isServerEvent()     {}
func (TranscriptDone) isServerEvent()      {}
func (ResponseDone) isServerEvent()        {}
func (ErrorEvent) isServerEvent()          {}
func (UnknownEvent) isServerEvent()        {}

// ProtocolError describes an error event or a malformed engine message
type ProtocolError struct {
	Code    string
	Message string
	Param   string
	EventID string
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if strings.TrimSpace(e.Param) != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Param)
	}
	return "realtime protocol error: " + msg
}

// AsProtocolError converts an error event into an error value
func (e ErrorEvent) AsProtocolError() *ProtocolError {
	return &ProtocolError{
		Code:    e.Error.Code,
		Message: e.Error.Message,
		Param:   e.Error.Param,
		EventID: e.Error.EventID,
	}
}

func decodeAs[T ServerEvent](data []byte) (ServerEvent, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		var zero T
		return nil, &ProtocolError{Code: "invalid_event", Message: "malformed " + zero.EventType(), Param: err.Error()}
	}
	return ev, nil
}

// DecodeServerEvent parses one engine message
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ProtocolError{Code: "invalid_json", Message: "invalid json frame"}
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, &ProtocolError{Code: "invalid_event", Message: "missing type", Param: "type"}
	}

	switch typ {
	case TypeSessionCreated:
		return decodeAs[SessionCreated](data)
	case TypeSessionUpdated:
		return decodeAs[SessionUpdated](data)
	case TypeSpeechStarted:
		return decodeAs[SpeechStarted](data)
	case TypeSpeechStopped:
		return decodeAs[SpeechStopped](data)
	case TypeInputAudioCommitted:
		return decodeAs[InputAudioCommitted](data)
	case TypeCallerTranscript:
		return decodeAs[CallerTranscript](data)
	case TypeResponseCreated:
		return decodeAs[ResponseCreated](data)
	case TypeAudioDelta:
		return decodeAs[AudioDelta](data)
	case TypeAudioDone:
		return decodeAs[AudioDone](data)
	case TypeTranscriptDelta:
		return decodeAs[TranscriptDelta](data)
	case TypeTranscriptDone:
		return decodeAs[TranscriptDone](data)
	case TypeResponseDone:
		return decodeAs[ResponseDone](data)
	case TypeError:
		return decodeAs[ErrorEvent](data)
	default:
		return UnknownEvent{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
