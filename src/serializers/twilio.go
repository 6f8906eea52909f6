package serializers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/callbridge/src/audio"
)

// EventKind classifies a carrier message
type EventKind int

const (
	EventIgnored EventKind = iota
	EventConnected
	EventStart
	EventMedia
	EventMark
	EventStop
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventStart:
		return "start"
	case EventMedia:
		return "media"
	case EventMark:
		return "mark"
	case EventStop:
		return "stop"
	default:
		return "ignored"
	}
}

// CarrierEvent is one decoded carrier message
type CarrierEvent struct {
	Kind             EventKind
	Audio            audio.Mulaw
	StreamSid        string
	CallSid          string
	AccountSid       string
	CustomParameters map[string]string
	Mark             string
}

// Twilio message structures
type twilioMessage struct {
	Event     string                 `json:"event"`
	StreamSid string                 `json:"streamSid,omitempty"`
	Media     *twilioMedia           `json:"media,omitempty"`
	Start     *twilioStart           `json:"start,omitempty"`
	Mark      *twilioMark            `json:"mark,omitempty"`
	Stop      map[string]interface{} `json:"stop,omitempty"`
}

type twilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64-encoded mulaw audio
}

type twilioStart struct {
	StreamSid        string                 `json:"streamSid"`
	CallSid          string                 `json:"callSid"`
	AccountSid       string                 `json:"accountSid"`
	Tracks           []string               `json:"tracks"`
	MediaFormat      map[string]interface{} `json:"mediaFormat"`
	CustomParameters map[string]string      `json:"customParameters,omitempty"`
}

type twilioMark struct {
	Name string `json:"name"`
}

// TwilioSerializer speaks Twilio Media Streams JSON. Until a start event names
// the stream it behaves as a RawSerializer, so output follows the carrier:
// JSON for Media Streams, binary for raw carriers.
type TwilioSerializer struct {
	raw *RawSerializer

	mu        sync.RWMutex
	streamSid string
}

var _ CarrierSerializer = (*TwilioSerializer)(nil)

func NewTwilioSerializer() *TwilioSerializer {
	return &TwilioSerializer{raw: NewRawSerializer(RawSerializerConfig{})}
}

// Deserialize decodes one websocket message
func (s *TwilioSerializer) Deserialize(messageType int, data []byte) (CarrierEvent, error) {
	if messageType != websocket.TextMessage {
		return s.raw.Deserialize(messageType, data)
	}

	var msg twilioMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return CarrierEvent{}, fmt.Errorf("failed to unmarshal Twilio message: %w", err)
	}

	switch msg.Event {
	case "":
		// Not Media Streams; maybe a raw carrier control message
		return s.raw.Deserialize(messageType, data)

	case "connected":
		return CarrierEvent{Kind: EventConnected}, nil

	case "start":
		if msg.Start == nil {
			return CarrierEvent{}, fmt.Errorf("start event missing start data")
		}
		streamSid := msg.Start.StreamSid
		if streamSid == "" {
			streamSid = msg.StreamSid
		}
		s.mu.Lock()
		s.streamSid = streamSid
		s.mu.Unlock()
		return CarrierEvent{
			Kind:             EventStart,
			StreamSid:        streamSid,
			CallSid:          msg.Start.CallSid,
			AccountSid:       msg.Start.AccountSid,
			CustomParameters: msg.Start.CustomParameters,
		}, nil

	case "media":
		if msg.Media == nil {
			return CarrierEvent{}, fmt.Errorf("media event missing media data")
		}
		if msg.Media.Track == "outbound" {
			return CarrierEvent{Kind: EventIgnored}, nil
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return CarrierEvent{}, fmt.Errorf("failed to decode audio payload: %w", err)
		}
		return CarrierEvent{Kind: EventMedia, Audio: audio.Mulaw(payload), StreamSid: msg.StreamSid}, nil

	case "mark":
		ev := CarrierEvent{Kind: EventMark, StreamSid: msg.StreamSid}
		if msg.Mark != nil {
			ev.Mark = msg.Mark.Name
		}
		return ev, nil

	case "stop":
		return CarrierEvent{Kind: EventStop, StreamSid: msg.StreamSid}, nil

	default:
		return CarrierEvent{Kind: EventIgnored}, nil
	}
}

func (s *TwilioSerializer) StreamSid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSid
}

// SerializeAudio encodes outbound audio in the carrier's framing
func (s *TwilioSerializer) SerializeAudio(payload audio.Mulaw) (int, []byte, error) {
	streamSid := s.StreamSid()
	if streamSid == "" {
		return s.raw.SerializeAudio(payload)
	}

	msg := twilioMessage{
		Event:     "media",
		StreamSid: streamSid,
		Media: &twilioMedia{
			Payload: base64.StdEncoding.EncodeToString(payload),
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal Twilio media message: %w", err)
	}
	return websocket.TextMessage, data, nil
}

// SerializeClear encodes a request to drop buffered playback
func (s *TwilioSerializer) SerializeClear() (data []byte, ok bool, err error) {
	streamSid := s.StreamSid()
	if streamSid == "" {
		return s.raw.SerializeClear()
	}
	data, err = json.Marshal(twilioMessage{Event: "clear", StreamSid: streamSid})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal Twilio clear message: %w", err)
	}
	return data, true, nil
}
