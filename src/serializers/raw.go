package serializers

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/callbridge/src/audio"
)

// rawControl is a text control message on a raw binary carrier
type rawControl struct {
	Type      string            `json:"type"`
	ChannelID string            `json:"channel_id,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// RawSerializerConfig holds configuration for the raw binary serializer
type RawSerializerConfig struct {
	// ChannelID names the call in control messages until the carrier
	// sends its own
	ChannelID string
}

// RawSerializer handles carriers that send bare mu-law frames with no
// envelope. Text frames carry optional JSON control messages: start,
// hangup and interrupt.
type RawSerializer struct {
	mu        sync.RWMutex
	channelID string
}

func NewRawSerializer(cfg RawSerializerConfig) *RawSerializer {
	return &RawSerializer{channelID: cfg.ChannelID}
}

// Deserialize decodes one websocket message
func (s *RawSerializer) Deserialize(messageType int, data []byte) (CarrierEvent, error) {
	switch messageType {
	case websocket.BinaryMessage:
		// The read buffer is reused by the next read
		return CarrierEvent{Kind: EventMedia, Audio: audio.Mulaw(append([]byte(nil), data...))}, nil
	case websocket.TextMessage:
	default:
		return CarrierEvent{Kind: EventIgnored}, nil
	}

	// Skip anything that is not a JSON control message
	if len(data) == 0 || data[0] != '{' {
		return CarrierEvent{Kind: EventIgnored}, nil
	}
	var msg rawControl
	if err := json.Unmarshal(data, &msg); err != nil {
		return CarrierEvent{}, fmt.Errorf("failed to unmarshal control message: %w", err)
	}

	switch msg.Type {
	case "start":
		if msg.ChannelID != "" {
			s.mu.Lock()
			s.channelID = msg.ChannelID
			s.mu.Unlock()
		}
		return CarrierEvent{Kind: EventStart, CallSid: s.ChannelID(), CustomParameters: msg.Data}, nil
	case "hangup":
		return CarrierEvent{Kind: EventStop}, nil
	default:
		return CarrierEvent{Kind: EventIgnored}, nil
	}
}

// ChannelID is the carrier's name for the call
func (s *RawSerializer) ChannelID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelID
}

// SerializeAudio passes mu-law through as one binary message
func (s *RawSerializer) SerializeAudio(payload audio.Mulaw) (int, []byte, error) {
	return websocket.BinaryMessage, []byte(payload), nil
}

// SerializeClear encodes an interrupt control message
func (s *RawSerializer) SerializeClear() ([]byte, bool, error) {
	data, err := json.Marshal(rawControl{Type: "interrupt", ChannelID: s.ChannelID()})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal interrupt message: %w", err)
	}
	return data, true, nil
}
