package serializers

import (
	"github.com/square-key-labs/callbridge/src/audio"
)

// Framing names a carrier wire format
type Framing string

const (
	// FramingRaw is bare binary mu-law with optional JSON control messages
	FramingRaw Framing = "raw"
	// FramingTwilio is Twilio Media Streams JSON. Binary audio is accepted
	// until the carrier announces a stream.
	FramingTwilio Framing = "twilio"
)

// CarrierSerializer converts between carrier socket messages and call audio
type CarrierSerializer interface {
	// Deserialize decodes one websocket message
	Deserialize(messageType int, data []byte) (CarrierEvent, error)

	// SerializeAudio encodes outbound audio and returns the websocket
	// message type to send it with
	SerializeAudio(payload audio.Mulaw) (int, []byte, error)

	// SerializeClear encodes a request to drop buffered playback. ok is
	// false when the framing has no such message.
	SerializeClear() (data []byte, ok bool, err error)
}

// New returns a serializer for the framing. An unknown framing gets the
// Twilio serializer, which also speaks raw binary.
func New(framing Framing, channelID string) CarrierSerializer {
	if framing == FramingRaw {
		return NewRawSerializer(RawSerializerConfig{ChannelID: channelID})
	}
	return NewTwilioSerializer()
}
