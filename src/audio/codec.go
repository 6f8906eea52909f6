package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Mulaw holds 8-bit G.711 μ-law samples, one byte per sample
type Mulaw []byte

// PCM16 holds signed 16-bit linear samples
type PCM16 []int16

// CodecError reports an audio buffer that cannot be interpreted in the
// format it claims to be in
type CodecError struct {
	Op     string
	Length int
	Reason string
}

func (e *CodecError) Error() string {
	if e.Length >= 0 {
		return fmt.Sprintf("codec %s: %s (length=%d)", e.Op, e.Reason, e.Length)
	}
	return fmt.Sprintf("codec %s: %s", e.Op, e.Reason)
}

// DecodeMulaw expands μ-law to linear PCM16 (2 output bytes per input byte)
func DecodeMulaw(in Mulaw) PCM16 {
	pcm := make(PCM16, len(in))
	for i, val := range in {
		pcm[i] = mulawDecodeTable[val]
	}
	return pcm
}

// EncodeMulaw compresses linear PCM16 to μ-law (1 output byte per sample)
func EncodeMulaw(in PCM16) Mulaw {
	out := make(Mulaw, len(in))
	for i, val := range in {
		out[i] = mulawEncode(val)
	}
	return out
}

// ParsePCM16 interprets little-endian bytes as PCM16 samples
func ParsePCM16(data []byte) (PCM16, error) {
	if len(data)%2 != 0 {
		return nil, &CodecError{Op: "parse_pcm16", Length: len(data), Reason: "odd byte count"}
	}
	pcm := make(PCM16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}

// Bytes encodes the samples little-endian
func (p PCM16) Bytes() []byte {
	data := make([]byte, len(p)*2)
	for i, val := range p {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	return data
}

// Upsample3x triples the sample count by linear interpolation between
// neighbours. The last sample has no right neighbour and is repeated.
func Upsample3x(in PCM16) PCM16 {
	out := make(PCM16, len(in)*3)
	for i, cur := range in {
		next := cur
		if i+1 < len(in) {
			next = in[i+1]
		}
		diff := int32(next) - int32(cur)
		out[i*3] = cur
		out[i*3+1] = int16(int32(cur) + diff/3)
		out[i*3+2] = int16(int32(cur) + diff*2/3)
	}
	return out
}

// DownsampleThird keeps every third sample starting at the first. There is
// no low-pass filter; aliasing above 4kHz is accepted for speech.
func DownsampleThird(in PCM16) PCM16 {
	out := make(PCM16, 0, (len(in)+2)/3)
	for i := 0; i < len(in); i += 3 {
		out = append(out, in[i])
	}
	return out
}

// TelephonyToEngine converts 8kHz μ-law into 24kHz PCM16
func TelephonyToEngine(in Mulaw) PCM16 {
	return Upsample3x(DecodeMulaw(in))
}

// EngineToTelephony converts 24kHz PCM16 into 8kHz μ-law
func EngineToTelephony(in PCM16) Mulaw {
	return EncodeMulaw(DownsampleThird(in))
}

// RMS returns the root mean square of the samples normalized to [0,1]
func RMS(pcm PCM16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, val := range pcm {
		s := float64(val) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// Mulaw encoding/decoding tables and functions
const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawDecodeTable = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}

func mulawEncode(sample int16) byte {
	// Work in int32 so that -32768 can be negated
	pcm := int32(sample)

	sign := uint8(0)
	if pcm < 0 {
		sign = 0x80
		pcm = -pcm
	}

	if pcm > mulawClip {
		pcm = mulawClip
	}
	pcm += mulawBias

	// Smallest bucket whose range holds the biased magnitude
	exponent := uint8(7)
	for mask := int32(0x4000); exponent > 0 && pcm&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := uint8((pcm >> (exponent + 3)) & 0x0F)

	return ^(sign | (exponent << 4) | mantissa)
}
