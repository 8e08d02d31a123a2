// Package audio converts between the telephony leg's G.711 u-law 8 kHz
// format and the linear PCM formats spoken by the generative-audio service
// (16 kHz inbound, 24 kHz outbound). All functions are stateless; each chunk
// is converted independently.
package audio

import (
	"encoding/binary"
	"fmt"
)

// Sample rates on the two legs of the bridge.
const (
	TelephonyRate = 8000  // u-law from/to the media stream
	UpstreamRate  = 16000 // PCM sent to the generative service
	DownlinkRate  = 24000 // PCM received from the generative service
)

// CodecError reports a malformed audio buffer. A chunk that fails to convert
// is dropped by the caller; it never terminates a session.
type CodecError struct {
	Reason string
}

func (e *CodecError) Error() string {
	return "audio: " + e.Reason
}

func codecErrorf(format string, args ...any) *CodecError {
	return &CodecError{Reason: fmt.Sprintf(format, args...)}
}

// G.711 u-law decoding table: maps each u-law byte to a 16-bit linear PCM sample.
var ulawToLinear [256]int16

// G.711 u-law encoding table: maps each 16-bit signed sample to a u-law byte.
var linearToUlaw [65536]uint8

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
	}
}

// decodeUlaw converts a u-law byte to a 16-bit linear PCM sample.
func decodeUlaw(u uint8) int16 {
	// Complement to obtain the original code.
	u = ^u
	sign := int16(1)
	if u&0x80 != 0 {
		sign = -1
		u &= 0x7F
	}
	exponent := int((u >> 4) & 0x07)
	mantissa := int(u & 0x0F)
	sample := int16(((mantissa<<3 + 0x84) << uint(exponent)) - 0x84)
	return sign * sample
}

// encodeUlaw converts a 16-bit linear PCM sample to a u-law byte.
func encodeUlaw(sample int16) uint8 {
	const bias = 0x84
	const clip = 32635

	sign := uint8(0)
	if sample < 0 {
		sign = 0x80
		// Clip before negating: -(-32768) overflows int16.
		if sample < -clip {
			sample = -clip
		}
		sample = -sample
	} else if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := 7
	mask := int16(0x4000)
	for exponent > 0 {
		if sample&mask != 0 {
			break
		}
		exponent--
		mask >>= 1
	}

	mantissa := (sample >> (uint(exponent) + 3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

// DecodeTelephonyChunk converts a u-law 8 kHz buffer from the media stream
// into 16-bit little-endian PCM at 16 kHz. Every byte is one u-law sample, so
// any input length is valid; empty input yields empty output.
func DecodeTelephonyChunk(mulaw []byte) ([]byte, error) {
	if len(mulaw) == 0 {
		return nil, nil
	}

	pcm8k := make([]int16, len(mulaw))
	for i, b := range mulaw {
		pcm8k[i] = ulawToLinear[b]
	}

	pcm16k := resampleLinear(pcm8k, TelephonyRate, UpstreamRate)
	return samplesToBytes(pcm16k), nil
}

// EncodeTelephonyChunk converts a 16-bit little-endian PCM buffer at 24 kHz
// from the generative service into u-law at 8 kHz for the media stream.
// Odd-length input is malformed PCM and yields a CodecError.
func EncodeTelephonyChunk(pcm24k []byte) ([]byte, error) {
	samples, err := bytesToSamples(pcm24k)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}

	pcm8k := resampleLinear(samples, DownlinkRate, TelephonyRate)

	mulaw := make([]byte, len(pcm8k))
	for i, s := range pcm8k {
		mulaw[i] = linearToUlaw[uint16(s)]
	}
	return mulaw, nil
}

// resampleLinear converts samples between rates using linear interpolation.
// No filter state is carried across chunks; boundary artifacts at chunk edges
// are an accepted tradeoff for statelessness and latency.
func resampleLinear(in []int16, fromRate, toRate int) []int16 {
	if len(in) == 0 || fromRate == toRate {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}

	outLen := len(in) * toRate / fromRate
	if outLen == 0 {
		return nil
	}

	out := make([]int16, outLen)
	step := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(in[idx])
		b := float64(in[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

// bytesToSamples reinterprets little-endian PCM bytes as 16-bit samples.
func bytesToSamples(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, codecErrorf("pcm buffer length %d is not a whole number of 16-bit samples", len(b))
	}
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return samples, nil
}

// samplesToBytes packs 16-bit samples as little-endian PCM bytes.
func samplesToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}
