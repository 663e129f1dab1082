// Package audio holds the PCM16 codec and the capture and playback pipelines
// built on it.
//
// One format is used end to end: 16-bit signed little-endian mono PCM at
// 24 kHz, carried on the wire as standard base64.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"strings"
	"time"

	"github.com/room4-2/voicebridge/apperr"
)

const (
	SampleRate     = 24000
	Channels       = 1
	BytesPerSample = 2

	// EncodeSliceBytes bounds how much PCM is base64 encoded per step. It is
	// a multiple of 3 so slice outputs carry no padding and concatenate.
	EncodeSliceBytes = 3 * 16 * 1024
	// decodeSliceChars is the matching base64 slice, a multiple of 4.
	decodeSliceChars = EncodeSliceBytes / 3 * 4
)

// FloatToPCM16 converts samples in [-1, 1] to little-endian PCM16. Values
// outside the range are clamped.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat is the inverse of FloatToPCM16. A trailing odd byte is an
// error.
func PCM16ToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%BytesPerSample != 0 {
		return nil, errOddLength(len(pcm))
	}
	out := make([]float32, len(pcm)/BytesPerSample)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if v < 0 {
			out[i] = float32(v) / 0x8000
		} else {
			out[i] = float32(v) / 0x7FFF
		}
	}
	return out, nil
}

// EncodePCM base64-encodes pcm in EncodeSliceBytes steps.
func EncodePCM(pcm []byte) string {
	var b strings.Builder
	b.Grow(base64.StdEncoding.EncodedLen(len(pcm)))
	for start := 0; start < len(pcm); start += EncodeSliceBytes {
		end := min(start+EncodeSliceBytes, len(pcm))
		b.WriteString(base64.StdEncoding.EncodeToString(pcm[start:end]))
	}
	return b.String()
}

// Encode converts float samples to the base64 PCM16 wire form.
func Encode(samples []float32) string {
	return EncodePCM(FloatToPCM16(samples))
}

// DecodePCM reverses EncodePCM. Invalid base64 is a protocol validation
// error.
func DecodePCM(s string) ([]byte, error) {
	out := make([]byte, 0, base64.StdEncoding.DecodedLen(len(s)))
	for start := 0; start < len(s); start += decodeSliceChars {
		end := min(start+decodeSliceChars, len(s))
		part, err := base64.StdEncoding.DecodeString(s[start:end])
		if err != nil {
			return nil, apperr.Validation("decode audio", "audio is not valid base64")
		}
		out = append(out, part...)
	}
	return out, nil
}

// Decode converts the wire form back to float samples.
func Decode(s string) ([]float32, error) {
	pcm, err := DecodePCM(s)
	if err != nil {
		return nil, err
	}
	samples, err := PCM16ToFloat(pcm)
	if err != nil {
		return nil, apperr.Validation("decode audio", err.Error())
	}
	return samples, nil
}

// ValidateBase64 reports whether s is well-formed base64 audio without
// keeping the decoded bytes.
func ValidateBase64(s string) error {
	if s == "" {
		return apperr.Validation("decode audio", "audio is empty")
	}
	_, err := DecodePCM(s)
	return err
}

// Duration is the playback time of n PCM16 bytes at SampleRate.
func Duration(n int) time.Duration {
	samples := n / (BytesPerSample * Channels)
	return time.Duration(samples) * time.Second / SampleRate
}
