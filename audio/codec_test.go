package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicebridge/apperr"
)

func sineWave(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(float64(i) * 2 * math.Pi * 440 / SampleRate))
	}
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sliceSamples := EncodeSliceBytes / BytesPerSample
	lengths := []int{0, 1, 4096, sliceSamples, sliceSamples + 1, 3*sliceSamples - 7}

	for _, n := range lengths {
		samples := sineWave(n)
		encoded := Encode(samples)

		pcm := FloatToPCM16(samples)
		assert.Equal(t, base64.StdEncoding.EncodeToString(pcm), encoded, "sliced encoding must match one-shot encoding (n=%d)", n)

		decoded, err := Decode(encoded)
		require.NoError(t, err)
		require.Len(t, decoded, n)
		for i := range samples {
			assert.InDelta(t, samples[i], decoded[i], 1.0/0x7FFF+1e-6)
		}
	}
}

func TestFloatToPCM16Clamps(t *testing.T) {
	pcm := FloatToPCM16([]float32{2, -2, 0})
	samples, err := PCM16ToFloat(pcm)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -1, 0}, samples)
}

func TestDecodeRejectsInvalidBase64(t *testing.T) {
	_, err := Decode("not*base64")
	require.Error(t, err)
	assert.Equal(t, apperr.KindProtocolValidation, apperr.KindOf(err))

	assert.Error(t, ValidateBase64(""))
	assert.NoError(t, ValidateBase64(Encode(sineWave(10))))
}

func TestDecodeRejectsOddPCM(t *testing.T) {
	_, err := Decode(base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	require.Error(t, err)
	assert.Equal(t, apperr.KindProtocolValidation, apperr.KindOf(err))
}

func TestDuration(t *testing.T) {
	assert.Equal(t, time.Second, Duration(SampleRate*BytesPerSample))
}

func TestChunkIsImmutable(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	c := NewChunk(FormatPCM16, 7, src)
	src[0] = 9

	data := c.Data()
	assert.Equal(t, byte(1), data[0])
	data[1] = 9
	assert.Equal(t, []byte{1, 2, 3, 4}, c.Data())
	assert.Equal(t, 4, c.Len())
	assert.Equal(t, uint64(7), c.Seq())
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := FloatToPCM16(sineWave(480))
	wav := wrapWAV(pcm, SampleRate)
	assert.True(t, IsWAV(wav))

	got, rate, err := ParseWAV(wav)
	require.NoError(t, err)
	assert.Equal(t, SampleRate, rate)
	assert.Equal(t, pcm, got)

	decoded, err := NewChunk(FormatWAV, 0, wav).DecodeToPCM16()
	require.NoError(t, err)
	assert.Equal(t, pcm, decoded)

	_, err = NewChunk(FormatWAV, 0, wrapWAV(pcm, 16000)).DecodeToPCM16()
	assert.Error(t, err)
}

// wrapWAV puts a 44-byte header in front of mono PCM16.
func wrapWAV(pcm []byte, sampleRate int) []byte {
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   Channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * Channels * BytesPerSample),
		BlockAlign:    Channels * BytesPerSample,
		BitsPerSample: 16,
	}
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	_ = binary.Write(buf, binary.LittleEndian, h)
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
