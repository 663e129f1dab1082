package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

const wavHeaderSize = 44

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// ParseWAV extracts mono PCM16 data and its sample rate. Chunks other than
// fmt and data are skipped.
func ParseWAV(data []byte) ([]byte, int, error) {
	if len(data) < wavHeaderSize {
		return nil, 0, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}
	if !IsWAV(data) {
		return nil, 0, fmt.Errorf("invalid WAV file: missing RIFF/WAVE header")
	}

	var h wavHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h); err != nil {
		return nil, 0, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if string(h.Subchunk1ID[:]) != "fmt " {
		return nil, 0, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if h.AudioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", h.AudioFormat)
	}
	if h.BitsPerSample != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", h.BitsPerSample)
	}
	if h.NumChannels != Channels {
		return nil, 0, fmt.Errorf("unsupported channel count: %d (only mono is supported)", h.NumChannels)
	}

	offset := 12 + 8 + int(h.Subchunk1Size)
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if id == "data" {
			end := min(body+size, len(data))
			pcm := make([]byte, end-body)
			copy(pcm, data[body:end])
			if len(pcm)%BytesPerSample != 0 {
				pcm = pcm[:len(pcm)-1]
			}
			return pcm, int(h.SampleRate), nil
		}
		offset = body + size + size%2
	}
	return nil, 0, fmt.Errorf("invalid WAV file: missing data chunk")
}
