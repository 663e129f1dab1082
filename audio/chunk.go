package audio

// Format tags the encoding of a Chunk's bytes.
type Format int

const (
	FormatPCM16 Format = iota
	FormatWAV
)

func (f Format) String() string {
	switch f {
	case FormatPCM16:
		return "pcm16"
	case FormatWAV:
		return "wav"
	default:
		return "unknown"
	}
}

// Chunk is an immutable unit of audio. The constructor copies its input and
// Data returns a copy.
type Chunk struct {
	format Format
	seq    uint64
	data   []byte
}

func NewChunk(format Format, seq uint64, data []byte) Chunk {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Chunk{format: format, seq: seq, data: buf}
}

func (c Chunk) Format() Format { return c.format }

func (c Chunk) Seq() uint64 { return c.seq }

func (c Chunk) Len() int { return len(c.data) }

func (c Chunk) Data() []byte {
	buf := make([]byte, len(c.data))
	copy(buf, c.data)
	return buf
}

// DecodeToPCM16 returns the chunk as 24 kHz PCM16 whatever its container.
func (c Chunk) DecodeToPCM16() ([]byte, error) {
	switch c.format {
	case FormatPCM16:
		if len(c.data)%BytesPerSample != 0 {
			return nil, errOddLength(len(c.data))
		}
		return c.Data(), nil
	case FormatWAV:
		pcm, rate, err := ParseWAV(c.data)
		if err != nil {
			return nil, err
		}
		if rate != SampleRate {
			return nil, errSampleRate(rate)
		}
		return pcm, nil
	default:
		return nil, errUnknownFormat(c.format)
	}
}
