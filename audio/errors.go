package audio

import "fmt"

func errOddLength(n int) error {
	return fmt.Errorf("pcm16 payload has odd length %d", n)
}

func errSampleRate(rate int) error {
	return fmt.Errorf("unsupported sample rate %d, want %d", rate, SampleRate)
}

func errUnknownFormat(f Format) error {
	return fmt.Errorf("unknown audio format %d", int(f))
}
