package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// SoxSink streams raw PCM16 into a long-running sox process. Play paces
// itself to the real duration of the audio so its return means the audio
// has been handed to the device.
type SoxSink struct {
	binary string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
	// playedUntil is when the audio already written finishes playing.
	playedUntil time.Time
}

func NewSoxSink(binary string) (*SoxSink, error) {
	if binary == "" {
		binary = "sox"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("%s is required for playback: %w", binary, err)
	}
	s := &SoxSink{binary: binary}
	if err := s.startLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SoxSink) startLocked() error {
	cmd := exec.Command(s.binary,
		"-q",
		"-t", "raw",
		"-r", strconv.Itoa(SampleRate),
		"-b", "16",
		"-c", strconv.Itoa(Channels),
		"-e", "signed-integer",
		"-",
		"-d",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("sox stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start sox: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.playedUntil = time.Time{}
	return nil
}

func (s *SoxSink) stopLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
	s.stdin = nil
}

func (s *SoxSink) Play(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	if s.closed || s.stdin == nil {
		s.mu.Unlock()
		return fmt.Errorf("sox sink closed")
	}
	if _, err := s.stdin.Write(pcm); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("write to sox: %w", err)
	}
	now := time.Now()
	if s.playedUntil.Before(now) {
		s.playedUntil = now
	}
	s.playedUntil = s.playedUntil.Add(Duration(len(pcm)))
	wait := time.Until(s.playedUntil)
	s.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset restarts sox so audio buffered in the pipe is discarded.
func (s *SoxSink) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.stopLocked()
	return s.startLocked()
}

func (s *SoxSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopLocked()
	return nil
}
