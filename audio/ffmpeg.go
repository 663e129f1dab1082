package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/room4-2/voicebridge/apperr"
)

// FFmpegMicrophone captures from the default input device through ffmpeg,
// which writes f32le samples to stdout.
type FFmpegMicrophone struct {
	// Binary defaults to "ffmpeg".
	Binary string
	// Device overrides the per-OS default input.
	Device string
	GOOS   string
}

var deviceFailureMarkers = []string{
	"permission denied",
	"not authorized",
	"operation not permitted",
	"no such device",
	"no such file or directory",
	"input/output error",
	"cannot open",
	"connection refused",
}

func (m *FFmpegMicrophone) Open(ctx context.Context, c Constraints) (Stream, error) {
	bin := m.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, apperr.Device("open microphone", fmt.Errorf("%s is required for microphone capture: %w", bin, err))
	}
	goos := m.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	args, err := ffmpegCaptureArgs(goos, m.Device, c.withDefaults())
	if err != nil {
		return nil, apperr.Device("open microphone", err)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, apperr.Device("open microphone", fmt.Errorf("start ffmpeg: %w", err))
	}

	s := &ffmpegStream{cmd: cmd, stdout: bufio.NewReader(stdout), stderrDone: make(chan struct{})}
	go s.scanStderr(stderr)
	return s, nil
}

func ffmpegCaptureArgs(goos, device string, c Constraints) ([]string, error) {
	args := []string{"-hide_banner", "-loglevel", "error"}
	switch goos {
	case "darwin":
		if device == "" {
			device = "0"
		}
		args = append(args, "-f", "avfoundation", "-i", ":"+device)
	case "linux":
		if device == "" {
			device = "default"
		}
		args = append(args, "-f", "pulse", "-i", device)
	case "windows":
		if device == "" {
			return nil, errors.New("set a dshow device name for microphone capture on windows")
		}
		args = append(args, "-f", "dshow", "-i", "audio="+device)
	default:
		return nil, fmt.Errorf("microphone capture is not implemented for %s", goos)
	}
	return append(args,
		"-ac", strconv.Itoa(c.Channels),
		"-ar", strconv.Itoa(c.SampleRate),
		"-f", "f32le", "-",
	), nil
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	stdout *bufio.Reader

	stderrDone chan struct{}
	mu         sync.Mutex
	failure    string
	raw        [4]byte
}

func (s *ffmpegStream) scanStderr(r io.Reader) {
	defer close(s.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lower := strings.ToLower(line)
		for _, marker := range deviceFailureMarkers {
			if strings.Contains(lower, marker) {
				s.mu.Lock()
				if s.failure == "" {
					s.failure = line
				}
				s.mu.Unlock()
				break
			}
		}
	}
}

func (s *ffmpegStream) Read(buf []float32) (int, error) {
	for i := range buf {
		if _, err := io.ReadFull(s.stdout, s.raw[:]); err != nil {
			if i > 0 {
				return i, nil
			}
			return 0, s.readError(err)
		}
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(s.raw[:]))
		if s.stdout.Buffered() < 4 && i > 0 {
			return i + 1, nil
		}
	}
	return len(buf), nil
}

// readError maps EOF to a device error when ffmpeg reported one.
func (s *ffmpegStream) readError(err error) error {
	<-s.stderrDone
	s.mu.Lock()
	failure := s.failure
	s.mu.Unlock()
	if failure != "" {
		return apperr.Device("read microphone", errors.New(failure))
	}
	return err
}

func (s *ffmpegStream) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}
