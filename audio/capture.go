package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/room4-2/voicebridge/apperr"
)

// DefaultFrameSamples is the capture buffer size delivered per OnFrame call.
const DefaultFrameSamples = 4096

var (
	// ErrCaptureRunning is returned by Start when capture is already active.
	ErrCaptureRunning = errors.New("capture already running")
	// ErrCaptureFormat is returned by Start for a format other than the
	// session's PCM16 24 kHz mono.
	ErrCaptureFormat = errors.New("capture format must match the session format")
)

// Constraints fixes the capture format for the life of a capture session.
type Constraints struct {
	SampleRate   int
	Channels     int
	FrameSamples int
}

func DefaultConstraints() Constraints {
	return Constraints{SampleRate: SampleRate, Channels: Channels, FrameSamples: DefaultFrameSamples}
}

func (c Constraints) withDefaults() Constraints {
	d := DefaultConstraints()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = d.Channels
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = d.FrameSamples
	}
	return c
}

// Microphone opens an exclusive input stream.
type Microphone interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream yields interleaved float32 samples. Close must unblock a pending
// Read.
type Stream interface {
	Read(buf []float32) (int, error)
	Close() error
}

// CaptureEncoder pulls fixed-size frames from a Microphone on its own
// goroutine and hands them to the OnFrame callback.
type CaptureEncoder struct {
	mic    Microphone
	logger zerolog.Logger

	mu      sync.Mutex
	onFrame func([]float32)
	onError func(error)
	stream  *onceStream
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewCaptureEncoder(mic Microphone, logger zerolog.Logger) *CaptureEncoder {
	return &CaptureEncoder{mic: mic, logger: logger.With().Str("component", "capture").Logger()}
}

// OnFrame sets the frame callback. Frames are owned by the callee.
func (e *CaptureEncoder) OnFrame(cb func(frame []float32)) {
	e.mu.Lock()
	e.onFrame = cb
	e.mu.Unlock()
}

// OnError sets the callback for device failures after Start returned.
func (e *CaptureEncoder) OnError(cb func(err error)) {
	e.mu.Lock()
	e.onError = cb
	e.mu.Unlock()
}

// Running reports whether a capture goroutine is active.
func (e *CaptureEncoder) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done != nil
}

// Start acquires the device. Permission and availability failures come back
// as a device error and are not retried.
func (e *CaptureEncoder) Start(ctx context.Context, c Constraints) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil {
		return ErrCaptureRunning
	}

	c = c.withDefaults()
	if c.SampleRate != SampleRate || c.Channels != Channels {
		return apperr.Device("open microphone", fmt.Errorf("%w: got %d Hz x%d, want %d Hz x%d",
			ErrCaptureFormat, c.SampleRate, c.Channels, SampleRate, Channels))
	}
	stream, err := e.mic.Open(ctx, c)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindDevice {
			return err
		}
		return apperr.Device("open microphone", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.stream = &onceStream{Stream: stream}
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.readLoop(runCtx, e.stream, c.FrameSamples*c.Channels, e.done)
	e.logger.Info().Int("sample_rate", c.SampleRate).Int("frame_samples", c.FrameSamples).Msg("🎤 capture started")
	return nil
}

func (e *CaptureEncoder) readLoop(ctx context.Context, stream *onceStream, frameLen int, done chan struct{}) {
	defer e.release(done)

	buf := make([]float32, frameLen)
	filled := 0
	for {
		n, err := stream.Read(buf[filled:])
		filled += n
		if filled == len(buf) {
			frame := make([]float32, len(buf))
			copy(frame, buf)
			filled = 0

			e.mu.Lock()
			cb := e.onFrame
			e.mu.Unlock()
			if cb != nil {
				cb(frame)
			}
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			e.logger.Error().Err(err).Msg("capture read failed")
			e.mu.Lock()
			onErr := e.onError
			e.mu.Unlock()
			if onErr != nil {
				if apperr.KindOf(err) != apperr.KindDevice {
					err = apperr.Device("read microphone", err)
				}
				onErr(err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// release runs when the read goroutine exits for any reason.
func (e *CaptureEncoder) release(done chan struct{}) {
	e.mu.Lock()
	if e.done == done {
		e.cancel()
		_ = e.stream.Close()
		e.stream = nil
		e.cancel = nil
		e.done = nil
	}
	e.mu.Unlock()
	close(done)
}

// Stop releases the device and waits for the read goroutine. Safe to call
// repeatedly and after a device error.
func (e *CaptureEncoder) Stop() {
	e.mu.Lock()
	cancel, stream, done := e.cancel, e.stream, e.done
	e.cancel, e.stream, e.done = nil, nil, nil
	e.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	_ = stream.Close()
	<-done
	e.logger.Info().Msg("capture stopped")
}

type onceStream struct {
	Stream
	once sync.Once
	err  error
}

func (s *onceStream) Close() error {
	s.once.Do(func() { s.err = s.Stream.Close() })
	return s.err
}
