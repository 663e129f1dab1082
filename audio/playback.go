package audio

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/room4-2/voicebridge/apperr"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("playback queue closed")

// Sink renders PCM16 at SampleRate. Play blocks until the audio has played
// or ctx is cancelled. Reset drops anything the device still holds.
type Sink interface {
	Play(ctx context.Context, pcm []byte) error
	Reset() error
	Close() error
}

// PlaybackOption configures a PlaybackQueue.
type PlaybackOption func(*PlaybackQueue)

// WithDecoder replaces the chunk decoder.
func WithDecoder(decode func(Chunk) ([]byte, error)) PlaybackOption {
	return func(q *PlaybackQueue) { q.decode = decode }
}

// PlaybackQueue decodes chunks concurrently but plays them strictly in the
// order they were enqueued, one at a time.
type PlaybackQueue struct {
	sink   Sink
	decode func(Chunk) ([]byte, error)
	logger zerolog.Logger

	mu         sync.Mutex
	pending    []*playbackSlot
	gen        uint64
	playCtx    context.Context
	playCancel context.CancelFunc
	onError    func(error)
	onPlayed   func(Chunk)
	closed     bool

	wake      chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

type playbackSlot struct {
	chunk Chunk
	ready chan struct{}
	pcm   []byte
	err   error
}

func NewPlaybackQueue(sink Sink, logger zerolog.Logger, opts ...PlaybackOption) *PlaybackQueue {
	q := &PlaybackQueue{
		sink:    sink,
		decode:  Chunk.DecodeToPCM16,
		logger:  logger.With().Str("component", "playback").Logger(),
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.playCtx, q.playCancel = context.WithCancel(context.Background())
	go q.run()
	return q
}

// OnError receives decode failures. The failing chunk is skipped.
func (q *PlaybackQueue) OnError(cb func(error)) {
	q.mu.Lock()
	q.onError = cb
	q.mu.Unlock()
}

// OnPlayed is called after each chunk finished playing.
func (q *PlaybackQueue) OnPlayed(cb func(Chunk)) {
	q.mu.Lock()
	q.onPlayed = cb
	q.mu.Unlock()
}

// Enqueue accepts a chunk and starts decoding it right away.
func (q *PlaybackQueue) Enqueue(c Chunk) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	slot := &playbackSlot{chunk: c, ready: make(chan struct{})}
	q.pending = append(q.pending, slot)
	q.mu.Unlock()

	go func() {
		slot.pcm, slot.err = q.decode(c)
		close(slot.ready)
	}()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending is the number of chunks not yet played.
func (q *PlaybackQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *PlaybackQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.closeCh:
				return
			}
		}
		slot, gen, ctx := q.pending[0], q.gen, q.playCtx
		q.mu.Unlock()

		select {
		case <-slot.ready:
		case <-ctx.Done():
			continue
		case <-q.closeCh:
			return
		}

		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			continue
		}
		q.pending = q.pending[1:]
		onError, onPlayed := q.onError, q.onPlayed
		q.mu.Unlock()

		if slot.err != nil {
			err := apperr.PlaybackDecode("decode chunk", slot.err)
			q.logger.Warn().Err(err).Uint64("seq", slot.chunk.Seq()).Msg("skipping undecodable chunk")
			if onError != nil {
				onError(err)
			}
			continue
		}

		if err := q.sink.Play(ctx, slot.pcm); err != nil {
			if ctx.Err() == nil {
				q.logger.Error().Err(err).Uint64("seq", slot.chunk.Seq()).Msg("playback failed")
			}
			continue
		}
		if onPlayed != nil {
			onPlayed(slot.chunk)
		}
	}
}

// Stop drops every pending chunk and interrupts the one playing. The queue
// keeps accepting chunks afterwards.
func (q *PlaybackQueue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	dropped := len(q.pending)
	q.gen++
	q.pending = nil
	q.playCancel()
	q.playCtx, q.playCancel = context.WithCancel(context.Background())
	q.mu.Unlock()

	if err := q.sink.Reset(); err != nil {
		q.logger.Warn().Err(err).Msg("sink reset failed")
	}
	q.logger.Debug().Int("dropped", dropped).Msg("playback stopped")
}

// Close stops playback and releases the sink. Idempotent.
func (q *PlaybackQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.Stop()
		q.mu.Lock()
		q.closed = true
		q.playCancel()
		q.mu.Unlock()
		close(q.closeCh)
		<-q.done
		err = q.sink.Close()
	})
	return err
}
