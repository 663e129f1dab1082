package audio

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicebridge/apperr"
)

type fakeSink struct {
	mu       sync.Mutex
	played   [][]byte
	active   atomic.Int32
	overlaps atomic.Int32
	resets   int
	closed   bool
	delay    time.Duration
}

func (s *fakeSink) Play(ctx context.Context, pcm []byte) error {
	if s.active.Add(1) > 1 {
		s.overlaps.Add(1)
	}
	defer s.active.Add(-1)

	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	s.played = append(s.played, pcm)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Reset() error {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.played...)
}

func slowDecoder(maxDelay time.Duration) func(Chunk) ([]byte, error) {
	return func(c Chunk) ([]byte, error) {
		time.Sleep(time.Duration(rand.Int63n(int64(maxDelay))))
		return c.Data(), nil
	}
}

func TestPlaybackPreservesArrivalOrder(t *testing.T) {
	sink := &fakeSink{delay: time.Millisecond}
	q := NewPlaybackQueue(sink, zerolog.Nop(), WithDecoder(slowDecoder(20*time.Millisecond)))
	defer q.Close()

	const n = 40
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(NewChunk(FormatPCM16, uint64(i), []byte{byte(i), 0})))
	}

	require.Eventually(t, func() bool { return len(sink.snapshot()) == n }, 5*time.Second, 5*time.Millisecond)

	for i, pcm := range sink.snapshot() {
		assert.Equal(t, byte(i), pcm[0], "chunk %d played out of order", i)
	}
	assert.Zero(t, sink.overlaps.Load())
	assert.Zero(t, q.Pending())
}

func TestPlaybackSkipsUndecodableChunk(t *testing.T) {
	sink := &fakeSink{}
	q := NewPlaybackQueue(sink, zerolog.Nop())
	defer q.Close()

	var mu sync.Mutex
	var errs []error
	q.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	require.NoError(t, q.Enqueue(NewChunk(FormatPCM16, 0, []byte{1, 0})))
	require.NoError(t, q.Enqueue(NewChunk(FormatPCM16, 1, []byte{1, 2, 3})))
	require.NoError(t, q.Enqueue(NewChunk(FormatPCM16, 2, []byte{3, 0})))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.Equal(t, apperr.KindPlaybackDecode, apperr.KindOf(errs[0]))
	assert.Equal(t, byte(3), sink.snapshot()[1][0])
}

func TestPlaybackStopClearsAndAcceptsMore(t *testing.T) {
	sink := &fakeSink{delay: 50 * time.Millisecond}
	q := NewPlaybackQueue(sink, zerolog.Nop())
	defer q.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(NewChunk(FormatPCM16, uint64(i), []byte{byte(i), 0})))
	}
	time.Sleep(10 * time.Millisecond)
	q.Stop()

	assert.Zero(t, q.Pending())
	assert.Equal(t, 1, sink.resets)

	require.NoError(t, q.Enqueue(NewChunk(FormatPCM16, 99, []byte{99, 0})))
	require.Eventually(t, func() bool {
		played := sink.snapshot()
		return len(played) > 0 && played[len(played)-1][0] == 99
	}, time.Second, 5*time.Millisecond)
	assert.Less(t, len(sink.snapshot()), 3)
}

func TestPlaybackCloseIsIdempotent(t *testing.T) {
	sink := &fakeSink{}
	q := NewPlaybackQueue(sink, zerolog.Nop())

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.True(t, sink.closed)
	assert.True(t, errors.Is(q.Enqueue(NewChunk(FormatPCM16, 0, nil)), ErrQueueClosed))
}
