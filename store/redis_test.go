package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicebridge/transcript"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	s := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestSessionMirror(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveSession(ctx, SessionRecord{
		ID: "abc", Provider: "openai", Status: "negotiating", CreatedAt: now, LastActivity: now,
	}))
	assert.Equal(t, "negotiating", mr.HGet("session:abc", "status"))
	assert.Equal(t, time.Minute, mr.TTL("session:abc"))

	require.NoError(t, s.UpdateStatus(ctx, "abc", "ready"))
	assert.Equal(t, "ready", mr.HGet("session:abc", "status"))

	active, err := s.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, active)

	require.NoError(t, s.RemoveSession(ctx, "abc"))
	assert.False(t, mr.Exists("session:abc"))
	active, err = s.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestTranscriptStreamKeepsOrder(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	msgs := []transcript.Message{
		{ID: "1", Role: transcript.RoleUser, Text: "Salut", Timestamp: time.Now(), Finalized: true},
		{ID: "2", Role: transcript.RoleAssistant, Text: "Bonjour Clara", Timestamp: time.Now(), Finalized: true},
	}
	for _, m := range msgs {
		_, err := s.AppendMessage(ctx, "abc", m)
		require.NoError(t, err)
	}

	got, err := s.Transcript(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Salut", got[0].Text)
	assert.Equal(t, transcript.RoleAssistant, got[1].Role)
	assert.Equal(t, "2", got[1].ID)
}

func TestDisabledStoreIsNoop(t *testing.T) {
	s := Connect("127.0.0.1:1", "", time.Minute, zerolog.Nop())
	assert.False(t, s.Enabled())

	ctx := context.Background()
	assert.NoError(t, s.SaveSession(ctx, SessionRecord{ID: "x"}))
	_, err := s.AppendMessage(ctx, "x", transcript.Message{})
	assert.NoError(t, err)
	assert.NoError(t, s.Close())

	var nilStore *Store
	assert.NoError(t, nilStore.RemoveSession(ctx, "x"))
}
