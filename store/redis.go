// Package store mirrors session metadata into Redis and appends finalized
// transcript messages to a per-session Redis stream. The relay keeps working
// without it: a nil *Store or one without a client ignores every call.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicebridge/transcript"
)

const (
	activeSessionsKey = "active_sessions"
	sessionKeyPrefix  = "session:"
	streamKeyPrefix   = "transcript:"
)

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// SessionRecord is the metadata mirrored for each relayed session.
type SessionRecord struct {
	ID           string
	Provider     string
	Status       string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Connect pings Redis and returns a disabled store when it is unreachable.
func Connect(addr, password string, ttl time.Duration, logger zerolog.Logger) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", addr).Msg("redis unavailable, session mirror disabled")
		_ = rdb.Close()
		return &Store{ttl: ttl}
	}
	logger.Info().Str("addr", addr).Msg("connected to redis")
	return &Store{rdb: rdb, ttl: ttl}
}

// New wraps an existing client.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) Enabled() bool {
	return s != nil && s.rdb != nil
}

func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) error {
	if !s.Enabled() {
		return nil
	}
	key := sessionKeyPrefix + rec.ID
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"provider":      rec.Provider,
		"status":        rec.Status,
		"created_at":    rec.CreatedAt.Format(time.RFC3339),
		"last_activity": rec.LastActivity.Format(time.RFC3339),
	})
	pipe.SAdd(ctx, activeSessionsKey, rec.ID)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateStatus records a status change and refreshes the expiry.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	if !s.Enabled() {
		return nil
	}
	key := sessionKeyPrefix + id
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "status", status, "last_activity", time.Now().Format(time.RFC3339))
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	return nil
}

func (s *Store) RemoveSession(ctx context.Context, id string) error {
	if !s.Enabled() {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+id)
	pipe.SRem(ctx, activeSessionsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove session %s: %w", id, err)
	}
	return nil
}

func (s *Store) ActiveSessions(ctx context.Context) ([]string, error) {
	if !s.Enabled() {
		return nil, nil
	}
	return s.rdb.SMembers(ctx, activeSessionsKey).Result()
}

// AppendMessage adds a finalized message to the session's transcript stream.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, m transcript.Message) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKeyPrefix + sessionID,
		Values: map[string]interface{}{
			"message_id": m.ID,
			"role":       string(m.Role),
			"text":       m.Text,
			"timestamp":  m.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd failed: %w", err)
	}
	return id, nil
}

// Transcript reads back the finalized messages of a session in order.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]transcript.Message, error) {
	if !s.Enabled() {
		return nil, nil
	}
	entries, err := s.rdb.XRange(ctx, streamKeyPrefix+sessionID, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange failed: %w", err)
	}
	out := make([]transcript.Message, 0, len(entries))
	for _, e := range entries {
		ts, _ := time.Parse(time.RFC3339Nano, fmt.Sprint(e.Values["timestamp"]))
		out = append(out, transcript.Message{
			ID:        fmt.Sprint(e.Values["message_id"]),
			Role:      transcript.Role(fmt.Sprint(e.Values["role"])),
			Text:      fmt.Sprint(e.Values["text"]),
			Timestamp: ts,
			Finalized: true,
		})
	}
	return out, nil
}

func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.rdb.Close()
}
