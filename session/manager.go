package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/messages"
	"github.com/room4-2/voicebridge/metrics"
	"github.com/room4-2/voicebridge/store"
	"github.com/room4-2/voicebridge/upstream"
)

// ErrTooManySessions is returned when MaxSessions relays are already open.
var ErrTooManySessions = errors.New("maximum sessions reached")

// Manager manages all relayed client sessions
type Manager struct {
	sessions map[string]*Relay
	mu       sync.RWMutex
	store    *store.Store
	config   *config.Config
	dialer   upstream.Dialer
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewManager creates a session manager. st may be disabled.
func NewManager(cfg *config.Config, dialer upstream.Dialer, st *store.Store, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &Manager{
		sessions: make(map[string]*Relay),
		store:    st,
		config:   cfg,
		dialer:   dialer,
		metrics:  m,
		logger:   logger,
	}
}

// SessionConfig is the configuration negotiated with every upstream session.
func (sm *Manager) SessionConfig() messages.SessionConfig {
	instructions := sm.config.Instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}
	sc := messages.SessionConfig{
		Modalities:        []string{"text", "audio"},
		Instructions:      instructions,
		Voice:             sm.config.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection: &messages.TurnDetection{
			Type:              "server_vad",
			Threshold:         sm.config.VADThreshold,
			PrefixPaddingMs:   sm.config.VADPrefixPaddingMs,
			SilenceDurationMs: sm.config.VADSilenceMs,
		},
		Temperature:             sm.config.Temperature,
		MaxResponseOutputTokens: sm.config.MaxOutputTokens,
	}
	if sm.config.TranscriptionModel != "" {
		sc.InputAudioTranscription = &messages.TranscriptionConfig{Model: sm.config.TranscriptionModel}
	}
	return sc
}

// CreateSession registers a relay for an upgraded client connection. The
// relay is not started.
func (sm *Manager) CreateSession(ctx context.Context, clientConn *websocket.Conn, credential string) (*Relay, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.MaxSessions {
		sm.metrics.SessionsRejected.WithLabelValues("max_sessions").Inc()
		return nil, ErrTooManySessions
	}

	sessionID := uuid.New().String()
	relay := NewRelay(sessionID, clientConn, sm.dialer, credential, RelayOptions{
		Provider:  sm.config.Provider,
		Session:   sm.SessionConfig(),
		Reconnect: sm.config.Reconnect,
		KeepAlive: sm.config.KeepAlivePeriod,
		Logger:    sm.logger,
		Metrics:   sm.metrics,
		Store:     sm.store,
	})

	sm.sessions[sessionID] = relay
	sm.metrics.ActiveSessions.Inc()
	sm.metrics.SessionsCreated.Inc()

	if err := sm.store.SaveSession(ctx, store.SessionRecord{
		ID:           sessionID,
		Provider:     sm.config.Provider,
		Status:       StatusNegotiating,
		CreatedAt:    relay.CreatedAt,
		LastActivity: relay.CreatedAt,
	}); err != nil {
		sm.logger.Warn().Err(err).Msg("store session failed")
	}
	return relay, nil
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*Relay, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	relay, exists := sm.sessions[sessionID]
	return relay, exists
}

// RemoveSession cleans up and removes a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	relay, exists := sm.sessions[sessionID]
	if !exists {
		sm.mu.Unlock()
		return nil
	}
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()

	sm.release(ctx, relay)
	return nil
}

func (sm *Manager) release(ctx context.Context, relay *Relay) {
	relay.Close()
	sm.metrics.ActiveSessions.Dec()
	sm.metrics.SessionDuration.Observe(time.Since(relay.CreatedAt).Seconds())
	if err := sm.store.RemoveSession(ctx, relay.ID); err != nil {
		sm.logger.Warn().Err(err).Msg("store remove failed")
	}
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions removes sessions idle for longer than SessionTimeout
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) {
	now := time.Now()

	sm.mu.Lock()
	var stale []*Relay
	for id, relay := range sm.sessions {
		if now.Sub(relay.LastActivity()) > sm.config.SessionTimeout {
			stale = append(stale, relay)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, relay := range stale {
		sm.logger.Info().Str("session", relay.ID).Msg("closing idle session")
		sm.release(ctx, relay)
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	relays := make([]*Relay, 0, len(sm.sessions))
	for id, relay := range sm.sessions {
		relays = append(relays, relay)
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, relay := range relays {
		sm.release(ctx, relay)
	}

	if err := sm.store.Close(); err != nil {
		sm.logger.Warn().Err(err).Msg("store close failed")
	}
}
