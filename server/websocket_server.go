package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/logging"
	"github.com/room4-2/voicebridge/messages"
	"github.com/room4-2/voicebridge/metrics"
	"github.com/room4-2/voicebridge/session"
)

type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
	metrics        *metrics.Metrics
	logger         zerolog.Logger
}

func NewServerWebsocket(cfg *config.Config, sessionManager *session.Manager, m *metrics.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		metrics:        m,
		logger:         logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio chunks
			WriteBufferSize:   64 * 1024, // 64KB for audio chunks
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				// Check allowed origins
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler routes /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Start begins listening for connections
func (s *Server) Start() error {
	s.logger.Info().Int("port", s.config.Port).Str("provider", s.config.Provider).Msg("🚀 relay server starting")
	s.logger.Info().Msgf("📡 WebSocket endpoint: ws://localhost:%d/ws", s.config.Port)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("🛑 Shutting down server...")
	s.sessionManager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Refuse before upgrading: no session exists without a credential.
	credential, err := s.config.UpstreamCredential()
	if err != nil {
		s.metrics.SessionsRejected.WithLabelValues("configuration").Inc()
		s.logger.Error().Err(err).Msg("refusing connection")
		http.Error(w, "relay is not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	relay, err := s.sessionManager.CreateSession(r.Context(), conn, credential)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to create session")
		frame := &messages.Error{Message: err.Error(), Code: messages.ErrCodeSessionFailed, Fatal: true}
		if data, encErr := messages.Encode(frame); encErr == nil {
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session limit reached"))
		_ = conn.Close()
		return
	}

	s.logger.Info().Str("session", logging.ShortID(relay.ID)).Msg("✅ New session created")

	relay.Start()

	// Wait for the client socket to be closed
	<-relay.Done()

	// Detached from the request context, which may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.sessionManager.RemoveSession(ctx, relay.ID)
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, err := sonic.Marshal(healthResponse{Status: "ok", Sessions: s.sessionManager.GetActiveSessionCount()})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
