package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicebridge/backoff"
	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/messages"
	"github.com/room4-2/voicebridge/metrics"
	"github.com/room4-2/voicebridge/session"
	"github.com/room4-2/voicebridge/upstream"
)

// readyUpstream negotiates immediately and then idles until closed.
type readyUpstream struct {
	frames chan messages.Frame
	closed chan struct{}
}

func (u *readyUpstream) ReadFrame() (messages.Frame, error) {
	select {
	case f := <-u.frames:
		return f, nil
	case <-u.closed:
		return nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (u *readyUpstream) WriteFrame(f messages.Frame) error {
	if _, ok := f.(*messages.SessionUpdate); ok {
		u.frames <- &messages.SessionUpdated{}
	}
	return nil
}

func (u *readyUpstream) Close() error {
	select {
	case <-u.closed:
	default:
		close(u.closed)
	}
	return nil
}

type readyDialer struct {
	credentials chan string
}

func (d *readyDialer) Dial(ctx context.Context, credential string) (upstream.Conn, error) {
	d.credentials <- credential
	u := &readyUpstream{frames: make(chan messages.Frame, 4), closed: make(chan struct{})}
	u.frames <- &messages.SessionCreated{}
	return u, nil
}

func newTestServer(t *testing.T, cfg *config.Config, d upstream.Dialer) (*httptest.Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics()
	sm := session.NewManager(cfg, d, nil, m, zerolog.Nop())
	s := NewServerWebsocket(cfg, sm, m, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		sm.Shutdown()
		srv.Close()
	})
	return srv, m
}

func baseConfig() *config.Config {
	return &config.Config{
		Port:           8080,
		AllowedOrigins: []string{"*"},
		Provider:       config.ProviderOpenAI,
		MaxSessions:    4,
		SessionTimeout: time.Minute,
		Reconnect:      backoff.Default(),
	}
}

func TestMissingCredentialRefusesUpgrade(t *testing.T) {
	cfg := baseConfig()
	cfg.OpenAIAPIKey = "   "
	srv, m := newTestServer(t, cfg, &readyDialer{credentials: make(chan string, 1)})

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsRejected.WithLabelValues("configuration")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsCreated))
}

func TestRelayUsesConfiguredCredential(t *testing.T) {
	cfg := baseConfig()
	cfg.OpenAIAPIKey = "sk-relay"
	d := &readyDialer{credentials: make(chan string, 1)}
	srv, m := newTestServer(t, cfg, d)

	header := http.Header{}
	header.Set("Authorization", "Bearer sk-client")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()

	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		f, err := messages.Decode(data)
		require.NoError(t, err)
		if _, ok := f.(*messages.SessionUpdated); ok {
			break
		}
	}

	assert.Equal(t, "sk-relay", <-d.credentials)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","sessions":1}`, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := baseConfig()
	cfg.OpenAIAPIKey = "sk-relay"
	srv, _ := newTestServer(t, cfg, &readyDialer{credentials: make(chan string, 1)})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "voicebridge_active_sessions")
}

func TestHealthReportsSessionCount(t *testing.T) {
	srv, _ := newTestServer(t, baseConfig(), &readyDialer{credentials: make(chan string, 1)})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok","sessions":0}`, string(body))
}
