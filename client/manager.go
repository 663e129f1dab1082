// Package client is the caller side of the relay: a connection manager with
// heartbeat and bounded reconnect, and a conversation that ties the
// microphone, transcript and speaker to it.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicebridge/apperr"
	"github.com/room4-2/voicebridge/audio"
	"github.com/room4-2/voicebridge/backoff"
	"github.com/room4-2/voicebridge/messages"
)

// State is the connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateSessionNegotiating
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateSessionNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// active reports whether a connection attempt or session is in progress.
func (s State) active() bool {
	switch s {
	case StateConnecting, StateOpen, StateSessionNegotiating, StateReady, StateClosing:
		return true
	}
	return false
}

// ConnectionSession is a snapshot of the manager's connection.
type ConnectionSession struct {
	State         State
	Attempt       int
	LastError     error
	LastHeartbeat time.Time
	DroppedFrames int
}

// Options configures a Manager.
type Options struct {
	URL               string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Reconnect         backoff.Policy
	Dialer            *websocket.Dialer
	Logger            zerolog.Logger
}

var (
	errClosedNormally   = errors.New("relay closed the connection")
	errHeartbeatTimeout = errors.New("no pong within heartbeat timeout")
)

const writeTimeout = 10 * time.Second

// Manager owns one connection to the relay.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	session ConnectionSession
	conn    *websocket.Conn
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	writeMu sync.Mutex

	cbMu          sync.RWMutex
	onStateChange func(State)
	onFrame       func(messages.Frame)
	onError       func(error)
}

func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 10 * time.Second
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "connection").Logger(),
	}
}

// OnStateChange is called after every transition, outside the manager lock.
func (m *Manager) OnStateChange(cb func(State)) {
	m.cbMu.Lock()
	m.onStateChange = cb
	m.cbMu.Unlock()
}

// OnFrame receives every decoded frame from the relay.
func (m *Manager) OnFrame(cb func(messages.Frame)) {
	m.cbMu.Lock()
	m.onFrame = cb
	m.cbMu.Unlock()
}

// OnError receives transient and fatal failures.
func (m *Manager) OnError(cb func(error)) {
	m.cbMu.Lock()
	m.onError = cb
	m.cbMu.Unlock()
}

// Session returns a snapshot of the connection.
func (m *Manager) Session() ConnectionSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.State
}

// Connect starts connecting in the background. It is a no-op while a
// connection is pending or established; from Idle, Closed or Failed it
// starts over with a fresh attempt counter.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.session.State.active() {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.session = ConnectionSession{State: StateConnecting}
	m.wg.Add(1)
	m.mu.Unlock()

	m.notifyState(StateConnecting)
	go m.run(runCtx)
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	b := m.opts.Reconnect.New()
	for {
		reachedReady, err := m.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if reachedReady {
			b = m.opts.Reconnect.New()
			m.mu.Lock()
			m.session.Attempt = 0
			m.mu.Unlock()
		}

		switch {
		case errors.Is(err, errClosedNormally):
			m.logger.Info().Msg("relay closed the session")
			m.transition(StateClosed)
			return
		case apperr.IsFatal(err):
			m.failWith(err)
			return
		}

		delay, stop := b.Next()
		m.mu.Lock()
		attempt := m.session.Attempt
		m.mu.Unlock()
		if stop {
			m.failWith(apperr.Exhausted("connect relay", attempt, err))
			return
		}

		m.mu.Lock()
		m.session.Attempt++
		m.session.LastError = err
		attempt = m.session.Attempt
		m.mu.Unlock()

		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("connection lost, reconnecting")
		m.notifyError(err)
		m.transition(StateConnecting)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// connectOnce dials the relay and serves the connection until it drops.
func (m *Manager) connectOnce(ctx context.Context) (bool, error) {
	m.transition(StateConnecting)

	conn, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, apperr.Authentication("connect relay", err)
		}
		return false, apperr.Transient("connect relay", err)
	}

	m.mu.Lock()
	if m.session.State == StateClosing {
		m.mu.Unlock()
		_ = conn.Close()
		return false, context.Canceled
	}
	m.conn = conn
	m.session.LastHeartbeat = time.Now()
	m.mu.Unlock()

	m.transition(StateOpen)
	m.logger.Info().Str("url", m.opts.URL).Msg("🔗 connected to relay")
	// The relay negotiates the upstream session on its own.
	m.transition(StateSessionNegotiating)

	hbCtx, hbCancel := context.WithCancel(ctx)
	pong := make(chan struct{}, 1)
	var reachedReady bool
	errc := make(chan error, 2)
	go func() { errc <- m.readLoop(conn, pong, &reachedReady) }()
	go func() { errc <- m.heartbeat(hbCtx, pong) }()

	err = <-errc
	hbCancel()
	_ = conn.Close()
	<-errc

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	return reachedReady, err
}

func (m *Manager) readLoop(conn *websocket.Conn, pong chan<- struct{}, reachedReady *bool) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return errClosedNormally
			}
			return apperr.Transient("read relay", err)
		}

		f, err := messages.Decode(data)
		if err != nil {
			m.logger.Warn().Err(err).Msg("dropping unreadable frame")
			continue
		}

		switch f := f.(type) {
		case *messages.Pong:
			m.mu.Lock()
			m.session.LastHeartbeat = time.Now()
			m.mu.Unlock()
			select {
			case pong <- struct{}{}:
			default:
			}
		case *messages.SessionUpdated:
			*reachedReady = true
			m.transition(StateReady)
		case *messages.RelayStatus:
			m.logger.Info().Str("status", f.Status).Int("attempt", f.Attempt).Msg("relay status")
			if f.Status == messages.StatusUpstreamReconnecting {
				// Not Ready again until the relay forwards the next session.updated.
				m.leaveReady()
			}
		case *messages.Error:
			if f.Fatal {
				m.notifyFrame(f)
				return fatalFrameError(f)
			}
			m.notifyError(apperr.Transient("relay", errors.New(f.Message)))
		}
		m.notifyFrame(f)
	}
}

func fatalFrameError(f *messages.Error) error {
	kind := apperr.KindTransientNetwork
	switch f.Code {
	case messages.ErrCodeAuthentication:
		kind = apperr.KindAuthentication
	case messages.ErrCodeConfiguration:
		kind = apperr.KindConfiguration
	}
	return &apperr.Error{Kind: kind, Op: "relay", Message: f.Message, Fatal: true}
}

func (m *Manager) heartbeat(ctx context.Context, pong <-chan struct{}) error {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		select {
		case <-pong:
		default:
		}
		if err := m.writeFrame(&messages.Ping{Timestamp: time.Now().UnixMilli()}); err != nil {
			return apperr.Transient("heartbeat", err)
		}

		timer := time.NewTimer(m.opts.HeartbeatTimeout)
		select {
		case <-pong:
			timer.Stop()
		case <-timer.C:
			return apperr.Transient("heartbeat", errHeartbeatTimeout)
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// SendAudio encodes and sends one capture frame. Frames are dropped while
// the session is not Ready.
func (m *Manager) SendAudio(samples []float32) error {
	if !m.readyOrDrop() {
		return nil
	}
	return m.writeFrame(&messages.InputAudioAppend{Audio: audio.Encode(samples)})
}

// SendAudioEncoded sends base64 PCM16. Frames are dropped while the
// session is not Ready.
func (m *Manager) SendAudioEncoded(b64 string) error {
	if !m.readyOrDrop() {
		return nil
	}
	return m.writeFrame(&messages.InputAudioAppend{Audio: b64})
}

func (m *Manager) readyOrDrop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State != StateReady {
		m.session.DroppedFrames++
		return false
	}
	return true
}

// SendText adds a typed user turn and asks for a response.
func (m *Manager) SendText(text string) error {
	if m.State() != StateReady {
		return apperr.ErrNotReady
	}
	if err := m.writeFrame(messages.NewUserText(text)); err != nil {
		return err
	}
	return m.writeFrame(&messages.ResponseCreate{})
}

func (m *Manager) writeFrame(f messages.Frame) error {
	data, err := messages.Encode(f)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return apperr.ErrNotReady
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", f.FrameType(), err)
	}
	return nil
}

// Disconnect cancels the heartbeat and any pending reconnect, closes the
// socket with a normal closure and waits for the manager's goroutines.
// Idempotent. It must not be called from a callback.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.session.State.active() {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	if m.session.State == StateClosing {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.session.State = StateClosing
	conn, cancel := m.conn, m.cancel
	m.mu.Unlock()
	m.notifyState(StateClosing)

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.session.State = StateClosed
	m.conn = nil
	m.mu.Unlock()
	m.notifyState(StateClosed)
	m.logger.Info().Msg("🔌 disconnected")
}

func (m *Manager) failWith(err error) {
	m.mu.Lock()
	m.session.LastError = err
	m.mu.Unlock()
	m.logger.Error().Err(err).Msg("❌ connection failed")
	m.notifyError(err)
	m.transition(StateFailed)
}

// transition moves to state unless a teardown is in progress.
func (m *Manager) leaveReady() {
	m.mu.Lock()
	ready := m.session.State == StateReady
	m.mu.Unlock()
	if ready {
		m.transition(StateSessionNegotiating)
	}
}

func (m *Manager) transition(to State) {
	m.mu.Lock()
	from := m.session.State
	if from == to || from == StateClosing || from == StateClosed {
		m.mu.Unlock()
		return
	}
	m.session.State = to
	m.mu.Unlock()

	m.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state change")
	m.notifyState(to)
}

func (m *Manager) notifyState(s State) {
	m.cbMu.RLock()
	cb := m.onStateChange
	m.cbMu.RUnlock()
	if cb != nil {
		cb(s)
	}
}

func (m *Manager) notifyFrame(f messages.Frame) {
	m.cbMu.RLock()
	cb := m.onFrame
	m.cbMu.RUnlock()
	if cb != nil {
		cb(f)
	}
}

func (m *Manager) notifyError(err error) {
	m.cbMu.RLock()
	cb := m.onError
	m.cbMu.RUnlock()
	if cb != nil {
		cb(err)
	}
}
