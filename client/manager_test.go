package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicebridge/apperr"
	"github.com/room4-2/voicebridge/backoff"
	"github.com/room4-2/voicebridge/messages"
)

// fakeRelay answers pings and hands each accepted socket to the test.
type fakeRelay struct {
	srv      *httptest.Server
	accepted int32
	conns    chan *relayConn
	reject   int // HTTP status returned instead of upgrading, 0 upgrades
	noPong   bool
}

type relayConn struct {
	conn     *websocket.Conn
	received chan messages.Frame
	closed   chan int
	writeMu  sync.Mutex
}

func (c *relayConn) write(f messages.Frame) error {
	data, err := messages.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *relayConn) send(t *testing.T, f messages.Frame) {
	t.Helper()
	require.NoError(t, c.write(f))
}

func (c *relayConn) closeWith(code int) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	_ = c.conn.Close()
}

func newFakeRelay(t *testing.T, configure func(*fakeRelay)) *fakeRelay {
	t.Helper()
	r := &fakeRelay{conns: make(chan *relayConn, 8)}
	if configure != nil {
		configure(r)
	}
	upgrader := websocket.Upgrader{}

	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&r.accepted, 1)
		if r.reject != 0 {
			http.Error(w, http.StatusText(r.reject), r.reject)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		rc := &relayConn{conn: conn, received: make(chan messages.Frame, 32), closed: make(chan int, 1)}
		r.conns <- rc

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					rc.closed <- ce.Code
				} else {
					rc.closed <- -1
				}
				return
			}
			f, err := messages.Decode(data)
			if err != nil {
				continue
			}
			if ping, ok := f.(*messages.Ping); ok && !r.noPong {
				_ = rc.write(&messages.Pong{Timestamp: ping.Timestamp, SessionReady: true, UpstreamConnected: true})
				continue
			}
			rc.received <- f
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) next(t *testing.T) *relayConn {
	t.Helper()
	select {
	case rc := <-r.conns:
		return rc
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func (r *fakeRelay) attempts() int {
	return int(atomic.LoadInt32(&r.accepted))
}

// stateRecorder collects transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
	ch     chan State
}

func recordStates(m *Manager) *stateRecorder {
	rec := &stateRecorder{ch: make(chan State, 64)}
	m.OnStateChange(func(s State) {
		rec.mu.Lock()
		rec.states = append(rec.states, s)
		rec.mu.Unlock()
		rec.ch <- s
	})
	return rec
}

func (rec *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s := <-rec.ch:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("state %s never reached", want)
		}
	}
}

func (rec *stateRecorder) seen() []State {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]State(nil), rec.states...)
}

func testOptions(url string) Options {
	return Options{
		URL:               url,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
		Reconnect:         backoff.Policy{Base: time.Millisecond, Cap: 4 * time.Millisecond, MaxAttempts: 2},
		Logger:            zerolog.Nop(),
	}
}

func receive[T messages.Frame](t *testing.T, rc *relayConn) T {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f := <-rc.received:
			if typed, ok := f.(T); ok {
				return typed
			}
		case <-timeout:
			var zero T
			t.Fatalf("relay never received %T", zero)
			return zero
		}
	}
}

func TestManagerReachesReady(t *testing.T) {
	relay := newFakeRelay(t, nil)
	m := NewManager(testOptions(relay.url()))
	rec := recordStates(m)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	rc := relay.next(t)
	rec.waitFor(t, StateSessionNegotiating)

	assert.ErrorIs(t, m.SendText("hello"), apperr.ErrNotReady)
	require.NoError(t, m.SendAudio([]float32{0.1, 0.2}))
	assert.Equal(t, 1, m.Session().DroppedFrames)

	rc.send(t, &messages.SessionUpdated{})
	rec.waitFor(t, StateReady)

	assert.Equal(t, []State{StateConnecting, StateOpen, StateSessionNegotiating, StateReady}, rec.seen())

	require.NoError(t, m.SendText("hello"))
	item := receive[*messages.ConversationItemCreate](t, rc)
	assert.Equal(t, "hello", item.Item.Content[0].Text)
	receive[*messages.ResponseCreate](t, rc)

	require.NoError(t, m.SendAudioEncoded("AQACAA=="))
	appended := receive[*messages.InputAudioAppend](t, rc)
	assert.Equal(t, "AQACAA==", appended.Audio)
}

func TestManagerLeavesReadyWhileRelayReconnects(t *testing.T) {
	relay := newFakeRelay(t, nil)
	m := NewManager(testOptions(relay.url()))
	rec := recordStates(m)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	rc := relay.next(t)
	rc.send(t, &messages.SessionUpdated{})
	rec.waitFor(t, StateReady)

	rc.send(t, &messages.RelayStatus{Status: messages.StatusUpstreamReconnecting, Attempt: 1})
	rec.waitFor(t, StateSessionNegotiating)

	require.NoError(t, m.SendAudio([]float32{0.1, 0.2}))
	assert.Equal(t, 1, m.Session().DroppedFrames)
	assert.ErrorIs(t, m.SendText("hello"), apperr.ErrNotReady)

	rc.send(t, &messages.RelayStatus{Status: messages.StatusUpstreamConnected})
	rc.send(t, &messages.SessionUpdated{})
	rec.waitFor(t, StateReady)

	require.NoError(t, m.SendAudioEncoded("AQACAA=="))
	receive[*messages.InputAudioAppend](t, rc)
	assert.Equal(t, 1, m.Session().DroppedFrames)
	assert.Equal(t, 1, relay.attempts(), "the client socket stays open")
}

func TestManagerConnectWhilePendingIsNoop(t *testing.T) {
	relay := newFakeRelay(t, nil)
	m := NewManager(testOptions(relay.url()))
	rec := recordStates(m)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	relay.next(t)
	rec.waitFor(t, StateSessionNegotiating)
	require.NoError(t, m.Connect(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, relay.attempts())
}

func TestManagerNormalCloseIsTerminal(t *testing.T) {
	relay := newFakeRelay(t, nil)
	m := NewManager(testOptions(relay.url()))
	rec := recordStates(m)

	require.NoError(t, m.Connect(context.Background()))
	rc := relay.next(t)
	rc.send(t, &messages.SessionUpdated{})
	rec.waitFor(t, StateReady)

	rc.closeWith(websocket.CloseNormalClosure)
	rec.waitFor(t, StateClosed)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, relay.attempts())
	assert.NoError(t, m.Session().LastError)
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	relay := newFakeRelay(t, nil)
	m := NewManager(testOptions(relay.url()))
	rec := recordStates(m)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	first := relay.next(t)
	first.send(t, &messages.SessionUpdated{})
	rec.waitFor(t, StateReady)

	_ = first.conn.Close()

	second := relay.next(t)
	second.send(t, &messages.SessionUpdated{})
	rec.waitFor(t, StateReady)

	assert.Equal(t, 2, relay.attempts())
	assert.Equal(t, StateReady, m.State())
}

func TestManagerGivesUpAfterMaxAttempts(t *testing.T) {
	relay := newFakeRelay(t, func(r *fakeRelay) { r.reject = http.StatusBadGateway })
	m := NewManager(testOptions(relay.url()))
	rec := recordStates(m)

	errs := make(chan error, 8)
	m.OnError(func(err error) { errs <- err })

	require.NoError(t, m.Connect(context.Background()))
	rec.waitFor(t, StateFailed)

	assert.Equal(t, 3, relay.attempts())
	err := m.Session().LastError
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransientNetwork, apperr.KindOf(err))
	assert.True(t, apperr.IsFatal(err))

	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.False(t, ae.Retryable())
}

func TestManagerUnauthorizedFailsWithoutRetry(t *testing.T) {
	relay := newFakeRelay(t, func(r *fakeRelay) { r.reject = http.StatusUnauthorized })
	m := NewManager(testOptions(relay.url()))
	rec := recordStates(m)

	require.NoError(t, m.Connect(context.Background()))
	rec.waitFor(t, StateFailed)

	assert.Equal(t, 1, relay.attempts())
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(m.Session().LastError))
}

func TestManagerFatalErrorFrame(t *testing.T) {
	relay := newFakeRelay(t, nil)
	m := NewManager(testOptions(relay.url()))
	rec := recordStates(m)

	frames := make(chan messages.Frame, 8)
	m.OnFrame(func(f messages.Frame) { frames <- f })

	require.NoError(t, m.Connect(context.Background()))
	rc := relay.next(t)
	rc.send(t, &messages.Error{Message: "upstream rejected credential", Code: messages.ErrCodeAuthentication, Fatal: true})
	rec.waitFor(t, StateFailed)

	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(m.Session().LastError))
	assert.Equal(t, 1, relay.attempts())

	f := <-frames
	assert.True(t, f.(*messages.Error).Fatal)
}

func TestManagerHeartbeatTimeout(t *testing.T) {
	relay := newFakeRelay(t, func(r *fakeRelay) { r.noPong = true })
	opts := testOptions(relay.url())
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.HeartbeatTimeout = 20 * time.Millisecond
	opts.Reconnect.MaxAttempts = 0
	m := NewManager(opts)
	rec := recordStates(m)

	require.NoError(t, m.Connect(context.Background()))
	rc := relay.next(t)
	receive[*messages.Ping](t, rc)
	rec.waitFor(t, StateFailed)

	assert.Equal(t, apperr.KindTransientNetwork, apperr.KindOf(m.Session().LastError))
}

func TestManagerHeartbeatPong(t *testing.T) {
	relay := newFakeRelay(t, nil)
	opts := testOptions(relay.url())
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.HeartbeatTimeout = time.Second
	m := NewManager(opts)
	rec := recordStates(m)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	relay.next(t)
	rec.waitFor(t, StateSessionNegotiating)
	start := m.Session().LastHeartbeat

	require.Eventually(t, func() bool {
		return m.Session().LastHeartbeat.After(start)
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, StateFailed, m.State())
}

func TestManagerDisconnectIsIdempotent(t *testing.T) {
	relay := newFakeRelay(t, nil)
	m := NewManager(testOptions(relay.url()))
	rec := recordStates(m)

	require.NoError(t, m.Connect(context.Background()))
	rc := relay.next(t)
	rc.send(t, &messages.SessionUpdated{})
	rec.waitFor(t, StateReady)

	m.Disconnect()
	m.Disconnect()
	assert.Equal(t, StateClosed, m.State())

	select {
	case code := <-rc.closed:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(3 * time.Second):
		t.Fatal("relay never saw the close frame")
	}

	// A fresh Connect after Closed starts over.
	require.NoError(t, m.Connect(context.Background()))
	relay.next(t)
	rec.waitFor(t, StateSessionNegotiating)
	assert.Equal(t, 0, m.Session().Attempt)
	m.Disconnect()
}
