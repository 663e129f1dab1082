package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicebridge/apperr"
	"github.com/room4-2/voicebridge/audio"
	"github.com/room4-2/voicebridge/backoff"
	"github.com/room4-2/voicebridge/logging"
	"github.com/room4-2/voicebridge/messages"
	"github.com/room4-2/voicebridge/metrics"
	"github.com/room4-2/voicebridge/store"
	"github.com/room4-2/voicebridge/transcript"
	"github.com/room4-2/voicebridge/upstream"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	maxClientFrame  = 512 * 1024
)

// Status values mirrored to the store.
const (
	StatusNegotiating  = "negotiating"
	StatusReady        = "ready"
	StatusReconnecting = "reconnecting"
	StatusClosed       = "closed"
)

// RelayOptions configures one relayed connection.
type RelayOptions struct {
	Provider  string
	Session   messages.SessionConfig
	Reconnect backoff.Policy
	KeepAlive time.Duration
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Store     *store.Store
}

// Relay bridges one client websocket to exactly one upstream session at a
// time. It owns the upstream credential and the session negotiation.
type Relay struct {
	ID         string
	ClientConn *websocket.Conn
	CreatedAt  time.Time

	dialer     upstream.Dialer
	credential string
	opts       RelayOptions
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	store      *store.Store
	assembler  *transcript.Assembler

	writeChan chan messages.Frame
	CloseChan chan struct{}
	pumpDone  chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	mu           sync.RWMutex
	upstream     upstream.Conn
	configSent   bool
	ready        bool
	closed       bool
	dialedAt     time.Time
	lastActivity time.Time
}

// NewRelay wraps an upgraded client connection. Start begins relaying.
func NewRelay(id string, clientConn *websocket.Conn, dialer upstream.Dialer, credential string, opts RelayOptions) *Relay {
	ctx, cancel := context.WithCancel(context.Background())

	clientConn.SetReadLimit(maxClientFrame)

	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}
	r := &Relay{
		ID:           id,
		ClientConn:   clientConn,
		CreatedAt:    time.Now(),
		dialer:       dialer,
		credential:   credential,
		opts:         opts,
		logger:       opts.Logger.With().Str("session", logging.ShortID(id)).Logger(),
		metrics:      opts.Metrics,
		store:        opts.Store,
		assembler:    transcript.NewAssembler(),
		writeChan:    make(chan messages.Frame, writeBufferSize),
		CloseChan:    make(chan struct{}),
		pumpDone:     make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		lastActivity: time.Now(),
	}
	r.assembler.OnFinalize(r.persistMessage)
	return r
}

// Start begins the bidirectional message handling.
func (r *Relay) Start() {
	go r.writePump()
	go r.runUpstream()
	go r.handleClientMessages()
}

// Done is closed once the client socket has been closed.
func (r *Relay) Done() <-chan struct{} {
	return r.pumpDone
}

// Ready reports whether the upstream session finished negotiation.
func (r *Relay) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

func (r *Relay) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// Transcript returns the finalized conversation so far.
func (r *Relay) Transcript() []transcript.Message {
	return r.assembler.Messages()
}

func (r *Relay) IsClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// runUpstream keeps one upstream session alive for the life of the relay.
func (r *Relay) runUpstream() {
	policy := r.opts.Reconnect
	b := policy.New()
	attempt := 0

	for {
		conn, err := r.dialer.Dial(r.ctx, r.credential)
		if err == nil {
			if attempt > 0 {
				r.queueFrame(&messages.RelayStatus{Status: messages.StatusUpstreamConnected, Attempt: attempt})
				r.logger.Info().Int("attempt", attempt).Msg("🔁 upstream reconnected")
			}
			var reachedReady bool
			reachedReady, err = r.pumpUpstream(conn)
			if reachedReady {
				b = policy.New()
				attempt = 0
			}
		}
		if r.ctx.Err() != nil {
			return
		}

		err = upstream.Classify("upstream", err)
		switch {
		case errors.Is(err, upstream.ErrClosedNormally):
			r.logger.Info().Msg("upstream closed normally, ending session")
			r.metrics.UpstreamFailures.WithLabelValues("normal").Inc()
			r.Close()
			return
		case !apperr.IsFatal(err) && apperr.KindOf(err) == apperr.KindTransientNetwork:
			r.metrics.UpstreamFailures.WithLabelValues("transient").Inc()
		default:
			r.metrics.UpstreamFailures.WithLabelValues(apperr.KindOf(err).String()).Inc()
			r.fail(err)
			return
		}

		delay, stop := b.Next()
		if stop {
			r.logger.Error().Err(err).Int("attempts", attempt).Msg("❌ upstream reconnect attempts exhausted")
			r.fail(apperr.Exhausted("upstream", attempt, err))
			return
		}
		attempt++
		r.metrics.UpstreamReconnects.Inc()
		r.updateStatus(StatusReconnecting)
		r.queueFrame(&messages.RelayStatus{Status: messages.StatusUpstreamReconnecting, Attempt: attempt})
		r.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("upstream lost, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// pumpUpstream serves one upstream session until it fails.
func (r *Relay) pumpUpstream(conn upstream.Conn) (reachedReady bool, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return false, context.Canceled
	}
	r.upstream = conn
	r.configSent = false
	r.ready = false
	r.dialedAt = time.Now()
	r.mu.Unlock()
	r.updateStatus(StatusNegotiating)

	defer func() {
		r.mu.Lock()
		if r.upstream == conn {
			r.upstream = nil
		}
		r.ready = false
		r.mu.Unlock()
		_ = conn.Close()
		r.assembler.Reset()
	}()

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if apperr.KindOf(err) == apperr.KindProtocolValidation {
				r.logger.Warn().Err(err).Msg("skipping unreadable upstream frame")
				continue
			}
			return r.Ready() || reachedReady, err
		}
		ready, err := r.handleUpstreamFrame(conn, f)
		if ready {
			reachedReady = true
		}
		if err != nil {
			return reachedReady, err
		}
	}
}

func (r *Relay) handleUpstreamFrame(conn upstream.Conn, f messages.Frame) (bool, error) {
	switch f := f.(type) {
	case *messages.SessionCreated:
		r.mu.Lock()
		if r.configSent {
			r.mu.Unlock()
			r.logger.Debug().Msg("duplicate session.created ignored")
			return false, nil
		}
		r.configSent = true
		r.mu.Unlock()

		if err := conn.WriteFrame(&messages.SessionUpdate{Session: r.opts.Session}); err != nil {
			return false, err
		}
		r.metrics.FramesForwarded.WithLabelValues("upstream", messages.TypeSessionUpdate).Inc()
		r.logger.Info().Msg("📤 session.update sent")
		return false, nil

	case *messages.SessionUpdated:
		r.mu.Lock()
		r.ready = true
		dialedAt := r.dialedAt
		r.mu.Unlock()
		r.metrics.NegotiationTime.Observe(time.Since(dialedAt).Seconds())
		r.updateStatus(StatusReady)
		r.logger.Info().Msg("✅ session ready")
		r.forward(f)
		return true, nil

	case *messages.Error:
		if upstream.IsAuthError(f) {
			return false, apperr.Authentication("upstream", errors.New(f.Message))
		}
		f.Fatal = false
		f.CanRetry = true
		r.forward(f)
		return false, nil

	case *messages.TranscriptDelta:
		r.assembler.DeltaItem(transcript.RoleAssistant, f.ItemID, f.Delta)
	case *messages.TranscriptDone:
		r.assembler.DoneItem(transcript.RoleAssistant, f.ItemID, f.Transcript)
	case *messages.InputTranscriptionCompleted:
		r.assembler.Complete(transcript.RoleUser, f.Transcript)
	case *messages.SpeechStarted:
		r.assembler.Interrupt(transcript.RoleAssistant)
	case *messages.SessionUpdate, *messages.InputAudioAppend, *messages.ConversationItemCreate,
		*messages.ResponseCreate, *messages.Ping, *messages.Pong, *messages.RelayStatus:
		r.logger.Debug().Str("type", f.FrameType()).Msg("unexpected frame from upstream, dropped")
		return false, nil
	case *messages.SpeechStopped, *messages.AudioDelta, *messages.AudioDone,
		*messages.ResponseDone, *messages.Unknown:
	}
	r.forward(f)
	return false, nil
}

func (r *Relay) forward(f messages.Frame) {
	r.metrics.FramesForwarded.WithLabelValues("client", f.FrameType()).Inc()
	r.queueFrame(f)
}

func (r *Relay) handleClientMessages() {
	defer r.Close()

	for {
		messageType, data, err := r.ClientConn.ReadMessage()
		if err != nil {
			if !r.IsClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Warn().Err(err).Msg("client read error")
			}
			return
		}

		r.mu.Lock()
		r.lastActivity = time.Now()
		r.mu.Unlock()

		if messageType != websocket.TextMessage {
			r.rejectFrame(messages.ValidationError("binary frames are not supported"))
			continue
		}

		f, err := messages.Decode(data)
		if err != nil {
			r.rejectFrame(messages.NewError(err))
			continue
		}
		r.processClientFrame(f)
	}
}

func (r *Relay) processClientFrame(f messages.Frame) {
	if ping, ok := f.(*messages.Ping); ok {
		r.mu.RLock()
		pong := &messages.Pong{
			Timestamp:         ping.Timestamp,
			ServerTime:        time.Now().UnixMilli(),
			UpstreamConnected: r.upstream != nil,
			SessionReady:      r.ready,
		}
		r.mu.RUnlock()
		r.queueFrame(pong)
		return
	}
	if _, ok := f.(*messages.SessionUpdate); ok {
		r.rejectFrame(messages.ValidationError("session.update is negotiated by the relay"))
		return
	}
	if messages.ServerOnly(f) {
		r.rejectFrame(messages.ValidationError(f.FrameType() + " cannot be sent by a client"))
		return
	}

	r.mu.RLock()
	conn, ready := r.upstream, r.ready
	r.mu.RUnlock()
	if !ready || conn == nil {
		r.rejectFrame(messages.NotReadyError())
		return
	}

	if appendFrame, ok := f.(*messages.InputAudioAppend); ok {
		if err := audio.ValidateBase64(appendFrame.Audio); err != nil {
			r.rejectFrame(messages.NewError(err))
			return
		}
	}

	if err := conn.WriteFrame(f); err != nil {
		r.logger.Warn().Err(err).Str("type", f.FrameType()).Msg("upstream write failed")
		return
	}
	r.metrics.FramesForwarded.WithLabelValues("upstream", f.FrameType()).Inc()
}

func (r *Relay) rejectFrame(e *messages.Error) {
	r.metrics.FrameErrors.WithLabelValues(e.Code).Inc()
	r.queueFrame(e)
}

// fail sends a fatal error frame and closes the session normally.
func (r *Relay) fail(err error) {
	frame := messages.NewError(err)
	frame.Fatal = true
	frame.CanRetry = false
	r.logger.Error().Err(err).Str("code", frame.Code).Msg("❌ session failed")
	r.queueFrame(frame)
	r.Close()
}

// writePump handles all outgoing frames in a single goroutine
func (r *Relay) writePump() {
	var keepAlive <-chan time.Time
	if r.opts.KeepAlive > 0 {
		ticker := time.NewTicker(r.opts.KeepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	defer func() {
		_ = r.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = r.ClientConn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = r.ClientConn.Close()
		close(r.pumpDone)
	}()

	for {
		select {
		case f := <-r.writeChan:
			if err := r.writeFrame(f); err != nil {
				r.Close()
				return
			}
		case <-keepAlive:
			_ = r.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := r.ClientConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				r.Close()
				return
			}
		case <-r.CloseChan:
			for {
				select {
				case f := <-r.writeChan:
					if err := r.writeFrame(f); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) writeFrame(f messages.Frame) error {
	data, err := messages.Encode(f)
	if err != nil {
		r.logger.Error().Err(err).Msg("encode frame")
		return nil
	}
	_ = r.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return r.ClientConn.WriteMessage(websocket.TextMessage, data)
}

// queueFrame adds a frame to the write queue (non-blocking)
func (r *Relay) queueFrame(f messages.Frame) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.writeChan <- f:
	default:
		r.logger.Warn().Str("type", f.FrameType()).Msg("client write queue full, frame dropped")
	}
}

// Close terminates the session: pending frames are flushed, the client gets
// a normal closure and the upstream session is closed. Idempotent.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	up := r.upstream
	r.mu.Unlock()

	r.cancel()
	close(r.CloseChan)
	if up != nil {
		_ = up.Close()
	}
	r.updateStatus(StatusClosed)
	r.logger.Info().Msg("🔌 session closed")
}

func (r *Relay) updateStatus(status string) {
	if !r.store.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.UpdateStatus(ctx, r.ID, status); err != nil {
		r.logger.Warn().Err(err).Msg("store status update failed")
	}
}

func (r *Relay) persistMessage(m transcript.Message) {
	r.metrics.TranscriptsFinalized.WithLabelValues(string(m.Role)).Inc()
	if !r.store.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.store.AppendMessage(ctx, r.ID, m); err != nil {
		r.logger.Warn().Err(err).Msg("transcript append failed")
	}
}
