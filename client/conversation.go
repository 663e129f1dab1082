package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/room4-2/voicebridge/apperr"
	"github.com/room4-2/voicebridge/audio"
	"github.com/room4-2/voicebridge/messages"
	"github.com/room4-2/voicebridge/transcript"
)

// Indicator is the user-facing status of a conversation.
type Indicator string

const (
	IndicatorConnecting Indicator = "connecting"
	IndicatorReady      Indicator = "ready"
	IndicatorListening  Indicator = "listening"
	IndicatorSpeaking   Indicator = "speaking"
	IndicatorError      Indicator = "error"
)

// Conversation wires capture to the connection and the relay's frames to
// the transcript and the speaker. Capture starts once the session is Ready.
type Conversation struct {
	manager   *Manager
	capture   *audio.CaptureEncoder
	playback  *audio.PlaybackQueue
	assembler *transcript.Assembler
	logger    zerolog.Logger

	constraints audio.Constraints
	seq         atomic.Uint64

	mu          sync.Mutex
	ctx         context.Context
	indicator   Indicator
	onIndicator func(Indicator)
	onPartial   func(transcript.Message)
	onError     func(error)
	onTurnDone  func()
}

// NewConversation takes ownership of the manager's callbacks. capture and
// playback may be nil for a text-only conversation.
func NewConversation(m *Manager, capture *audio.CaptureEncoder, playback *audio.PlaybackQueue, constraints audio.Constraints, logger zerolog.Logger) *Conversation {
	c := &Conversation{
		manager:     m,
		capture:     capture,
		playback:    playback,
		assembler:   transcript.NewAssembler(),
		logger:      logger.With().Str("component", "conversation").Logger(),
		constraints: constraints,
		ctx:         context.Background(),
	}

	m.OnStateChange(c.handleState)
	m.OnFrame(c.handleFrame)
	m.OnError(c.reportError)

	if capture != nil {
		capture.OnFrame(func(frame []float32) {
			if err := m.SendAudio(frame); err != nil {
				c.logger.Debug().Err(err).Msg("audio frame not sent")
			}
		})
		capture.OnError(c.reportError)
	}
	if playback != nil {
		playback.OnError(c.reportError)
	}
	return c
}

// OnIndicator is called whenever the status indicator changes.
func (c *Conversation) OnIndicator(cb func(Indicator)) {
	c.mu.Lock()
	c.onIndicator = cb
	c.mu.Unlock()
}

// OnMessage is called for each finalized conversation message.
func (c *Conversation) OnMessage(cb func(transcript.Message)) {
	c.assembler.OnFinalize(cb)
}

// OnPartial is called with the open assistant message after each delta.
func (c *Conversation) OnPartial(cb func(transcript.Message)) {
	c.mu.Lock()
	c.onPartial = cb
	c.mu.Unlock()
}

func (c *Conversation) OnError(cb func(error)) {
	c.mu.Lock()
	c.onError = cb
	c.mu.Unlock()
}

// OnTurnDone is called when the assistant finishes a response.
func (c *Conversation) OnTurnDone(cb func()) {
	c.mu.Lock()
	c.onTurnDone = cb
	c.mu.Unlock()
}

// Start connects to the relay.
func (c *Conversation) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	return c.manager.Connect(ctx)
}

// SendText adds a typed user turn.
func (c *Conversation) SendText(text string) error {
	return c.manager.SendText(text)
}

func (c *Conversation) Messages() []transcript.Message {
	return c.assembler.Messages()
}

func (c *Conversation) Indicator() Indicator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indicator
}

// Close tears down in order: capture, connection, playback.
func (c *Conversation) Close() error {
	if c.capture != nil {
		c.capture.Stop()
	}
	c.manager.Disconnect()
	if c.playback != nil {
		return c.playback.Close()
	}
	return nil
}

func (c *Conversation) handleState(s State) {
	switch s {
	case StateConnecting, StateOpen, StateSessionNegotiating:
		c.setIndicator(IndicatorConnecting)
	case StateReady:
		c.setIndicator(IndicatorReady)
		c.startCapture()
	case StateFailed:
		c.stopAudio()
		c.setIndicator(IndicatorError)
	case StateClosing, StateClosed:
		if c.capture != nil {
			c.capture.Stop()
		}
	}
}

func (c *Conversation) startCapture() {
	if c.capture == nil {
		return
	}
	if c.capture.Running() {
		c.setIndicator(IndicatorListening)
		return
	}
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	if err := c.capture.Start(ctx, c.constraints); err != nil {
		c.reportError(err)
		c.setIndicator(IndicatorError)
		return
	}
	c.setIndicator(IndicatorListening)
}

func (c *Conversation) stopAudio() {
	if c.capture != nil {
		c.capture.Stop()
	}
	if c.playback != nil {
		c.playback.Stop()
	}
}

func (c *Conversation) handleFrame(f messages.Frame) {
	switch f := f.(type) {
	case *messages.SpeechStarted:
		// Barge-in: the user talks over the assistant.
		if c.playback != nil {
			c.playback.Stop()
		}
		c.assembler.Interrupt(transcript.RoleAssistant)
		c.setIndicator(IndicatorListening)

	case *messages.AudioDelta:
		if c.playback == nil {
			return
		}
		pcm, err := audio.DecodePCM(f.Delta)
		if err != nil {
			c.reportError(apperr.PlaybackDecode("audio delta", err))
			return
		}
		format := audio.FormatPCM16
		if audio.IsWAV(pcm) {
			format = audio.FormatWAV
		}
		if err := c.playback.Enqueue(audio.NewChunk(format, c.seq.Add(1), pcm)); err != nil {
			c.logger.Debug().Err(err).Msg("chunk not enqueued")
			return
		}
		c.setIndicator(IndicatorSpeaking)

	case *messages.TranscriptDelta:
		msg, ok := c.assembler.DeltaItem(transcript.RoleAssistant, f.ItemID, f.Delta)
		if !ok {
			return
		}
		c.mu.Lock()
		cb := c.onPartial
		c.mu.Unlock()
		if cb != nil {
			cb(msg)
		}

	case *messages.TranscriptDone:
		c.assembler.DoneItem(transcript.RoleAssistant, f.ItemID, f.Transcript)

	case *messages.InputTranscriptionCompleted:
		c.assembler.Complete(transcript.RoleUser, f.Transcript)

	case *messages.ResponseDone:
		if c.capture != nil && c.capture.Running() {
			c.setIndicator(IndicatorListening)
		} else {
			c.setIndicator(IndicatorReady)
		}
		c.mu.Lock()
		cb := c.onTurnDone
		c.mu.Unlock()
		if cb != nil {
			cb()
		}

	case *messages.Error:
		if !f.Fatal {
			c.logger.Warn().Str("code", f.Code).Msg(f.Message)
		}
	}
}

func (c *Conversation) reportError(err error) {
	c.mu.Lock()
	cb := c.onError
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (c *Conversation) setIndicator(i Indicator) {
	c.mu.Lock()
	if c.indicator == i {
		c.mu.Unlock()
		return
	}
	c.indicator = i
	cb := c.onIndicator
	c.mu.Unlock()
	if cb != nil {
		cb(i)
	}
}
