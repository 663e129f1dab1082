package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/room4-2/voicebridge/apperr"
	"github.com/room4-2/voicebridge/audio"
	"github.com/room4-2/voicebridge/messages"
)

const geminiInputMIME = "audio/pcm;rate=24000"

// GeminiDialer bridges Gemini Live to the frame protocol. The Live session
// is only opened when the relay sends session.update, so the negotiated
// configuration becomes the Live setup.
type GeminiDialer struct {
	Model  string
	Logger zerolog.Logger
}

func (d *GeminiDialer) Dial(ctx context.Context, credential string) (Conn, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  credential,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, apperr.Configuration("create genai client", err.Error())
	}

	c := &geminiConn{
		client: client,
		model:  d.Model,
		logger: d.Logger.With().Str("upstream", "gemini").Logger(),
		frames: make(chan messages.Frame, 64),
		done:   make(chan struct{}),
		ctx:    ctx,
	}
	c.frames <- &messages.SessionCreated{
		Type:    messages.TypeSessionCreated,
		EventID: uuid.New().String(),
		Session: sessionInfo(d.Model),
	}
	return c, nil
}

type geminiConn struct {
	client *genai.Client
	model  string
	logger zerolog.Logger
	ctx    context.Context

	mu      sync.RWMutex
	session *genai.Session
	closed  bool

	frames  chan messages.Frame
	done    chan struct{}
	errOnce sync.Once
	readErr error
}

func (c *geminiConn) ReadFrame() (messages.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		select {
		case f := <-c.frames:
			return f, nil
		default:
		}
		return nil, c.readErr
	}
}

func (c *geminiConn) fail(err error) {
	c.errOnce.Do(func() {
		c.readErr = err
		close(c.done)
	})
}

func (c *geminiConn) WriteFrame(f messages.Frame) error {
	switch f := f.(type) {
	case *messages.SessionUpdate:
		return c.setup(f.Session)
	case *messages.InputAudioAppend:
		data, err := audio.DecodePCM(f.Audio)
		if err != nil {
			return err
		}
		return c.withSession(func(s *genai.Session) error {
			return s.SendRealtimeInput(genai.LiveRealtimeInput{
				Audio: &genai.Blob{MIMEType: geminiInputMIME, Data: data},
			})
		})
	case *messages.ConversationItemCreate:
		var text strings.Builder
		for _, part := range f.Item.Content {
			text.WriteString(part.Text)
		}
		return c.withSession(func(s *genai.Session) error {
			return s.SendClientContent(genai.LiveClientContentInput{
				Turns: []*genai.Content{{
					Role:  "user",
					Parts: []*genai.Part{{Text: text.String()}},
				}},
				TurnComplete: genai.Ptr(true),
			})
		})
	case *messages.ResponseCreate:
		// Gemini answers a completed turn on its own.
		return nil
	default:
		c.logger.Debug().Str("type", f.FrameType()).Msg("frame has no gemini equivalent, dropped")
		return nil
	}
}

func (c *geminiConn) withSession(fn func(*genai.Session) error) error {
	c.mu.RLock()
	session, closed := c.session, c.closed
	c.mu.RUnlock()
	if closed || session == nil {
		return apperr.NotReady("gemini send")
	}
	if err := fn(session); err != nil {
		return Classify("gemini send", err)
	}
	return nil
}

func (c *geminiConn) setup(cfg messages.SessionConfig) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperr.Transient("gemini setup", fmt.Errorf("connection closed"))
	}
	if c.session != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	session, err := c.client.Live.Connect(c.ctx, c.model, liveConfig(cfg))
	if err != nil {
		return Classify("connect gemini live", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = session.Close()
		return apperr.Transient("gemini setup", fmt.Errorf("connection closed"))
	}
	c.session = session
	c.mu.Unlock()

	c.logger.Info().Str("model", c.model).Msg("✅ connected to Gemini Live")
	go c.receive(session)
	return nil
}

func (c *geminiConn) receive(session *genai.Session) {
	t := newGeminiTranslator(c.model)
	for {
		msg, err := session.Receive()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if closed {
				c.fail(ErrClosedNormally)
			} else {
				c.fail(Classify("gemini receive", err))
			}
			return
		}
		for _, f := range t.translate(msg) {
			select {
			case c.frames <- f:
			case <-c.done:
				return
			}
		}
	}
}

func (c *geminiConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	session := c.session
	c.mu.Unlock()

	c.fail(ErrClosedNormally)
	if session != nil {
		return session.Close()
	}
	return nil
}

func liveConfig(cfg messages.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Temperature > 0 {
		lc.Temperature = genai.Ptr(float32(cfg.Temperature))
	}
	if cfg.MaxResponseOutputTokens > 0 {
		lc.MaxOutputTokens = int32(cfg.MaxResponseOutputTokens)
	}
	if td := cfg.TurnDetection; td != nil {
		aad := &genai.AutomaticActivityDetection{
			PrefixPaddingMs:   genai.Ptr(int32(td.PrefixPaddingMs)),
			SilenceDurationMs: genai.Ptr(int32(td.SilenceDurationMs)),
		}
		switch {
		case td.Threshold > 0.5:
			aad.StartOfSpeechSensitivity = genai.StartSensitivityLow
		case td.Threshold > 0 && td.Threshold < 0.5:
			aad.StartOfSpeechSensitivity = genai.StartSensitivityHigh
		}
		lc.RealtimeInputConfig = &genai.RealtimeInputConfig{AutomaticActivityDetection: aad}
	}
	return lc
}

func sessionInfo(model string) []byte {
	data, _ := sonic.Marshal(map[string]string{"model": model, "provider": "gemini"})
	return data
}

// geminiTranslator turns Live server messages into realtime frames. It
// tracks the current response so deltas and the closing frames share ids.
type geminiTranslator struct {
	model      string
	responseID string
	itemID     string
	output     strings.Builder
	input      strings.Builder
}

func newGeminiTranslator(model string) *geminiTranslator {
	return &geminiTranslator{model: model}
}

func (t *geminiTranslator) ensureResponse() {
	if t.responseID == "" {
		t.responseID = "resp_" + uuid.New().String()
		t.itemID = "item_" + uuid.New().String()
	}
}

func (t *geminiTranslator) translate(msg *genai.LiveServerMessage) []messages.Frame {
	var out []messages.Frame
	if msg.SetupComplete != nil {
		out = append(out, &messages.SessionUpdated{
			Type:    messages.TypeSessionUpdated,
			Session: sessionInfo(t.model),
		})
	}

	sc := msg.ServerContent
	if sc == nil {
		return out
	}

	if sc.Interrupted {
		out = append(out, &messages.SpeechStarted{Type: messages.TypeSpeechStarted, ItemID: t.itemID})
		t.resetResponse()
	}

	if tr := sc.InputTranscription; tr != nil {
		t.input.WriteString(tr.Text)
		if tr.Finished {
			out = append(out, t.flushInput()...)
		}
	}

	if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
		out = append(out, t.flushInput()...)
		t.ensureResponse()
		t.output.WriteString(tr.Text)
		out = append(out, &messages.TranscriptDelta{
			Type:       messages.TypeTranscriptDelta,
			ResponseID: t.responseID,
			ItemID:     t.itemID,
			Delta:      tr.Text,
		})
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			out = append(out, t.flushInput()...)
			t.ensureResponse()
			out = append(out, &messages.AudioDelta{
				Type:       messages.TypeAudioDelta,
				ResponseID: t.responseID,
				ItemID:     t.itemID,
				Delta:      base64.StdEncoding.EncodeToString(part.InlineData.Data),
			})
		}
	}

	if sc.TurnComplete {
		out = append(out, t.flushInput()...)
		if t.responseID != "" {
			out = append(out,
				&messages.TranscriptDone{
					Type:       messages.TypeTranscriptDone,
					ResponseID: t.responseID,
					ItemID:     t.itemID,
					Transcript: t.output.String(),
				},
				&messages.AudioDone{
					Type:       messages.TypeAudioDone,
					ResponseID: t.responseID,
					ItemID:     t.itemID,
				},
				&messages.ResponseDone{
					Type:     messages.TypeResponseDone,
					Response: messages.ResponseInfo{ID: t.responseID, Status: "completed"},
				},
			)
		}
		t.resetResponse()
	}
	return out
}

func (t *geminiTranslator) flushInput() []messages.Frame {
	text := strings.TrimSpace(t.input.String())
	t.input.Reset()
	if text == "" {
		return nil
	}
	return []messages.Frame{&messages.InputTranscriptionCompleted{
		Type:       messages.TypeInputTranscriptionCompleted,
		ItemID:     "item_" + uuid.New().String(),
		Transcript: text,
	}}
}

func (t *geminiTranslator) resetResponse() {
	t.responseID = ""
	t.itemID = ""
	t.output.Reset()
}
