// Package messages defines the closed set of JSON frames exchanged between
// the client, the relay and the upstream realtime provider.
package messages

import (
	"encoding/json"
)

// Wire types.
const (
	TypeSessionCreated              = "session.created"
	TypeSessionUpdate               = "session.update"
	TypeSessionUpdated              = "session.updated"
	TypeInputAudioAppend            = "input_audio_buffer.append"
	TypeSpeechStarted               = "input_audio_buffer.speech_started"
	TypeSpeechStopped               = "input_audio_buffer.speech_stopped"
	TypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeTranscriptDelta             = "response.audio_transcript.delta"
	TypeTranscriptDone              = "response.audio_transcript.done"
	TypeAudioDelta                  = "response.audio.delta"
	TypeAudioDone                   = "response.audio.done"
	TypeConversationItemCreate      = "conversation.item.create"
	TypeResponseCreate              = "response.create"
	TypeResponseDone                = "response.done"
	TypePing                        = "ping"
	TypePong                        = "pong"
	TypeError                       = "error"
	TypeRelayStatus                 = "relay.status"
)

// Error codes carried in error frames.
const (
	ErrCodeValidation          = "protocol_validation"
	ErrCodeNotReady            = "session_not_ready"
	ErrCodeUpstreamUnavailable = "upstream_unavailable"
	ErrCodeAuthentication      = "authentication_failed"
	ErrCodeConfiguration       = "configuration_error"
	ErrCodeUpstream            = "upstream_error"
	ErrCodeSessionFailed       = "session_failed"
)

// Relay status values.
const (
	StatusUpstreamReconnecting = "upstream_reconnecting"
	StatusUpstreamConnected    = "upstream_connected"
)

// Frame is one of the structs in this package. The set is closed: stamp is
// unexported so only this package can add variants.
type Frame interface {
	FrameType() string
	stamp()
}

type SessionCreated struct {
	Type    string          `json:"type"`
	EventID string          `json:"event_id,omitempty"`
	Session json.RawMessage `json:"session,omitempty"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session SessionConfig `json:"session"`
}

type SessionUpdated struct {
	Type    string          `json:"type"`
	EventID string          `json:"event_id,omitempty"`
	Session json.RawMessage `json:"session,omitempty"`
}

// SessionConfig is the negotiated session configuration sent upstream.
type SessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	Temperature             float64              `json:"temperature,omitempty"`
	// MaxResponseOutputTokens of zero is omitted, which upstream reads as "inf".
	MaxResponseOutputTokens int `json:"max_response_output_tokens,omitempty"`
}

type TranscriptionConfig struct {
	Model string `json:"model"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type InputAudioAppend struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Audio   string `json:"audio"`
}

type SpeechStarted struct {
	Type         string `json:"type"`
	EventID      string `json:"event_id,omitempty"`
	AudioStartMs int    `json:"audio_start_ms"`
	ItemID       string `json:"item_id,omitempty"`
}

type SpeechStopped struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	AudioEndMs int    `json:"audio_end_ms"`
	ItemID     string `json:"item_id,omitempty"`
}

type InputTranscriptionCompleted struct {
	Type         string `json:"type"`
	EventID      string `json:"event_id,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

type TranscriptDelta struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta"`
}

type TranscriptDone struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript"`
}

type AudioDelta struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta"`
}

type AudioDone struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
}

type ConversationItemCreate struct {
	Type    string           `json:"type"`
	EventID string           `json:"event_id,omitempty"`
	Item    ConversationItem `json:"item"`
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ResponseCreate struct {
	Type     string          `json:"type"`
	EventID  string          `json:"event_id,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

type ResponseDone struct {
	Type     string       `json:"type"`
	EventID  string       `json:"event_id,omitempty"`
	Response ResponseInfo `json:"response"`
}

type ResponseInfo struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
}

type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type Pong struct {
	Type              string `json:"type"`
	Timestamp         int64  `json:"timestamp"`
	ServerTime        int64  `json:"serverTime"`
	UpstreamConnected bool   `json:"upstreamConnected"`
	SessionReady      bool   `json:"sessionReady"`
}

// Error is sent by the relay with the flat fields set. Upstream errors arrive
// with the nested Detail instead; Decode folds Detail into the flat fields.
type Error struct {
	Type     string       `json:"type"`
	EventID  string       `json:"event_id,omitempty"`
	Message  string       `json:"message"`
	Code     string       `json:"code,omitempty"`
	Fatal    bool         `json:"fatal"`
	CanRetry bool         `json:"canRetry"`
	Detail   *ErrorDetail `json:"error,omitempty"`
}

type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type RelayStatus struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
}

// Unknown is a well-formed frame whose type is not in the closed set. It is
// kept byte-for-byte so it can be forwarded.
type Unknown struct {
	Type string
	Raw  []byte
}

func (f *SessionCreated) FrameType() string              { return TypeSessionCreated }
func (f *SessionUpdate) FrameType() string               { return TypeSessionUpdate }
func (f *SessionUpdated) FrameType() string              { return TypeSessionUpdated }
func (f *InputAudioAppend) FrameType() string            { return TypeInputAudioAppend }
func (f *SpeechStarted) FrameType() string               { return TypeSpeechStarted }
func (f *SpeechStopped) FrameType() string               { return TypeSpeechStopped }
func (f *InputTranscriptionCompleted) FrameType() string { return TypeInputTranscriptionCompleted }
func (f *TranscriptDelta) FrameType() string             { return TypeTranscriptDelta }
func (f *TranscriptDone) FrameType() string              { return TypeTranscriptDone }
func (f *AudioDelta) FrameType() string                  { return TypeAudioDelta }
func (f *AudioDone) FrameType() string                   { return TypeAudioDone }
func (f *ConversationItemCreate) FrameType() string      { return TypeConversationItemCreate }
func (f *ResponseCreate) FrameType() string              { return TypeResponseCreate }
func (f *ResponseDone) FrameType() string                { return TypeResponseDone }
func (f *Ping) FrameType() string                        { return TypePing }
func (f *Pong) FrameType() string                        { return TypePong }
func (f *Error) FrameType() string                       { return TypeError }
func (f *RelayStatus) FrameType() string                 { return TypeRelayStatus }
func (f *Unknown) FrameType() string                     { return f.Type }

func (f *SessionCreated) stamp()              { f.Type = TypeSessionCreated }
func (f *SessionUpdate) stamp()               { f.Type = TypeSessionUpdate }
func (f *SessionUpdated) stamp()              { f.Type = TypeSessionUpdated }
func (f *InputAudioAppend) stamp()            { f.Type = TypeInputAudioAppend }
func (f *SpeechStarted) stamp()               { f.Type = TypeSpeechStarted }
func (f *SpeechStopped) stamp()               { f.Type = TypeSpeechStopped }
func (f *InputTranscriptionCompleted) stamp() { f.Type = TypeInputTranscriptionCompleted }
func (f *TranscriptDelta) stamp()             { f.Type = TypeTranscriptDelta }
func (f *TranscriptDone) stamp()              { f.Type = TypeTranscriptDone }
func (f *AudioDelta) stamp()                  { f.Type = TypeAudioDelta }
func (f *AudioDone) stamp()                   { f.Type = TypeAudioDone }
func (f *ConversationItemCreate) stamp()      { f.Type = TypeConversationItemCreate }
func (f *ResponseCreate) stamp()              { f.Type = TypeResponseCreate }
func (f *ResponseDone) stamp()                { f.Type = TypeResponseDone }
func (f *Ping) stamp()                        { f.Type = TypePing }
func (f *Pong) stamp()                        { f.Type = TypePong }
func (f *Error) stamp()                       { f.Type = TypeError }
func (f *RelayStatus) stamp()                 { f.Type = TypeRelayStatus }
func (f *Unknown) stamp()                     {}

// ServerOnly reports whether f may only travel towards the client. The relay
// rejects these when a client sends them.
func ServerOnly(f Frame) bool {
	switch f.(type) {
	case *SessionCreated, *SessionUpdated, *SpeechStarted, *SpeechStopped,
		*InputTranscriptionCompleted, *TranscriptDelta, *TranscriptDone,
		*AudioDelta, *AudioDone, *ResponseDone, *Pong, *Error, *RelayStatus:
		return true
	case *SessionUpdate, *InputAudioAppend, *ConversationItemCreate,
		*ResponseCreate, *Ping, *Unknown:
		return false
	default:
		return false
	}
}

// NewUserText builds the frame that adds a typed user turn to the conversation.
func NewUserText(text string) *ConversationItemCreate {
	return &ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}
