package messages

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/room4-2/voicebridge/apperr"
)

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one frame. Malformed JSON and a missing type are protocol
// validation errors; an unrecognized type decodes to *Unknown.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, apperr.Validation("decode frame", "malformed JSON")
	}
	if env.Type == "" {
		return nil, apperr.Validation("decode frame", "missing type")
	}

	var f Frame
	switch env.Type {
	case TypeSessionCreated:
		f = &SessionCreated{}
	case TypeSessionUpdate:
		f = &SessionUpdate{}
	case TypeSessionUpdated:
		f = &SessionUpdated{}
	case TypeInputAudioAppend:
		f = &InputAudioAppend{}
	case TypeSpeechStarted:
		f = &SpeechStarted{}
	case TypeSpeechStopped:
		f = &SpeechStopped{}
	case TypeInputTranscriptionCompleted:
		f = &InputTranscriptionCompleted{}
	case TypeTranscriptDelta:
		f = &TranscriptDelta{}
	case TypeTranscriptDone:
		f = &TranscriptDone{}
	case TypeAudioDelta:
		f = &AudioDelta{}
	case TypeAudioDone:
		f = &AudioDone{}
	case TypeConversationItemCreate:
		f = &ConversationItemCreate{}
	case TypeResponseCreate:
		f = &ResponseCreate{}
	case TypeResponseDone:
		f = &ResponseDone{}
	case TypePing:
		f = &Ping{}
	case TypePong:
		f = &Pong{}
	case TypeError:
		f = &Error{}
	case TypeRelayStatus:
		f = &RelayStatus{}
	default:
		raw := make([]byte, len(data))
		copy(raw, data)
		return &Unknown{Type: env.Type, Raw: raw}, nil
	}

	if err := sonic.Unmarshal(data, f); err != nil {
		return nil, apperr.Validation("decode frame", fmt.Sprintf("invalid %s payload", env.Type))
	}
	if e, ok := f.(*Error); ok {
		e.normalize()
	}
	return f, nil
}

// Encode serializes f, stamping its type field. Unknown frames are returned
// unchanged.
func Encode(f Frame) ([]byte, error) {
	if u, ok := f.(*Unknown); ok {
		return u.Raw, nil
	}
	f.stamp()
	data, err := sonic.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.FrameType(), err)
	}
	return data, nil
}

func (e *Error) normalize() {
	if e.Detail == nil {
		return
	}
	if e.Message == "" {
		e.Message = e.Detail.Message
	}
	if e.Code == "" {
		e.Code = e.Detail.Code
	}
	if e.Code == "" {
		e.Code = e.Detail.Type
	}
}

// NewError maps err onto an error frame. Fatal errors never allow a retry.
func NewError(err error) *Error {
	frame := &Error{Type: TypeError, Message: err.Error(), Code: ErrCodeSessionFailed}

	var ae *apperr.Error
	if !errors.As(err, &ae) {
		return frame
	}
	frame.Fatal = ae.Fatal
	frame.CanRetry = !ae.Fatal
	if ae.Message != "" {
		frame.Message = ae.Message
	}

	switch ae.Kind {
	case apperr.KindProtocolValidation:
		frame.Code = ErrCodeValidation
	case apperr.KindNotReady:
		frame.Code = ErrCodeNotReady
	case apperr.KindAuthentication:
		frame.Code = ErrCodeAuthentication
	case apperr.KindConfiguration:
		frame.Code = ErrCodeConfiguration
	case apperr.KindTransientNetwork:
		frame.Code = ErrCodeUpstream
		if ae.Fatal {
			frame.Code = ErrCodeUpstreamUnavailable
		}
	}
	return frame
}

// ValidationError builds the non-fatal error frame for a rejected client frame.
func ValidationError(message string) *Error {
	return NewError(apperr.Validation("client frame", message))
}

// NotReadyError builds the error frame for frames received before Ready.
func NotReadyError() *Error {
	return NewError(apperr.NotReady("client frame"))
}
