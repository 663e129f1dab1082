// Package apperr defines the failure taxonomy shared by the relay and the
// client pipeline. Every error that crosses a component boundary is an
// *Error carrying a Kind, so callers decide recovery with errors.As instead
// of string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how it must be handled.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration: missing or invalid upstream credential on the relay.
	KindConfiguration
	// KindAuthentication: the upstream rejected the credential.
	KindAuthentication
	// KindTransientNetwork: timeouts and abrupt non-normal closures.
	KindTransientNetwork
	// KindProtocolValidation: malformed frame or undecodable audio payload.
	KindProtocolValidation
	// KindNotReady: audio or text received before the session is ready.
	KindNotReady
	// KindDevice: microphone unavailable or permission denied.
	KindDevice
	// KindPlaybackDecode: corrupt inbound audio chunk.
	KindPlaybackDecode
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthentication:
		return "authentication"
	case KindTransientNetwork:
		return "transient_network"
	case KindProtocolValidation:
		return "protocol_validation"
	case KindNotReady:
		return "session_not_ready"
	case KindDevice:
		return "device"
	case KindPlaybackDecode:
		return "playback_decode"
	default:
		return "unknown"
	}
}

// Error is the concrete error type for every taxonomy member.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Fatal marks errors that end the session and need an explicit user
	// reconnect.
	Fatal bool
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so sentinels like ErrNotReady compare by category.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Retryable reports whether an automatic retry is allowed.
func (e *Error) Retryable() bool {
	return e != nil && e.Kind == KindTransientNetwork && !e.Fatal
}

// ErrNotReady is returned when a frame other than a heartbeat is sent before
// the session reached Ready.
var ErrNotReady = &Error{Kind: KindNotReady}

func Configuration(op, message string) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Message: message, Fatal: true}
}

func Authentication(op string, err error) *Error {
	return &Error{Kind: KindAuthentication, Op: op, Message: "upstream rejected credential", Fatal: true, Err: err}
}

func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransientNetwork, Op: op, Err: err}
}

// Exhausted turns a transient failure terminal once the attempt cap is hit.
func Exhausted(op string, attempts int, err error) *Error {
	return &Error{
		Kind:    KindTransientNetwork,
		Op:      op,
		Message: fmt.Sprintf("gave up after %d reconnect attempts", attempts),
		Fatal:   true,
		Err:     err,
	}
}

func Validation(op, message string) *Error {
	return &Error{Kind: KindProtocolValidation, Op: op, Message: message}
}

func NotReady(op string) *Error {
	return &Error{Kind: KindNotReady, Op: op, Message: "session is not ready"}
}

func Device(op string, err error) *Error {
	return &Error{Kind: KindDevice, Op: op, Err: err}
}

func PlaybackDecode(op string, err error) *Error {
	return &Error{Kind: KindPlaybackDecode, Op: op, Err: err}
}

// KindOf extracts the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err ends the session.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Fatal
}
