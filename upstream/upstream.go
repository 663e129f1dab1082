// Package upstream connects the relay to a realtime AI provider. Every
// provider is exposed through the same frame protocol so the relay never
// branches on the provider.
package upstream

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/room4-2/voicebridge/apperr"
	"github.com/room4-2/voicebridge/messages"
)

// Conn is one upstream session.
type Conn interface {
	// ReadFrame blocks for the next frame. A protocol validation error means
	// one frame was unreadable and the connection is still usable.
	ReadFrame() (messages.Frame, error)
	WriteFrame(f messages.Frame) error
	// Close ends the session with a normal closure.
	Close() error
}

// Dialer opens upstream sessions with the relay's credential.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

// ErrClosedNormally marks an orderly upstream shutdown.
var ErrClosedNormally = errors.New("upstream closed normally")

var authCodes = map[string]bool{
	"invalid_api_key":        true,
	"authentication_error":   true,
	"unauthorized":           true,
	"permission_denied":      true,
	"invalid_authentication": true,
}

// IsAuthError reports whether an upstream error frame rejects the credential.
func IsAuthError(e *messages.Error) bool {
	if e == nil {
		return false
	}
	if authCodes[e.Code] {
		return true
	}
	return e.Detail != nil && (authCodes[e.Detail.Code] || authCodes[e.Detail.Type])
}

// Classify maps a transport error onto the failure taxonomy. A normal
// closure returns ErrClosedNormally.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClosedNormally) {
		return err
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch {
		case ce.Code == websocket.CloseNormalClosure:
			return ErrClosedNormally
		case isPolicyClose(ce.Code):
			return apperr.Authentication(op, err)
		default:
			return apperr.Transient(op, err)
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "api key not valid") || strings.Contains(msg, "invalid api key") {
		return apperr.Authentication(op, err)
	}

	return apperr.Transient(op, err)
}

// isPolicyClose covers policy violation and the 4001/4003 codes providers
// use for unauthorized and forbidden.
func isPolicyClose(code int) bool {
	return code == websocket.ClosePolicyViolation || code == 4001 || code == 4003
}

// classifyHandshake turns a failed websocket dial into an error.
func classifyHandshake(op string, resp *http.Response, err error) error {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return apperr.Authentication(op, err)
	}
	return apperr.Transient(op, err)
}
