// Package transcript folds streaming transcript deltas into conversation
// messages.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn. Once Finalized it never changes.
type Message struct {
	ID        string
	Role      Role
	Text      string
	Timestamp time.Time
	Finalized bool
}

type openMessage struct {
	item      string
	text      strings.Builder
	startedAt time.Time
}

// Assembler keeps at most one open message per role. Finalized messages are
// kept in the order they were closed.
type Assembler struct {
	mu        sync.Mutex
	open      map[Role]*openMessage
	finalized []Message
	// interrupted holds the item of the message cut short per role, until
	// its trailing done arrives or another item starts.
	interrupted map[Role]string
	onFinalize  func(Message)
	now         func() time.Time
}

func NewAssembler() *Assembler {
	return &Assembler{
		open:        make(map[Role]*openMessage),
		interrupted: make(map[Role]string),
		now:         time.Now,
	}
}

// OnFinalize registers a hook called after each message is finalized,
// outside the assembler lock.
func (a *Assembler) OnFinalize(cb func(Message)) {
	a.mu.Lock()
	a.onFinalize = cb
	a.mu.Unlock()
}

// Delta appends text to the open message for role, opening one if needed.
// It returns the open message's current state.
func (a *Assembler) Delta(role Role, text string) Message {
	msg, _ := a.DeltaItem(role, "", text)
	return msg
}

// DeltaItem is Delta for a known upstream item. Deltas for an item that was
// interrupted are ignored and ok is false.
func (a *Assembler) DeltaItem(role Role, item, text string) (Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cut, ok := a.interrupted[role]; ok {
		if item != "" && item == cut {
			return Message{}, false
		}
		delete(a.interrupted, role)
	}

	m, ok := a.open[role]
	if !ok {
		m = &openMessage{item: item, startedAt: a.now()}
		a.open[role] = m
	}
	m.text.WriteString(text)
	return Message{Role: role, Text: m.text.String(), Timestamp: m.startedAt}, true
}

// Done closes the open message for role. When no delta arrived, a non-empty
// final text becomes the message. ok is false when there was nothing to
// finalize.
func (a *Assembler) Done(role Role, final string) (Message, bool) {
	return a.DoneItem(role, "", final)
}

// DoneItem is Done for a known upstream item. The done that trails an
// interrupted message is swallowed so the message is finalized once.
func (a *Assembler) DoneItem(role Role, item, final string) (Message, bool) {
	a.mu.Lock()
	m, open := a.open[role]
	if cut, ok := a.interrupted[role]; ok && !open {
		if item == "" || cut == "" || item == cut {
			delete(a.interrupted, role)
			a.mu.Unlock()
			return Message{}, false
		}
		delete(a.interrupted, role)
	}

	var msg Message
	switch {
	case open:
		delete(a.open, role)
		text := m.text.String()
		if text == "" {
			text = final
		}
		msg = a.finalizeLocked(role, text, m.startedAt)
	case final != "":
		msg = a.finalizeLocked(role, final, a.now())
	default:
		a.mu.Unlock()
		return Message{}, false
	}
	cb := a.onFinalize
	a.mu.Unlock()

	if cb != nil {
		cb(msg)
	}
	return msg, true
}

// Interrupt finalizes the open message for role with the text received so
// far, as when the user talks over the assistant. Later deltas and the done
// for the same item do not produce a second message.
func (a *Assembler) Interrupt(role Role) (Message, bool) {
	a.mu.Lock()
	m, open := a.open[role]
	if !open {
		a.mu.Unlock()
		return Message{}, false
	}
	delete(a.open, role)
	a.interrupted[role] = m.item
	msg := a.finalizeLocked(role, m.text.String(), m.startedAt)
	cb := a.onFinalize
	a.mu.Unlock()

	if cb != nil {
		cb(msg)
	}
	return msg, true
}

// Complete records an already-final utterance, such as a user transcription
// delivered in one piece. An open message for role is closed first.
func (a *Assembler) Complete(role Role, text string) (Message, bool) {
	if a.HasOpen(role) {
		a.Done(role, "")
	}
	return a.Done(role, text)
}

func (a *Assembler) finalizeLocked(role Role, text string, ts time.Time) Message {
	msg := Message{
		ID:        uuid.New().String(),
		Role:      role,
		Text:      text,
		Timestamp: ts,
		Finalized: true,
	}
	a.finalized = append(a.finalized, msg)
	return msg
}

// HasOpen reports whether role has a message in progress.
func (a *Assembler) HasOpen(role Role) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.open[role]
	return ok
}

// Messages returns a copy of the finalized messages.
func (a *Assembler) Messages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Message, len(a.finalized))
	copy(out, a.finalized)
	return out
}

// Reset drops open messages, e.g. when the upstream session is replaced.
func (a *Assembler) Reset() {
	a.mu.Lock()
	a.open = make(map[Role]*openMessage)
	a.interrupted = make(map[Role]string)
	a.mu.Unlock()
}
