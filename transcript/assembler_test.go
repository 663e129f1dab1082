package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltasFoldIntoOneMessage(t *testing.T) {
	a := NewAssembler()

	for _, d := range []string{"Bon", "jour", " Clara"} {
		a.Delta(RoleAssistant, d)
	}
	msg, ok := a.Done(RoleAssistant, "Bonjour Clara")
	require.True(t, ok)

	assert.Equal(t, "Bonjour Clara", msg.Text)
	assert.True(t, msg.Finalized)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, a.HasOpen(RoleAssistant))

	a.Delta(RoleAssistant, "Encore")
	assert.True(t, a.HasOpen(RoleAssistant))

	msgs := a.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Bonjour Clara", msgs[0].Text, "finalized message must not change")

	second, ok := a.Done(RoleAssistant, "")
	require.True(t, ok)
	assert.Equal(t, "Encore", second.Text)
	assert.NotEqual(t, msg.ID, second.ID)
}

func TestRolesAreIndependent(t *testing.T) {
	a := NewAssembler()
	a.Delta(RoleAssistant, "Hello")
	a.Delta(RoleUser, "Hi")
	a.Delta(RoleAssistant, " there")

	user, ok := a.Done(RoleUser, "")
	require.True(t, ok)
	assistant, ok := a.Done(RoleAssistant, "")
	require.True(t, ok)

	assert.Equal(t, "Hi", user.Text)
	assert.Equal(t, "Hello there", assistant.Text)

	msgs := a.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
}

func TestDoneWithoutDeltas(t *testing.T) {
	a := NewAssembler()

	_, ok := a.Done(RoleAssistant, "")
	assert.False(t, ok)

	msg, ok := a.Done(RoleAssistant, "Only final")
	require.True(t, ok)
	assert.Equal(t, "Only final", msg.Text)
}

func TestCompleteAndHook(t *testing.T) {
	a := NewAssembler()
	var seen []Message
	a.OnFinalize(func(m Message) { seen = append(seen, m) })

	msg, ok := a.Complete(RoleUser, "What time is it?")
	require.True(t, ok)
	assert.Equal(t, RoleUser, msg.Role)
	require.Len(t, seen, 1)
	assert.Equal(t, msg.ID, seen[0].ID)
}

func TestMessagesReturnsCopy(t *testing.T) {
	a := NewAssembler()
	a.Complete(RoleUser, "original")

	msgs := a.Messages()
	msgs[0].Text = "changed"
	assert.Equal(t, "original", a.Messages()[0].Text)
}

func TestInterruptFinalizesOnce(t *testing.T) {
	a := NewAssembler()
	var hooked []string
	a.OnFinalize(func(m Message) { hooked = append(hooked, m.Text) })

	a.DeltaItem(RoleAssistant, "item_1", "Hello th")
	cut, ok := a.Interrupt(RoleAssistant)
	require.True(t, ok)
	assert.Equal(t, "Hello th", cut.Text)

	_, ok = a.DeltaItem(RoleAssistant, "item_1", "ere")
	assert.False(t, ok, "late delta of the interrupted item")
	_, ok = a.DoneItem(RoleAssistant, "item_1", "Hello there, how can I help?")
	assert.False(t, ok, "trailing done of the interrupted item")

	msgs := a.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello th", msgs[0].Text)
	assert.Equal(t, []string{"Hello th"}, hooked)

	a.DeltaItem(RoleAssistant, "item_2", "Sure")
	next, ok := a.DoneItem(RoleAssistant, "item_2", "Sure")
	require.True(t, ok)
	assert.Equal(t, "Sure", next.Text)
	assert.Len(t, a.Messages(), 2)
}

func TestInterruptWithoutItemIDs(t *testing.T) {
	a := NewAssembler()
	a.Delta(RoleAssistant, "Hello th")
	a.Interrupt(RoleAssistant)
	_, ok := a.Done(RoleAssistant, "Hello there, how can I help?")
	assert.False(t, ok)

	a.Delta(RoleAssistant, "Next")
	_, ok = a.Done(RoleAssistant, "Next")
	assert.True(t, ok)
	assert.Len(t, a.Messages(), 2)
}

func TestInterruptWithNothingOpen(t *testing.T) {
	a := NewAssembler()
	_, ok := a.Interrupt(RoleAssistant)
	assert.False(t, ok)

	msg, ok := a.Done(RoleAssistant, "Full answer")
	require.True(t, ok)
	assert.Equal(t, "Full answer", msg.Text)
}
