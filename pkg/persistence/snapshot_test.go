package persistence

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colinrozzi/chat-state/pkg/conversation"
	"github.com/colinrozzi/chat-state/pkg/settings"
)

func sampleSnapshot() Snapshot {
	conv := conversation.New("conv-abc-123")
	conv.Title = "Garden planning"
	conv.TitleGenerated = true

	s := settings.Defaults()
	s.SystemPrompt = "You are helpful."
	s.Temperature = 1.1

	turns := []conversation.Turn{
		conversation.NewUserTurn("how do I grow tomatoes?"),
		conversation.NewAssistantTurn("Start with good soil."),
	}
	turns[1].Meta = map[string]any{"stop_reason": "end_turn"}

	return Snapshot{Conversation: conv, Settings: s, Turns: turns}
}

func TestSnapshotRoundTrip(t *testing.T) {
	snap := sampleSnapshot()

	data, err := Encode(snap)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, SnapshotVersion, got.Version)
	assert.Equal(t, snap.Conversation.ID, got.Conversation.ID)
	assert.Equal(t, "Garden planning", got.Conversation.Title)
	assert.True(t, got.Conversation.TitleGenerated)
	assert.Equal(t, snap.Settings, got.Settings)

	require.Len(t, got.Turns, 2)
	for i := range snap.Turns {
		assert.Equal(t, snap.Turns[i].ID, got.Turns[i].ID)
		assert.Equal(t, snap.Turns[i].Role, got.Turns[i].Role)
		assert.Equal(t, snap.Turns[i].Content, got.Turns[i].Content)
		assert.True(t, snap.Turns[i].CreatedAt.Equal(got.Turns[i].CreatedAt))
	}
	assert.Equal(t, "end_turn", got.Turns[1].Meta["stop_reason"])
}

func TestEncodeRequiresConversationID(t *testing.T) {
	_, err := Encode(Snapshot{})
	require.Error(t, err)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestDecodeRejectsMissingVersion(t *testing.T) {
	_, err := Decode([]byte(`{"conversation":{"id":"c1"}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestDecodeRejectsFutureVersion(t *testing.T) {
	_, err := Decode([]byte(`{"version":99,"conversation":{"id":"c1"}}`))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "corrupt", "future versions are unsupported, not corrupt")
	assert.Contains(t, err.Error(), "unsupported")
}

func TestDecodeRejectsMissingConversationID(t *testing.T) {
	_, err := Decode([]byte(`{"version":1,"conversation":{}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestDecodeToleratesAbsentOptionalFields(t *testing.T) {
	snap, err := Decode([]byte(`{"version":1,"conversation":{"id":"c1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", snap.Conversation.ID)
	assert.Empty(t, snap.Turns)
}
