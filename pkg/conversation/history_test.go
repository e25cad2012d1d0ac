package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryAppendPreservesOrder(t *testing.T) {
	h := NewHistory()
	contents := []string{"first", "second", "third", "fourth"}
	for _, c := range contents {
		_, err := h.Append(NewUserTurn(c))
		require.NoError(t, err)
	}

	turns := h.List()
	require.Len(t, turns, len(contents))
	for i, c := range contents {
		assert.Equal(t, c, turns[i].Content)
		assert.Equal(t, RoleUser, turns[i].Role)
	}

	head, ok := h.Head()
	require.True(t, ok)
	assert.Equal(t, "fourth", head.Content)
	assert.Equal(t, len(contents), h.Len())
}

func TestHistoryAssignsStrictlyIncreasingSeq(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 4; i++ {
		_, err := h.Append(NewUserTurn("msg"))
		require.NoError(t, err)
	}

	turns := h.List()
	for i, turn := range turns {
		assert.Equal(t, int64(i+1), turn.Seq)
	}
}

func TestHistoryAppendAssignsIDAndTimestamp(t *testing.T) {
	h := NewHistory()
	stored, err := h.Append(Turn{Role: RoleUser, Content: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.CreatedAt.IsZero())
}

func TestHistoryRejectsInvalidTurns(t *testing.T) {
	h := NewHistory()

	_, err := h.Append(Turn{Role: RoleUser, Content: "   "})
	require.Error(t, err)

	_, err = h.Append(Turn{Role: Role("robot"), Content: "beep"})
	require.Error(t, err)

	assert.Equal(t, 0, h.Len())
}

func TestHistoryRejectsDuplicateID(t *testing.T) {
	h := NewHistory()
	stored, err := h.Append(NewUserTurn("hello"))
	require.NoError(t, err)

	_, err = h.Append(Turn{ID: stored.ID, Role: RoleUser, Content: "again"})
	require.Error(t, err)
	assert.Equal(t, 1, h.Len())
}

func TestHistoryGetByID(t *testing.T) {
	h := NewHistory()
	stored, err := h.Append(NewAssistantTurn("reply"))
	require.NoError(t, err)

	got, ok := h.Get(stored.ID)
	require.True(t, ok)
	assert.Equal(t, "reply", got.Content)

	_, ok = h.Get("missing")
	assert.False(t, ok)
}

func TestHistoryListReturnsDetachedCopies(t *testing.T) {
	h := NewHistory()
	turn := NewUserTurn("original")
	turn.Meta = map[string]any{"k": "v"}
	_, err := h.Append(turn)
	require.NoError(t, err)

	out := h.List()
	out[0].Content = "mutated"
	out[0].Meta["k"] = "mutated"

	again := h.List()
	assert.Equal(t, "original", again[0].Content)
	assert.Equal(t, "v", again[0].Meta["k"])
}

func TestHistoryReplaceAll(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 5; i++ {
		_, err := h.Append(NewUserTurn("msg"))
		require.NoError(t, err)
	}

	replacement := []Turn{
		NewSystemTurn("earlier turns elided"),
		NewUserTurn("keep me"),
		NewAssistantTurn("kept reply"),
	}
	require.NoError(t, h.ReplaceAll(replacement))

	turns := h.List()
	require.Len(t, turns, 3)
	assert.Equal(t, RoleSystem, turns[0].Role)

	got, ok := h.Get(replacement[1].ID)
	require.True(t, ok)
	assert.Equal(t, "keep me", got.Content)
}

func TestHistoryReplaceAllRejectsInvalidAndKeepsState(t *testing.T) {
	h := NewHistory()
	_, err := h.Append(NewUserTurn("survivor"))
	require.NoError(t, err)

	err = h.ReplaceAll([]Turn{{Role: Role("bogus"), Content: "x"}})
	require.Error(t, err)

	turns := h.List()
	require.Len(t, turns, 1)
	assert.Equal(t, "survivor", turns[0].Content)
}

func TestHistoryCountByRole(t *testing.T) {
	h := NewHistory()
	_, err := h.Append(NewUserTurn("q1"))
	require.NoError(t, err)
	_, err = h.Append(NewAssistantTurn("a1"))
	require.NoError(t, err)
	_, err = h.Append(NewUserTurn("q2"))
	require.NoError(t, err)

	assert.Equal(t, 2, h.CountByRole(RoleUser))
	assert.Equal(t, 1, h.CountByRole(RoleAssistant))
	assert.Equal(t, 0, h.CountByRole(RoleSystem))
}

func TestHistoryTruncatePrefix(t *testing.T) {
	h := NewHistory()
	var ids []string
	for i := 0; i < 5; i++ {
		stored, err := h.Append(NewUserTurn("msg"))
		require.NoError(t, err)
		ids = append(ids, stored.ID)
	}

	require.NoError(t, h.TruncatePrefix(2))

	turns := h.List()
	require.Len(t, turns, 3)
	// Survivors keep their original sequence numbers.
	assert.Equal(t, int64(3), turns[0].Seq)
	assert.Equal(t, int64(5), turns[2].Seq)

	_, ok := h.Get(ids[0])
	assert.False(t, ok)
	_, ok = h.Get(ids[2])
	assert.True(t, ok)

	// New appends continue the sequence after the highest ever issued.
	stored, err := h.Append(NewUserTurn("after"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), stored.Seq)
}

func TestHistoryTruncatePrefixOutOfRange(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 3; i++ {
		_, err := h.Append(NewUserTurn("msg"))
		require.NoError(t, err)
	}

	err := h.TruncatePrefix(4)
	require.ErrorIs(t, err, ErrOutOfRange)
	assert.Equal(t, 3, h.Len())

	err = h.TruncatePrefix(-1)
	require.ErrorIs(t, err, ErrOutOfRange)
	assert.Equal(t, 3, h.Len())

	require.NoError(t, h.TruncatePrefix(0))
	assert.Equal(t, 3, h.Len())
}

func TestHistorySliceLimit(t *testing.T) {
	h := NewHistory()
	for _, c := range []string{"a", "b", "c", "d"} {
		_, err := h.Append(NewUserTurn(c))
		require.NoError(t, err)
	}

	turns, hasMore := h.Slice(time.Time{}, 2)
	require.Len(t, turns, 2)
	assert.True(t, hasMore)
	assert.Equal(t, "c", turns[0].Content)
	assert.Equal(t, "d", turns[1].Content)

	turns, hasMore = h.Slice(time.Time{}, 0)
	require.Len(t, turns, 4)
	assert.False(t, hasMore)
}

func TestHistorySliceBeforeTimestamp(t *testing.T) {
	h := NewHistory()
	old := NewUserTurn("old")
	old.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := h.Append(old)
	require.NoError(t, err)

	recent := NewUserTurn("recent")
	recent.CreatedAt = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err = h.Append(recent)
	require.NoError(t, err)

	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	turns, hasMore := h.Slice(cutoff, 0)
	require.Len(t, turns, 1)
	assert.Equal(t, "old", turns[0].Content)
	assert.False(t, hasMore)
}

func TestHistoryReplaceAllNormalizesSeq(t *testing.T) {
	h := NewHistory()
	restored := []Turn{
		{ID: "t1", Seq: 3, Role: RoleUser, Content: "one"},
		{ID: "t2", Seq: 7, Role: RoleAssistant, Content: "two"},
	}
	require.NoError(t, h.ReplaceAll(restored))

	turns := h.List()
	assert.Equal(t, int64(3), turns[0].Seq)
	assert.Equal(t, int64(7), turns[1].Seq)

	stored, err := h.Append(NewUserTurn("next"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), stored.Seq)
}
