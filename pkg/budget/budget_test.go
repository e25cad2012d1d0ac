package budget

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colinrozzi/chat-state/pkg/conversation"
	"github.com/colinrozzi/chat-state/pkg/tokens"
)

// turnOf builds a turn whose heuristic estimate is exactly 25 tokens:
// 40 chars of content (10) plus 15 framing.
func turnOf(role conversation.Role, label string) conversation.Turn {
	content := label + strings.Repeat("x", 40-len(label))
	return conversation.NewTurn(role, content)
}

func alternating(n int) []conversation.Turn {
	out := make([]conversation.Turn, 0, n)
	for i := 0; i < n; i++ {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleAssistant
		}
		out = append(out, turnOf(role, fmt.Sprintf("t%02d ", i)))
	}
	return out
}

func TestPlanIncludesEverythingUnderBudget(t *testing.T) {
	b := New(tokens.Heuristic{}, 0)
	turns := alternating(4) // 100 tokens

	plan := b.Plan(turns, "", 1000, 100)
	require.Len(t, plan.Turns, 4)
	assert.False(t, plan.Truncated)
	assert.Zero(t, plan.Dropped)
	assert.Equal(t, 100, plan.EstimatedTokens)
	for i := range turns {
		assert.Equal(t, turns[i].ID, plan.Turns[i].ID, "chronological order preserved")
	}
}

func TestPlanFillsBackwardWholeTurns(t *testing.T) {
	b := New(tokens.Heuristic{}, 0)
	turns := alternating(6) // 25 tokens each

	// Budget of 80 fits exactly three turns (75); the fourth would overflow.
	plan := b.Plan(turns, "", 100, 20)
	require.Len(t, plan.Turns, 3)
	assert.True(t, plan.Truncated)
	assert.Equal(t, 3, plan.Dropped)
	assert.Equal(t, 75, plan.EstimatedTokens)

	// The window is the newest contiguous suffix.
	assert.Equal(t, turns[3].ID, plan.Turns[0].ID)
	assert.Equal(t, turns[5].ID, plan.Turns[2].ID)
}

func TestPlanAlwaysIncludesNewestTurnEvenOversized(t *testing.T) {
	b := New(tokens.Heuristic{}, 0)
	turns := []conversation.Turn{
		turnOf(conversation.RoleUser, "old "),
		conversation.NewUserTurn(strings.Repeat("y", 4000)), // ~1015 tokens
	}

	plan := b.Plan(turns, "", 500, 100)
	require.Len(t, plan.Turns, 1)
	assert.Equal(t, turns[1].ID, plan.Turns[0].ID)
	assert.True(t, plan.Truncated)
	assert.Equal(t, 1, plan.Dropped)
}

func TestPlanCountsSystemPromptAgainstBudget(t *testing.T) {
	b := New(tokens.Heuristic{}, 0)
	turns := alternating(4) // 25 tokens each

	// Without a system prompt all four fit exactly.
	plan := b.Plan(turns, "", 120, 20)
	require.Len(t, plan.Turns, 4)
	assert.False(t, plan.Truncated)

	// A 40-char prompt costs 25 tokens and pushes one turn out.
	prompt := strings.Repeat("p", 40)
	plan = b.Plan(turns, prompt, 120, 20)
	assert.Equal(t, prompt, plan.System)
	require.Len(t, plan.Turns, 3)
	assert.True(t, plan.Truncated)
	assert.Equal(t, turns[1].ID, plan.Turns[0].ID)
}

func TestPlanEmptyHistory(t *testing.T) {
	b := New(tokens.Heuristic{}, 0)
	plan := b.Plan(nil, "be brief", 1000, 100)
	assert.Empty(t, plan.Turns)
	assert.False(t, plan.Truncated)
	assert.Positive(t, plan.EstimatedTokens, "system prompt still costs tokens")
}

func TestCompactionAfterConsecutiveTruncations(t *testing.T) {
	b := New(tokens.Heuristic{}, 3)
	turns := alternating(6)

	for i := 0; i < 2; i++ {
		plan := b.Plan(turns, "", 100, 20)
		require.True(t, plan.Truncated)
		assert.False(t, plan.Compact, "streak of %d must not compact", i+1)
	}
	plan := b.Plan(turns, "", 100, 20)
	require.True(t, plan.Truncated)
	assert.True(t, plan.Compact)

	// The streak resets after a compaction recommendation.
	plan = b.Plan(turns, "", 100, 20)
	assert.False(t, plan.Compact)
}

func TestCleanPlanResetsCompactionStreak(t *testing.T) {
	b := New(tokens.Heuristic{}, 3)
	turns := alternating(6)

	for i := 0; i < 2; i++ {
		plan := b.Plan(turns, "", 100, 20)
		require.True(t, plan.Truncated)
	}
	plan := b.Plan(turns, "", 1000, 100)
	require.False(t, plan.Truncated)

	// Two more truncations are not enough for a fresh streak of three.
	for i := 0; i < 2; i++ {
		plan = b.Plan(turns, "", 100, 20)
		require.True(t, plan.Truncated)
		assert.False(t, plan.Compact)
	}
}

func TestPlanClonesTurns(t *testing.T) {
	b := New(tokens.Heuristic{}, 0)
	turns := alternating(2)

	plan := b.Plan(turns, "", 1000, 100)
	plan.Turns[0].Content = "mutated"
	assert.NotEqual(t, "mutated", turns[0].Content)
}
