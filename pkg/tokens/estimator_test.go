package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colinrozzi/chat-state/pkg/conversation"
)

func TestHeuristicEstimateText(t *testing.T) {
	h := Heuristic{}

	assert.Equal(t, 0, h.EstimateText(""))
	assert.Equal(t, 1, h.EstimateText("abc"))
	assert.Equal(t, 1, h.EstimateText("abcd"))
	assert.Equal(t, 2, h.EstimateText("abcde"))
	assert.Equal(t, 25, h.EstimateText(strings.Repeat("x", 100)))
}

func TestHeuristicEstimateTurnAddsFramingOverhead(t *testing.T) {
	h := Heuristic{}
	turn := conversation.NewUserTurn(strings.Repeat("x", 40))

	// 10 content tokens plus 5 role and 10 metadata framing.
	assert.Equal(t, 25, h.EstimateTurn(turn))
}

func TestEstimateTurnsSums(t *testing.T) {
	h := Heuristic{}
	turns := []conversation.Turn{
		conversation.NewUserTurn(strings.Repeat("a", 40)),
		conversation.NewAssistantTurn(strings.Repeat("b", 80)),
	}
	assert.Equal(t, h.EstimateTurn(turns[0])+h.EstimateTurn(turns[1]), EstimateTurns(h, turns))
}

func TestForEncodingFallsBackOnUnknownName(t *testing.T) {
	est := ForEncoding("made-up-encoding")
	_, ok := est.(Heuristic)
	assert.True(t, ok)
}

func TestTiktokenCountsRealTokens(t *testing.T) {
	est, err := NewTiktoken("cl100k_base")
	require.NoError(t, err)

	text := "The quick brown fox jumps over the lazy dog."
	n := est.EstimateText(text)
	assert.Positive(t, n)
	assert.Less(t, n, len(text), "token count should be well under character count")

	assert.Equal(t, 0, est.EstimateText(""))
	assert.Equal(t, roleOverhead+n+metaOverhead, est.EstimateTurn(conversation.NewUserTurn(text)))
}
