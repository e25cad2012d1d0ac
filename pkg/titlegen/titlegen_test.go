package titlegen

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colinrozzi/chat-state/pkg/conversation"
	"github.com/colinrozzi/chat-state/pkg/gateway"
	"github.com/colinrozzi/chat-state/pkg/settings"
)

func TestDueOnlyAtMilestonesUntilTitleLands(t *testing.T) {
	assert.False(t, Due(0, false))
	assert.False(t, Due(1, false))
	assert.False(t, Due(3, false))
	assert.True(t, Due(4, false))
	assert.False(t, Due(5, false))
	assert.True(t, Due(8, false))

	// A landed title switches attempts off for good.
	assert.False(t, Due(4, true))
	assert.False(t, Due(8, true))
}

func TestGenerateBuildsPromptAndCleansReply(t *testing.T) {
	collab := gateway.NewScripted(gateway.Outcome{Content: "  \"Planning a Garden\"\n\nextra"})
	g := New(collab)

	turns := []conversation.Turn{
		conversation.NewSystemTurn("internal marker"),
		conversation.NewUserTurn("how do I start a vegetable garden?"),
		conversation.NewAssistantTurn("Pick a sunny spot and start small."),
	}

	title, err := g.Generate(context.Background(), turns, settings.Defaults())
	require.NoError(t, err)
	assert.Equal(t, "Planning a Garden", title)

	reqs := collab.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Turns, 1)
	prompt := reqs[0].Turns[0].Content
	assert.True(t, strings.HasPrefix(prompt, Prompt))
	assert.Contains(t, prompt, "vegetable garden")
	assert.NotContains(t, prompt, "internal marker", "system turns stay out of the sample")
	assert.Equal(t, TitleMaxTokens, reqs[0].MaxTokens)
	assert.Equal(t, TitleTemperature, reqs[0].Temperature)
}

func TestGenerateSamplesOnlyLeadingTurns(t *testing.T) {
	collab := gateway.NewScripted(gateway.Outcome{Content: "A Title"})
	g := New(collab)

	turns := []conversation.Turn{}
	for i := 0; i < 12; i++ {
		turns = append(turns, conversation.NewUserTurn(strings.Repeat("word ", 3)+markerFor(i)))
	}
	_, err := g.Generate(context.Background(), turns, settings.Defaults())
	require.NoError(t, err)

	prompt := collab.Requests()[0].Turns[0].Content
	assert.Contains(t, prompt, markerFor(0))
	assert.Contains(t, prompt, markerFor(5))
	assert.NotContains(t, prompt, markerFor(6))
}

func markerFor(i int) string {
	return "marker-" + string(rune('a'+i))
}

func TestGenerateErrorsAreSurfacedToCaller(t *testing.T) {
	collab := gateway.NewScripted(gateway.Outcome{Err: errors.New("model down")})
	g := New(collab)

	_, err := g.Generate(context.Background(), []conversation.Turn{conversation.NewUserTurn("hi")}, settings.Defaults())
	require.Error(t, err)
}

func TestGenerateRejectsEmptyReply(t *testing.T) {
	collab := gateway.NewScripted(gateway.Outcome{Content: "  \n  "})
	g := New(collab)

	_, err := g.Generate(context.Background(), []conversation.Turn{conversation.NewUserTurn("hi")}, settings.Defaults())
	require.Error(t, err)
}

func TestGenerateHonorsTimeout(t *testing.T) {
	collab := gateway.NewScripted(gateway.Outcome{Content: "late", Delay: 200 * time.Millisecond})
	g := New(collab)

	s := settings.Defaults()
	s.RequestTimeout = 10 * time.Millisecond
	_, err := g.Generate(context.Background(), []conversation.Turn{conversation.NewUserTurn("hi")}, s)
	require.Error(t, err)
}

func TestClean(t *testing.T) {
	assert.Equal(t, "Hello World", Clean("\"Hello World\""))
	assert.Equal(t, "First Line", Clean("First Line\nSecond Line"))
	assert.Equal(t, "Trimmed", Clean("   Trimmed   "))
	assert.Empty(t, Clean("   "))

	long := strings.Repeat("t", 150)
	assert.Len(t, Clean(long), 100)
}
