package titlegen

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/colinrozzi/chat-state/pkg/conversation"
	"github.com/colinrozzi/chat-state/pkg/gateway"
	"github.com/colinrozzi/chat-state/pkg/settings"
)

// Prompt asks for a short title; the sampled turns are appended below it.
const Prompt = "Generate a very short title (5 words or less) that captures the essence of this conversation. Only respond with the title, nothing else:\n\n"

const (
	TitleMaxTokens   = 20
	TitleTemperature = 0.7

	// MilestoneEvery spaces the history lengths at which a title attempt
	// is due. Failed attempts stay due at the next milestone.
	MilestoneEvery = 4

	maxSampleTurns = 6
	maxTitleLen    = 100
	snippetLen     = 500
)

// Due reports whether a title attempt should run after an exchange, given
// the total number of turns in history. Once a title landed (auto or
// manual) no further attempts are made.
func Due(turnCount int, titleGenerated bool) bool {
	if titleGenerated || turnCount <= 0 {
		return false
	}
	return turnCount%MilestoneEvery == 0
}

// Generator produces conversation titles through the same collaborator
// transport as regular exchanges. It is strictly best-effort: callers log
// and drop every error.
type Generator struct {
	collaborator gateway.Collaborator
	logger       zerolog.Logger
}

func New(collaborator gateway.Collaborator) *Generator {
	return &Generator{
		collaborator: collaborator,
		logger:       log.With().Str("component", "titlegen").Logger(),
	}
}

// Generate asks the model for a title over the first turns of the
// conversation.
func (g *Generator) Generate(ctx context.Context, turns []conversation.Turn, s settings.Settings) (string, error) {
	if g == nil || g.collaborator == nil {
		return "", errors.New("titlegen: no collaborator configured")
	}
	sample := sampleTurns(turns, maxSampleTurns)
	if len(sample) == 0 {
		return "", errors.New("titlegen: no turns to summarize")
	}

	var b strings.Builder
	b.WriteString(Prompt)
	for _, t := range sample {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, snippet(t.Content))
	}

	req := gateway.CompletionRequest{
		CorrelationID: uuid.NewString(),
		Model:         s.ModelID,
		Turns:         []conversation.Turn{conversation.NewUserTurn(b.String())},
		MaxTokens:     TitleMaxTokens,
		Temperature:   TitleTemperature,
	}

	callCtx, cancel := context.WithTimeout(ctx, s.RequestTimeout)
	defer cancel()

	reply, err := g.collaborator.Complete(callCtx, req)
	if err != nil {
		return "", errors.Wrap(err, "titlegen: completion")
	}
	title := Clean(reply.Content)
	if title == "" {
		return "", errors.New("titlegen: model returned an empty title")
	}
	g.logger.Debug().Str("title", title).Msg("generated title")
	return title, nil
}

// Clean normalizes a model reply into a display title: first line only,
// wrapping quotes stripped, length capped.
func Clean(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)
	if len(title) > maxTitleLen {
		title = strings.TrimSpace(title[:maxTitleLen])
	}
	return title
}

func sampleTurns(turns []conversation.Turn, limit int) []conversation.Turn {
	out := make([]conversation.Turn, 0, limit)
	for _, t := range turns {
		if t.Role == conversation.RoleSystem {
			continue
		}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out
}

func snippet(s string) string {
	if len(s) <= snippetLen {
		return s
	}
	return s[:snippetLen] + "…"
}
