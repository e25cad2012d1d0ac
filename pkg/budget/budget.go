package budget

import (
	"github.com/rs/zerolog/log"

	"github.com/colinrozzi/chat-state/pkg/conversation"
	"github.com/colinrozzi/chat-state/pkg/tokens"
)

// DefaultCompactAfter is how many consecutive truncated plans trigger a
// compaction recommendation.
const DefaultCompactAfter = 3

// Plan is the window of history selected for one model request. System is
// carried separately because providers take the system prompt out of band;
// its estimated cost still counts against the window.
type Plan struct {
	System          string
	Turns           []conversation.Turn
	EstimatedTokens int
	Truncated       bool
	Dropped         int
	Compact         bool
}

// Budgeter fills the context window backward from the newest turn, adding
// whole turns until the budget is spent. It keeps a streak counter across
// calls so sustained truncation can recommend compacting the history.
type Budgeter struct {
	estimator    tokens.Estimator
	compactAfter int
	truncStreak  int
}

func New(estimator tokens.Estimator, compactAfter int) *Budgeter {
	if compactAfter <= 0 {
		compactAfter = DefaultCompactAfter
	}
	return &Budgeter{estimator: estimator, compactAfter: compactAfter}
}

// Plan selects the window for the next request. contextTokens is the model's
// context ceiling and reserveTokens the response reservation, so the usable
// budget is their difference.
//
// The system prompt and the newest turn are always part of the request. The
// newest turn is included even when it alone blows the budget; the plan is
// marked truncated and the provider gets to reject it.
func (b *Budgeter) Plan(turns []conversation.Turn, systemPrompt string, contextTokens, reserveTokens int) Plan {
	available := contextTokens - reserveTokens
	if available < 0 {
		available = 0
	}

	plan := Plan{System: systemPrompt}
	used := 0
	if systemPrompt != "" {
		used += b.estimator.EstimateTurn(conversation.Turn{Role: conversation.RoleSystem, Content: systemPrompt})
	}

	if len(turns) == 0 {
		plan.EstimatedTokens = used
		b.truncStreak = 0
		return plan
	}

	last := len(turns) - 1
	window := []conversation.Turn{turns[last].Clone()}
	used += b.estimator.EstimateTurn(turns[last])
	if used > available {
		plan.Truncated = true
	}

	for i := last - 1; i >= 0; i-- {
		cost := b.estimator.EstimateTurn(turns[i])
		if used+cost > available {
			plan.Truncated = true
			break
		}
		window = append(window, turns[i].Clone())
		used += cost
	}

	// Walked newest-first; flip back to chronological order.
	for l, r := 0, len(window)-1; l < r; l, r = l+1, r-1 {
		window[l], window[r] = window[r], window[l]
	}

	plan.Turns = window
	plan.EstimatedTokens = used
	plan.Dropped = len(turns) - len(window)

	if plan.Truncated {
		b.truncStreak++
		log.Debug().
			Int("dropped", plan.Dropped).
			Int("estimated_tokens", used).
			Int("available", available).
			Msg("budget: truncated context window")
		if b.truncStreak >= b.compactAfter {
			plan.Compact = true
			b.truncStreak = 0
			log.Info().Int("retained", len(window)).Msg("budget: compaction threshold reached")
		}
	} else {
		b.truncStreak = 0
	}

	return plan
}
