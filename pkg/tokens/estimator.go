package tokens

import (
	"github.com/colinrozzi/chat-state/pkg/conversation"
)

const (
	charsPerToken = 4
	// Flat framing overhead per turn: role encoding plus message metadata.
	roleOverhead = 5
	metaOverhead = 10
)

// Estimator approximates token usage for context planning. Estimates only
// drive window fill decisions; exact accounting stays with the provider.
type Estimator interface {
	EstimateText(text string) int
	EstimateTurn(t conversation.Turn) int
}

// Heuristic assumes ~4 characters per token for English text. It is the
// fallback whenever a real codec is unavailable for a model.
type Heuristic struct{}

var _ Estimator = Heuristic{}

func (Heuristic) EstimateText(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

func (h Heuristic) EstimateTurn(t conversation.Turn) int {
	return roleOverhead + h.EstimateText(t.Content) + metaOverhead
}

// EstimateTurns sums the per-turn estimates for a whole window.
func EstimateTurns(e Estimator, turns []conversation.Turn) int {
	total := 0
	for _, t := range turns {
		total += e.EstimateTurn(t)
	}
	return total
}
