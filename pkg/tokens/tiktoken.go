package tokens

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/colinrozzi/chat-state/pkg/conversation"
)

// Tiktoken counts with a real BPE codec. Encoding failures fall through to
// the heuristic so an odd input can never sink a budget pass.
type Tiktoken struct {
	codec    tokenizer.Codec
	fallback Heuristic
}

var _ Estimator = &Tiktoken{}

func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := resolveEncoding(encoding)
	if err != nil {
		return nil, err
	}
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, errors.Wrapf(err, "tokens: load codec %q", encoding)
	}
	return &Tiktoken{codec: codec}, nil
}

// ForEncoding returns a codec-backed estimator for the given encoding name,
// or the heuristic when no codec can be loaded.
func ForEncoding(encoding string) Estimator {
	est, err := NewTiktoken(encoding)
	if err != nil {
		log.Warn().Err(err).Str("encoding", encoding).Msg("tokens: using heuristic estimator")
		return Heuristic{}
	}
	return est
}

func resolveEncoding(name string) (tokenizer.Encoding, error) {
	switch name {
	case "", "cl100k_base":
		return tokenizer.Cl100kBase, nil
	case "o200k_base":
		return tokenizer.O200kBase, nil
	case "p50k_base":
		return tokenizer.P50kBase, nil
	case "r50k_base":
		return tokenizer.R50kBase, nil
	default:
		return "", errors.Errorf("tokens: unknown encoding %q", name)
	}
}

func (t *Tiktoken) EstimateText(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		log.Debug().Err(err).Msg("tokens: codec encode failed, using heuristic")
		return t.fallback.EstimateText(text)
	}
	return len(ids)
}

func (t *Tiktoken) EstimateTurn(turn conversation.Turn) int {
	return roleOverhead + t.EstimateText(turn.Content) + metaOverhead
}
