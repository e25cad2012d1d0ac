package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrOutOfRange is returned by TruncatePrefix when the requested count does
// not fit the current history length.
var ErrOutOfRange = errors.New("history: truncation count out of range")

// History is the append-only turn log for a single conversation. It is the
// canonical in-process copy; durable mirrors hang off the persistence layer.
// Reads return detached copies so callers can never alias internal state.
// The only destructive mutation is TruncatePrefix, which drops a contiguous
// prefix and is logged for auditability.
type History struct {
	mu      sync.RWMutex
	turns   []Turn
	byID    map[string]int
	nextSeq int64
}

func NewHistory() *History {
	return &History{byID: map[string]int{}, nextSeq: 1}
}

// Append validates and stores a turn at the end of the log, filling in a
// missing ID or timestamp and assigning the next sequence number. Order is
// arrival order and is never rewritten afterwards except through ReplaceAll.
// Two user turns in a row are legal (client retries happen) but worth a
// warning.
func (h *History) Append(t Turn) (Turn, error) {
	if h == nil {
		return Turn{}, errors.New("history: nil store")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := t.Validate(); err != nil {
		return Turn{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byID[t.ID]; ok {
		return Turn{}, errors.Errorf("history: duplicate turn id %s", t.ID)
	}
	if n := len(h.turns); n > 0 && t.Role == RoleUser && h.turns[n-1].Role == RoleUser {
		log.Warn().
			Str("turn_id", t.ID).
			Str("prev_turn_id", h.turns[n-1].ID).
			Msg("consecutive user turns without an assistant reply")
	}
	stored := t.Clone()
	stored.Seq = h.nextSeq
	h.nextSeq++
	h.byID[stored.ID] = len(h.turns)
	h.turns = append(h.turns, stored)
	return stored.Clone(), nil
}

// Head returns the most recent turn, if any.
func (h *History) Head() (Turn, bool) {
	if h == nil {
		return Turn{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.turns) == 0 {
		return Turn{}, false
	}
	return h.turns[len(h.turns)-1].Clone(), true
}

func (h *History) Get(id string) (Turn, bool) {
	if h == nil || id == "" {
		return Turn{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx, ok := h.byID[id]
	if !ok {
		return Turn{}, false
	}
	return h.turns[idx].Clone(), true
}

// List returns all turns in chronological order.
func (h *History) List() []Turn {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return CloneTurns(h.turns)
}

// Slice returns turns created before the given timestamp (all turns when
// before is zero), capped to the newest limit matches (uncapped when limit
// is zero or negative), in chronological order. The second result reports
// whether older matching turns were left out by the cap.
func (h *History) Slice(before time.Time, limit int) ([]Turn, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	matched := make([]Turn, 0, len(h.turns))
	for _, t := range h.turns {
		if !before.IsZero() && !t.CreatedAt.Before(before) {
			continue
		}
		matched = append(matched, t)
	}
	hasMore := false
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
		hasMore = true
	}
	return CloneTurns(matched), hasMore
}

func (h *History) Len() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// CountByRole reports how many turns carry the given role.
func (h *History) CountByRole(role Role) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, t := range h.turns {
		if t.Role == role {
			n++
		}
	}
	return n
}

// TruncatePrefix removes the oldest count turns. Sequence numbers of the
// survivors are untouched so turn ids stay strictly increasing across
// compaction. The removed range is logged for auditability.
func (h *History) TruncatePrefix(count int) error {
	if h == nil {
		return errors.New("history: nil store")
	}
	if count == 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if count < 0 || count > len(h.turns) {
		return errors.Wrapf(ErrOutOfRange, "count %d, history length %d", count, len(h.turns))
	}

	log.Info().
		Int("count", count).
		Int64("first_seq", h.turns[0].Seq).
		Int64("last_seq", h.turns[count-1].Seq).
		Msg("truncating history prefix")

	remaining := make([]Turn, len(h.turns)-count)
	copy(remaining, h.turns[count:])
	index := make(map[string]int, len(remaining))
	for i, t := range remaining {
		index[t.ID] = i
	}
	h.turns = remaining
	h.byID = index
	return nil
}

// ReplaceAll swaps the whole log for the given turns; snapshot restore is
// the caller. Every turn must validate and ids must be unique or the log is
// left untouched. Sequence numbers are kept when already strictly
// increasing and reassigned otherwise.
func (h *History) ReplaceAll(turns []Turn) error {
	if h == nil {
		return errors.New("history: nil store")
	}
	next := make([]Turn, 0, len(turns))
	index := make(map[string]int, len(turns))
	var prevSeq int64
	for i, t := range turns {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
		if err := t.Validate(); err != nil {
			return errors.Wrapf(err, "history: replace turn %d", i)
		}
		if _, ok := index[t.ID]; ok {
			return errors.Errorf("history: duplicate turn id %s", t.ID)
		}
		stored := t.Clone()
		if stored.Seq <= prevSeq {
			stored.Seq = prevSeq + 1
		}
		prevSeq = stored.Seq
		index[stored.ID] = len(next)
		next = append(next, stored)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = next
	h.byID = index
	h.nextSeq = prevSeq + 1
	return nil
}
