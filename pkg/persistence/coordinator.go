package persistence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/colinrozzi/chat-state/pkg/conversation"
)

// Coordinator owns the snapshot lifecycle for conversations: checkpoint on
// meaningful state changes, restore at startup. Durability is best-effort
// by contract; a failed checkpoint is reported, never fatal.
type Coordinator struct {
	store  SnapshotStore
	logger zerolog.Logger
}

func NewCoordinator(store SnapshotStore) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("persistence: nil snapshot store")
	}
	return &Coordinator{
		store:  store,
		logger: log.With().Str("component", "persistence").Logger(),
	}, nil
}

// Checkpoint stamps, encodes, and saves the snapshot. Errors come back as
// *PersistError so callers can log-and-continue.
func (c *Coordinator) Checkpoint(ctx context.Context, snap Snapshot) error {
	snap.Version = SnapshotVersion
	snap.SavedAt = time.Now().UTC()

	data, err := Encode(snap)
	if err != nil {
		return &PersistError{Op: "encode snapshot", Err: err}
	}
	if err := c.store.Save(ctx, snap.Conversation.ID, data); err != nil {
		return &PersistError{Op: "save snapshot", Err: err}
	}
	c.logger.Debug().
		Str("conv_id", snap.Conversation.ID).
		Int("turns", len(snap.Turns)).
		Msg("checkpoint saved")
	return nil
}

// Restore loads the latest snapshot for the conversation. A missing
// snapshot means a fresh start (ok=false, no error); a corrupted or
// unsupported one is an error the caller must treat as fatal.
func (c *Coordinator) Restore(ctx context.Context, convID string) (Snapshot, bool, error) {
	data, ok, err := c.store.Load(ctx, convID)
	if err != nil {
		return Snapshot{}, false, &PersistError{Op: "load snapshot", Err: err}
	}
	if !ok {
		return Snapshot{}, false, nil
	}
	snap, err := Decode(data)
	if err != nil {
		return Snapshot{}, false, err
	}
	c.logger.Debug().
		Str("conv_id", convID).
		Int("turns", len(snap.Turns)).
		Time("saved_at", snap.SavedAt).
		Msg("snapshot restored")
	return snap, true, nil
}

// MirrorTurn copies a stored turn into the audit log when the store keeps
// one, keyed by the turn's sequence number. Best-effort: failures are
// logged and swallowed.
func (c *Coordinator) MirrorTurn(ctx context.Context, convID string, t conversation.Turn) {
	tl, ok := c.store.(TurnLog)
	if !ok {
		return
	}
	if err := tl.AppendTurn(ctx, convID, t); err != nil {
		c.logger.Warn().Err(err).Str("conv_id", convID).Int64("seq", t.Seq).Msg("turn mirror failed")
	}
}

// Store exposes the underlying snapshot store, mainly for inspection
// tooling.
func (c *Coordinator) Store() SnapshotStore {
	return c.store
}

func (c *Coordinator) Close() error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.Close()
}
