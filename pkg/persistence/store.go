package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/colinrozzi/chat-state/pkg/conversation"
)

// SnapshotStore persists encoded snapshots keyed by conversation id,
// latest-wins. Implementations stay byte-oriented; the envelope codec lives
// with the coordinator.
type SnapshotStore interface {
	Save(ctx context.Context, convID string, data []byte) error
	Load(ctx context.Context, convID string) ([]byte, bool, error)
	List(ctx context.Context) ([]string, error)
	Close() error
}

// TurnLog is an optional audit mirror of completed turns, keyed by the
// turn's sequence number. Stores that keep one get fed by the coordinator
// after every append; restore never reads it, snapshots stay authoritative.
type TurnLog interface {
	AppendTurn(ctx context.Context, convID string, t conversation.Turn) error
	ListTurns(ctx context.Context, convID string) ([]conversation.Turn, error)
}

// PersistError wraps a durability failure. Checkpoints are best-effort, so
// callers surface it on the operation result and keep going.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string { return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err) }
func (e *PersistError) Unwrap() error { return e.Err }

// MemoryStore keeps snapshots in process, for tests and throwaway runs.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

var _ SnapshotStore = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: map[string][]byte{}}
}

func (s *MemoryStore) Save(ctx context.Context, convID string, data []byte) error {
	if s == nil {
		return errors.New("memory snapshot store: nil store")
	}
	if convID == "" {
		return errors.New("memory snapshot store: convID is empty")
	}
	if len(data) == 0 {
		return errors.New("memory snapshot store: empty payload")
	}
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[convID] = cp
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, convID string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, errors.New("memory snapshot store: nil store")
	}
	if convID == "" {
		return nil, false, errors.New("memory snapshot store: convID is empty")
	}
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[convID]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, true, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	if s == nil {
		return nil, errors.New("memory snapshot store: nil store")
	}
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.blobs))
	for id := range s.blobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }
