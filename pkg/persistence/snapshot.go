package persistence

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/colinrozzi/chat-state/pkg/conversation"
	"github.com/colinrozzi/chat-state/pkg/settings"
)

// SnapshotVersion is the current envelope version. Decoders accept this
// version and refuse anything newer; older versions get migrated here as
// the format evolves.
const SnapshotVersion = 1

// ErrCorrupt marks a snapshot that exists but cannot be trusted. Startup
// treats it as fatal rather than silently starting fresh over good data.
var ErrCorrupt = errors.New("persistence: corrupt snapshot")

// Snapshot is the versioned durable image of one conversation: identity,
// settings, and the full turn log.
type Snapshot struct {
	Version      int                       `json:"version"`
	SavedAt      time.Time                 `json:"saved_at"`
	Conversation conversation.Conversation `json:"conversation"`
	Settings     settings.Settings         `json:"settings"`
	Turns        []conversation.Turn       `json:"turns"`
}

func Encode(s Snapshot) ([]byte, error) {
	if s.Conversation.ID == "" {
		return nil, errors.New("persistence: snapshot has no conversation id")
	}
	if s.Version == 0 {
		s.Version = SnapshotVersion
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "persistence: encode snapshot")
	}
	return data, nil
}

func Decode(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, errors.Wrap(ErrCorrupt, err.Error())
	}
	if s.Version > SnapshotVersion {
		return Snapshot{}, errors.Errorf("persistence: unsupported snapshot version %d (newest known is %d)", s.Version, SnapshotVersion)
	}
	if s.Version < 1 {
		return Snapshot{}, errors.Wrap(ErrCorrupt, "missing version")
	}
	if s.Conversation.ID == "" {
		return Snapshot{}, errors.Wrap(ErrCorrupt, "missing conversation id")
	}
	return s, nil
}
