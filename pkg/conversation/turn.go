package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Turn is a single message in a conversation. Seq is assigned by the
// history on append and is strictly increasing, surviving compaction.
// Meta carries optional annotations (model id, stop reason, token usage,
// latency) and is never interpreted by the core.
type Turn struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func NewTurn(role Role, content string) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

func NewUserTurn(content string) Turn { return NewTurn(RoleUser, content) }

func NewAssistantTurn(content string) Turn { return NewTurn(RoleAssistant, content) }

func NewSystemTurn(content string) Turn { return NewTurn(RoleSystem, content) }

// Clone returns a copy detached from the receiver's Meta map.
func (t Turn) Clone() Turn {
	out := t
	if t.Meta != nil {
		out.Meta = make(map[string]any, len(t.Meta))
		for k, v := range t.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

func (t Turn) Validate() error {
	if !t.Role.Valid() {
		return errors.Errorf("conversation: unknown role %q", string(t.Role))
	}
	if t.Role == RoleUser && strings.TrimSpace(t.Content) == "" {
		return errors.New("conversation: user turn content is empty")
	}
	return nil
}

func CloneTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t.Clone()
	}
	return out
}
