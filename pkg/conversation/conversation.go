package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Conversation carries the identity and display metadata for one chat.
// TitleGenerated marks that a title (auto or manual) landed, so milestone
// title refreshes know whether they may overwrite it. ParentSessionID and
// CollaboratorID record which session owns the conversation and which
// model-access endpoint serves it; both are informational.
type Conversation struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	TitleGenerated  bool      `json:"title_generated,omitempty"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
	CollaboratorID  string    `json:"collaborator_id,omitempty"`
}

func New(id string) Conversation {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return Conversation{
		ID:        id,
		Title:     DefaultTitle(id),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DefaultTitle is the placeholder shown before any generated or manual title.
func DefaultTitle(id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return "Conversation " + short
}

func (c *Conversation) Touch() {
	c.UpdatedAt = time.Now().UTC()
}
