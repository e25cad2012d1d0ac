package events

import (
	"encoding/json"
	"time"

	"github.com/colinrozzi/chat-state/pkg/conversation"
	"github.com/colinrozzi/chat-state/pkg/settings"
)

// Event types emitted by a conversation. Subscribers switch on Type and
// decode Payload into the matching struct.
const (
	TypeTurnAdded          = "turn.added"
	TypeExchangeCompleted  = "exchange.completed"
	TypeExchangeFailed     = "exchange.failed"
	TypeSettingsUpdated    = "settings.updated"
	TypeTitleUpdated       = "title.updated"
	TypeSnapshotSaved      = "snapshot.saved"
	TypeConversationClosed = "conversation.closed"
)

// Envelope is the wire form of one event.
type Envelope struct {
	Type    string          `json:"type"`
	ConvID  string          `json:"conv_id"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TopicForConv keys the per-conversation stream.
func TopicForConv(convID string) string {
	return "chat:" + convID
}

type TurnAddedPayload struct {
	Turn conversation.Turn `json:"turn"`
}

type ExchangeCompletedPayload struct {
	UserTurnID    string            `json:"user_turn_id"`
	AssistantTurn conversation.Turn `json:"assistant_turn"`
	Attempts      int               `json:"attempts"`
}

type ExchangeFailedPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}

type SettingsUpdatedPayload struct {
	Settings settings.Settings `json:"settings"`
}

type TitleUpdatedPayload struct {
	Title string `json:"title"`
	Auto  bool   `json:"auto"`
}

type SnapshotSavedPayload struct {
	Turns int `json:"turns"`
}
