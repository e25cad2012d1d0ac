package gateway

import (
	"context"

	"github.com/colinrozzi/chat-state/pkg/conversation"
)

// CompletionRequest is one attempt handed to a transport. CorrelationID is
// fresh per attempt; replies carrying a different id are discarded. TopP
// zero means nucleus sampling is not requested.
type CompletionRequest struct {
	CorrelationID string
	Model         string
	System        string
	Turns         []conversation.Turn
	MaxTokens     int
	Temperature   float64
	TopP          float64
}

type CompletionReply struct {
	CorrelationID string
	Content       string
	Model         string
	StopReason    string
	InputTokens   int
	OutputTokens  int
}

// Collaborator is the model-side transport. Implementations must honor ctx
// cancellation and should wrap retriable failures with Transient.
type Collaborator interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionReply, error)
}
