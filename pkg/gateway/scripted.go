package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/colinrozzi/chat-state/pkg/conversation"
)

// Outcome is one scripted collaborator response. Delay lets tests hold an
// attempt open past its deadline; IgnoreContext simulates a transport that
// keeps going after cancellation and delivers its reply late.
type Outcome struct {
	Content       string
	StopReason    string
	Err           error
	Delay         time.Duration
	IgnoreContext bool
	// EchoCorrelation overrides the reply's correlation id; empty means
	// echo the request's.
	EchoCorrelation string
}

// ScriptedCollaborator plays back a queue of outcomes and records every
// request it saw. When the script runs dry it keeps returning the last
// outcome.
type ScriptedCollaborator struct {
	mu       sync.Mutex
	script   []Outcome
	pos      int
	requests []CompletionRequest
}

var _ Collaborator = &ScriptedCollaborator{}

func NewScripted(outcomes ...Outcome) *ScriptedCollaborator {
	return &ScriptedCollaborator{script: outcomes}
}

func (s *ScriptedCollaborator) Complete(ctx context.Context, req CompletionRequest) (CompletionReply, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.script) == 0 {
		s.mu.Unlock()
		return CompletionReply{}, errors.New("scripted collaborator: empty script")
	}
	out := s.script[s.pos]
	if s.pos < len(s.script)-1 {
		s.pos++
	}
	s.mu.Unlock()

	if out.Delay > 0 {
		if out.IgnoreContext {
			time.Sleep(out.Delay)
		} else {
			select {
			case <-ctx.Done():
				return CompletionReply{}, ctx.Err()
			case <-time.After(out.Delay):
			}
		}
	}
	if out.Err != nil {
		return CompletionReply{}, out.Err
	}
	corrID := req.CorrelationID
	if out.EchoCorrelation != "" {
		corrID = out.EchoCorrelation
	}
	stop := out.StopReason
	if stop == "" {
		stop = "end_turn"
	}
	return CompletionReply{
		CorrelationID: corrID,
		Content:       out.Content,
		Model:         req.Model,
		StopReason:    stop,
		OutputTokens:  len(out.Content) / 4,
	}, nil
}

// Requests returns a copy of everything the collaborator has seen.
func (s *ScriptedCollaborator) Requests() []CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CompletionRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// EchoCollaborator is the offline provider: it mirrors the newest user turn
// back, which is enough to exercise the full pipeline without credentials.
type EchoCollaborator struct{}

var _ Collaborator = EchoCollaborator{}

func (EchoCollaborator) Complete(_ context.Context, req CompletionRequest) (CompletionReply, error) {
	var lastUser string
	for i := len(req.Turns) - 1; i >= 0; i-- {
		if req.Turns[i].Role == conversation.RoleUser {
			lastUser = req.Turns[i].Content
			break
		}
	}
	return CompletionReply{
		CorrelationID: req.CorrelationID,
		Content:       fmt.Sprintf("echo: %s", lastUser),
		Model:         req.Model,
		StopReason:    "end_turn",
		OutputTokens:  len(lastUser) / 4,
	}, nil
}
