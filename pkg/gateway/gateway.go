package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/colinrozzi/chat-state/pkg/conversation"
	"github.com/colinrozzi/chat-state/pkg/settings"
)

// State is the gateway's position in the exchange protocol.
type State string

const (
	StateIdle       State = "idle"
	StateDispatched State = "dispatched"
	StateRetrying   State = "retrying"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Request is one full exchange: the budgeted window plus the settings that
// govern dispatch (model, limits, timeout, retry ceiling).
type Request struct {
	ConversationID string
	System         string
	Turns          []conversation.Turn
	Settings       settings.Settings
}

// Reply is the outcome of a successful exchange.
type Reply struct {
	Content       string
	Model         string
	StopReason    string
	InputTokens   int
	OutputTokens  int
	CorrelationID string
	Attempts      int
}

// Metrics is a point-in-time snapshot of gateway counters.
type Metrics struct {
	Exchanges        int    `json:"exchanges"`
	Attempts         int    `json:"attempts"`
	Retries          int    `json:"retries"`
	DiscardedReplies int    `json:"discarded_replies"`
	LastError        string `json:"last_error,omitempty"`
}

// BackOffFactory builds the wait policy for one exchange. The default is
// exponential doubling from 500ms capped at 30s, without jitter so waits
// stay predictable.
type BackOffFactory func() backoff.BackOff

func DefaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Gateway drives the dispatch protocol against a collaborator: single
// exchange in flight, fresh correlation id per attempt, exponential backoff
// on transient failures, stale replies discarded.
type Gateway struct {
	collaborator Collaborator
	newBackOff   BackOffFactory
	logger       zerolog.Logger

	mu             sync.Mutex
	state          State
	inFlight       bool
	cancelExchange context.CancelFunc
	metrics        Metrics
}

type Option func(*Gateway)

func WithBackOff(f BackOffFactory) Option {
	return func(g *Gateway) { g.newBackOff = f }
}

func New(collaborator Collaborator, opts ...Option) *Gateway {
	g := &Gateway{
		collaborator: collaborator,
		newBackOff:   DefaultBackOff,
		state:        StateIdle,
		logger:       log.With().Str("component", "gateway").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gateway) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

func (g *Gateway) Metrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metrics
}

// Cancel abandons the in-flight exchange, if any. The pending attempt's
// eventual reply is discarded when it arrives.
func (g *Gateway) Cancel() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.inFlight || g.cancelExchange == nil {
		return false
	}
	g.cancelExchange()
	return true
}

// Dispatch runs one exchange to completion. It is single-flight: a second
// call while one is running fails fast with ErrBusy rather than queueing.
func (g *Gateway) Dispatch(ctx context.Context, req Request) (Reply, error) {
	if g == nil || g.collaborator == nil {
		return Reply{}, errors.New("gateway: no collaborator configured")
	}
	if len(req.Turns) == 0 {
		return Reply{}, errors.New("gateway: empty turn window")
	}
	if req.Settings.RequestTimeout <= 0 {
		return Reply{}, errors.New("gateway: request timeout not set")
	}

	g.mu.Lock()
	if g.inFlight {
		g.mu.Unlock()
		return Reply{}, ErrBusy
	}
	exCtx, cancel := context.WithCancel(ctx)
	g.inFlight = true
	g.cancelExchange = cancel
	g.metrics.Exchanges++
	g.mu.Unlock()

	defer func() {
		cancel()
		g.mu.Lock()
		g.inFlight = false
		g.cancelExchange = nil
		g.mu.Unlock()
	}()

	maxAttempts := req.Settings.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	bo := g.newBackOff()

	for attempt := 1; ; attempt++ {
		corrID := uuid.NewString()
		g.setState(StateDispatched)
		g.mu.Lock()
		g.metrics.Attempts++
		g.mu.Unlock()

		reply, err := g.attempt(exCtx, corrID, req)
		if err == nil {
			g.setState(StateSucceeded)
			out := Reply{
				Content:       reply.Content,
				Model:         reply.Model,
				StopReason:    reply.StopReason,
				InputTokens:   reply.InputTokens,
				OutputTokens:  reply.OutputTokens,
				CorrelationID: corrID,
				Attempts:      attempt,
			}
			return out, nil
		}
		if errors.Is(err, ErrCanceled) {
			g.setState(StateIdle)
			return Reply{}, ErrCanceled
		}

		g.recordError(err)
		if !IsTransient(err) {
			g.setState(StateFailed)
			return Reply{}, &TerminalError{Cause: err, Attempts: attempt}
		}
		if attempt >= maxAttempts {
			g.setState(StateFailed)
			return Reply{}, &TerminalError{Cause: err, Attempts: attempt, Exhausted: true}
		}

		g.setState(StateRetrying)
		g.mu.Lock()
		g.metrics.Retries++
		g.mu.Unlock()

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			g.setState(StateFailed)
			return Reply{}, &TerminalError{Cause: err, Attempts: attempt, Exhausted: true}
		}
		g.logger.Debug().
			Str("conv_id", req.ConversationID).
			Int("attempt", attempt).
			Dur("wait", wait).
			Err(err).
			Msg("gateway: transient failure, backing off")

		timer := time.NewTimer(wait)
		select {
		case <-exCtx.Done():
			timer.Stop()
			g.setState(StateIdle)
			return Reply{}, ErrCanceled
		case <-timer.C:
		}
	}
}

type pendingResult struct {
	reply CompletionReply
	err   error
}

// attempt issues one collaborator call under the per-attempt deadline. When
// the deadline or the exchange context fires first, the eventual result is
// drained and counted as discarded instead of being delivered.
func (g *Gateway) attempt(exCtx context.Context, corrID string, req Request) (CompletionReply, error) {
	attemptCtx, cancel := context.WithTimeout(exCtx, req.Settings.RequestTimeout)
	defer cancel()

	creq := CompletionRequest{
		CorrelationID: corrID,
		Model:         req.Settings.ModelID,
		System:        req.System,
		Turns:         req.Turns,
		MaxTokens:     req.Settings.MaxTokens,
		Temperature:   req.Settings.Temperature,
		TopP:          req.Settings.TopP,
	}

	ch := make(chan pendingResult, 1)
	go func() {
		reply, err := g.collaborator.Complete(attemptCtx, creq)
		ch <- pendingResult{reply: reply, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			// A collaborator that honors cancellation promptly delivers its
			// error here, racing the exCtx branch below.
			if exCtx.Err() != nil {
				return CompletionReply{}, ErrCanceled
			}
			return CompletionReply{}, res.err
		}
		if res.reply.CorrelationID != "" && res.reply.CorrelationID != corrID {
			g.recordDiscard()
			return CompletionReply{}, Transient(errors.Errorf("correlation mismatch: got %s want %s", res.reply.CorrelationID, corrID))
		}
		return res.reply, nil
	case <-attemptCtx.Done():
		go g.drainLate(corrID, ch)
		if exCtx.Err() != nil {
			return CompletionReply{}, ErrCanceled
		}
		return CompletionReply{}, Transient(errors.Errorf("attempt timed out after %s", req.Settings.RequestTimeout))
	}
}

func (g *Gateway) drainLate(corrID string, ch <-chan pendingResult) {
	res := <-ch
	g.recordDiscard()
	if res.err != nil {
		g.logger.Debug().Str("correlation_id", corrID).Err(res.err).Msg("gateway: discarded late failure from abandoned attempt")
		return
	}
	g.logger.Debug().Str("correlation_id", corrID).Msg("gateway: discarded stale reply")
}

func (g *Gateway) recordDiscard() {
	g.mu.Lock()
	g.metrics.DiscardedReplies++
	g.mu.Unlock()
}

func (g *Gateway) recordError(err error) {
	g.mu.Lock()
	g.metrics.LastError = err.Error()
	g.mu.Unlock()
}

func (g *Gateway) setState(s State) {
	g.mu.Lock()
	prev := g.state
	g.state = s
	g.mu.Unlock()
	if prev != s {
		g.logger.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("gateway: state changed")
	}
}
