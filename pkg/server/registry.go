package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/colinrozzi/chat-state/pkg/controller"
	"github.com/colinrozzi/chat-state/pkg/events"
)

// ControllerFactory builds a controller for one conversation. The factory
// must wire the controller to the registry's event bus, or websocket
// subscribers will see nothing.
type ControllerFactory func(convID string) (*controller.Controller, error)

// Registry keeps one live controller per conversation, created on first use
// and restored from its snapshot. Terminated conversations are dropped and
// come back as fresh restores on the next request.
type Registry struct {
	factory ControllerFactory
	bus     *events.Bus
	logger  zerolog.Logger

	mu     sync.Mutex
	convs  map[string]*managedConversation
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
	pumps   sync.WaitGroup
}

type managedConversation struct {
	ctrl       *controller.Controller
	pool       *Pool
	cancelPump context.CancelFunc
}

func NewRegistry(factory ControllerFactory, bus *events.Bus) (*Registry, error) {
	if factory == nil {
		return nil, errors.New("server: registry needs a controller factory")
	}
	if bus == nil {
		return nil, errors.New("server: registry needs an event bus")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		factory: factory,
		bus:     bus,
		logger:  log.With().Str("component", "registry").Logger(),
		convs:   map[string]*managedConversation{},
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// Controller returns the live controller for the conversation, creating and
// starting one when none exists.
func (r *Registry) Controller(ctx context.Context, convID string) (*controller.Controller, error) {
	m, err := r.ensure(ctx, convID)
	if err != nil {
		return nil, err
	}
	return m.ctrl, nil
}

// Pool returns the websocket pool for the conversation, creating the
// conversation when needed.
func (r *Registry) Pool(ctx context.Context, convID string) (*Pool, error) {
	m, err := r.ensure(ctx, convID)
	if err != nil {
		return nil, err
	}
	return m.pool, nil
}

func (r *Registry) ensure(ctx context.Context, convID string) (*managedConversation, error) {
	if convID == "" {
		return nil, errors.New("server: empty conversation id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("server: registry is shut down")
	}
	if m, ok := r.convs[convID]; ok {
		return m, nil
	}

	ctrl, err := r.factory(convID)
	if err != nil {
		return nil, errors.Wrapf(err, "server: build conversation %s", convID)
	}

	// The event pump must subscribe before the controller publishes
	// anything, so it comes up ahead of Start.
	pumpCtx, cancelPump := context.WithCancel(r.baseCtx)
	pool := NewPool(convID)
	ch, err := r.bus.Subscribe(pumpCtx, convID)
	if err != nil {
		cancelPump()
		return nil, errors.Wrapf(err, "server: subscribe conversation %s", convID)
	}
	r.pumps.Add(1)
	go r.pump(convID, ch, pool)

	if err := ctrl.Start(ctx); err != nil {
		cancelPump()
		return nil, errors.Wrapf(err, "server: start conversation %s", convID)
	}

	m := &managedConversation{ctrl: ctrl, pool: pool, cancelPump: cancelPump}
	r.convs[convID] = m
	r.logger.Info().Str("conv_id", convID).Msg("conversation attached")
	return m, nil
}

// pump forwards bus envelopes to the conversation's websocket pool until the
// subscription closes.
func (r *Registry) pump(convID string, ch <-chan events.Envelope, pool *Pool) {
	defer r.pumps.Done()
	for env := range ch {
		data, err := json.Marshal(env)
		if err != nil {
			r.logger.Warn().Err(err).Str("conv_id", convID).Msg("drop unencodable event")
			continue
		}
		pool.Broadcast(data)
	}
}

// Release drops a conversation whose controller has terminated. The snapshot
// stays in the store; the next request restores it into a new controller.
func (r *Registry) Release(convID string) {
	r.mu.Lock()
	m, ok := r.convs[convID]
	if ok {
		delete(r.convs, convID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	m.cancelPump()
	m.pool.CloseAll()
	r.logger.Info().Str("conv_id", convID).Msg("conversation released")
}

// Len reports how many conversations are currently live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.convs)
}

// Shutdown closes every live controller, flushing final snapshots, and
// stops the event pumps.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	convs := make([]*managedConversation, 0, len(r.convs))
	ids := make([]string, 0, len(r.convs))
	for id, m := range r.convs {
		convs = append(convs, m)
		ids = append(ids, id)
	}
	r.convs = map[string]*managedConversation{}
	r.mu.Unlock()

	for i, m := range convs {
		if err := m.ctrl.Close(ctx); err != nil {
			r.logger.Warn().Err(err).Str("conv_id", ids[i]).Msg("close conversation failed")
		}
		m.pool.CloseAll()
	}
	r.cancel()
	r.pumps.Wait()
	r.logger.Info().Int("conversations", len(convs)).Msg("registry shut down")
}
