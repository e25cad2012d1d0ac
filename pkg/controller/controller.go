package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/colinrozzi/chat-state/pkg/budget"
	"github.com/colinrozzi/chat-state/pkg/conversation"
	"github.com/colinrozzi/chat-state/pkg/events"
	"github.com/colinrozzi/chat-state/pkg/gateway"
	"github.com/colinrozzi/chat-state/pkg/persistence"
	"github.com/colinrozzi/chat-state/pkg/settings"
	"github.com/colinrozzi/chat-state/pkg/titlegen"
	"github.com/colinrozzi/chat-state/pkg/tokens"
)

// Phase is the controller lifecycle state.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseReady        Phase = "ready"
	PhaseProcessing   Phase = "processing_message"
	PhaseTerminating  Phase = "terminating"
	PhaseTerminated   Phase = "terminated"
)

var (
	// ErrBusy rejects a mutating operation while another one is running.
	// Callers retry; nothing is queued.
	ErrBusy = errors.New("controller: another operation is in flight")
	// ErrClosed rejects operations arriving at or after termination.
	ErrClosed = errors.New("controller: conversation is closed")
	// ErrNotFound is returned for turn lookups that miss.
	ErrNotFound = errors.New("controller: turn not found")

	errNotStarted = errors.New("controller: conversation not started")
)

// ValidationError rejects bad request input before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("controller: invalid %s: %s", e.Field, e.Reason)
}

func invalidf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Config wires one conversation's components. Collaborator is required;
// everything else has a workable default (in-memory store and bus, catalog
// defaults, tiktoken estimator for the default model's encoding).
type Config struct {
	ConversationID  string
	ParentSessionID string
	CollaboratorID  string

	Collaborator gateway.Collaborator
	Store        persistence.SnapshotStore
	Bus          *events.Bus
	Catalog      *settings.Catalog
	Settings     *settings.Settings
	Estimator    tokens.Estimator
	CompactAfter int

	// GatewayOptions tune the dispatch policy, mainly for tests that want
	// an instant backoff.
	GatewayOptions []gateway.Option
}

// Controller owns all state of one conversation and is its only writer.
// Mutating operations are single-flight; reads interleave freely through
// the history's own locking.
type Controller struct {
	id     string
	logger zerolog.Logger

	history  *conversation.History
	settings *settings.Manager
	budgeter *budget.Budgeter
	gw       *gateway.Gateway
	titles   *titlegen.Generator
	coord    *persistence.Coordinator
	bus      *events.Bus

	mu         sync.Mutex
	phase      Phase
	processing bool
	conv       conversation.Conversation

	baseCtx    context.Context
	baseCancel context.CancelFunc
	ops        sync.WaitGroup
	titleWG    sync.WaitGroup
}

func New(cfg Config) (*Controller, error) {
	if cfg.Collaborator == nil {
		return nil, errors.New("controller: no collaborator configured")
	}
	id := cfg.ConversationID
	if id == "" {
		id = uuid.NewString()
	}

	catalog := cfg.Catalog
	if catalog == nil {
		catalog = settings.DefaultCatalog()
	}
	initial := settings.Defaults()
	if cfg.Settings != nil {
		initial = *cfg.Settings
	}
	manager, err := settings.NewManager(catalog, initial)
	if err != nil {
		return nil, errors.Wrap(err, "controller: initial settings")
	}

	estimator := cfg.Estimator
	if estimator == nil {
		estimator = tokens.ForEncoding(manager.Model().Encoding)
	}

	store := cfg.Store
	if store == nil {
		store = persistence.NewMemoryStore()
	}
	coord, err := persistence.NewCoordinator(store)
	if err != nil {
		return nil, err
	}

	bus := cfg.Bus
	if bus == nil {
		bus = events.NewInMemoryBus()
	}

	conv := conversation.New(id)
	conv.ParentSessionID = cfg.ParentSessionID
	conv.CollaboratorID = cfg.CollaboratorID

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Controller{
		id:         id,
		logger:     log.With().Str("component", "controller").Str("conv_id", id).Logger(),
		history:    conversation.NewHistory(),
		settings:   manager,
		budgeter:   budget.New(estimator, cfg.CompactAfter),
		gw:         gateway.New(cfg.Collaborator, cfg.GatewayOptions...),
		titles:     titlegen.New(cfg.Collaborator),
		coord:      coord,
		bus:        bus,
		phase:      PhaseInitializing,
		conv:       conv,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}, nil
}

// Start restores the conversation from its snapshot, if one exists, and
// moves to Ready. A corrupted snapshot is fatal; a missing one means a
// fresh conversation.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseInitializing {
		return errors.Errorf("controller: start in phase %s", c.phase)
	}

	snap, found, err := c.coord.Restore(ctx, c.id)
	if err != nil {
		return errors.Wrap(err, "controller: restore")
	}
	if found {
		if snap.Conversation.ID != c.id {
			return errors.Errorf("controller: snapshot belongs to conversation %s", snap.Conversation.ID)
		}
		if err := c.history.ReplaceAll(snap.Turns); err != nil {
			return errors.Wrap(err, "controller: restore turns")
		}
		if err := c.settings.Replace(snap.Settings); err != nil {
			// The model may have left the catalog since the snapshot was
			// written; run on defaults rather than refuse to start.
			c.logger.Warn().Err(err).Msg("snapshot settings no longer valid, keeping defaults")
		}
		restored := snap.Conversation
		if restored.ParentSessionID == "" {
			restored.ParentSessionID = c.conv.ParentSessionID
		}
		if restored.CollaboratorID == "" {
			restored.CollaboratorID = c.conv.CollaboratorID
		}
		c.conv = restored
		c.logger.Info().Int("turns", c.history.Len()).Msg("restored conversation from snapshot")
	} else {
		c.logger.Info().Msg("no snapshot found, starting fresh")
	}

	c.phase = PhaseReady
	return nil
}

// beginMutation gates every state-changing operation: one at a time, none
// after termination begins. processingPhase marks message processing so
// reads can tell an exchange is running.
func (c *Controller) beginMutation(processingPhase bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case PhaseTerminating, PhaseTerminated:
		return ErrClosed
	case PhaseInitializing:
		return errNotStarted
	}
	if c.processing {
		return ErrBusy
	}
	c.processing = true
	if processingPhase {
		c.phase = PhaseProcessing
	}
	c.ops.Add(1)
	return nil
}

func (c *Controller) endMutation() {
	c.mu.Lock()
	c.processing = false
	if c.phase == PhaseProcessing {
		c.phase = PhaseReady
	}
	c.mu.Unlock()
	c.ops.Done()
}

// InitOptions is the payload of a new_conversation request.
type InitOptions struct {
	SystemPrompt    *string
	Settings        *settings.Patch
	ParentSessionID string
}

// Initialize applies the initial prompt/settings of a new_conversation
// request. It only works before the first turn lands.
func (c *Controller) Initialize(ctx context.Context, opts InitOptions) (Info, error) {
	if err := c.beginMutation(false); err != nil {
		return Info{}, err
	}
	defer c.endMutation()

	if c.history.Len() > 0 {
		return Info{}, invalidf("conversation_id", "conversation %s already has turns", c.id)
	}
	if opts.Settings != nil {
		if _, err := c.settings.Apply(*opts.Settings); err != nil {
			return Info{}, err
		}
	}
	if opts.SystemPrompt != nil {
		c.settings.SetSystemPrompt(*opts.SystemPrompt)
	}

	c.mu.Lock()
	if opts.ParentSessionID != "" {
		c.conv.ParentSessionID = opts.ParentSessionID
	}
	c.conv.Touch()
	c.mu.Unlock()

	c.publish(events.TypeSettingsUpdated, events.SettingsUpdatedPayload{Settings: c.settings.Current()})
	c.checkpoint(ctx)
	return c.Info(), nil
}

// Exchange is the outcome of one completed user/assistant round trip.
type Exchange struct {
	UserTurn      conversation.Turn
	AssistantTurn conversation.Turn
	Attempts      int
	Truncated     bool
	Compacted     bool
}

// SendMessage appends the user turn and runs the full exchange. The
// optional override patch adjusts settings for this exchange only and is
// never committed. On gateway failure the user turn stays in history; the
// caller may retry the same text as a new request.
func (c *Controller) SendMessage(ctx context.Context, text string, override *settings.Patch) (Exchange, error) {
	if err := c.beginMutation(true); err != nil {
		return Exchange{}, err
	}
	defer c.endMutation()

	if strings.TrimSpace(text) == "" {
		return Exchange{}, invalidf("text", "message text is empty")
	}
	s, err := c.exchangeSettings(override)
	if err != nil {
		return Exchange{}, err
	}

	userTurn, err := c.history.Append(conversation.NewUserTurn(text))
	if err != nil {
		return Exchange{}, errors.Wrap(err, "controller: append user turn")
	}
	c.afterAppend(ctx, userTurn)

	return c.completeExchange(ctx, userTurn, s)
}

// GenerateCompletion re-runs an exchange over the existing history, without
// appending a new user turn. The last turn must be from the user.
func (c *Controller) GenerateCompletion(ctx context.Context) (Exchange, error) {
	if err := c.beginMutation(true); err != nil {
		return Exchange{}, err
	}
	defer c.endMutation()

	head, ok := c.history.Head()
	if !ok {
		return Exchange{}, invalidf("history", "no turns to complete")
	}
	if head.Role != conversation.RoleUser {
		return Exchange{}, invalidf("history", "last turn is %s, expected a user turn", head.Role)
	}
	return c.completeExchange(ctx, head, c.settings.Current())
}

// exchangeSettings resolves the settings for one dispatch: the stored ones,
// or the stored ones with a per-exchange override merged in. Overrides go
// through the same validation as updates but are never committed.
func (c *Controller) exchangeSettings(override *settings.Patch) (settings.Settings, error) {
	if override == nil {
		return c.settings.Current(), nil
	}
	return c.settings.Preview(*override)
}

func (c *Controller) completeExchange(ctx context.Context, userTurn conversation.Turn, s settings.Settings) (Exchange, error) {
	model, ok := c.settings.Catalog().Lookup(s.ModelID)
	if !ok {
		// Validated settings always resolve; a miss here means the catalog
		// changed underneath us.
		return Exchange{}, invalidf("model_id", "unknown model %q", s.ModelID)
	}

	plan := c.budgeter.Plan(c.history.List(), s.SystemPrompt, model.ContextTokens, s.MaxTokens)
	compacted := false
	if plan.Compact && plan.Dropped > 0 {
		if err := c.history.TruncatePrefix(plan.Dropped); err != nil {
			c.logger.Warn().Err(err).Msg("compaction failed")
		} else {
			compacted = true
			c.checkpoint(ctx)
		}
	}

	start := time.Now()
	reply, err := c.gw.Dispatch(ctx, gateway.Request{
		ConversationID: c.id,
		System:         plan.System,
		Turns:          plan.Turns,
		Settings:       s,
	})
	if err != nil {
		if !errors.Is(err, gateway.ErrCanceled) {
			c.publish(events.TypeExchangeFailed, events.ExchangeFailedPayload{
				Code:     errorCode(err),
				Message:  err.Error(),
				Attempts: attemptsOf(err),
			})
		}
		return Exchange{}, err
	}
	latency := time.Since(start)

	modelID := reply.Model
	if modelID == "" {
		modelID = s.ModelID
	}
	asst := conversation.NewAssistantTurn(reply.Content)
	asst.Meta = map[string]any{
		"model":          modelID,
		"stop_reason":    reply.StopReason,
		"attempts":       reply.Attempts,
		"input_tokens":   reply.InputTokens,
		"output_tokens":  reply.OutputTokens,
		"latency_ms":     latency.Milliseconds(),
		"correlation_id": reply.CorrelationID,
	}
	stored, err := c.history.Append(asst)
	if err != nil {
		return Exchange{}, errors.Wrap(err, "controller: append assistant turn")
	}
	c.afterAppend(ctx, stored)
	c.publish(events.TypeExchangeCompleted, events.ExchangeCompletedPayload{
		UserTurnID:    userTurn.ID,
		AssistantTurn: stored,
		Attempts:      reply.Attempts,
	})
	c.checkpoint(ctx)
	c.maybeGenerateTitle()

	return Exchange{
		UserTurn:      userTurn,
		AssistantTurn: stored,
		Attempts:      reply.Attempts,
		Truncated:     plan.Truncated,
		Compacted:     compacted,
	}, nil
}

// afterAppend runs the shared bookkeeping for a stored turn: bumps
// updated_at, mirrors it to the audit log, emits turn.added.
func (c *Controller) afterAppend(ctx context.Context, t conversation.Turn) {
	c.mu.Lock()
	c.conv.Touch()
	c.mu.Unlock()
	c.coord.MirrorTurn(ctx, c.id, t)
	c.publish(events.TypeTurnAdded, events.TurnAddedPayload{Turn: t})
}

// UpdateSettings merges and validates the patch atomically. Nothing is
// applied when any field is invalid.
func (c *Controller) UpdateSettings(ctx context.Context, p settings.Patch) (settings.Settings, error) {
	if err := c.beginMutation(false); err != nil {
		return settings.Settings{}, err
	}
	defer c.endMutation()

	updated, err := c.settings.Apply(p)
	if err != nil {
		return settings.Settings{}, err
	}
	c.mu.Lock()
	c.conv.Touch()
	c.mu.Unlock()
	c.publish(events.TypeSettingsUpdated, events.SettingsUpdatedPayload{Settings: updated})
	c.checkpoint(ctx)
	return updated, nil
}

// UpdateSystemPrompt replaces the system prompt; any string is valid.
func (c *Controller) UpdateSystemPrompt(ctx context.Context, prompt string) (settings.Settings, error) {
	if err := c.beginMutation(false); err != nil {
		return settings.Settings{}, err
	}
	defer c.endMutation()

	updated := c.settings.SetSystemPrompt(prompt)
	c.mu.Lock()
	c.conv.Touch()
	c.mu.Unlock()
	c.publish(events.TypeSettingsUpdated, events.SettingsUpdatedPayload{Settings: updated})
	c.checkpoint(ctx)
	return updated, nil
}

// UpdateTitle sets the title by hand. A manual title marks the
// conversation titled, so the milestone generator never overwrites it.
func (c *Controller) UpdateTitle(ctx context.Context, title string) (string, error) {
	if err := c.beginMutation(false); err != nil {
		return "", err
	}
	defer c.endMutation()

	title = strings.TrimSpace(title)
	if title == "" {
		return "", invalidf("title", "title is empty")
	}
	c.applyTitle(ctx, title, false)
	return title, nil
}

// applyTitle lands a title unless a manual one arrived in the meantime.
func (c *Controller) applyTitle(ctx context.Context, title string, auto bool) {
	c.mu.Lock()
	if c.phase == PhaseTerminated || (auto && c.conv.TitleGenerated) {
		c.mu.Unlock()
		return
	}
	c.conv.Title = title
	c.conv.TitleGenerated = true
	c.conv.Touch()
	c.mu.Unlock()

	c.publish(events.TypeTitleUpdated, events.TitleUpdatedPayload{Title: title, Auto: auto})
	c.checkpoint(ctx)
}

// maybeGenerateTitle fires a detached best-effort title attempt when the
// history length sits on a milestone and no title has landed yet. Failures
// are logged and retried at the next milestone; the caller never waits.
func (c *Controller) maybeGenerateTitle() {
	c.mu.Lock()
	due := titlegen.Due(c.history.Len(), c.conv.TitleGenerated)
	c.mu.Unlock()
	if !due {
		return
	}
	if c.gw.Busy() {
		c.logger.Debug().Msg("title attempt skipped, gateway busy")
		return
	}

	turns := c.history.List()
	s := c.settings.Current()
	c.titleWG.Add(1)
	go func() {
		defer c.titleWG.Done()
		title, err := c.titles.Generate(c.baseCtx, turns, s)
		if err != nil {
			c.logger.Debug().Err(err).Msg("title attempt failed")
			return
		}
		c.applyTitle(c.baseCtx, title, true)
	}()
}

// Close terminates the conversation: new mutating ops are rejected, any
// in-flight exchange is abandoned, and a final checkpoint lands before the
// terminal phase. History mutations already applied are never rolled back.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == PhaseTerminating || c.phase == PhaseTerminated {
		c.mu.Unlock()
		return nil
	}
	started := c.phase == PhaseReady || c.phase == PhaseProcessing
	c.phase = PhaseTerminating
	c.mu.Unlock()

	c.gw.Cancel()
	c.baseCancel()
	c.ops.Wait()
	c.titleWG.Wait()

	if started {
		c.checkpoint(ctx)
	}
	c.publish(events.TypeConversationClosed, nil)

	c.mu.Lock()
	c.phase = PhaseTerminated
	c.mu.Unlock()
	c.logger.Info().Msg("conversation closed")
	return nil
}

// checkpoint persists the current state. Durability is best-effort: a
// failure degrades to in-memory only and is logged, never surfaced to the
// operation that triggered it.
func (c *Controller) checkpoint(ctx context.Context) {
	c.mu.Lock()
	conv := c.conv
	c.mu.Unlock()

	snap := persistence.Snapshot{
		Conversation: conv,
		Settings:     c.settings.Current(),
		Turns:        c.history.List(),
	}
	if err := c.coord.Checkpoint(ctx, snap); err != nil {
		c.logger.Warn().Err(err).Msg("checkpoint failed, continuing with degraded durability")
		return
	}
	c.publish(events.TypeSnapshotSaved, events.SnapshotSavedPayload{Turns: len(snap.Turns)})
}

func (c *Controller) publish(eventType string, payload any) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(c.id, eventType, payload); err != nil {
		c.logger.Warn().Err(err).Str("event", eventType).Msg("event publish failed")
	}
}

func (c *Controller) ID() string { return c.id }

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// History returns turns created before the given timestamp (all when zero),
// capped to the newest limit matches, plus whether older matches exist.
func (c *Controller) History(before time.Time, limit int) ([]conversation.Turn, bool) {
	return c.history.Slice(before, limit)
}

func (c *Controller) Head() (conversation.Turn, bool) {
	return c.history.Head()
}

// GetTurn looks a turn up by id.
func (c *Controller) GetTurn(id string) (conversation.Turn, error) {
	t, ok := c.history.Get(id)
	if !ok {
		return conversation.Turn{}, errors.Wrapf(ErrNotFound, "turn %s", id)
	}
	return t, nil
}

func (c *Controller) Settings() settings.Settings {
	return c.settings.Current()
}

func (c *Controller) Models() []settings.ModelInfo {
	return c.settings.ListModels()
}

// Info is the read-model summary served by get_info.
type Info struct {
	Conversation conversation.Conversation `json:"conversation"`
	Phase        Phase                     `json:"phase"`
	Turns        int                       `json:"turns"`
	UserTurns    int                       `json:"user_turns"`
	Model        string                    `json:"model"`
	GatewayState gateway.State             `json:"gateway_state"`
	Gateway      gateway.Metrics           `json:"gateway_metrics"`
}

func (c *Controller) Info() Info {
	c.mu.Lock()
	conv := c.conv
	phase := c.phase
	c.mu.Unlock()

	return Info{
		Conversation: conv,
		Phase:        phase,
		Turns:        c.history.Len(),
		UserTurns:    c.history.CountByRole(conversation.RoleUser),
		Model:        c.settings.Current().ModelID,
		GatewayState: c.gw.State(),
		Gateway:      c.gw.Metrics(),
	}
}

func attemptsOf(err error) int {
	var terminal *gateway.TerminalError
	if errors.As(err, &terminal) {
		return terminal.Attempts
	}
	return 0
}
