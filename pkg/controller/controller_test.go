package controller

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colinrozzi/chat-state/pkg/conversation"
	"github.com/colinrozzi/chat-state/pkg/events"
	"github.com/colinrozzi/chat-state/pkg/gateway"
	"github.com/colinrozzi/chat-state/pkg/persistence"
	"github.com/colinrozzi/chat-state/pkg/settings"
	"github.com/colinrozzi/chat-state/pkg/titlegen"
	"github.com/colinrozzi/chat-state/pkg/tokens"
)

func ptr[T any](v T) *T { return &v }

func fastGateway() []gateway.Option {
	return []gateway.Option{gateway.WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	})}
}

// newTestController builds a started controller on an in-memory store with
// instant retry backoff.
func newTestController(t *testing.T, outcomes ...gateway.Outcome) (*Controller, *gateway.ScriptedCollaborator) {
	t.Helper()
	collab := gateway.NewScripted(outcomes...)
	c, err := New(Config{
		Collaborator:   collab,
		GatewayOptions: fastGateway(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, collab
}

func TestControllerSendMessageHappyPath(t *testing.T) {
	c, collab := newTestController(t, gateway.Outcome{Content: "hi there"})

	ex, err := c.SendMessage(context.Background(), "hello", nil)
	require.NoError(t, err)

	assert.Equal(t, conversation.RoleUser, ex.UserTurn.Role)
	assert.Equal(t, "hello", ex.UserTurn.Content)
	assert.EqualValues(t, 1, ex.UserTurn.Seq)
	assert.Equal(t, conversation.RoleAssistant, ex.AssistantTurn.Role)
	assert.Equal(t, "hi there", ex.AssistantTurn.Content)
	assert.EqualValues(t, 2, ex.AssistantTurn.Seq)
	assert.Equal(t, 1, ex.Attempts)
	assert.False(t, ex.Truncated)

	assert.Equal(t, settings.DefaultModelID, ex.AssistantTurn.Meta["model"])
	assert.Equal(t, "end_turn", ex.AssistantTurn.Meta["stop_reason"])
	assert.NotEmpty(t, ex.AssistantTurn.Meta["correlation_id"])

	info := c.Info()
	assert.Equal(t, PhaseReady, info.Phase)
	assert.Equal(t, 2, info.Turns)
	assert.Equal(t, 1, info.UserTurns)
	assert.Equal(t, gateway.StateSucceeded, info.GatewayState)

	reqs := collab.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, settings.DefaultModelID, reqs[0].Model)
	require.Len(t, reqs[0].Turns, 1)
	assert.Equal(t, "hello", reqs[0].Turns[0].Content)
}

func TestControllerSendMessageRejectsEmptyText(t *testing.T) {
	c, _ := newTestController(t, gateway.Outcome{Content: "unused"})

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := c.SendMessage(context.Background(), text, nil)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "text", ve.Field)
	}
	assert.Zero(t, c.Info().Turns, "rejected sends must not touch history")
}

func TestControllerMutationsAreSingleFlight(t *testing.T) {
	c, _ := newTestController(t, gateway.Outcome{Content: "slow", Delay: 500 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(context.Background(), "hello", nil)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return c.Phase() == PhaseProcessing
	}, time.Second, 5*time.Millisecond)

	_, err := c.SendMessage(context.Background(), "too soon", nil)
	assert.ErrorIs(t, err, ErrBusy)

	_, err = c.UpdateSettings(context.Background(), settings.Patch{Temperature: ptr(0.1)})
	assert.ErrorIs(t, err, ErrBusy)

	// Reads interleave freely while the exchange is running.
	turns, _ := c.History(time.Time{}, 0)
	assert.Len(t, turns, 1)
	assert.Equal(t, PhaseProcessing, c.Info().Phase)

	require.NoError(t, <-done)
	assert.Equal(t, PhaseReady, c.Phase())
	assert.Equal(t, 2, c.Info().Turns)
}

func TestControllerFailedExchangeKeepsUserTurn(t *testing.T) {
	c, _ := newTestController(t,
		gateway.Outcome{Err: errors.New("invalid request")},
		gateway.Outcome{Content: "recovered"},
	)

	_, err := c.SendMessage(context.Background(), "first try", nil)
	var term *gateway.TerminalError
	require.ErrorAs(t, err, &term)
	assert.False(t, term.Exhausted)

	head, ok := c.Head()
	require.True(t, ok)
	assert.Equal(t, conversation.RoleUser, head.Role)
	assert.Equal(t, "first try", head.Content)
	assert.Equal(t, PhaseReady, c.Phase(), "failure returns the controller to ready")

	// Retrying with a fresh send leaves two consecutive user turns, which
	// history accepts.
	ex, err := c.SendMessage(context.Background(), "second try", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", ex.AssistantTurn.Content)

	turns, _ := c.History(time.Time{}, 0)
	require.Len(t, turns, 3)
	assert.Equal(t, conversation.RoleUser, turns[0].Role)
	assert.Equal(t, conversation.RoleUser, turns[1].Role)
	assert.Equal(t, conversation.RoleAssistant, turns[2].Role)
}

func TestControllerGenerateCompletion(t *testing.T) {
	c, _ := newTestController(t,
		gateway.Outcome{Err: errors.New("boom")},
		gateway.Outcome{Content: "second time lucky"},
	)

	_, err := c.GenerateCompletion(context.Background())
	var ve *ValidationError
	require.ErrorAs(t, err, &ve, "empty history has nothing to complete")

	_, err = c.SendMessage(context.Background(), "hello", nil)
	require.Error(t, err)

	ex, err := c.GenerateCompletion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second time lucky", ex.AssistantTurn.Content)
	assert.Equal(t, "hello", ex.UserTurn.Content)
	assert.Equal(t, 2, c.Info().Turns)

	// Head is now an assistant turn, so another completion is invalid.
	_, err = c.GenerateCompletion(context.Background())
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "history", ve.Field)
}

func TestControllerOverrideSettingsNotCommitted(t *testing.T) {
	c, collab := newTestController(t, gateway.Outcome{Content: "ok"})

	override := &settings.Patch{Temperature: ptr(0.1), MaxTokens: ptr(512)}
	_, err := c.SendMessage(context.Background(), "hello", override)
	require.NoError(t, err)

	reqs := collab.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 0.1, reqs[0].Temperature)
	assert.Equal(t, 512, reqs[0].MaxTokens)

	s := c.Settings()
	assert.Equal(t, settings.DefaultTemperature, s.Temperature, "override must not be committed")
	assert.Equal(t, settings.DefaultMaxTokens, s.MaxTokens)

	// An invalid override rejects the send before any turn is appended.
	_, err = c.SendMessage(context.Background(), "again", &settings.Patch{Temperature: ptr(9.9)})
	var ve *settings.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 2, c.Info().Turns)
}

func TestControllerUpdateSettingsAtomic(t *testing.T) {
	c, _ := newTestController(t, gateway.Outcome{Content: "ok"})

	updated, err := c.UpdateSettings(context.Background(), settings.Patch{Temperature: ptr(0.2)})
	require.NoError(t, err)
	assert.Equal(t, 0.2, updated.Temperature)

	_, err = c.UpdateSettings(context.Background(), settings.Patch{
		Temperature: ptr(0.9),
		ModelID:     ptr("no-such-model"),
	})
	var ve *settings.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 0.2, c.Settings().Temperature, "failed patch must not partially apply")
	assert.Equal(t, settings.DefaultModelID, c.Settings().ModelID)
}

func TestControllerPublishesExchangeEvents(t *testing.T) {
	bus := events.NewInMemoryBus()
	collab := gateway.NewScripted(gateway.Outcome{Content: "hi"})
	c, err := New(Config{
		ConversationID: "conv-ev",
		Collaborator:   collab,
		Bus:            bus,
		GatewayOptions: fastGateway(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, "conv-ev")
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	_, err = c.SendMessage(context.Background(), "hello", nil)
	require.NoError(t, err)

	var got []string
	for len(got) < 4 {
		select {
		case env := <-ch:
			got = append(got, env.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	assert.Equal(t, []string{
		events.TypeTurnAdded,
		events.TypeTurnAdded,
		events.TypeExchangeCompleted,
		events.TypeSnapshotSaved,
	}, got)
}

func TestControllerTitleMilestone(t *testing.T) {
	c, collab := newTestController(t,
		gateway.Outcome{Content: "reply one"},
		gateway.Outcome{Content: "reply two"},
		gateway.Outcome{Content: "Planning A Trip"},
	)

	_, err := c.SendMessage(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.False(t, c.Info().Conversation.TitleGenerated, "no attempt before the milestone")

	// The fourth turn lands on the milestone and fires a detached attempt.
	_, err = c.SendMessage(context.Background(), "let's plan a trip", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.Info().Conversation.TitleGenerated
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Planning A Trip", c.Info().Conversation.Title)

	reqs := collab.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, titlegen.TitleMaxTokens, reqs[2].MaxTokens, "title attempt uses its own token cap")
}

func TestControllerManualTitleWins(t *testing.T) {
	c, collab := newTestController(t, gateway.Outcome{Content: "ok"})

	title, err := c.UpdateTitle(context.Background(), "  My Project  ")
	require.NoError(t, err)
	assert.Equal(t, "My Project", title)
	assert.True(t, c.Info().Conversation.TitleGenerated)

	_, err = c.UpdateTitle(context.Background(), "   ")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	// Reaching the milestone must not overwrite a manual title.
	for _, text := range []string{"one", "two"} {
		_, err := c.SendMessage(context.Background(), text, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, c.Info().Turns)
	assert.Equal(t, "My Project", c.Info().Conversation.Title)
	assert.Len(t, collab.Requests(), 2, "no title attempt once a title exists")
}

func TestControllerRestoreRoundTrip(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()

	c1, err := New(Config{
		ConversationID: "conv-restore",
		Collaborator:   gateway.NewScripted(gateway.Outcome{Content: "hi there"}),
		Store:          store,
		GatewayOptions: fastGateway(),
	})
	require.NoError(t, err)
	require.NoError(t, c1.Start(ctx))
	_, err = c1.SendMessage(ctx, "hello", nil)
	require.NoError(t, err)
	_, err = c1.UpdateSystemPrompt(ctx, "be brief")
	require.NoError(t, err)
	_, err = c1.UpdateTitle(ctx, "My Chat")
	require.NoError(t, err)
	require.NoError(t, c1.Close(ctx))
	require.NoError(t, c1.Close(ctx), "close is idempotent")

	c2, err := New(Config{
		ConversationID: "conv-restore",
		Collaborator:   gateway.NewScripted(gateway.Outcome{Content: "again"}),
		Store:          store,
		GatewayOptions: fastGateway(),
	})
	require.NoError(t, err)
	require.NoError(t, c2.Start(ctx))
	t.Cleanup(func() { _ = c2.Close(ctx) })

	info := c2.Info()
	assert.Equal(t, 2, info.Turns)
	assert.Equal(t, "My Chat", info.Conversation.Title)
	assert.True(t, info.Conversation.TitleGenerated)
	assert.Equal(t, "be brief", c2.Settings().SystemPrompt)

	turns, _ := c2.History(time.Time{}, 0)
	require.Len(t, turns, 2)
	assert.EqualValues(t, 1, turns[0].Seq)
	assert.EqualValues(t, 2, turns[1].Seq)

	// Sequence numbering continues where the snapshot left off.
	ex, err := c2.SendMessage(ctx, "back again", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, ex.UserTurn.Seq)
}

func TestControllerCorruptSnapshotFailsStart(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "conv-bad", []byte("{definitely not a snapshot")))

	c, err := New(Config{
		ConversationID: "conv-bad",
		Collaborator:   gateway.NewScripted(gateway.Outcome{Content: "unused"}),
		Store:          store,
	})
	require.NoError(t, err)
	err = c.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrCorrupt)
}

func TestControllerCloseAbandonsInflightExchange(t *testing.T) {
	store := persistence.NewMemoryStore()
	collab := gateway.NewScripted(gateway.Outcome{Content: "slow", Delay: 2 * time.Second})
	c, err := New(Config{
		ConversationID: "conv-close",
		Collaborator:   collab,
		Store:          store,
		GatewayOptions: fastGateway(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(context.Background(), "hello", nil)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return c.Phase() == PhaseProcessing
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Close(context.Background()))
	assert.Less(t, time.Since(start), time.Second, "close must not wait out the full exchange")
	assert.ErrorIs(t, <-done, gateway.ErrCanceled)
	assert.Equal(t, PhaseTerminated, c.Phase())

	// The user turn survived and made it into the final snapshot.
	c2, err := New(Config{
		ConversationID: "conv-close",
		Collaborator:   gateway.NewScripted(gateway.Outcome{Content: "unused"}),
		Store:          store,
	})
	require.NoError(t, err)
	require.NoError(t, c2.Start(context.Background()))
	t.Cleanup(func() { _ = c2.Close(context.Background()) })
	head, ok := c2.Head()
	require.True(t, ok)
	assert.Equal(t, conversation.RoleUser, head.Role)
	assert.Equal(t, "hello", head.Content)
}

func TestControllerCloseRejectsFurtherMutations(t *testing.T) {
	c, _ := newTestController(t, gateway.Outcome{Content: "hi"})
	_, err := c.SendMessage(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))

	_, err = c.SendMessage(context.Background(), "more", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.UpdateSettings(context.Background(), settings.Patch{Temperature: ptr(0.5)})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.UpdateTitle(context.Background(), "late")
	assert.ErrorIs(t, err, ErrClosed)

	// Reads still serve the in-memory state until the controller is dropped.
	turns, _ := c.History(time.Time{}, 0)
	assert.Len(t, turns, 2)
}

const tinyCatalogYAML = `models:
  - id: tiny
    display_name: Tiny
    context_tokens: 100
    max_response_tokens: 50
    encoding: heuristic
`

func TestControllerCompactionAfterSustainedTruncation(t *testing.T) {
	catalog, err := settings.LoadCatalog([]byte(tinyCatalogYAML))
	require.NoError(t, err)

	c, err := New(Config{
		Collaborator: gateway.NewScripted(gateway.Outcome{Content: "ok"}),
		Catalog:      catalog,
		Settings: &settings.Settings{
			ModelID:        "tiny",
			Temperature:    0.5,
			MaxTokens:      20,
			MaxRetries:     1,
			RequestTimeout: time.Second,
		},
		Estimator:      tokens.Heuristic{},
		GatewayOptions: fastGateway(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	// Each user turn alone nearly fills the 80-token budget, so from the
	// second exchange on every plan truncates; the third truncated plan in
	// a row recommends compaction.
	long := strings.Repeat("x", 200)
	var last Exchange
	for i := 0; i < 4; i++ {
		last, err = c.SendMessage(context.Background(), long, nil)
		require.NoError(t, err)
	}

	assert.True(t, last.Truncated)
	assert.True(t, last.Compacted)

	turns, _ := c.History(time.Time{}, 0)
	require.Len(t, turns, 2, "compaction drops everything outside the window")
	assert.Equal(t, conversation.RoleUser, turns[0].Role)
	assert.EqualValues(t, 7, turns[0].Seq, "surviving turns keep their sequence numbers")
	assert.EqualValues(t, 8, turns[1].Seq)
}

func TestControllerInitialize(t *testing.T) {
	c, collab := newTestController(t, gateway.Outcome{Content: "ok"})

	info, err := c.Initialize(context.Background(), InitOptions{
		SystemPrompt:    ptr("You are helpful"),
		Settings:        &settings.Patch{Temperature: ptr(0.3)},
		ParentSessionID: "sess-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-9", info.Conversation.ParentSessionID)
	assert.Equal(t, 0.3, c.Settings().Temperature)
	assert.Equal(t, "You are helpful", c.Settings().SystemPrompt)

	_, err = c.SendMessage(context.Background(), "hello", nil)
	require.NoError(t, err)
	reqs := collab.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "You are helpful", reqs[0].System)

	// Once turns exist the conversation cannot be re-initialized.
	_, err = c.Initialize(context.Background(), InitOptions{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}
