package controller

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/colinrozzi/chat-state/pkg/gateway"
	"github.com/colinrozzi/chat-state/pkg/persistence"
	"github.com/colinrozzi/chat-state/pkg/settings"
)

// Wire error codes. Clients branch on the code, never on the message.
const (
	CodeValidation       = "validation_error"
	CodeBusy             = "busy"
	CodeTransientGateway = "transient_gateway_error"
	CodeTerminalGateway  = "terminal_gateway_error"
	CodePersist          = "persist_error"
	CodeNotFound         = "not_found"
	CodeClosed           = "closed"
	CodeInternal         = "internal"
)

// Requests are tagged unions: {"type": "...", ...op fields}.
type requestEnvelope struct {
	Type string `json:"type"`
}

type response struct {
	Status string     `json:"status"`
	Data   any        `json:"data,omitempty"`
	Error  *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type newConversationRequest struct {
	ConversationID  string          `json:"conversation_id,omitempty"`
	SystemPrompt    *string         `json:"system_prompt,omitempty"`
	Settings        *settings.Patch `json:"settings,omitempty"`
	ParentSessionID string          `json:"parent_session_id,omitempty"`
}

type sendMessageRequest struct {
	Text             string          `json:"text"`
	OverrideSettings *settings.Patch `json:"override_settings,omitempty"`
}

type getHistoryRequest struct {
	Limit           int    `json:"limit,omitempty"`
	BeforeTimestamp string `json:"before_timestamp,omitempty"`
}

type getMessageRequest struct {
	MessageID string `json:"message_id"`
}

type updateSettingsRequest struct {
	Settings settings.Patch `json:"settings"`
}

type updateSystemPromptRequest struct {
	SystemPrompt string `json:"system_prompt"`
}

type updateTitleRequest struct {
	Title string `json:"title"`
}

// settingsView is the wire shape of Settings. The timeout crosses the wire
// in milliseconds, matching the patch field.
type settingsView struct {
	ModelID          string  `json:"model_id"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	TopP             float64 `json:"top_p,omitempty"`
	SystemPrompt     string  `json:"system_prompt,omitempty"`
	MaxRetries       int     `json:"max_retries"`
	RequestTimeoutMS int64   `json:"request_timeout_ms"`
}

func viewSettings(s settings.Settings) settingsView {
	return settingsView{
		ModelID:          s.ModelID,
		Temperature:      s.Temperature,
		MaxTokens:        s.MaxTokens,
		TopP:             s.TopP,
		SystemPrompt:     s.SystemPrompt,
		MaxRetries:       s.MaxRetries,
		RequestTimeoutMS: s.RequestTimeout.Milliseconds(),
	}
}

// messageResponse reports the assistant's side of a completed exchange.
// Finished is false when the reply was cut off at the token cap.
type messageResponse struct {
	TurnID    string    `json:"turn_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Finished  bool      `json:"finished"`
	Model     string    `json:"model"`
	Attempts  int       `json:"attempts"`
	Truncated bool      `json:"truncated"`
}

func viewExchange(ex Exchange) messageResponse {
	t := ex.AssistantTurn
	model, _ := t.Meta["model"].(string)
	stop, _ := t.Meta["stop_reason"].(string)
	return messageResponse{
		TurnID:    t.ID,
		Role:      string(t.Role),
		Content:   t.Content,
		Timestamp: t.CreatedAt,
		Finished:  stop != "max_tokens",
		Model:     model,
		Attempts:  ex.Attempts,
		Truncated: ex.Truncated,
	}
}

// Handle runs one wire request against the conversation and always returns
// a well-formed response envelope: {"status":"ok","data":...} or
// {"status":"error","error":{...}}.
func (c *Controller) Handle(ctx context.Context, raw []byte) []byte {
	var env requestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return respond(nil, invalidf("request", "malformed json: %v", err))
	}
	if env.Type == "" {
		return respond(nil, invalidf("type", "missing request type"))
	}

	data, err := c.dispatch(ctx, env.Type, raw)
	if err != nil {
		c.logger.Debug().Err(err).Str("request", env.Type).Msg("request failed")
	}
	return respond(data, err)
}

func (c *Controller) dispatch(ctx context.Context, reqType string, raw []byte) (any, error) {
	switch reqType {
	case "new_conversation":
		var req newConversationRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		if req.ConversationID != "" && req.ConversationID != c.id {
			return nil, invalidf("conversation_id", "request addresses conversation %s", req.ConversationID)
		}
		info, err := c.Initialize(ctx, InitOptions{
			SystemPrompt:    req.SystemPrompt,
			Settings:        req.Settings,
			ParentSessionID: req.ParentSessionID,
		})
		if err != nil {
			return nil, err
		}
		return info, nil

	case "send_message":
		var req sendMessageRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		ex, err := c.SendMessage(ctx, req.Text, req.OverrideSettings)
		if err != nil {
			return nil, err
		}
		return viewExchange(ex), nil

	case "generate_completion":
		ex, err := c.GenerateCompletion(ctx)
		if err != nil {
			return nil, err
		}
		return viewExchange(ex), nil

	case "get_history":
		var req getHistoryRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		if req.Limit < 0 {
			return nil, invalidf("limit", "%d is negative", req.Limit)
		}
		var before time.Time
		if req.BeforeTimestamp != "" {
			var err error
			before, err = time.Parse(time.RFC3339, req.BeforeTimestamp)
			if err != nil {
				return nil, invalidf("before_timestamp", "not an RFC 3339 timestamp: %v", err)
			}
		}
		turns, hasMore := c.History(before, req.Limit)
		return map[string]any{"turns": turns, "has_more": hasMore}, nil

	case "get_head":
		head, ok := c.Head()
		if !ok {
			return map[string]any{"head": nil}, nil
		}
		return map[string]any{"head": head.ID, "turn": head}, nil

	case "get_message":
		var req getMessageRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		if req.MessageID == "" {
			return nil, invalidf("message_id", "message id is empty")
		}
		t, err := c.GetTurn(req.MessageID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"turn": t}, nil

	case "get_settings":
		return viewSettings(c.Settings()), nil

	case "update_settings":
		var req updateSettingsRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		updated, err := c.UpdateSettings(ctx, req.Settings)
		if err != nil {
			return nil, err
		}
		return viewSettings(updated), nil

	case "update_system_prompt":
		var req updateSystemPromptRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		updated, err := c.UpdateSystemPrompt(ctx, req.SystemPrompt)
		if err != nil {
			return nil, err
		}
		return viewSettings(updated), nil

	case "update_title":
		var req updateTitleRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		title, err := c.UpdateTitle(ctx, req.Title)
		if err != nil {
			return nil, err
		}
		return map[string]any{"title": title}, nil

	case "get_info":
		return c.Info(), nil

	case "list_models":
		return map[string]any{"models": c.Models()}, nil

	case "terminate":
		if err := c.Close(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"phase": PhaseTerminated}, nil

	default:
		return nil, invalidf("type", "unknown request type %q", reqType)
	}
}

func decode(raw []byte, into any) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return invalidf("request", "malformed payload: %v", err)
	}
	return nil
}

func respond(data any, err error) []byte {
	var resp response
	if err != nil {
		resp = response{Status: "error", Error: viewError(err)}
	} else {
		if data == nil {
			data = map[string]any{}
		}
		resp = response{Status: "ok", Data: data}
	}
	out, merr := json.Marshal(resp)
	if merr != nil {
		return []byte(`{"status":"error","error":{"code":"internal","message":"response encoding failed"}}`)
	}
	return out
}

func viewError(err error) *wireError {
	we := &wireError{Code: errorCode(err), Message: err.Error()}
	var cv *ValidationError
	var sv *settings.ValidationError
	switch {
	case errors.As(err, &cv):
		we.Details = map[string]any{"field": cv.Field}
	case errors.As(err, &sv):
		we.Details = map[string]any{"field": sv.Field}
	}
	return we
}

// errorCode folds the module's error taxonomy onto wire codes. Exhausted
// retries stay "transient": the provider failure class is retryable even
// though this exchange gave up, so clients may resubmit later.
func errorCode(err error) string {
	var (
		cv       *ValidationError
		sv       *settings.ValidationError
		terminal *gateway.TerminalError
		trans    *gateway.TransientError
		persist  *persistence.PersistError
	)
	switch {
	case errors.As(err, &cv), errors.As(err, &sv):
		return CodeValidation
	case errors.Is(err, ErrBusy), errors.Is(err, gateway.ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrClosed), errors.Is(err, gateway.ErrCanceled):
		return CodeClosed
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.As(err, &terminal):
		if terminal.Exhausted {
			return CodeTransientGateway
		}
		return CodeTerminalGateway
	case errors.As(err, &trans):
		return CodeTransientGateway
	case errors.As(err, &persist):
		return CodePersist
	default:
		return CodeInternal
	}
}
