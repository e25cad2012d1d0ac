package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/colinrozzi/chat-state/pkg/conversation"
)

// HTTPCollaborator speaks the proxy's messages endpoint: one JSON POST per
// attempt, Anthropic-style payload, correlation id echoed back when the
// proxy supports it.
type HTTPCollaborator struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   zerolog.Logger
}

func NewHTTPCollaborator(endpoint, apiKey string) (*HTTPCollaborator, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("gateway: empty collaborator endpoint")
	}
	return &HTTPCollaborator{
		endpoint: endpoint,
		apiKey:   apiKey,
		// Per-attempt deadlines come from the request context, so the
		// client itself carries no timeout.
		client: &http.Client{},
		logger: log.With().Str("component", "http-collaborator").Logger(),
	}, nil
}

var _ Collaborator = &HTTPCollaborator{}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model         string        `json:"model"`
	System        string        `json:"system,omitempty"`
	Messages      []wireMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens"`
	Temperature   float64       `json:"temperature"`
	TopP          float64       `json:"top_p,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

type wireResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model         string `json:"model"`
	StopReason    string `json:"stop_reason"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Usage         struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *HTTPCollaborator) Complete(ctx context.Context, req CompletionRequest) (CompletionReply, error) {
	if c == nil || c.client == nil {
		return CompletionReply{}, errors.New("gateway: http collaborator not initialized")
	}

	body, err := json.Marshal(toWire(req))
	if err != nil {
		return CompletionReply{}, errors.Wrap(err, "gateway: marshal completion request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return CompletionReply{}, errors.Wrap(err, "gateway: build completion request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}

	c.logger.Debug().
		Str("model", req.Model).
		Str("correlation_id", req.CorrelationID).
		Int("messages", len(req.Turns)).
		Msg("dispatching completion")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return CompletionReply{}, ctx.Err()
		}
		// Connection-level failures are worth another try.
		return CompletionReply{}, Transient(errors.Wrap(err, "post completion"))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return CompletionReply{}, Transient(errors.Wrap(err, "read completion response"))
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		err := errors.Errorf("gateway: collaborator returned %d: %s", resp.StatusCode, msg)
		if retriableStatus(resp.StatusCode) {
			return CompletionReply{}, Transient(err)
		}
		return CompletionReply{}, err
	}

	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return CompletionReply{}, errors.Wrap(err, "gateway: decode completion response")
	}
	if wr.Error != nil {
		err := errors.Errorf("gateway: collaborator error %s: %s", wr.Error.Type, wr.Error.Message)
		if wr.Error.Type == "overloaded_error" || wr.Error.Type == "api_error" {
			return CompletionReply{}, Transient(err)
		}
		return CompletionReply{}, err
	}

	var text strings.Builder
	for _, block := range wr.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return CompletionReply{}, errors.New("gateway: collaborator reply has no text content")
	}

	corrID := wr.CorrelationID
	if corrID == "" {
		// Proxies that do not echo ids get the request's id back so the
		// match upstream still holds.
		corrID = req.CorrelationID
	}

	return CompletionReply{
		CorrelationID: corrID,
		Content:       text.String(),
		Model:         wr.Model,
		StopReason:    wr.StopReason,
		InputTokens:   wr.Usage.InputTokens,
		OutputTokens:  wr.Usage.OutputTokens,
	}, nil
}

// toWire folds system-role turns into the system string: providers reject a
// system role inside the messages array, and compaction markers live in
// history as system turns.
func toWire(req CompletionRequest) wireRequest {
	systemParts := []string{}
	if req.System != "" {
		systemParts = append(systemParts, req.System)
	}
	messages := make([]wireMessage, 0, len(req.Turns))
	for _, t := range req.Turns {
		if t.Role == conversation.RoleSystem {
			systemParts = append(systemParts, t.Content)
			continue
		}
		messages = append(messages, wireMessage{Role: string(t.Role), Content: t.Content})
	}
	return wireRequest{
		Model:         req.Model,
		System:        strings.Join(systemParts, "\n\n"),
		Messages:      messages,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		CorrelationID: req.CorrelationID,
	}
}

func retriableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
