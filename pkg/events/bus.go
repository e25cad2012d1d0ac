package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Bus fans conversation events out to subscribers over a watermill
// publisher/subscriber pair. The in-memory bus is the default; redis
// streams back it when configured.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger zerolog.Logger
}

func NewBus(pub message.Publisher, sub message.Subscriber) *Bus {
	return &Bus{
		pub:    pub,
		sub:    sub,
		logger: log.With().Str("component", "events").Logger(),
	}
}

// NewInMemoryBus wires both ends to one in-process go channel pub/sub.
func NewInMemoryBus() *Bus {
	ps := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		NewWatermillLogger(log.Logger),
	)
	return NewBus(ps, ps)
}

// Publish marshals the payload into an envelope on the conversation topic.
func (b *Bus) Publish(convID, eventType string, payload any) error {
	if b == nil || b.pub == nil {
		return errors.New("events: bus has no publisher")
	}
	if convID == "" {
		return errors.New("events: convID is empty")
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrapf(err, "events: marshal %s payload", eventType)
		}
		raw = data
	}
	env := Envelope{
		Type:    eventType,
		ConvID:  convID,
		At:      time.Now().UTC(),
		Payload: raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "events: marshal envelope")
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	return errors.Wrapf(b.pub.Publish(TopicForConv(convID), msg), "events: publish %s", eventType)
}

// Subscribe delivers decoded envelopes for one conversation until ctx ends.
// Undecodable messages are acked and dropped.
func (b *Bus) Subscribe(ctx context.Context, convID string) (<-chan Envelope, error) {
	if b == nil || b.sub == nil {
		return nil, errors.New("events: bus has no subscriber")
	}
	msgs, err := b.sub.Subscribe(ctx, TopicForConv(convID))
	if err != nil {
		return nil, errors.Wrap(err, "events: subscribe")
	}

	out := make(chan Envelope, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var env Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				b.logger.Warn().Err(err).Str("conv_id", convID).Msg("failed to decode event envelope")
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var firstErr error
	if b.pub != nil {
		if err := b.pub.Close(); err != nil {
			firstErr = err
		}
	}
	// When pub and sub are the same object (gochannel), one close suffices.
	if b.sub != nil && any(b.sub) != any(b.pub) {
		if err := b.sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return errors.Wrap(firstErr, "events: close bus")
}

type watermillLogger struct {
	logger zerolog.Logger
}

// NewWatermillLogger bridges watermill's logging into zerolog so transport
// internals share the process log stream.
func NewWatermillLogger(l zerolog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{logger: l.With().Str("component", "watermill").Logger()}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.withFields(w.logger.Error().Err(err), fields).Msg(msg)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.withFields(w.logger.Info(), fields).Msg(msg)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.withFields(w.logger.Debug(), fields).Msg(msg)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.withFields(w.logger.Trace(), fields).Msg(msg)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := w.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &watermillLogger{logger: ctx.Logger()}
}

func (w *watermillLogger) withFields(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}
