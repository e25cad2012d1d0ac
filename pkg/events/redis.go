package events

import (
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisSettings selects the event transport. Disabled means the in-process
// go channel bus; enabled routes events through redis streams so multiple
// processes can observe the same conversations.
type RedisSettings struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

func (s RedisSettings) withDefaults() RedisSettings {
	if s.Addr == "" {
		s.Addr = "localhost:6379"
	}
	if s.Group == "" {
		s.Group = "chat-state"
	}
	if s.Consumer == "" {
		s.Consumer = "chat-state-1"
	}
	return s
}

// BuildBus constructs the event bus for the given transport settings.
func BuildBus(s RedisSettings) (*Bus, error) {
	if !s.Enabled {
		log.Debug().Msg("using in-memory event bus")
		return NewInMemoryBus(), nil
	}
	s = s.withDefaults()
	log.Debug().
		Str("addr", s.Addr).
		Str("group", s.Group).
		Str("consumer", s.Consumer).
		Msg("using redis stream event bus")

	wlog := NewWatermillLogger(log.Logger)
	client := redis.NewClient(&redis.Options{Addr: s.Addr})

	publisher, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, wlog)
	if err != nil {
		return nil, errors.Wrap(err, "events: create redis publisher")
	}

	subscriber, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, wlog)
	if err != nil {
		return nil, errors.Wrap(err, "events: create redis subscriber")
	}

	return NewBus(publisher, subscriber), nil
}
