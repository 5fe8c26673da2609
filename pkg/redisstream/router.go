// Package redisstream wires the session event bus onto Redis Streams so
// multiple server nodes see the same session topics.
package redisstream

import (
	"context"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/livedesk/handoff/pkg/bus"
)

// BuildBus constructs a session bus backed by Redis Streams when enabled.
// If settings.Enabled is false, it returns the default in-process bus.
func BuildBus(s Settings) (*bus.Bus, error) {
	if !s.Enabled {
		return bus.New(), nil
	}
	s = s.withDefaults()

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := bus.NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redisstream: build publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "redisstream: build subscriber")
	}

	log.Info().Str("component", "redisstream").Str("addr", s.Addr).Str("group", s.Group).Msg("session bus on redis streams")
	// Anchor each topic's consumer group at the stream tail before the
	// first subscribe so new subscriptions never replay stream history.
	return bus.NewFromPubSub(pub, sub, bus.WithTopicInit(func(ctx context.Context, topic string) error {
		return EnsureGroupAtTail(ctx, s.Addr, topic, s.Group)
	})), nil
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail
// ($) if it doesn't exist. This prevents full historical replay on first
// subscribe.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists.
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "redisstream: create consumer group")
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
