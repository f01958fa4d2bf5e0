// Package bus carries conversation-scoped broadcast traffic (presence
// changes, typing indicators, offline notices) over a watermill pub/sub. The
// default transport is an in-process GoChannel; a Redis Streams transport can
// be enabled for multi-node fan-out. Either way, authority over users and
// sessions stays single-process; the Redis backend is a fan-out extension
// point, not a consistency layer.
package bus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Config struct {
	RedisEnabled bool
	RedisAddr    string
	Group        string
	Consumer     string
}

// Message aliases the watermill message so consumers need not import
// watermill directly.
type Message = message.Message

// Topic names the stream for one conversation.
func Topic(conversationID string) string {
	return "conv:" + conversationID
}

type Bus struct {
	cfg Config

	goch *gochannel.GoChannel
	pub  message.Publisher
}

func New(cfg Config) (*Bus, error) {
	b := &Bus{cfg: cfg}
	if !cfg.RedisEnabled {
		b.goch = gochannel.NewGoChannel(gochannel.Config{}, newWatermillLogger())
		b.pub = b.goch
		return b, nil
	}

	if cfg.RedisAddr == "" {
		return nil, errors.New("redis transport enabled but no address configured")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, newWatermillLogger())
	if err != nil {
		return nil, errors.Wrap(err, "build redis publisher")
	}
	b.pub = pub
	return b, nil
}

func (b *Bus) Publish(conversationID string, payload []byte) error {
	if b == nil || b.pub == nil {
		return errors.New("bus is not initialized")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.pub.Publish(Topic(conversationID), msg)
}

// Subscribe returns the message channel for one conversation plus a cleanup
// func. With Redis enabled each conversation gets its own group subscriber,
// created at the stream tail so a fresh subscriber never replays history.
func (b *Bus) Subscribe(ctx context.Context, conversationID string) (<-chan *message.Message, func(), error) {
	if b == nil {
		return nil, nil, errors.New("bus is nil")
	}
	if conversationID == "" {
		return nil, nil, errors.New("conversation id is empty")
	}

	if !b.cfg.RedisEnabled {
		ch, err := b.goch.Subscribe(ctx, Topic(conversationID))
		if err != nil {
			return nil, nil, err
		}
		return ch, func() {}, nil
	}

	if err := ensureGroupAtTail(ctx, b.cfg.RedisAddr, Topic(conversationID), b.cfg.Group); err != nil {
		log.Warn().Err(err).Str("component", "bus").Str("conv_id", conversationID).Msg("ensure consumer group failed")
	}
	client := redis.NewClient(&redis.Options{Addr: b.cfg.RedisAddr})
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: b.cfg.Group,
		Consumer:      b.cfg.Consumer + ":" + conversationID,
	}, newWatermillLogger())
	if err != nil {
		return nil, nil, errors.Wrap(err, "build redis subscriber")
	}
	ch, err := sub.Subscribe(ctx, Topic(conversationID))
	if err != nil {
		_ = sub.Close()
		return nil, nil, err
	}
	return ch, func() { _ = sub.Close() }, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	if b.goch != nil {
		return b.goch.Close()
	}
	if b.pub != nil {
		return b.pub.Close()
	}
	return nil
}

// ensureGroupAtTail creates the consumer group at $ so first subscribe does
// not replay the full stream. BUSYGROUP means it already exists.
func ensureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}
