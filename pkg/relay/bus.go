package relay

import (
	"context"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Bus is a watermill publisher/subscriber pair for one relay topic.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Topic      string

	client *redis.Client
	shared bool
	closed bool
}

// NewBus builds a Redis Streams bus when settings.Enabled is set and an
// in-memory one otherwise.
func NewBus(ctx context.Context, s Settings, logger zerolog.Logger) (*Bus, error) {
	wl := NewWatermillLogger(logger.With().Str("component", "relay").Logger())
	if !s.Enabled {
		// Blocking publish keeps per-stream chunk order.
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, wl)
		return &Bus{Publisher: ch, Subscriber: ch, Topic: s.topic(), shared: true}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis ping %s", s.Addr)
	}
	if err := EnsureGroupAtTail(ctx, client, s.topic(), s.Group); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create consumer group")
	}
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wl)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, wl)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis subscriber")
	}
	logger.Info().Str("addr", s.Addr).Str("topic", s.topic()).Str("group", s.Group).Msg("relay using redis streams")
	return &Bus{Publisher: pub, Subscriber: sub, Topic: s.topic(), client: client}, nil
}

func (b *Bus) Close() error {
	if b == nil || b.closed {
		return nil
	}
	b.closed = true
	var errs []string
	if err := b.Publisher.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if b.Subscriber != nil && !b.shared {
		if err := b.Subscriber.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.New("relay close: " + strings.Join(errs, "; "))
	}
	return nil
}

// EnsureGroupAtTail creates the consumer group at the stream tail so a fresh
// group does not replay history.
func EnsureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	return nil
}
