package trigger

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Subscription is an open Redis subscription.
type Subscription interface {
	Messages() <-chan *redis.Message
	Close() error
}

// SubscribeFunc opens a subscription to channel.
type SubscribeFunc func(ctx context.Context, channel string) Subscription

type pubsub struct{ ps *redis.PubSub }

func (p pubsub) Messages() <-chan *redis.Message { return p.ps.Channel() }
func (p pubsub) Close() error { return p.ps.Close() }

// RedisSubscribe returns a SubscribeFunc backed by client.
func RedisSubscribe(client redis.UniversalClient) SubscribeFunc {
	return func(ctx context.Context, channel string) Subscription {
		return pubsub{ps: client.Subscribe(ctx, channel)}
	}
}

// RedisSubscriber feeds messages published on one Redis channel to a Router.
type RedisSubscriber struct {
	subscribe SubscribeFunc
	channel   string
	router    *Router
	logger    *slog.Logger
}

// NewRedisSubscriber creates a subscriber. Call Run to begin.
func NewRedisSubscriber(subscribe SubscribeFunc, channel string, router *Router, logger *slog.Logger) *RedisSubscriber {
	return &RedisSubscriber{subscribe: subscribe, channel: channel, router: router, logger: logger}
}

// Run consumes messages until ctx is cancelled or the subscription closes.
func (s *RedisSubscriber) Run(ctx context.Context) error {
	sub := s.subscribe(ctx, s.channel)
	defer func() {
		if err := sub.Close(); err != nil {
			s.logger.Warn("trigger: close redis subscription", "error", err)
		}
	}()
	s.logger.Info("trigger: subscribed to redis channel", "channel", s.channel)

	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			_ = s.router.Handle(ctx, []byte(m.Payload))
		}
	}
}
