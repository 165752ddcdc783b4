// Package dispatch hands assembled messages to the transport. Publishing is
// best effort: failures are logged and returned, and never undo the ledger
// write that preceded them.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Publisher delivers one payload on a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(ctx context.Context, channel string, payload []byte) error

func (f PublisherFunc) Publish(ctx context.Context, channel string, payload []byte) error {
	return f(ctx, channel, payload)
}

// LogPublisher writes each message as a structured log line. It is the
// publisher of last resort on hosts with no message bus.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.logger.InfoContext(ctx, "dispatch: message", "channel", channel, "payload", json.RawMessage(payload))
	return nil
}

// Notifier is the subset of storage.DB used for pg_notify.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// maxNotifyPayload is the Postgres NOTIFY payload limit (8000 bytes less
// one for the terminator).
const maxNotifyPayload = 7999

// ErrPayloadTooLarge is returned when a payload exceeds the transport limit.
var ErrPayloadTooLarge = errors.New("dispatch: payload too large")

// NotifyPublisher publishes through Postgres NOTIFY.
type NotifyPublisher struct {
	n Notifier
}

// NewNotifyPublisher creates a NotifyPublisher.
func NewNotifyPublisher(n Notifier) *NotifyPublisher {
	return &NotifyPublisher{n: n}
}

func (p *NotifyPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes on %s", ErrPayloadTooLarge, len(payload), channel)
	}
	return p.n.Notify(ctx, channel, string(payload))
}

// RedisClient is the subset of *redis.Client used for PUBLISH.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher publishes through Redis PUBLISH.
type RedisPublisher struct {
	client RedisClient
	logger *slog.Logger
}

// NewRedisPublisher creates a RedisPublisher.
func NewRedisPublisher(client RedisClient, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, logger: logger}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	receivers, err := p.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("dispatch: redis publish %s: %w", channel, err)
	}
	if receivers == 0 {
		p.logger.Debug("dispatch: redis publish had no subscribers", "channel", channel)
	}
	return nil
}

// Fanout publishes to every publisher and joins their errors. One failing
// transport does not stop the others.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, channel string, payload []byte) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, channel, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Kinds of publisher accepted by Build.
const (
	KindLog      = "log"
	KindPGNotify = "pgnotify"
	KindRedis    = "redis"
)

// Deps carries what Build may need. Unused fields may be nil.
type Deps struct {
	Logger   *slog.Logger
	Notifier Notifier
	Redis    RedisClient
}

// Build returns a publisher for a list of kinds. A single kind returns that
// publisher directly; several return a Fanout.
func Build(kinds []string, d Deps) (Publisher, error) {
	var pubs Fanout
	for _, k := range kinds {
		switch strings.TrimSpace(k) {
		case KindLog:
			pubs = append(pubs, NewLogPublisher(d.Logger))
		case KindPGNotify:
			if d.Notifier == nil {
				return nil, fmt.Errorf("dispatch: %s publisher needs a Postgres connection", KindPGNotify)
			}
			pubs = append(pubs, NewNotifyPublisher(d.Notifier))
		case KindRedis:
			if d.Redis == nil {
				return nil, fmt.Errorf("dispatch: %s publisher needs a Redis client", KindRedis)
			}
			pubs = append(pubs, NewRedisPublisher(d.Redis, d.Logger))
		case "":
		default:
			return nil, fmt.Errorf("dispatch: unknown publisher %q", k)
		}
	}
	switch len(pubs) {
	case 0:
		return nil, fmt.Errorf("dispatch: no publishers configured")
	case 1:
		return pubs[0], nil
	default:
		return pubs, nil
	}
}
