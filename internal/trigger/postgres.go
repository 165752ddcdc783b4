package trigger

import (
	"context"
	"log/slog"
	"time"
)

// NotificationSource is the LISTEN side of a Postgres connection.
// *storage.DB satisfies it.
type NotificationSource interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// PGListener feeds NOTIFY payloads on one channel to a Router.
type PGListener struct {
	src     NotificationSource
	channel string
	router  *Router
	logger  *slog.Logger
	backoff time.Duration
}

// NewPGListener creates a listener. Call Run to begin.
func NewPGListener(src NotificationSource, channel string, router *Router, logger *slog.Logger) *PGListener {
	return &PGListener{src: src, channel: channel, router: router, logger: logger, backoff: time.Second}
}

// Run listens until ctx is cancelled. It blocks, so call it in a goroutine.
func (l *PGListener) Run(ctx context.Context) error {
	if err := l.src.Listen(ctx, l.channel); err != nil {
		return err
	}
	l.logger.Info("trigger: listening for notifications", "channel", l.channel)

	for {
		channel, payload, err := l.src.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("trigger: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.backoff):
			}
			continue
		}
		if channel != l.channel {
			continue
		}
		// Invalid events are logged by the router.
		_ = l.router.Handle(ctx, []byte(payload))
	}
}
