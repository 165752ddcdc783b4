package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
)

var errNoNotifyConn = errors.New("storage: notify connection not configured")

// Listen subscribes the dedicated notify connection to channel. The
// subscription survives reconnects made by WaitForNotification.
func (db *DB) Listen(ctx context.Context, channel string) error {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn == nil {
		return errNoNotifyConn
	}
	if err := listen(ctx, db.notifyConn, channel); err != nil {
		return err
	}
	if !slices.Contains(db.listening, channel) {
		db.listening = append(db.listening, channel)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on a listened
// channel. If the connection was lost it first redials and re-subscribes;
// a failed redial is returned so the caller can back off.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn == nil {
		return "", "", errNoNotifyConn
	}
	if db.notifyConn.IsClosed() {
		if err := db.reconnectLocked(ctx); err != nil {
			return "", "", err
		}
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

func (db *DB) reconnectLocked(ctx context.Context) error {
	conn, err := connectNotify(ctx, db.notifyDSN)
	if err != nil {
		return err
	}
	for _, ch := range db.listening {
		if err := listen(ctx, conn, ch); err != nil {
			_ = conn.Close(ctx)
			return err
		}
	}
	db.notifyConn = conn
	db.logger.Info("storage: notify connection re-established", "channels", db.listening)
	return nil
}

func listen(ctx context.Context, conn *pgx.Conn, channel string) error {
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// Notify sends payload on channel through the pool. It satisfies
// dispatch.Notifier.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
