// Package storage provides the PostgreSQL backend for the processing ledger.
//
// It manages connection pooling (via pgxpool), an optional dedicated
// connection for LISTEN/NOTIFY (direct to Postgres), the forward-only
// migration runner, and the ledger queries.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/echotrail/internal/telemetry"
)

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn for
// LISTEN/NOTIFY.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	notifyDSN  string
	listening  []string   // channels to re-LISTEN after a reconnect
	notifyMu   sync.Mutex // guards notifyConn and listening
	logger     *slog.Logger
	closeOnce  sync.Once
}

// New opens the query pool and, when notifyDSN is set, the LISTEN
// connection. notifyDSN must reach Postgres directly: LISTEN does not
// survive transaction-mode poolers.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{pool: pool, notifyDSN: notifyDSN, logger: logger}
	if notifyDSN != "" {
		if db.notifyConn, err = connectNotify(ctx, notifyDSN); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return db, nil
}

const applicationName = "echotrail"

func connectNotify(ctx context.Context, dsn string) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse notify DSN: %w", err)
	}
	cfg.RuntimeParams["application_name"] = applicationName + "-listen"
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect notify: %w", err)
	}
	return conn, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotifyConn reports whether a LISTEN connection is configured.
func (db *DB) HasNotifyConn() bool {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	return db.notifyConn != nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection. Safe to call
// more than once.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.pool.Close()
		db.notifyMu.Lock()
		defer db.notifyMu.Unlock()
		if db.notifyConn != nil {
			if err := db.notifyConn.Close(context.Background()); err != nil {
				db.logger.Warn("storage: close notify connection", "error", err)
			}
		}
	})
	return nil
}

// RegisterPoolMetrics reports pool utilisation through the global meter
// provider, so call it after telemetry.Init.
func (db *DB) RegisterPoolMetrics() error {
	meter := telemetry.Meter("echotrail/storage")
	acquired, err := meter.Int64ObservableGauge("echotrail.db.pool.acquired",
		metric.WithDescription("Connections currently checked out of the pool"))
	if err != nil {
		return fmt.Errorf("storage: pool metrics: %w", err)
	}
	total, err := meter.Int64ObservableGauge("echotrail.db.pool.total",
		metric.WithDescription("Total connections held by the pool"))
	if err != nil {
		return fmt.Errorf("storage: pool metrics: %w", err)
	}
	waits, err := meter.Int64ObservableCounter("echotrail.db.pool.empty_acquires",
		metric.WithDescription("Acquires that had to wait for a free connection"))
	if err != nil {
		return fmt.Errorf("storage: pool metrics: %w", err)
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := db.pool.Stat()
		o.ObserveInt64(acquired, int64(st.AcquiredConns()))
		o.ObserveInt64(total, int64(st.TotalConns()))
		o.ObserveInt64(waits, st.EmptyAcquireCount())
		return nil
	}, acquired, total, waits)
	if err != nil {
		return fmt.Errorf("storage: pool metrics: %w", err)
	}
	return nil
}
