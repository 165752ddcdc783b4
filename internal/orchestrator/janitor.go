package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/echotrail/internal/ledger"
)

// Janitor periodically fails provisional ledger rows left behind by runs
// that never finalized, so their raw files become eligible again.
type Janitor struct {
	ledger   ledger.Ledger
	logger   *slog.Logger
	interval time.Duration
	ttl      time.Duration

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context
}

// NewJanitor creates a Janitor that sweeps every interval for runs older
// than ttl.
func NewJanitor(l ledger.Ledger, logger *slog.Logger, interval, ttl time.Duration) *Janitor {
	return &Janitor{
		ledger:   l,
		logger:   logger,
		interval: interval,
		ttl:      ttl,
		done:     make(chan struct{}),
		drainCh:  make(chan context.Context, 1),
	}
}

// Start runs one sweep immediately and then begins the background loop.
// Subsequent calls are no-ops.
func (j *Janitor) Start(ctx context.Context) {
	if !j.started.CompareAndSwap(false, true) {
		j.logger.Warn("janitor: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	j.cancelLoop = cancel
	j.Sweep(loopCtx)
	go j.loop(loopCtx)
}

// Drain stops the loop after a final sweep and blocks until done or ctx
// expires.
func (j *Janitor) Drain(ctx context.Context) {
	select {
	case j.drainCh <- ctx:
	default:
	}
	if j.cancelLoop != nil {
		j.cancelLoop()
	} else {
		j.once.Do(func() { close(j.done) })
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		j.logger.Warn("janitor: drain timed out")
	}
}

// Sweep abandons stale runs once and returns how many rows changed.
func (j *Janitor) Sweep(ctx context.Context) int64 {
	n, err := j.ledger.AbandonStaleRuns(ctx, j.ttl)
	if err != nil {
		j.logger.ErrorContext(ctx, "janitor: abandon stale runs", "error", err)
		return 0
	}
	return n
}

func (j *Janitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-j.drainCh:
			default:
			}
			if drainCtx != nil {
				j.Sweep(drainCtx)
			}
			j.once.Do(func() { close(j.done) })
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			j.Sweep(sweepCtx)
			cancel()
		}
	}
}
