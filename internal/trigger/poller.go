package trigger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/echotrail/internal/model"
	"github.com/ashita-ai/echotrail/internal/orchestrator"
)

// DirectoryScanner processes every raw file in a directory.
type DirectoryScanner interface {
	ScanDirectory(ctx context.Context, dir string) ([]orchestrator.Result, error)
}

// Poller rescans a watch directory on an interval. Files already in the
// ledger are skipped by the orchestrator, so each pass only runs new files.
type Poller struct {
	scanner  DirectoryScanner
	dir      string
	interval time.Duration
	logger   *slog.Logger

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// NewPoller creates a Poller for dir.
func NewPoller(scanner DirectoryScanner, dir string, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		scanner:  scanner,
		dir:      dir,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins polling with an immediate first pass. Subsequent calls are
// no-ops.
func (p *Poller) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("trigger: poller Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	go p.loop(loopCtx)
}

// Drain stops polling and waits for the pass in progress, or until ctx
// expires. A pass stops starting new files once drained.
func (p *Poller) Drain(ctx context.Context) {
	if p.cancelLoop != nil {
		p.cancelLoop()
	} else {
		p.once.Do(func() { close(p.done) })
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn("trigger: poller drain timed out")
	}
}

// Pass scans the directory once and returns how many files were processed
// (not skipped).
func (p *Poller) Pass(ctx context.Context) int {
	results, err := p.scanner.ScanDirectory(ctx, p.dir)
	if err != nil && ctx.Err() == nil {
		p.logger.Error("trigger: scan watch directory", "dir", p.dir, "error", err)
	}
	var ran, failed int
	for _, r := range results {
		if r.Skipped() {
			continue
		}
		ran++
		if r.Status == model.RecordStatusFailed {
			failed++
		}
	}
	if ran > 0 {
		p.logger.Info("trigger: scan pass complete", "dir", p.dir, "processed", ran, "failed", failed)
	}
	return ran
}

func (p *Poller) loop(ctx context.Context) {
	defer p.once.Do(func() { close(p.done) })

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Pass(ctx)
		}
	}
}
