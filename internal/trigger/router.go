// Package trigger turns inbound notifications into orchestrator runs and
// settings updates.
//
// Sources (Postgres LISTEN, Redis SUBSCRIBE, a directory poller) only move
// payloads. The Router decodes them: "fileadd" events start a run in the
// background and "user_request" events patch the survey settings in place.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/echotrail/internal/model"
	"github.com/ashita-ai/echotrail/internal/orchestrator"
	"github.com/ashita-ai/echotrail/internal/settings"
)

// ErrInvalidEvent wraps payloads that could not be decoded or applied.
var ErrInvalidEvent = errors.New("trigger: invalid event")

// Router routes decoded events. Runs started by a Router continue after the
// source that delivered them is cancelled; call Wait to let them finish.
type Router struct {
	files    orchestrator.FileArrivalHandler
	settings *settings.Store
	logger   *slog.Logger
	runs     errgroup.Group
}

// NewRouter creates a Router that runs at most concurrency files at once.
// Handle blocks while that many runs are in flight.
func NewRouter(files orchestrator.FileArrivalHandler, store *settings.Store, logger *slog.Logger, concurrency int) *Router {
	r := &Router{files: files, settings: store, logger: logger}
	r.runs.SetLimit(max(concurrency, 1))
	return r
}

// Handle decodes one payload and acts on it.
func (r *Router) Handle(ctx context.Context, payload []byte) error {
	ev, err := model.ParseFileEvent(payload)
	if err != nil {
		r.logger.WarnContext(ctx, "trigger: dropping event", "event", "trigger-invalid", "error", err)
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	switch ev.Event {
	case model.EventFileAdded:
		path := ev.FileAddedPath
		runCtx := context.WithoutCancel(ctx)
		r.runs.Go(func() error {
			r.files.OnFileArrived(runCtx, path)
			return nil
		})
		return nil

	case model.EventUserRequest:
		patch, err := settings.ParsePatch(ev.Settings)
		if err != nil {
			r.logger.WarnContext(ctx, "trigger: bad settings patch", "event", "trigger-invalid", "error", err)
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		if patch.Empty() {
			return nil
		}
		snap, err := r.settings.Update(patch)
		if err != nil {
			r.logger.WarnContext(ctx, "trigger: settings update rejected", "error", err)
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		r.logger.InfoContext(ctx, "trigger: settings updated", "version", snap.Version)
		return nil
	}
	// ParseFileEvent only accepts the two kinds above.
	return fmt.Errorf("%w: unknown event %q", ErrInvalidEvent, ev.Event)
}

// Wait blocks until every run started by Handle has finished.
func (r *Router) Wait() {
	_ = r.runs.Wait()
}
