// Package orchestrator drives one raw file at a time through the ledger, the
// stage pipeline, the message assembler and dispatch.
//
// Every trigger for a file that is not yet processed ends in exactly one
// ledger Finalize call and at least one published FileSummary, whatever
// happens inside the stages or the message builders. Both run from deferred
// code on every exit path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/echotrail/internal/dispatch"
	"github.com/ashita-ai/echotrail/internal/integrity"
	"github.com/ashita-ai/echotrail/internal/ledger"
	"github.com/ashita-ai/echotrail/internal/message"
	"github.com/ashita-ai/echotrail/internal/model"
	"github.com/ashita-ai/echotrail/internal/pipeline"
	"github.com/ashita-ai/echotrail/internal/settings"
	"github.com/ashita-ai/echotrail/internal/telemetry"
)

// ErrLedgerUnavailable is returned in a Result when the dedup check could not
// reach the ledger. No stages run in that case.
var ErrLedgerUnavailable = errors.New("orchestrator: ledger unavailable")

// SuccessInfo is the additional_info written for successful runs.
const SuccessInfo = "processed without errors"

// settleTimeout bounds the ledger write and dispatch after a run, which use a
// context detached from the caller's cancellation.
const settleTimeout = 30 * time.Second

// FileArrivalHandler is the inbound interface triggers call.
type FileArrivalHandler interface {
	OnFileArrived(ctx context.Context, rawFileID string) Result
}

// Config holds the orchestrator's dependencies.
type Config struct {
	// Required.
	Ledger     ledger.Ledger
	Stages     []pipeline.Stage
	Settings   *settings.Store
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger

	// Optional.
	Locks           *ledger.KeyLock                             // nil = private lock
	CheckIntegrity  func(path string) (integrity.Report, error) // nil = integrity.Check
	ScanConcurrency int                                         // <= 0 means 1
	Now             func() time.Time                            // nil = time.Now
}

// Orchestrator processes raw files. It is safe for concurrent use.
type Orchestrator struct {
	ledger          ledger.Ledger
	stages          []pipeline.Stage
	settings        *settings.Store
	dispatcher      *dispatch.Dispatcher
	logger          *slog.Logger
	locks           *ledger.KeyLock
	check           func(path string) (integrity.Report, error)
	scanConcurrency int
	now             func() time.Time

	buildSummary    func(pipeline.Context, message.Outcome) message.FileSummary
	buildDetections func(pipeline.Context) []message.DetectionRecord
	buildNotice     func(pipeline.Context) message.DownstreamNotice

	runs          metric.Int64Counter
	runDuration   metric.Float64Histogram
	stageDuration metric.Float64Histogram
}

var _ FileArrivalHandler = (*Orchestrator)(nil)

// New validates cfg and creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("orchestrator: ledger is required")
	case len(cfg.Stages) == 0:
		return nil, fmt.Errorf("orchestrator: at least one stage is required")
	case cfg.Settings == nil:
		return nil, fmt.Errorf("orchestrator: settings store is required")
	case cfg.Dispatcher == nil:
		return nil, fmt.Errorf("orchestrator: dispatcher is required")
	case cfg.Logger == nil:
		return nil, fmt.Errorf("orchestrator: logger is required")
	}

	o := &Orchestrator{
		ledger:          cfg.Ledger,
		stages:          cfg.Stages,
		settings:        cfg.Settings,
		dispatcher:      cfg.Dispatcher,
		logger:          cfg.Logger,
		locks:           cfg.Locks,
		check:           cfg.CheckIntegrity,
		scanConcurrency: max(cfg.ScanConcurrency, 1),
		now:             cfg.Now,
		buildSummary:    message.BuildFileSummary,
		buildDetections: message.BuildDetectionRecords,
		buildNotice:     message.BuildDownstreamNotice,
	}
	if o.locks == nil {
		o.locks = ledger.NewKeyLock()
	}
	if o.check == nil {
		o.check = integrity.Check
	}
	if o.now == nil {
		o.now = time.Now
	}

	meter := telemetry.Meter("echotrail/orchestrator")
	o.runs, _ = meter.Int64Counter("echotrail.runs",
		metric.WithDescription("Triggers handled, by result status"))
	o.runDuration, _ = meter.Float64Histogram("echotrail.run.duration",
		metric.WithDescription("Wall-clock time per trigger (ms)"),
		metric.WithUnit("ms"),
	)
	o.stageDuration, _ = meter.Float64Histogram("echotrail.stage.duration",
		metric.WithDescription("Wall-clock time per stage (ms)"),
		metric.WithUnit("ms"),
	)
	_, _ = meter.Int64ObservableGauge("echotrail.runs.active",
		metric.WithDescription("Raw files currently held by a trigger"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(o.locks.Len()))
			return nil
		}),
	)
	return o, nil
}

// CanonicalID returns the ledger key for a raw file path: the cleaned
// absolute path.
func CanonicalID(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// OnFileArrived handles a file-arrival notification.
func (o *Orchestrator) OnFileArrived(ctx context.Context, rawFileID string) Result {
	return o.ProcessFile(ctx, rawFileID)
}

// ProcessFile runs the file at path unless the ledger already has it.
// Triggers for the same file are serialized within the process.
func (o *Orchestrator) ProcessFile(ctx context.Context, path string) Result {
	id := CanonicalID(path)
	unlock := o.locks.Lock(id)
	defer unlock()

	start := o.now()
	m := newMachine()
	res := o.process(ctx, m, id, start)
	res.RawFileID = id
	res.Duration = o.now().Sub(start)
	res.Path = m.path

	o.observe(ctx, res)
	o.logOutcome(ctx, res)
	return res
}

func (o *Orchestrator) process(ctx context.Context, m *machine, id string, start time.Time) Result {
	o.step(m, StateDedupCheck)
	done, err := o.ledger.HasBeenProcessed(ctx, id)
	if err != nil && ctx.Err() != nil {
		o.step(m, StateIdle)
		o.logger.WarnContext(ctx, "orchestrator: trigger cancelled before dedup check",
			"raw_file_id", id, "error", err)
		err = fmt.Errorf("orchestrator: dedup check: %w", ctx.Err())
		return Result{Status: model.RecordStatusFailed, Err: err, Error: err.Error()}
	}
	if err != nil {
		o.step(m, StateIdle)
		o.logger.ErrorContext(ctx, "orchestrator: dedup check failed",
			"event", "ledger-unavailable", "raw_file_id", id, "error", err)
		err = fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
		return Result{Status: model.RecordStatusFailed, Err: err, Error: err.Error()}
	}
	if done {
		o.step(m, StateIdle)
		return Result{Status: model.RecordStatusSkippedDuplicate}
	}

	fileType := strings.ToLower(filepath.Ext(id))
	h, err := o.ledger.BeginRun(ctx, id, fileType, start)
	switch {
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		o.step(m, StateIdle)
		return Result{Status: model.RecordStatusSkippedDuplicate}
	case errors.Is(err, ledger.ErrRunInProgress):
		o.step(m, StateIdle)
		return Result{Status: model.RecordStatusSkippedInProgress}
	case err != nil:
		// Keep going and write the whole record once the run is over.
		o.logger.ErrorContext(ctx, "orchestrator: begin run failed",
			"event", "ledger-write-failed", "raw_file_id", id, "error", err)
		h = ledger.NewDetachedHandle(id, fileType, start)
	}

	o.step(m, StateRunning)
	return o.execute(ctx, m, h)
}

func (o *Orchestrator) execute(ctx context.Context, m *machine, h *ledger.RunHandle) (res Result) {
	pc := pipeline.Context{
		RawFile:  pipeline.RawFile{ID: h.RawFileID, Path: h.RawFileID, Type: h.RawFileType},
		Settings: o.settings.Current(),
		Profile:  pipeline.NewProfile(),
	}
	outcome := message.Outcome{Status: model.RecordStatusFailed}
	var runErr error

	defer func() {
		if p := recover(); p != nil {
			runErr = fmt.Errorf("orchestrator: panic during run: %v", p)
			outcome = message.Outcome{Status: model.RecordStatusFailed, Reason: runErr.Error()}
			o.logger.ErrorContext(ctx, "orchestrator: recovered panic",
				"raw_file_id", h.RawFileID, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
		}
		if outcome.Status != model.RecordStatusSuccess {
			o.step(m, StateFailed)
		}
		o.step(m, StateFinalizing)
		res = o.settle(ctx, h, pc, outcome, runErr)
		o.step(m, StateIdle)
	}()

	report, err := o.check(h.RawFileID)
	if err != nil {
		runErr = err
		outcome.Reason = "input-unusable: " + err.Error()
		return res
	}
	pc.RawFile.Integrity = report
	if derived := pc.Settings.ForInstrument(report.SonarModel, report.EncodeMode); derived != pc.Settings {
		o.logger.InfoContext(ctx, "orchestrator: sonar model differs from settings, using detected instrument",
			"raw_file_id", h.RawFileID, "configured", pc.Settings.SonarModel, "detected", report.SonarModel)
		pc.Settings = derived
	}

	out, err := pipeline.Run(ctx, pc, o.stages)
	pc = out
	if err != nil {
		runErr = err
		var se *pipeline.StageError
		if errors.As(err, &se) {
			outcome.FailedStage = se.Stage
		}
		outcome.Reason = err.Error()
		if errors.Is(err, pipeline.ErrInputUnusable) {
			outcome.Reason = "input-unusable: " + err.Error()
		}
		return res
	}
	outcome = message.Outcome{Status: model.RecordStatusSuccess}
	return res
}

// outbound is everything a run publishes.
type outbound struct {
	summary    message.FileSummary
	detections []message.DetectionRecord
	notice     *message.DownstreamNotice
}

// settle builds the messages, finalizes the ledger, then dispatches. Message
// building cannot prevent the ledger write and the ledger write cannot
// prevent dispatch.
func (o *Orchestrator) settle(ctx context.Context, h *ledger.RunHandle, pc pipeline.Context, outcome message.Outcome, runErr error) Result {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	out, err := o.build(pc, outcome)
	if err != nil {
		o.logger.ErrorContext(ctx, "orchestrator: message build failed, sending minimal summary",
			"event", "message-build-failed", "raw_file_id", h.RawFileID, "error", err)
	}

	runID, ledgerErr := o.finalize(sctx, h, pc, outcome)
	o.emit(sctx, h.RawFileID, out)

	res := Result{
		RunID:        runID,
		Status:       outcome.Status,
		StageReached: pc.StageReached(),
		FailedStage:  outcome.FailedStage,
		Detections:   len(out.detections),
		Err:          runErr,
		LedgerErr:    ledgerErr,
	}
	if pc.Profile != nil {
		res.Profile = pc.Profile.Entries()
		res.StagesDuration = pc.Profile.Total()
	}
	if runErr != nil {
		res.Error = outcome.Reason
	}
	return res
}

func (o *Orchestrator) build(pc pipeline.Context, outcome message.Outcome) (out outbound, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("orchestrator: message build panicked: %v", p)
			out = outbound{summary: message.FileSummary{Filename: pc.RawFile.ID, Outcome: outcome}}
		}
	}()

	out.summary = o.buildSummary(pc, outcome)
	// Detection finished before any later failure; its shoals still go out.
	if pc.Products.Shoals != nil {
		out.detections = o.buildDetections(pc)
	}
	if !outcome.Degraded() {
		n := o.buildNotice(pc)
		out.notice = &n
	}
	return out, nil
}

// finalize writes the run's ledger row and returns the run ID it ended up
// under. A success whose running row was abandoned meanwhile is recorded
// as a fresh row so the file still counts as processed.
func (o *Orchestrator) finalize(ctx context.Context, h *ledger.RunHandle, pc pipeline.Context, outcome message.Outcome) (uuid.UUID, error) {
	oc := ledger.Outcome{
		Status:      outcome.Status,
		EndedAt:     o.now(),
		Info:        outcome.Reason,
		Fingerprint: pc.RawFile.Integrity.Fingerprint,
	}
	if outcome.Status == model.RecordStatusSuccess {
		oc.Info = SuccessInfo
		if a := pc.Products.Artifact; a != nil {
			oc.ProcessedFileID = a.ID
			oc.ProcessedFileType = a.Type
		}
	}
	if t := pc.Products.Track; t != nil {
		oc.FileStart = timePtr(t.StartTime)
		oc.FileEnd = timePtr(t.EndTime)
	}

	err := o.ledger.Finalize(ctx, h, oc)
	if errors.Is(err, ledger.ErrRunNotFound) && outcome.Status == model.RecordStatusSuccess {
		o.logger.WarnContext(ctx, "orchestrator: running row was abandoned, recording success as a new row",
			"raw_file_id", h.RawFileID, "abandoned_run_id", h.RunID)
		h = ledger.NewDetachedHandle(h.RawFileID, h.RawFileType, h.StartedAt)
		err = o.ledger.Finalize(ctx, h, oc)
	}
	if err != nil {
		o.logger.ErrorContext(ctx, "orchestrator: ledger finalize failed",
			"event", "ledger-write-failed",
			"raw_file_id", h.RawFileID,
			"run_id", h.RunID,
			"status", string(outcome.Status),
			"detached", h.Detached(),
			"error", err,
		)
		return h.RunID, err
	}
	return h.RunID, nil
}

// emit publishes the run's messages. Dispatch errors are logged by the
// dispatcher; a panic in a publisher is contained here.
func (o *Orchestrator) emit(ctx context.Context, rawFileID string, out outbound) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.ErrorContext(ctx, "orchestrator: dispatch panicked",
				"event", "dispatch-failed", "raw_file_id", rawFileID, "panic", fmt.Sprint(p))
		}
	}()

	_ = o.dispatcher.SendSummary(ctx, out.summary)
	if len(out.detections) > 0 {
		_ = o.dispatcher.SendDetections(ctx, out.detections)
	}
	if out.notice != nil {
		_ = o.dispatcher.SendDownstream(ctx, *out.notice)
	}
}

func (o *Orchestrator) step(m *machine, next State) {
	if err := m.to(next); err != nil {
		o.logger.Error("orchestrator: state machine violation", "error", err)
	}
}

// logOutcome writes the single outcome line every trigger produces.
func (o *Orchestrator) logOutcome(ctx context.Context, res Result) {
	attrs := []any{
		"raw_file_id", res.RawFileID,
		"status", string(res.Status),
		"duration_ms", res.Duration.Milliseconds(),
		"stage_reached", res.StageReached,
		"failed_stage", res.FailedStage,
		"stages_ms", res.StagesDuration.Milliseconds(),
	}
	if res.RunID != uuid.Nil {
		attrs = append(attrs, "run_id", res.RunID)
	}
	if res.Err != nil {
		attrs = append(attrs, "error", res.Error)
	}
	if res.LedgerErr != nil {
		attrs = append(attrs, "ledger_error", res.LedgerErr.Error())
	}

	level := slog.LevelInfo
	if res.Status == model.RecordStatusFailed {
		level = slog.LevelError
	}
	o.logger.Log(ctx, level, "run finished", attrs...)
}

func (o *Orchestrator) observe(ctx context.Context, res Result) {
	status := attribute.String("status", string(res.Status))
	o.runs.Add(ctx, 1, metric.WithAttributes(status))
	o.runDuration.Record(ctx, float64(res.Duration.Microseconds())/1000, metric.WithAttributes(status))
	for _, st := range res.Profile {
		result := "ok"
		if st.Error != "" {
			result = "error"
		}
		o.stageDuration.Record(ctx, float64(st.Duration.Microseconds())/1000, metric.WithAttributes(
			attribute.String("stage", st.Stage),
			attribute.String("result", result),
		))
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
