package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ashita-ai/echotrail/internal/dispatch"
	"github.com/ashita-ai/echotrail/internal/integrity"
	"github.com/ashita-ai/echotrail/internal/ledger"
	"github.com/ashita-ai/echotrail/internal/message"
	"github.com/ashita-ai/echotrail/internal/model"
	"github.com/ashita-ai/echotrail/internal/pipeline"
	"github.com/ashita-ai/echotrail/internal/schemas"
	"github.com/ashita-ai/echotrail/internal/settings"
)

var testChannels = dispatch.Channels{Telemetry: "telemetry", Downstream: "downstream"}

type published struct {
	channel string
	payload []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (r *recordingPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, published{channel, bytes.Clone(payload)})
	return nil
}

func (r *recordingPublisher) on(channel string) []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []published
	for _, m := range r.msgs {
		if m.channel == channel {
			out = append(out, m)
		}
	}
	return out
}

// syncBuffer lets concurrent runs share one log buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T, msg string) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		if m["msg"] == msg {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	o    *Orchestrator
	led  *ledger.Memory
	pub  *recordingPublisher
	logs *syncBuffer
}

func okCheck(string) (integrity.Report, error) {
	return integrity.Report{SonarModel: integrity.SonarEK60, EncodeMode: integrity.EncodePower}, nil
}

func newHarness(t *testing.T, stages []pipeline.Stage, mods ...func(*Config)) *harness {
	t.Helper()
	h := &harness{led: ledger.NewMemory(), pub: &recordingPublisher{}, logs: &syncBuffer{}}
	logger := slog.New(slog.NewJSONHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store, err := settings.NewStore(settings.Defaults())
	require.NoError(t, err)

	cfg := Config{
		Ledger:         h.led,
		Stages:         stages,
		Settings:       store,
		Dispatcher:     dispatch.New(h.pub, testChannels, logger),
		Logger:         logger,
		CheckIntegrity: okCheck,
	}
	for _, m := range mods {
		m(&cfg)
	}
	h.o, err = New(cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) records(t *testing.T, id string) []model.ProcessingRecord {
	t.Helper()
	recs, err := h.led.Records(context.Background(), ledger.RecordFilter{RawFileID: id})
	require.NoError(t, err)
	return recs
}

var trackStart = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// fullStages returns the default stage order, each producing the products a
// real processor would.
func fullStages() []pipeline.Stage {
	produce := map[string]pipeline.StageFunc{
		"compute": func(_ context.Context, c pipeline.Context) (pipeline.Context, error) {
			c.Products.Echogram = &pipeline.Echogram{Pings: 120, Samples: 900, Frequencies: []float64{38000, 120000}, StartRange: 0.5, EndRange: 250}
			return c.WithDataset(pipeline.Dataset{Name: "sv", Handle: "sv.zarr", Format: "zarr"}), nil
		},
		"enrich": func(_ context.Context, c pipeline.Context) (pipeline.Context, error) {
			c.Products.Track = &pipeline.Track{StartTime: trackStart, EndTime: trackStart.Add(time.Hour), StartLat: 50.1, StartLon: -4.2, EndLat: 50.2, EndLon: -4.1}
			return c, nil
		},
		"mask": func(_ context.Context, c pipeline.Context) (pipeline.Context, error) {
			c.Products.Seabed = &pipeline.Seabed{Depth: []float64{80, 82, 84}, Mask: []bool{true, true, true}}
			return c, nil
		},
		"detect": func(_ context.Context, c pipeline.Context) (pipeline.Context, error) {
			c.Products.Shoals = &pipeline.ShoalSet{Items: []pipeline.Shoal{{"label": 1, "area": 12.5}, {"label": 2, "area": 3.0}}}
			return c, nil
		},
		"aggregate": func(_ context.Context, c pipeline.Context) (pipeline.Context, error) {
			c.Products.NASC = &pipeline.NASC{Values: []float64{11.5, 0.25}}
			return c, nil
		},
		"export": func(_ context.Context, c pipeline.Context) (pipeline.Context, error) {
			c.Products.Artifact = &pipeline.Artifact{ID: "out/D20240501-T100000.zarr", Type: ".zarr"}
			return c, nil
		},
	}
	stages := make([]pipeline.Stage, 0, len(pipeline.DefaultOrder))
	for _, name := range pipeline.DefaultOrder {
		fn, ok := produce[name]
		if !ok {
			fn = func(_ context.Context, c pipeline.Context) (pipeline.Context, error) { return c, nil }
		}
		stages = append(stages, pipeline.Named(name, fn))
	}
	return stages
}

// replaceStage swaps the stage at index i for fn, keeping its name.
func replaceStage(stages []pipeline.Stage, i int, fn pipeline.StageFunc) []pipeline.Stage {
	out := append([]pipeline.Stage(nil), stages...)
	out[i] = pipeline.Named(stages[i].Name(), fn)
	return out
}

func failWith(err error) pipeline.StageFunc {
	return func(context.Context, pipeline.Context) (pipeline.Context, error) {
		return pipeline.Context{}, err
	}
}

const rawID = "/data/survey/D20240501-T100000.raw"

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestProcessFileSuccess(t *testing.T) {
	h := newHarness(t, fullStages())

	res := h.o.ProcessFile(context.Background(), rawID)

	assert.Equal(t, model.RecordStatusSuccess, res.Status)
	assert.Equal(t, rawID, res.RawFileID)
	assert.Equal(t, "export", res.StageReached)
	assert.Empty(t, res.FailedStage)
	assert.NoError(t, res.Err)
	assert.NoError(t, res.LedgerErr)
	assert.Equal(t, 2, res.Detections)
	assert.Len(t, res.Profile, len(pipeline.DefaultOrder))
	var stageSum time.Duration
	for _, st := range res.Profile {
		stageSum += st.Duration
	}
	assert.Equal(t, stageSum, res.StagesDuration)
	assert.LessOrEqual(t, res.StagesDuration, res.Duration)
	assert.Equal(t, []State{StateIdle, StateDedupCheck, StateRunning, StateFinalizing, StateIdle}, res.Path)

	recs := h.records(t, rawID)
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, res.RunID, r.RunID)
	assert.Equal(t, model.RecordStatusSuccess, r.Status)
	assert.Equal(t, SuccessInfo, r.Info)
	assert.Equal(t, ".raw", r.RawFileType)
	require.NotNil(t, r.ProcessedFileID)
	assert.Equal(t, "out/D20240501-T100000.zarr", *r.ProcessedFileID)
	require.NotNil(t, r.FileStartTime)
	assert.True(t, trackStart.Equal(*r.FileStartTime))

	telemetry := h.pub.on(testChannels.Telemetry)
	require.Len(t, telemetry, 3, "one summary and two detection records")
	require.NoError(t, schemas.Validate(schemas.FileSummary, telemetry[0].payload))
	for _, m := range telemetry[1:] {
		require.NoError(t, schemas.Validate(schemas.DetectionRecord, m.payload))
	}

	var summary map[string]any
	require.NoError(t, json.Unmarshal(telemetry[0].payload, &summary))
	assert.Equal(t, rawID, summary["filename"])
	assert.Equal(t, float64(2), summary["file_nshoals"])
	assert.Equal(t, float64(82), summary["file_seabed_depth"])

	downstream := h.pub.on(testChannels.Downstream)
	require.Len(t, downstream, 1)
	require.NoError(t, schemas.Validate(schemas.DownstreamNotice, downstream[0].payload))

	finished := h.logs.lines(t, "run finished")
	require.Len(t, finished, 1)
	assert.Equal(t, "success", finished[0]["status"])
}

func TestProcessFileDuplicateIsSkipped(t *testing.T) {
	var calls atomic.Int32
	stages := replaceStage(fullStages(), 0, func(_ context.Context, c pipeline.Context) (pipeline.Context, error) {
		calls.Add(1)
		return c, nil
	})
	h := newHarness(t, stages)
	ctx := context.Background()

	first := h.o.ProcessFile(ctx, rawID)
	require.Equal(t, model.RecordStatusSuccess, first.Status)
	sentAfterFirst := len(h.pub.msgs)

	second := h.o.ProcessFile(ctx, rawID)
	assert.Equal(t, model.RecordStatusSkippedDuplicate, second.Status)
	assert.True(t, second.Skipped())
	assert.Equal(t, []State{StateIdle, StateDedupCheck, StateIdle}, second.Path)
	assert.Equal(t, int32(1), calls.Load(), "stages must not run for a processed file")
	assert.Len(t, h.records(t, rawID), 1, "a skipped trigger writes no ledger row")
	assert.Len(t, h.pub.msgs, sentAfterFirst, "a skipped trigger publishes nothing")
}

func TestProcessFileRelativePathSharesIdentity(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	h := newHarness(t, fullStages())

	first := h.o.ProcessFile(context.Background(), "a.raw")
	second := h.o.ProcessFile(context.Background(), filepath.Join(dir, "a.raw"))

	assert.Equal(t, model.RecordStatusSuccess, first.Status)
	assert.Equal(t, model.RecordStatusSkippedDuplicate, second.Status)
}

func TestFailureAtEveryStageFinalizesOnce(t *testing.T) {
	for i, name := range pipeline.DefaultOrder {
		t.Run(name, func(t *testing.T) {
			var later atomic.Int32
			stages := fullStages()
			for j := i + 1; j < len(stages); j++ {
				stages = replaceStage(stages, j, func(_ context.Context, c pipeline.Context) (pipeline.Context, error) {
					later.Add(1)
					return c, nil
				})
			}
			stages = replaceStage(stages, i, failWith(errors.New("boom")))
			h := newHarness(t, stages)

			res := h.o.ProcessFile(context.Background(), rawID)

			assert.Equal(t, model.RecordStatusFailed, res.Status)
			assert.Equal(t, name, res.FailedStage)
			assert.Equal(t, fmt.Sprintf("stage %s: boom", name), res.Error)
			assert.Zero(t, later.Load(), "no stage after the failing one may run")
			assert.Len(t, res.Profile, i+1)
			assert.Equal(t, []State{StateIdle, StateDedupCheck, StateRunning, StateFailed, StateFinalizing, StateIdle}, res.Path)

			var se *pipeline.StageError
			require.ErrorAs(t, res.Err, &se)
			assert.Equal(t, i, se.Index)

			recs := h.records(t, rawID)
			require.Len(t, recs, 1)
			assert.Equal(t, model.RecordStatusFailed, recs[0].Status)
			assert.Contains(t, recs[0].Info, "stage "+name)
			assert.Nil(t, recs[0].ProcessedFileID)

			// Shoals exist once detect (index 6) has completed.
			wantDetections := 0
			if i > 6 {
				wantDetections = 2
			}
			assert.Equal(t, wantDetections, res.Detections)
			telemetry := h.pub.on(testChannels.Telemetry)
			require.Len(t, telemetry, 1+wantDetections)
			require.NoError(t, schemas.Validate(schemas.FileSummary, telemetry[0].payload))
			for _, m := range telemetry[1:] {
				require.NoError(t, schemas.Validate(schemas.DetectionRecord, m.payload))
			}
			assert.Empty(t, h.pub.on(testChannels.Downstream))

			// A failed run does not block a retry.
			done, err := h.led.HasBeenProcessed(context.Background(), rawID)
			require.NoError(t, err)
			assert.False(t, done)
		})
	}
}

func TestDetectFailureReportsStageAndPartialProducts(t *testing.T) {
	stages := replaceStage(fullStages(), 6, failWith(errors.New("no echoes above threshold")))
	h := newHarness(t, stages)

	res := h.o.ProcessFile(context.Background(), rawID)
	require.Equal(t, "detect", res.FailedStage)
	assert.Equal(t, "regrid", res.StageReached)

	finished := h.logs.lines(t, "run finished")
	require.Len(t, finished, 1, "exactly one outcome line per trigger")
	assert.Equal(t, "failed", finished[0]["status"])
	assert.Equal(t, "detect", finished[0]["failed_stage"])
	assert.Contains(t, finished[0]["error"], "stage detect")

	telemetry := h.pub.on(testChannels.Telemetry)
	require.Len(t, telemetry, 1)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(telemetry[0].payload, &summary))
	assert.Equal(t, float64(120), summary["file_npings"], "products from stages before the failure are kept")
	assert.Nil(t, summary["file_nshoals"], "detection never produced shoals")
	assert.Nil(t, summary["file_nasc"])
}

func TestFailureAfterDetectKeepsDetectionRecords(t *testing.T) {
	stages := replaceStage(fullStages(), 7, failWith(errors.New("grid mismatch")))
	h := newHarness(t, stages)

	res := h.o.ProcessFile(context.Background(), rawID)
	require.Equal(t, model.RecordStatusFailed, res.Status)
	require.Equal(t, "aggregate", res.FailedStage)

	telemetry := h.pub.on(testChannels.Telemetry)
	require.NotEmpty(t, telemetry)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(telemetry[0].payload, &summary))
	assert.Equal(t, float64(2), summary["file_nshoals"])
	assert.Len(t, telemetry[1:], 2, "every shoal counted in the summary is published")
	assert.Equal(t, 2, res.Detections)
	assert.Empty(t, h.pub.on(testChannels.Downstream), "no downstream notice for a failed run")
}

func activeRuns(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "echotrail.runs.active" {
				continue
			}
			g, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok)
			require.Len(t, g.DataPoints, 1)
			return g.DataPoints[0].Value
		}
	}
	t.Fatal("echotrail.runs.active not reported")
	return 0
}

func TestActiveRunsGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = mp.Shutdown(context.Background())
	})

	started, release := make(chan struct{}), make(chan struct{})
	stages := replaceStage(fullStages(), 0, func(_ context.Context, c pipeline.Context) (pipeline.Context, error) {
		close(started)
		<-release
		return c, nil
	})
	h := newHarness(t, stages)

	done := make(chan Result)
	go func() { done <- h.o.ProcessFile(context.Background(), rawID) }()
	<-started
	assert.Equal(t, int64(1), activeRuns(t, reader))

	close(release)
	require.Equal(t, model.RecordStatusSuccess, (<-done).Status)
	assert.Eventually(t, func() bool { return activeRuns(t, reader) == 0 }, time.Second, 10*time.Millisecond)
}

type flakyLedger struct {
	*ledger.Memory
	dedupErr    error
	beginErr    error
	finalizeErr error
}

func (f *flakyLedger) HasBeenProcessed(ctx context.Context, id string) (bool, error) {
	if f.dedupErr != nil {
		return false, f.dedupErr
	}
	return f.Memory.HasBeenProcessed(ctx, id)
}

func (f *flakyLedger) BeginRun(ctx context.Context, id, typ string, at time.Time) (*ledger.RunHandle, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.Memory.BeginRun(ctx, id, typ, at)
}

func (f *flakyLedger) Finalize(ctx context.Context, h *ledger.RunHandle, o ledger.Outcome) error {
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	return f.Memory.Finalize(ctx, h, o)
}

func TestLedgerUnavailableRunsNothing(t *testing.T) {
	var calls atomic.Int32
	stages := replaceStage(fullStages(), 0, func(_ context.Context, c pipeline.Context) (pipeline.Context, error) {
		calls.Add(1)
		return c, nil
	})
	fl := &flakyLedger{Memory: ledger.NewMemory(), dedupErr: errors.New("connection refused")}
	h := newHarness(t, stages, func(c *Config) { c.Ledger = fl })

	res := h.o.ProcessFile(context.Background(), rawID)

	assert.Equal(t, model.RecordStatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrLedgerUnavailable)
	assert.Zero(t, calls.Load())
	assert.Empty(t, h.pub.msgs)
	assert.Equal(t, []State{StateIdle, StateDedupCheck, StateIdle}, res.Path)
	assert.Contains(t, h.logs.buf.String(), `"event":"ledger-unavailable"`)
}

func TestCancelledTriggerIsNotLedgerUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fl := &flakyLedger{Memory: ledger.NewMemory(), dedupErr: fmt.Errorf("query: %w", context.Canceled)}
	h := newHarness(t, fullStages(), func(c *Config) { c.Ledger = fl })

	res := h.o.ProcessFile(ctx, rawID)

	assert.Equal(t, model.RecordStatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.NotErrorIs(t, res.Err, ErrLedgerUnavailable)
	assert.Empty(t, h.pub.msgs)
	assert.NotContains(t, h.logs.buf.String(), `"event":"ledger-unavailable"`)
	assert.Len(t, h.logs.lines(t, "orchestrator: trigger cancelled before dedup check"), 1)
}

func TestSuccessAfterRunWasAbandonedIsRecorded(t *testing.T) {
	led := ledger.NewMemory()
	// The janitor fails the provisional row while the stages are still running.
	stages := replaceStage(fullStages(), 0, func(ctx context.Context, c pipeline.Context) (pipeline.Context, error) {
		n, err := led.AbandonStaleRuns(ctx, -time.Hour)
		if err != nil || n != 1 {
			return c, fmt.Errorf("abandon: n=%d err=%v", n, err)
		}
		return c, nil
	})
	h := newHarness(t, stages, func(c *Config) { c.Ledger = led })
	h.led = led

	res := h.o.ProcessFile(context.Background(), rawID)

	require.Equal(t, model.RecordStatusSuccess, res.Status)
	assert.NoError(t, res.LedgerErr)
	done, err := h.led.HasBeenProcessed(context.Background(), rawID)
	require.NoError(t, err)
	assert.True(t, done, "a later trigger must see the file as processed")

	recs := h.records(t, rawID)
	require.Len(t, recs, 2)
	assert.Equal(t, model.RecordStatusSuccess, recs[0].Status)
	assert.Equal(t, res.RunID, recs[0].RunID)
	assert.Equal(t, model.RecordStatusFailed, recs[1].Status)
	assert.Equal(t, ledger.AbandonedInfo, recs[1].Info)
	assert.NotEqual(t, recs[0].RunID, recs[1].RunID)
	assert.Contains(t, h.logs.buf.String(), "running row was abandoned")
}

func TestFingerprintIsRecorded(t *testing.T) {
	const digest = "sha256:0f1e2d"
	h := newHarness(t, fullStages(), func(c *Config) {
		c.CheckIntegrity = func(string) (integrity.Report, error) {
			r, _ := okCheck("")
			r.Fingerprint = digest
			return r, nil
		}
	})

	res := h.o.ProcessFile(context.Background(), rawID)
	require.Equal(t, model.RecordStatusSuccess, res.Status)

	recs, err := h.led.Records(context.Background(), ledger.RecordFilter{Fingerprint: digest})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Fingerprint)
	assert.Equal(t, digest, *recs[0].Fingerprint)
	assert.Equal(t, rawID, recs[0].RawFileID)
}

func TestBeginRunFailureStillRecordsOutcome(t *testing.T) {
	fl := &flakyLedger{Memory: ledger.NewMemory(), beginErr: errors.New("disk full")}
	h := newHarness(t, fullStages(), func(c *Config) { c.Ledger = fl })

	res := h.o.ProcessFile(context.Background(), rawID)

	assert.Equal(t, model.RecordStatusSuccess, res.Status)
	recs, err := fl.Records(context.Background(), ledger.RecordFilter{RawFileID: rawID})
	require.NoError(t, err)
	require.Len(t, recs, 1, "the detached handle inserts the final row")
	assert.Equal(t, model.RecordStatusSuccess, recs[0].Status)
	assert.Contains(t, h.logs.buf.String(), `"event":"ledger-write-failed"`)
}

func TestFinalizeFailureStillDispatches(t *testing.T) {
	fl := &flakyLedger{Memory: ledger.NewMemory(), finalizeErr: errors.New("connection reset")}
	h := newHarness(t, fullStages(), func(c *Config) { c.Ledger = fl })

	res := h.o.ProcessFile(context.Background(), rawID)

	assert.Equal(t, model.RecordStatusSuccess, res.Status)
	assert.Error(t, res.LedgerErr)
	assert.Len(t, h.pub.on(testChannels.Telemetry), 3)
	finished := h.logs.lines(t, "run finished")
	require.Len(t, finished, 1)
	assert.Equal(t, "connection reset", finished[0]["ledger_error"])
}

func TestRunInProgressIsSkipped(t *testing.T) {
	h := newHarness(t, fullStages())
	ctx := context.Background()
	_, err := h.led.BeginRun(ctx, rawID, ".raw", time.Now())
	require.NoError(t, err)

	res := h.o.ProcessFile(ctx, rawID)

	assert.Equal(t, model.RecordStatusSkippedInProgress, res.Status)
	assert.Empty(t, h.pub.msgs)
	assert.Len(t, h.records(t, rawID), 1)
}

func TestInputUnusable(t *testing.T) {
	var calls atomic.Int32
	stages := replaceStage(fullStages(), 0, func(_ context.Context, c pipeline.Context) (pipeline.Context, error) {
		calls.Add(1)
		return c, nil
	})
	h := newHarness(t, stages, func(c *Config) {
		c.CheckIntegrity = func(string) (integrity.Report, error) {
			return integrity.Report{}, fmt.Errorf("%w: truncated datagram", integrity.ErrUnusable)
		}
	})

	res := h.o.ProcessFile(context.Background(), rawID)

	assert.Equal(t, model.RecordStatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, integrity.ErrUnusable)
	assert.True(t, strings.HasPrefix(res.Error, "input-unusable: "), res.Error)
	assert.Empty(t, res.StageReached)
	assert.Zero(t, calls.Load())

	recs := h.records(t, rawID)
	require.Len(t, recs, 1)
	assert.Equal(t, model.RecordStatusFailed, recs[0].Status)
	assert.True(t, strings.HasPrefix(recs[0].Info, "input-unusable: "))
	assert.Len(t, h.pub.on(testChannels.Telemetry), 1, "a degraded summary is still sent")
}

func TestStageReportsUnusableInput(t *testing.T) {
	stages := replaceStage(fullStages(), 0, failWith(fmt.Errorf("%w: bad header", pipeline.ErrInputUnusable)))
	h := newHarness(t, stages)

	res := h.o.ProcessFile(context.Background(), rawID)

	assert.ErrorIs(t, res.Err, pipeline.ErrInputUnusable)
	assert.Equal(t, "compute", res.FailedStage)
	assert.True(t, strings.HasPrefix(res.Error, "input-unusable: stage compute"), res.Error)
}

func TestStagePanicIsContained(t *testing.T) {
	stages := replaceStage(fullStages(), 3, func(context.Context, pipeline.Context) (pipeline.Context, error) {
		var m map[string]int
		m["x"] = 1
		return pipeline.Context{}, nil
	})
	h := newHarness(t, stages)

	res := h.o.ProcessFile(context.Background(), rawID)

	assert.Equal(t, model.RecordStatusFailed, res.Status)
	assert.Equal(t, "denoise", res.FailedStage)
	assert.ErrorIs(t, res.Err, pipeline.ErrStagePanic)
	assert.Equal(t, model.RecordStatusFailed, h.records(t, rawID)[0].Status)
}

func TestDispatchFailureKeepsLedgerRecord(t *testing.T) {
	h := newHarness(t, fullStages())
	h.pub.err = errors.New("broker down")

	res := h.o.ProcessFile(context.Background(), rawID)

	assert.Equal(t, model.RecordStatusSuccess, res.Status)
	recs := h.records(t, rawID)
	require.Len(t, recs, 1)
	assert.Equal(t, model.RecordStatusSuccess, recs[0].Status)
	assert.Contains(t, h.logs.buf.String(), `"event":"dispatch-failed"`)
}

func TestMessageBuildPanicSendsMinimalSummary(t *testing.T) {
	h := newHarness(t, fullStages())
	h.o.buildSummary = func(pipeline.Context, message.Outcome) message.FileSummary {
		panic("bad product")
	}

	res := h.o.ProcessFile(context.Background(), rawID)

	assert.Equal(t, model.RecordStatusSuccess, res.Status)
	assert.Equal(t, model.RecordStatusSuccess, h.records(t, rawID)[0].Status)
	telemetry := h.pub.on(testChannels.Telemetry)
	require.Len(t, telemetry, 1)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(telemetry[0].payload, &summary))
	assert.Equal(t, rawID, summary["filename"])
	assert.Nil(t, summary["file_npings"])
	assert.Contains(t, h.logs.buf.String(), `"event":"message-build-failed"`)
}

func TestCancelledContextStillFinalizes(t *testing.T) {
	h := newHarness(t, fullStages())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.o.ProcessFile(ctx, rawID)

	assert.Equal(t, model.RecordStatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	recs := h.records(t, rawID)
	require.Len(t, recs, 1)
	assert.Equal(t, model.RecordStatusFailed, recs[0].Status)
	assert.Len(t, h.pub.on(testChannels.Telemetry), 1)
}

func TestRunKeepsSettingsSnapshot(t *testing.T) {
	var seen []*settings.Snapshot
	var store *settings.Store
	record := func(_ context.Context, c pipeline.Context) (pipeline.Context, error) {
		seen = append(seen, c.Settings)
		return c, nil
	}
	stages := []pipeline.Stage{
		pipeline.Named("compute", func(ctx context.Context, c pipeline.Context) (pipeline.Context, error) {
			seen = append(seen, c.Settings)
			_, err := store.Update(settings.Patch{SurveyID: ptr("S2")})
			return c, err
		}),
		pipeline.Named("export", record),
	}
	h := newHarness(t, stages, func(c *Config) { store = c.Settings })

	res := h.o.ProcessFile(context.Background(), rawID)

	require.Equal(t, model.RecordStatusSuccess, res.Status)
	require.Len(t, seen, 2)
	assert.Same(t, seen[0], seen[1], "a run keeps the snapshot it started with")
	assert.Empty(t, seen[0].SurveyID)
	assert.Equal(t, "S2", store.Current().SurveyID)
}

func TestDetectedInstrumentOverridesSettings(t *testing.T) {
	var got settings.Snapshot
	stages := []pipeline.Stage{pipeline.Named("compute", func(_ context.Context, c pipeline.Context) (pipeline.Context, error) {
		got = *c.Settings
		return c, nil
	})}
	h := newHarness(t, stages, func(c *Config) {
		c.CheckIntegrity = func(string) (integrity.Report, error) {
			return integrity.Report{SonarModel: integrity.SonarEK80, EncodeMode: integrity.EncodeComplex}, nil
		}
	})

	h.o.ProcessFile(context.Background(), rawID)

	assert.Equal(t, "EK80", got.SonarModel)
	assert.Equal(t, "complex", got.EncodeMode)
	assert.Equal(t, "EK60", h.o.settings.Current().SonarModel, "the shared snapshot is untouched")
}

func TestConcurrentTriggersRunOnce(t *testing.T) {
	var calls atomic.Int32
	stages := replaceStage(fullStages(), 0, func(_ context.Context, c pipeline.Context) (pipeline.Context, error) {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		return c, nil
	})
	h := newHarness(t, stages)

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.o.OnFileArrived(context.Background(), rawID)
		}()
	}
	wg.Wait()

	var success, skipped int
	for _, r := range results {
		switch {
		case r.Status == model.RecordStatusSuccess:
			success++
		case r.Skipped():
			skipped++
		}
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, 7, skipped)
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, h.records(t, rawID), 1)
}

func TestCanTransition(t *testing.T) {
	all := []State{StateIdle, StateDedupCheck, StateRunning, StateFailed, StateFinalizing}
	legal := map[[2]State]bool{
		{StateIdle, StateDedupCheck}:    true,
		{StateDedupCheck, StateIdle}:    true,
		{StateDedupCheck, StateRunning}: true,
		{StateRunning, StateFinalizing}: true,
		{StateRunning, StateFailed}:     true,
		{StateFailed, StateFinalizing}:  true,
		{StateFinalizing, StateIdle}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]State{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	m := newMachine()
	require.Error(t, m.to(StateRunning))
	assert.Equal(t, StateIdle, m.state)
}

func TestFindRawFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.raw", "A.RAW", "notes.txt", ".hidden.raw", "sub/c.raw", ".cache/d.raw"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}

	files, err := FindRawFiles(dir)
	require.NoError(t, err)

	want := []string{
		filepath.Join(dir, "A.RAW"),
		filepath.Join(dir, "b.raw"),
		filepath.Join(dir, "sub", "c.raw"),
	}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("FindRawFiles mismatch (-want +got):\n%s", diff)
	}

	_, err = FindRawFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestScanDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.raw", "b.raw", "c.raw", "skip.idx"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	h := newHarness(t, fullStages(), func(c *Config) { c.ScanConcurrency = 2 })
	ctx := context.Background()

	results, err := h.o.ScanDirectory(ctx, dir)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, name := range []string{"a.raw", "b.raw", "c.raw"} {
		assert.Equal(t, filepath.Join(dir, name), results[i].RawFileID)
		assert.Equal(t, model.RecordStatusSuccess, results[i].Status)
	}

	again, err := h.o.ScanDirectory(ctx, dir)
	require.NoError(t, err)
	for _, r := range again {
		assert.Equal(t, model.RecordStatusSkippedDuplicate, r.Status)
	}
}

func TestScanDirectoryCancelled(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.raw"), nil, 0o644))
	h := newHarness(t, fullStages())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := h.o.ScanDirectory(ctx, dir)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestJanitorAbandonsStaleRuns(t *testing.T) {
	led := ledger.NewMemory()
	ctx := context.Background()
	_, err := led.BeginRun(ctx, "/data/old.raw", ".raw", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = led.BeginRun(ctx, "/data/fresh.raw", ".raw", time.Now())
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	j := NewJanitor(led, logger, time.Hour, time.Hour)
	j.Start(ctx)
	j.Drain(ctx)

	old, err := led.Records(ctx, ledger.RecordFilter{RawFileID: "/data/old.raw"})
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, model.RecordStatusFailed, old[0].Status)
	assert.Equal(t, ledger.AbandonedInfo, old[0].Info)

	fresh, err := led.Records(ctx, ledger.RecordFilter{RawFileID: "/data/fresh.raw"})
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusRunning, fresh[0].Status)

	// Start after Drain is ignored and Drain stays non-blocking.
	j.Start(ctx)
	j.Drain(ctx)
}

func ptr[T any](v T) *T { return &v }
