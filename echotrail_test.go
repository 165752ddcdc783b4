package echotrail_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/echotrail"
)

type recordingPublisher struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
}

func (r *recordingPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, channel)
	r.payloads = append(r.payloads, bytes.Clone(payload))
	return nil
}

func (r *recordingPublisher) count(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.channels {
		if c == channel {
			n++
		}
	}
	return n
}

type funcStage struct {
	name string
	fn   func(echotrail.StageInput) (echotrail.StageOutput, error)
}

func (s funcStage) Name() string { return s.name }

func (s funcStage) Run(_ context.Context, in echotrail.StageInput) (echotrail.StageOutput, error) {
	return s.fn(in)
}

// writeRaw writes a minimal EK60 file: one CON0 datagram.
func writeRaw(t *testing.T, dir, name string) string {
	t.Helper()
	body := []byte("survey header")
	length := uint32(4 + 8 + len(body)) //nolint:gosec // tiny
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, length)
	buf.WriteString("CON0")
	buf.Write(make([]byte, 8))
	buf.Write(body)
	_ = binary.Write(&buf, binary.LittleEndian, length)

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func testEnv(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir()) // no stray .env
	t.Setenv("ECHOTRAIL_LEDGER", "memory")
	t.Setenv("ECHOTRAIL_STAGES", "compute,export")
	t.Setenv("ECHOTRAIL_PUBLISHERS", "log")
	t.Setenv("ECHOTRAIL_TRIGGERS", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

var start = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func computeStage() funcStage {
	return funcStage{name: "compute", fn: func(in echotrail.StageInput) (echotrail.StageOutput, error) {
		if in.RawFile.SonarModel != "EK60" {
			return echotrail.StageOutput{}, fmt.Errorf("unexpected sonar model %q", in.RawFile.SonarModel)
		}
		return echotrail.StageOutput{
			Datasets: []echotrail.Dataset{{Name: "sv", Handle: "mem://sv"}},
			Products: echotrail.Products{
				Echogram: &echotrail.Echogram{Pings: 10, Samples: 200, Frequencies: []float64{38000}, StartRange: 0, EndRange: 100},
				Track:    &echotrail.Track{StartTime: start, EndTime: start.Add(time.Hour), StartLat: 43.1, StartLon: -2.1, EndLat: 43.2, EndLon: -2.2},
			},
		}, nil
	}}
}

func exportStage(seen *[]echotrail.StageInput) funcStage {
	return funcStage{name: "export", fn: func(in echotrail.StageInput) (echotrail.StageOutput, error) {
		*seen = append(*seen, in)
		return echotrail.StageOutput{Products: echotrail.Products{
			Artifact: &echotrail.Artifact{ID: in.RawFile.ID + ".zarr", Type: ".zarr"},
		}}, nil
	}}
}

func TestAppProcessFile(t *testing.T) {
	testEnv(t)
	pub := &recordingPublisher{}
	var seen []echotrail.StageInput

	app, err := echotrail.New(
		echotrail.WithLogger(quietLogger()),
		echotrail.WithoutServer(),
		echotrail.WithPublisher(pub),
		echotrail.WithStage(computeStage()),
		echotrail.WithStage(exportStage(&seen)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	path := writeRaw(t, t.TempDir(), "D20240501-T100000.raw")
	res := app.ProcessFile(context.Background(), path)
	require.Equal(t, echotrail.StatusSuccess, res.Status, res.Error)
	assert.Equal(t, path, res.RawFileID)
	assert.Equal(t, "export", res.StageReached)
	require.Len(t, res.Profile, 2)
	assert.Equal(t, "compute", res.Profile[0].Stage)

	// The later stage sees what the earlier one produced.
	require.Len(t, seen, 1)
	assert.Equal(t, []echotrail.Dataset{{Name: "sv", Handle: "mem://sv"}}, seen[0].Datasets)
	require.NotNil(t, seen[0].Products.Echogram)
	assert.Equal(t, 10, seen[0].Products.Echogram.Pings)
	assert.Equal(t, "EK60", seen[0].Settings.SonarModel)

	assert.Equal(t, 1, pub.count("output1"))
	assert.Equal(t, 1, pub.count("outputml"))

	again := app.ProcessFile(context.Background(), path)
	assert.Equal(t, echotrail.StatusSkippedDuplicate, again.Status)
	assert.True(t, again.Skipped())

	recs, err := app.Records(context.Background(), echotrail.RecordFilter{RawFileID: path})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, echotrail.StatusSuccess, recs[0].Status)
	require.NotNil(t, recs[0].ProcessedFileID)
	assert.Equal(t, path+".zarr", *recs[0].ProcessedFileID)
	require.NotNil(t, recs[0].FileStartTime)
	assert.True(t, recs[0].FileStartTime.Equal(start))
}

func TestAppStageReportsUnusableInput(t *testing.T) {
	testEnv(t)
	pub := &recordingPublisher{}
	bad := funcStage{name: "export", fn: func(echotrail.StageInput) (echotrail.StageOutput, error) {
		return echotrail.StageOutput{}, fmt.Errorf("truncated ping: %w", echotrail.ErrInputUnusable)
	}}

	app, err := echotrail.New(
		echotrail.WithLogger(quietLogger()),
		echotrail.WithoutServer(),
		echotrail.WithPublisher(pub),
		echotrail.WithStage(computeStage()),
		echotrail.WithStage(bad),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	path := writeRaw(t, t.TempDir(), "bad.raw")
	res := app.ProcessFile(context.Background(), path)
	assert.Equal(t, echotrail.StatusFailed, res.Status)
	assert.Equal(t, "export", res.FailedStage)
	assert.Contains(t, res.Error, "input-unusable")

	// A failed run still reports a summary but never hands off downstream.
	assert.Equal(t, 1, pub.count("output1"))
	assert.Equal(t, 0, pub.count("outputml"))

	recs, err := app.Records(context.Background(), echotrail.RecordFilter{Status: echotrail.StatusFailed})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].ProcessedFileID)
}

func TestAppScanDirectory(t *testing.T) {
	testEnv(t)
	var seen []echotrail.StageInput
	app, err := echotrail.New(
		echotrail.WithLogger(quietLogger()),
		echotrail.WithoutServer(),
		echotrail.WithPublisher(&recordingPublisher{}),
		echotrail.WithStage(computeStage()),
		echotrail.WithStage(exportStage(&seen)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	dir := t.TempDir()
	b := writeRaw(t, dir, "b.raw")
	a := writeRaw(t, dir, "a.RAW")
	writeRaw(t, dir, ".hidden.raw")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	results, err := app.ScanDirectory(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, a, results[0].RawFileID)
	assert.Equal(t, b, results[1].RawFileID)
	for _, r := range results {
		assert.Equal(t, echotrail.StatusSuccess, r.Status)
	}
}

func TestAppWithoutServer(t *testing.T) {
	testEnv(t)
	app, err := echotrail.New(
		echotrail.WithLogger(quietLogger()),
		echotrail.WithoutServer(),
		echotrail.WithPublisher(&recordingPublisher{}),
		echotrail.WithStage(computeStage()),
		echotrail.WithStage(exportStage(new([]echotrail.StageInput))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	assert.Nil(t, app.Handler())
	assert.ErrorIs(t, app.Run(context.Background()), echotrail.ErrNoServer)

	n, err := app.AbandonStaleRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppHandlerServesSettings(t *testing.T) {
	testEnv(t)
	t.Setenv("ECHOTRAIL_SURVEY_NAME", "Bay of Biscay 2024")

	app, err := echotrail.New(
		echotrail.WithLogger(quietLogger()),
		echotrail.WithVersion("1.2.3"),
		echotrail.WithPublisher(&recordingPublisher{}),
		echotrail.WithStage(computeStage()),
		echotrail.WithStage(exportStage(new([]echotrail.StageInput))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Data struct {
			Version string `json:"version"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "1.2.3", health.Data.Version)

	assert.Equal(t, "Bay of Biscay 2024", app.Settings().SurveyName)
}

func TestNewRejectsRepeatedStage(t *testing.T) {
	testEnv(t)
	t.Setenv("ECHOTRAIL_STAGES", "compute,compute")

	_, err := echotrail.New(
		echotrail.WithLogger(quietLogger()),
		echotrail.WithoutServer(),
		echotrail.WithPublisher(&recordingPublisher{}),
		echotrail.WithStage(computeStage()),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listed twice")
}
