// Package echotrail is the public API for embedding the echotrail raw-file
// processing service.
//
// Embedders construct an App with functional options and either serve it or
// drive it directly:
//
//	app, err := echotrail.New(
//	    echotrail.WithVersion(version),
//	    echotrail.WithLogger(logger),
//	    echotrail.WithStage(myExportStage{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the root.
// Public types (RunResult, Record, StageInput, ...) are standalone structs;
// the conversions to and from internal types live in this file because it is
// the only one that sees both sides of the boundary.
package echotrail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/echotrail/internal/config"
	"github.com/ashita-ai/echotrail/internal/dispatch"
	"github.com/ashita-ai/echotrail/internal/ledger"
	"github.com/ashita-ai/echotrail/internal/model"
	"github.com/ashita-ai/echotrail/internal/orchestrator"
	"github.com/ashita-ai/echotrail/internal/pipeline"
	"github.com/ashita-ai/echotrail/internal/server"
	"github.com/ashita-ai/echotrail/internal/settings"
	"github.com/ashita-ai/echotrail/internal/stageexec"
	"github.com/ashita-ai/echotrail/internal/storage"
	"github.com/ashita-ai/echotrail/internal/storage/sqlite"
	"github.com/ashita-ai/echotrail/internal/telemetry"
	"github.com/ashita-ai/echotrail/internal/trigger"
	"github.com/ashita-ai/echotrail/migrations"
)

// ErrInputUnusable marks a stage failure caused by the raw file itself.
// Stages wrap it; the ledger records the run as failed with an
// "input-unusable" reason.
var ErrInputUnusable = pipeline.ErrInputUnusable

// ErrNoServer is returned by Run on an App built WithoutServer.
var ErrNoServer = errors.New("echotrail: app was built without a server")

const (
	shutdownHTTPTimeout  = 30 * time.Second
	shutdownDrainTimeout = 2 * time.Minute
)

// App is the echotrail service lifecycle. Construct with New(), run with Run().
type App struct {
	cfg    config.Config
	ledger ledger.Ledger
	pg     *storage.DB   // nil unless a Postgres component is configured
	rdb    *redis.Client // nil unless a Redis component is configured
	store  *settings.Store
	orch   *orchestrator.Orchestrator

	janitor    *orchestrator.Janitor
	router     *trigger.Router
	poller     *trigger.Poller
	pgListener *trigger.PGListener
	redisSub   *trigger.RedisSubscriber
	srv        *server.Server

	stopSources  context.CancelFunc
	sources      sync.WaitGroup
	otelShutdown telemetry.Shutdown
	closeOnce    sync.Once
	closeErr     error
	logger       *slog.Logger
	version      string
}

// New loads configuration, opens the ledger (running its migrations), and
// wires every subsystem. It does NOT start any goroutines or accept HTTP
// connections; call Run, or use the App directly for one-shot work and Close
// it afterwards.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	ctx := context.Background()
	a := &App{cfg: cfg, logger: logger, version: version}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Attributes: map[string]string{
			"echotrail.platform.name": cfg.Survey.PlatformName,
			"echotrail.platform.type": cfg.Survey.PlatformType,
			"echotrail.survey.id":     cfg.Survey.SurveyID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.otelShutdown = otelShutdown

	if err := a.openBackends(ctx, o); err != nil {
		_ = a.Close()
		return nil, err
	}

	pub, err := a.publisher(o)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	dispatcher := dispatch.New(pub, dispatch.Channels{
		Telemetry:  cfg.TelemetryChannel,
		Downstream: cfg.DownstreamChannel,
	}, logger)

	stages, err := buildStages(cfg, o.stages, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.store, err = settings.NewStore(cfg.Survey)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("settings: %w", err)
	}

	a.orch, err = orchestrator.New(orchestrator.Config{
		Ledger:          a.ledger,
		Stages:          stages,
		Settings:        a.store,
		Dispatcher:      dispatcher,
		Logger:          logger,
		ScanConcurrency: cfg.ScanConcurrency,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	if !o.noServer {
		a.wireServe()
	}

	logger.Info("echotrail ready",
		"version", version,
		"ledger", cfg.Ledger,
		"stages", cfg.Stages,
		"publishers", cfg.Publishers,
		"triggers", cfg.Triggers,
	)
	return a, nil
}

func (o resolvedOptions) apply(cfg *config.Config) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.ledger != "" {
		cfg.Ledger = o.ledger
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.watchDir != "" {
		cfg.WatchDir = o.watchDir
	}
	if o.staleRunTTL > 0 {
		cfg.StaleRunTTL = o.staleRunTTL
	}
	if o.noServer {
		cfg.Triggers = nil
	}
}

// openBackends connects Postgres and Redis where any component needs them,
// then opens the ledger.
func (a *App) openBackends(ctx context.Context, o resolvedOptions) error {
	cfg := a.cfg
	publishers := cfg.Publishers
	if o.publisher != nil {
		publishers = nil
	}
	listen := cfg.HasTrigger(config.TriggerPGNotify)
	needPG := cfg.Ledger == config.LedgerPostgres || listen ||
		slices.Contains(publishers, dispatch.KindPGNotify)
	needRedis := cfg.HasTrigger(config.TriggerRedis) ||
		slices.Contains(publishers, dispatch.KindRedis)

	if needPG {
		notifyDSN := ""
		if listen {
			notifyDSN = cfg.NotifyDSN()
		}
		db, err := storage.New(ctx, cfg.DatabaseURL, notifyDSN, a.logger)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.pg = db
		if err := db.RegisterPoolMetrics(); err != nil {
			a.logger.Warn("echotrail: pool metrics unavailable", "error", err)
		}
	}

	if needRedis {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: parse REDIS_URL: %w", err)
		}
		a.rdb = redis.NewClient(ropts)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.logger.Warn("redis: not available", "error", err)
		}
	}

	switch cfg.Ledger {
	case config.LedgerPostgres:
		if err := a.pg.RunMigrations(ctx, migrations.Postgres()); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
		a.ledger = a.pg
	case config.LedgerSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath, a.logger)
		if err != nil {
			return err
		}
		a.ledger = db
		if err := db.RunMigrations(ctx, migrations.SQLite()); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	case config.LedgerMemory:
		a.logger.Warn("ledger: in-memory backend, processing history is lost on exit")
		a.ledger = ledger.NewMemory()
	}
	return nil
}

func (a *App) publisher(o resolvedOptions) (dispatch.Publisher, error) {
	if o.publisher != nil {
		return o.publisher, nil
	}
	deps := dispatch.Deps{Logger: a.logger}
	// Typed nils would defeat Build's nil checks.
	if a.pg != nil {
		deps.Notifier = a.pg
	}
	if a.rdb != nil {
		deps.Redis = a.rdb
	}
	return dispatch.Build(a.cfg.Publishers, deps)
}

// buildStages resolves the configured stage order. Embedder stages take
// precedence; every other name runs through the processor command.
func buildStages(cfg config.Config, custom []Stage, logger *slog.Logger) ([]pipeline.Stage, error) {
	byName := make(map[string]Stage, len(custom))
	for _, s := range custom {
		byName[s.Name()] = s
	}

	reg := pipeline.NewRegistry()
	for _, s := range byName {
		if err := reg.Register(stageAdapter{stage: s}); err != nil {
			return nil, err
		}
	}

	var external []string
	for _, n := range cfg.Stages {
		if _, ok := byName[n]; !ok {
			external = append(external, n)
		}
	}
	if len(external) > 0 {
		cmd, err := stageexec.New(cfg.ProcessorCmd, cfg.OutputDir, logger)
		if err != nil {
			return nil, err
		}
		if err := cmd.Register(reg, external); err != nil {
			return nil, err
		}
	}
	return reg.Resolve(cfg.Stages)
}

// wireServe builds the long-running parts: HTTP server, trigger sources and
// the stale-run janitor.
func (a *App) wireServe() {
	cfg := a.cfg
	a.janitor = orchestrator.NewJanitor(a.ledger, a.logger, cfg.JanitorInterval, cfg.StaleRunTTL)
	a.router = trigger.NewRouter(a.orch, a.store, a.logger, cfg.TriggerConcurrency)

	if cfg.HasTrigger(config.TriggerPGNotify) {
		a.pgListener = trigger.NewPGListener(a.pg, cfg.TriggerChannel, a.router, a.logger)
	}
	if cfg.HasTrigger(config.TriggerRedis) {
		a.redisSub = trigger.NewRedisSubscriber(trigger.RedisSubscribe(a.rdb), cfg.TriggerChannel, a.router, a.logger)
	}
	if cfg.HasTrigger(config.TriggerPoll) {
		a.poller = trigger.NewPoller(a.orch, cfg.WatchDir, cfg.ScanInterval, a.logger)
	}

	a.srv = server.New(server.Config{
		Ledger:              a.ledger,
		Files:               a.orch,
		Settings:            a.store,
		Logger:              a.logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RawRoot:             cfg.WatchDir,
	})
}

// Run starts the janitor, the trigger sources and the HTTP server, then
// blocks until ctx is cancelled or the server fails. On return, Shutdown has
// been called; callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	if a.srv == nil {
		return ErrNoServer
	}

	srcCtx, stop := context.WithCancel(ctx)
	a.stopSources = stop

	a.janitor.Start(srcCtx)
	if a.poller != nil {
		a.poller.Start(srcCtx)
	}
	if a.pgListener != nil {
		a.runSource(srcCtx, "pgnotify", a.pgListener.Run)
	}
	if a.redisSub != nil {
		a.runSource(srcCtx, "redis", a.redisSub.Run)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	a.logger.Info("echotrail serving", "port", a.cfg.Port)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.logger.Error("http server failed", "error", runErr)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func (a *App) runSource(ctx context.Context, name string, run func(context.Context) error) {
	a.sources.Go(func() {
		if err := run(ctx); err != nil {
			a.logger.Error("trigger source stopped", "source", name, "error", err)
		}
	})
}

// Shutdown stops in order:
// (1) stop accepting HTTP requests and drain in-flight ones,
// (2) stop the trigger sources and wait for the runs they started,
// (3) run the janitor's final sweep.
// It then closes the ledger, the connections and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("echotrail shutting down")

	if a.srv != nil {
		httpCtx, cancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		cancel()
	}

	drainCtx, cancel := context.WithTimeout(ctx, shutdownDrainTimeout)
	defer cancel()
	if a.stopSources != nil {
		a.stopSources()
	}
	if a.poller != nil {
		a.poller.Drain(drainCtx)
	}
	a.sources.Wait()
	if a.router != nil {
		a.router.Wait()
	}
	if a.janitor != nil {
		a.janitor.Drain(drainCtx)
	}

	err := a.Close()
	a.logger.Info("echotrail stopped")
	return err
}

// Close releases the ledger, connections and telemetry. Use it after
// one-shot work on an App that was never Run. Safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.ledger != nil {
			errs = append(errs, a.ledger.Close())
		}
		if a.pg != nil {
			errs = append(errs, a.pg.Close())
		}
		if a.rdb != nil {
			errs = append(errs, a.rdb.Close())
		}
		if a.otelShutdown != nil {
			errs = append(errs, a.otelShutdown(context.Background()))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// Handler returns the HTTP handler, for tests and for mounting under another
// server. It is nil on an App built WithoutServer.
func (a *App) Handler() http.Handler {
	if a.srv == nil {
		return nil
	}
	return a.srv.Handler()
}

// ProcessFile processes one raw file now and reports the result. A file that
// was already processed successfully is skipped.
func (a *App) ProcessFile(ctx context.Context, path string) RunResult {
	return toPublicResult(a.orch.ProcessFile(ctx, path))
}

// ScanDirectory processes every raw file under dir in lexical order.
func (a *App) ScanDirectory(ctx context.Context, dir string) ([]RunResult, error) {
	results, err := a.orch.ScanDirectory(ctx, dir)
	out := make([]RunResult, 0, len(results))
	for _, r := range results {
		out = append(out, toPublicResult(r))
	}
	return out, err
}

// Records lists ledger rows, newest first.
func (a *App) Records(ctx context.Context, f RecordFilter) ([]Record, error) {
	recs, err := a.ledger.Records(ctx, ledger.RecordFilter{
		RawFileID:   f.RawFileID,
		Status:      model.RecordStatus(f.Status),
		Fingerprint: f.Fingerprint,
		Limit:       f.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, toPublicRecord(r))
	}
	return out, nil
}

// AbandonStaleRuns fails provisional ledger rows older than olderThan,
// or older than the configured stale-run TTL when olderThan is zero.
func (a *App) AbandonStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = a.cfg.StaleRunTTL
	}
	return a.ledger.AbandonStaleRuns(ctx, olderThan)
}

// Settings returns the current survey settings.
func (a *App) Settings() Settings {
	return toPublicSettings(a.store.Current())
}

// ── Adapters (defined here because this file imports both sides) ───────────

// stageAdapter wraps an echotrail.Stage to satisfy pipeline.Stage.
type stageAdapter struct {
	stage Stage
}

func (s stageAdapter) Name() string { return s.stage.Name() }

func (s stageAdapter) Run(ctx context.Context, pc pipeline.Context) (pipeline.Context, error) {
	in := StageInput{
		RawFile: RawFile{
			ID:          pc.RawFile.ID,
			Path:        pc.RawFile.Path,
			Type:        pc.RawFile.Type,
			SonarModel:  pc.RawFile.Integrity.SonarModel,
			Fingerprint: pc.RawFile.Integrity.Fingerprint,
		},
		Settings: toPublicSettings(pc.Settings),
		Products: toPublicProducts(pc.Products),
	}
	for _, d := range pc.Datasets {
		in.Datasets = append(in.Datasets, Dataset(d))
	}

	out, err := s.stage.Run(ctx, in)
	if err != nil {
		return pc, err
	}
	for _, d := range out.Datasets {
		pc = pc.WithDataset(pipeline.Dataset(d))
	}
	mergeProducts(&pc.Products, out.Products)
	return pc, nil
}

func toPublicSettings(s *settings.Snapshot) Settings {
	if s == nil {
		return Settings{}
	}
	return Settings{
		Version:          s.Version,
		SonarModel:       s.SonarModel,
		WaveformMode:     s.WaveformMode,
		EncodeMode:       s.EncodeMode,
		DepthOffset:      s.DepthOffset,
		SurveyID:         s.SurveyID,
		SurveyName:       s.SurveyName,
		PlatformType:     s.PlatformType,
		PlatformName:     s.PlatformName,
		PlatformCodeICES: s.PlatformCodeICES,
	}
}

func toPublicProducts(p pipeline.Products) Products {
	var out Products
	if p.Echogram != nil {
		e := Echogram(*p.Echogram)
		out.Echogram = &e
	}
	if p.Track != nil {
		t := Track(*p.Track)
		out.Track = &t
	}
	if p.Seabed != nil {
		s := Seabed(*p.Seabed)
		out.Seabed = &s
	}
	if p.NASC != nil {
		n := NASC(*p.NASC)
		out.NASC = &n
	}
	if p.Shoals != nil {
		out.Shoals = make([]map[string]any, 0, len(p.Shoals.Items))
		for _, sh := range p.Shoals.Items {
			out.Shoals = append(out.Shoals, sh)
		}
	}
	if p.Artifact != nil {
		a := Artifact(*p.Artifact)
		out.Artifact = &a
	}
	return out
}

// mergeProducts replaces each product in dst that p carries.
func mergeProducts(dst *pipeline.Products, p Products) {
	if p.Echogram != nil {
		e := pipeline.Echogram(*p.Echogram)
		dst.Echogram = &e
	}
	if p.Track != nil {
		t := pipeline.Track(*p.Track)
		dst.Track = &t
	}
	if p.Seabed != nil {
		s := pipeline.Seabed(*p.Seabed)
		dst.Seabed = &s
	}
	if p.NASC != nil {
		n := pipeline.NASC(*p.NASC)
		dst.NASC = &n
	}
	if p.Shoals != nil {
		set := &pipeline.ShoalSet{Items: make([]pipeline.Shoal, 0, len(p.Shoals))}
		for _, sh := range p.Shoals {
			set.Items = append(set.Items, sh)
		}
		dst.Shoals = set
	}
	if p.Artifact != nil {
		a := pipeline.Artifact(*p.Artifact)
		dst.Artifact = &a
	}
}

func toPublicResult(r orchestrator.Result) RunResult {
	out := RunResult{
		RawFileID:    r.RawFileID,
		RunID:        r.RunID,
		Status:       Status(r.Status),
		StageReached: r.StageReached,
		FailedStage:  r.FailedStage,
		Error:        r.Error,
		Detections:   r.Detections,
		Duration:     r.Duration,

		StagesDuration: r.StagesDuration,
	}
	for _, t := range r.Profile {
		out.Profile = append(out.Profile, StageTiming(t))
	}
	return out
}

func toPublicRecord(r model.ProcessingRecord) Record {
	return Record{
		ID:                  r.ID,
		RunID:               r.RunID,
		RawFileID:           r.RawFileID,
		RawFileType:         r.RawFileType,
		ProcessedFileID:     r.ProcessedFileID,
		ProcessedFileType:   r.ProcessedFileType,
		FileStartTime:       r.FileStartTime,
		FileEndTime:         r.FileEndTime,
		ProcessingStartedAt: r.ProcessingStartedAt,
		ProcessingEndedAt:   r.ProcessingEndedAt,
		Status:              Status(r.Status),
		Info:                r.Info,
		Fingerprint:         r.Fingerprint,
	}
}
