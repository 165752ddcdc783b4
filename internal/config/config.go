// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/echotrail/internal/dispatch"
	"github.com/ashita-ai/echotrail/internal/pipeline"
	"github.com/ashita-ai/echotrail/internal/settings"
)

// Ledger backends.
const (
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// Trigger sources for the serve command.
const (
	TriggerPGNotify = "pgnotify"
	TriggerRedis    = "redis"
	TriggerPoll     = "poll"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.

	// Ledger settings.
	Ledger      string // "sqlite", "postgres" or "memory"
	SQLitePath  string
	DatabaseURL string // Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.

	// Redis settings.
	RedisURL string

	// Messaging.
	Publishers         []string
	TelemetryChannel   string
	DownstreamChannel  string
	Triggers           []string
	TriggerChannel     string
	TriggerConcurrency int

	// Processing.
	Stages          []string
	ProcessorCmd    []string
	OutputDir       string
	WatchDir        string
	ScanInterval    time.Duration
	ScanConcurrency int
	StaleRunTTL     time.Duration
	JanitorInterval time.Duration

	// Survey defaults for the settings store.
	Survey settings.Snapshot

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	str := func(key, def string) string { return envStr(key, def) }
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}

	defaults := settings.Defaults()
	depthOffset, err := envFloat("ECHOTRAIL_DEPTH_OFFSET", defaults.DepthOffset)
	collect(err)
	insecure, err := envBool("ECHOTRAIL_OTEL_INSECURE", false)
	collect(err)

	cfg := Config{
		Port:                num("ECHOTRAIL_PORT", 8080),
		ReadTimeout:         dur("ECHOTRAIL_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        dur("ECHOTRAIL_WRITE_TIMEOUT", 15*time.Minute),
		MaxRequestBodyBytes: int64(num("ECHOTRAIL_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		Ledger:              str("ECHOTRAIL_LEDGER", LedgerSQLite),
		SQLitePath:          str("ECHOTRAIL_SQLITE_PATH", "echotrail.db"),
		DatabaseURL:         str("DATABASE_URL", ""),
		NotifyURL:           str("NOTIFY_URL", ""),
		RedisURL:            str("REDIS_URL", ""),
		Publishers:          envList("ECHOTRAIL_PUBLISHERS", []string{dispatch.KindLog}),
		TelemetryChannel:    str("ECHOTRAIL_TELEMETRY_CHANNEL", "output1"),
		DownstreamChannel:   str("ECHOTRAIL_DOWNSTREAM_CHANNEL", "outputml"),
		Triggers:            envList("ECHOTRAIL_TRIGGERS", nil),
		TriggerChannel:      str("ECHOTRAIL_TRIGGER_CHANNEL", "echotrail_files"),
		TriggerConcurrency:  num("ECHOTRAIL_TRIGGER_CONCURRENCY", 1),
		Stages:              envList("ECHOTRAIL_STAGES", pipeline.DefaultOrder),
		ProcessorCmd:        strings.Fields(str("ECHOTRAIL_PROCESSOR_CMD", "echotrail-processor")),
		OutputDir:           str("ECHOTRAIL_OUTPUT_DIR", "out"),
		WatchDir:            str("ECHOTRAIL_WATCH_DIR", ""),
		ScanInterval:        dur("ECHOTRAIL_SCAN_INTERVAL", 30*time.Second),
		ScanConcurrency:     num("ECHOTRAIL_SCAN_CONCURRENCY", 1),
		StaleRunTTL:         dur("ECHOTRAIL_STALE_RUN_TTL", 6*time.Hour),
		JanitorInterval:     dur("ECHOTRAIL_JANITOR_INTERVAL", 10*time.Minute),
		Survey: settings.Snapshot{
			SonarModel:       str("ECHOTRAIL_SONAR_MODEL", defaults.SonarModel),
			WaveformMode:     str("ECHOTRAIL_WAVEFORM_MODE", defaults.WaveformMode),
			EncodeMode:       str("ECHOTRAIL_ENCODE_MODE", defaults.EncodeMode),
			DepthOffset:      depthOffset,
			SurveyID:         str("ECHOTRAIL_SURVEY_ID", ""),
			SurveyName:       str("ECHOTRAIL_SURVEY_NAME", ""),
			PlatformType:     str("ECHOTRAIL_PLATFORM_TYPE", ""),
			PlatformName:     str("ECHOTRAIL_PLATFORM_NAME", ""),
			PlatformCodeICES: str("ECHOTRAIL_PLATFORM_CODE_ICES", ""),
		},
		OTELEndpoint: str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  str("OTEL_SERVICE_NAME", "echotrail"),
		OTELInsecure: insecure,
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is complete and consistent.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Ledger {
	case LedgerSQLite:
		if c.SQLitePath == "" {
			fail("ECHOTRAIL_SQLITE_PATH is required for the sqlite ledger")
		}
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			fail("DATABASE_URL is required for the postgres ledger")
		}
	case LedgerMemory:
	default:
		fail("ECHOTRAIL_LEDGER=%q must be one of sqlite, postgres, memory", c.Ledger)
	}

	if len(c.Publishers) == 0 {
		fail("ECHOTRAIL_PUBLISHERS must name at least one publisher")
	}
	for _, p := range c.Publishers {
		switch p {
		case dispatch.KindLog:
		case dispatch.KindPGNotify:
			if c.DatabaseURL == "" {
				fail("the pgnotify publisher needs DATABASE_URL")
			}
		case dispatch.KindRedis:
			if c.RedisURL == "" {
				fail("the redis publisher needs REDIS_URL")
			}
		default:
			fail("unknown publisher %q in ECHOTRAIL_PUBLISHERS", p)
		}
	}
	for _, t := range c.Triggers {
		switch t {
		case TriggerPGNotify:
			if c.DatabaseURL == "" {
				fail("the pgnotify trigger needs DATABASE_URL")
			}
		case TriggerRedis:
			if c.RedisURL == "" {
				fail("the redis trigger needs REDIS_URL")
			}
		case TriggerPoll:
			if c.WatchDir == "" {
				fail("the poll trigger needs ECHOTRAIL_WATCH_DIR")
			}
		default:
			fail("unknown trigger %q in ECHOTRAIL_TRIGGERS", t)
		}
	}

	if c.TelemetryChannel == "" || c.DownstreamChannel == "" {
		fail("ECHOTRAIL_TELEMETRY_CHANNEL and ECHOTRAIL_DOWNSTREAM_CHANNEL must not be empty")
	}
	if len(c.Stages) == 0 {
		fail("ECHOTRAIL_STAGES must name at least one stage")
	}
	if len(c.ProcessorCmd) == 0 {
		fail("ECHOTRAIL_PROCESSOR_CMD is required")
	}
	if c.ScanConcurrency <= 0 {
		fail("ECHOTRAIL_SCAN_CONCURRENCY must be positive")
	}
	if c.TriggerConcurrency <= 0 {
		fail("ECHOTRAIL_TRIGGER_CONCURRENCY must be positive")
	}
	if c.ScanInterval <= 0 || c.JanitorInterval <= 0 {
		fail("ECHOTRAIL_SCAN_INTERVAL and ECHOTRAIL_JANITOR_INTERVAL must be positive")
	}
	if c.StaleRunTTL <= 0 {
		fail("ECHOTRAIL_STALE_RUN_TTL must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		fail("ECHOTRAIL_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if err := c.Survey.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// NotifyDSN returns the URL for the LISTEN connection.
func (c Config) NotifyDSN() string {
	if c.NotifyURL != "" {
		return c.NotifyURL
	}
	return c.DatabaseURL
}

// HasTrigger reports whether the named trigger source is enabled.
func (c Config) HasTrigger(name string) bool {
	return slices.Contains(c.Triggers, name)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envList splits a comma-separated variable, dropping empty items.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return slices.Clone(defaultVal)
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
