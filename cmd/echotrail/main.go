// Command echotrail processes echosounder raw files: once per file, through
// the configured stage pipeline, recording every run in the processing ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/echotrail"
)

// version is set at build time via -ldflags.
var version = "dev"

// errRunsFailed makes the exit status reflect failed runs.
var errRunsFailed = errors.New("one or more runs failed")

var rootCmd = &cobra.Command{
	Use:           "echotrail",
	Short:         "Process echosounder raw files exactly once",
	Long:          "echotrail runs echosounder raw files through an ordered stage pipeline, records every run in a processing ledger and publishes a summary of each run.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger, err := newLogger(os.Getenv("ECHOTRAIL_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunsFailed) {
			slog.Error("fatal error", "error", err)
		}
		return 1
	}
	return 0
}

// newLogger returns the JSON logger. Logs go to stderr so command output on
// stdout stays machine-readable.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, fmt.Errorf("ECHOTRAIL_LOG_LEVEL=%q: %w", level, err)
		}
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// newApp builds the App for a command.
func newApp(opts ...echotrail.Option) (*echotrail.App, error) {
	opts = append([]echotrail.Option{
		echotrail.WithLogger(slog.Default()),
		echotrail.WithVersion(version),
	}, opts...)
	return echotrail.New(opts...)
}
