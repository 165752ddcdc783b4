package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/echotrail"
)

var processCmd = &cobra.Command{
	Use:   "process <file>...",
	Short: "Process raw files now",
	Long:  "Processes each named raw file in order and prints one JSON result per file. Files already processed successfully are skipped.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runProcess,
}

var scanCmd = &cobra.Command{
	Use:   "scan <dir>",
	Short: "Process every raw file under a directory",
	Long:  "Walks dir for .raw files (hidden entries are ignored), processes them in lexical order and prints one JSON result per file.",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

func init() {
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(scanCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	app, err := newApp(echotrail.WithoutServer())
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	results := make([]echotrail.RunResult, 0, len(args))
	for _, path := range args {
		if cmd.Context().Err() != nil {
			break
		}
		results = append(results, app.ProcessFile(cmd.Context(), path))
	}
	return printResults(cmd.OutOrStdout(), results)
}

func runScan(cmd *cobra.Command, args []string) error {
	app, err := newApp(echotrail.WithoutServer())
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	results, scanErr := app.ScanDirectory(cmd.Context(), args[0])
	if err := printResults(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	if scanErr != nil {
		return fmt.Errorf("scan %s: %w", args[0], scanErr)
	}
	return nil
}

// resultLine is the printed form of a RunResult.
type resultLine struct {
	RawFileID    string  `json:"raw_file_id"`
	RunID        string  `json:"run_id,omitempty"`
	Status       string  `json:"status"`
	StageReached string  `json:"stage_reached,omitempty"`
	FailedStage  string  `json:"failed_stage,omitempty"`
	Error        string  `json:"error,omitempty"`
	Detections   int     `json:"detections"`
	DurationMS   float64 `json:"duration_ms"`
}

func printResults(w io.Writer, results []echotrail.RunResult) error {
	enc := json.NewEncoder(w)
	failed := 0
	for _, r := range results {
		line := resultLine{
			RawFileID:    r.RawFileID,
			Status:       string(r.Status),
			StageReached: r.StageReached,
			FailedStage:  r.FailedStage,
			Error:        r.Error,
			Detections:   r.Detections,
			DurationMS:   float64(r.Duration) / float64(time.Millisecond),
		}
		if !r.Skipped() {
			line.RunID = r.RunID.String()
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
		if r.Status == echotrail.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errRunsFailed, failed, len(results))
	}
	return nil
}
