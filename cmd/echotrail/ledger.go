package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/echotrail"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and maintain the processing ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger records, newest first",
	Args:  cobra.NoArgs,
	RunE:  runLedgerList,
}

var ledgerCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Mark stale provisional runs as failed",
	Long:  "Fails every running record older than --older-than (default ECHOTRAIL_STALE_RUN_TTL). Such rows are left behind by a host that crashed mid-run; once failed, the file can be triggered again.",
	Args:  cobra.NoArgs,
	RunE:  runLedgerCleanup,
}

var (
	ledgerListRawFileID string
	ledgerListStatus    string
	ledgerListDigest    string
	ledgerListLimit     int
	ledgerOlderThan     time.Duration
)

func init() {
	ledgerListCmd.Flags().StringVar(&ledgerListRawFileID, "raw-file-id", "", "Only records for this raw file (absolute path)")
	ledgerListCmd.Flags().StringVar(&ledgerListStatus, "status", "", "Only records with this status: running, success or failed")
	ledgerListCmd.Flags().StringVar(&ledgerListDigest, "fingerprint", "", "Only records whose raw file has this content digest (sha256:...)")
	ledgerListCmd.Flags().IntVar(&ledgerListLimit, "limit", 100, "Maximum records to print")
	ledgerCleanupCmd.Flags().DurationVar(&ledgerOlderThan, "older-than", 0, "Age after which a running record is stale (default ECHOTRAIL_STALE_RUN_TTL)")

	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerCleanupCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func runLedgerList(cmd *cobra.Command, _ []string) error {
	switch echotrail.Status(ledgerListStatus) {
	case "", echotrail.StatusRunning, echotrail.StatusSuccess, echotrail.StatusFailed:
	default:
		return fmt.Errorf("--status=%q must be one of running, success, failed", ledgerListStatus)
	}
	if ledgerListLimit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	app, err := newApp(echotrail.WithoutServer())
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	recs, err := app.Records(cmd.Context(), echotrail.RecordFilter{
		RawFileID:   ledgerListRawFileID,
		Status:      echotrail.Status(ledgerListStatus),
		Fingerprint: ledgerListDigest,
		Limit:       ledgerListLimit,
	})
	if err != nil {
		return fmt.Errorf("list ledger: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, r := range recs {
		if err := enc.Encode(recordLine(r)); err != nil {
			return err
		}
	}
	return nil
}

func runLedgerCleanup(cmd *cobra.Command, _ []string) error {
	if ledgerOlderThan < 0 {
		return fmt.Errorf("--older-than must not be negative")
	}
	app, err := newApp(echotrail.WithoutServer())
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	n, err := app.AbandonStaleRuns(cmd.Context(), ledgerOlderThan)
	if err != nil {
		return fmt.Errorf("cleanup ledger: %w", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "failed %d stale run(s)\n", n)
	return err
}

// ledgerRow uses the ledger's column names.
type ledgerRow struct {
	ID                  int64      `json:"id"`
	RunID               string     `json:"run_id"`
	FilenameRaw         string     `json:"filename_raw"`
	FiletypeRaw         string     `json:"filetype_raw"`
	FilenameProcessed   *string    `json:"filename_processed"`
	FiletypeProcessed   *string    `json:"filetype_processed"`
	FileStartDate       *time.Time `json:"file_start_date"`
	FileEndDate         *time.Time `json:"file_end_date"`
	ProcessingStartDate time.Time  `json:"processing_start_date"`
	ProcessingEndDate   *time.Time `json:"processing_end_date"`
	Status              string     `json:"status"`
	AdditionalInfo      string     `json:"additional_info"`
	Fingerprint         *string    `json:"fingerprint"`
}

func recordLine(r echotrail.Record) ledgerRow {
	return ledgerRow{
		ID:                  r.ID,
		RunID:               r.RunID.String(),
		FilenameRaw:         r.RawFileID,
		FiletypeRaw:         r.RawFileType,
		FilenameProcessed:   r.ProcessedFileID,
		FiletypeProcessed:   r.ProcessedFileType,
		FileStartDate:       r.FileStartTime,
		FileEndDate:         r.FileEndTime,
		ProcessingStartDate: r.ProcessingStartedAt,
		ProcessingEndDate:   r.ProcessingEndedAt,
		Status:              string(r.Status),
		AdditionalInfo:      r.Info,
		Fingerprint:         r.Fingerprint,
	}
}
