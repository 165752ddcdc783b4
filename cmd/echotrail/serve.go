package main

import (
	"github.com/spf13/cobra"

	"github.com/ashita-ai/echotrail"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control surface and the configured trigger sources",
	Long:  "Serves /health, /v1/files, /v1/ledger and /v1/settings, listens on the sources named in ECHOTRAIL_TRIGGERS, and fails stale provisional runs on a schedule. Stops on SIGINT or SIGTERM.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var servePort int

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides ECHOTRAIL_PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	app, err := newApp(echotrail.WithPort(servePort))
	if err != nil {
		return err
	}
	return app.Run(cmd.Context())
}
