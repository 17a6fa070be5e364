package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/a11yscan/internal/server"
)

func newServeCmd() *cobra.Command {
	var apiOnly bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and scan workers",
		Long: `Starts the HTTP API together with the worker pool. With --api-only the
API queues scans for workers running elsewhere against the same database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd, server.Mode{API: true, Workers: !apiOnly})
		},
	}
	cmd.Flags().BoolVar(&apiOnly, "api-only", false, "do not start scan workers")
	return cmd
}
