package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/a11yscan/internal/server"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run scan workers without the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd, server.Mode{Workers: true})
		},
	}
}
