package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/a11yscan/internal/server"
)

func newSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <url>",
		Short: "Queue a scan and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			target, err := url.Parse(args[0])
			if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
				return fmt.Errorf("url must be an absolute http or https URL: %q", args[0])
			}
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			app, err := buildApp(cmd.Context(), cfg, server.Mode{})
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() {
				if closeErr := app.Close(cmd.Context()); closeErr != nil && err == nil {
					err = fmt.Errorf("close application: %w", closeErr)
				}
			}()

			id, err := app.Submit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
