// Package cmd defines the a11yscan CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/a11yscan/internal/config"
	"github.com/JakeFAU/a11yscan/internal/server"
)

// App is the part of server.App the commands drive. Tests swap in a fake.
type App interface {
	Run(ctx context.Context) error
	Submit(ctx context.Context, url string) (int64, error)
	Close(ctx context.Context) error
}

// buildApp is the application factory. It's a variable so tests can replace it.
var buildApp = func(ctx context.Context, cfg *config.Config, mode server.Mode) (App, error) {
	app, err := server.Build(ctx, cfg, mode)
	if err != nil {
		return nil, err
	}
	return app, nil
}

type configKeyType struct{}

var configKey configKeyType

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "a11yscan",
		Short: "Accessibility pre-check scanner.",
		Long: `a11yscan queues URLs, renders them in headless Chrome at desktop and
mobile viewports, runs an axe-core audit, and stores normalized findings,
screenshots and a report for each scan.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if port := os.Getenv("PORT"); port != "" {
				p, convErr := strconv.Atoi(port)
				if convErr != nil || p <= 0 {
					return fmt.Errorf("invalid PORT %q", port)
				}
				cfg.Server.Port = p
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, &cfg))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd(), newWorkerCmd(), newSubmitCmd())
	return cmd
}

func configFrom(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// runApp builds an app for mode and runs it until SIGINT or SIGTERM.
func runApp(cmd *cobra.Command, mode server.Mode) error {
	cfg, err := configFrom(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, mode)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("run application: %w", err)
	}
	return nil
}

// Execute runs the root command.
func Execute() {
	ctx := context.Background()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
