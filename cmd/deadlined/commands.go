package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-deadlines/adapters/gologger"
	"github.com/goliatone/go-deadlines/app"
	"github.com/goliatone/go-deadlines/command"
	"github.com/goliatone/go-deadlines/core"
)

func serveCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, worker pool and deadline schedule",
		Long: `Start the HTTP surface and background workers.

Examples:
  deadlined serve --config deadlines.yaml
  deadlined serve --db-driver postgres --db-dsn postgres://localhost/deadlines --http-addr :9000`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("start: %w", err)
			}
			return a.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&flags.httpAddr, "http-addr", "", "HTTP listen address")
	return cmd
}

func scanCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one overdue deadline batch and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			result, err := a.Scan(ctx, command.ScanOverdueMessage{TriggeredBy: command.TriggerCLI})
			if err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func dispatchCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch [transfer-id]",
		Short: "Run the notification chain for a single transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			result, err := a.Dispatch(ctx, args[0])
			if err != nil {
				return fmt.Errorf("dispatch: %w", err)
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("dispatch %s: %s", result.TransferID, result.Message)
			}
			return nil
		},
	}
}

func migrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx, flags)
			if err != nil {
				return err
			}
			if cfg.Database.Driver == core.DriverMemory {
				return fmt.Errorf("migrate: memory driver has no schema")
			}
			client, err := app.OpenDatabase(cfg)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := app.Migrate(ctx, client, cfg.Database.Driver); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
}

func loadConfig(ctx context.Context, flags *rootFlags) (core.Config, error) {
	runtime := core.Config{
		HTTP:     core.HTTPConfig{Addr: flags.httpAddr},
		Database: core.DatabaseConfig{Driver: flags.dbDriver, DSN: flags.dbDSN},
	}
	cfg, err := app.LoadConfig(ctx, core.NewViperConfigLoader(flags.configPath), runtime)
	if err != nil {
		return core.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func buildApp(ctx context.Context, flags *rootFlags) (*app.App, error) {
	cfg, err := loadConfig(ctx, flags)
	if err != nil {
		return nil, err
	}
	format := gologger.FormatText
	if flags.logFormat == string(gologger.FormatJSON) {
		format = gologger.FormatJSON
	}
	logger := gologger.NewConsole(
		gologger.WithOutput(os.Stderr),
		gologger.WithFormat(format),
		gologger.WithLevel(flags.logLevel),
	)
	return app.New(ctx, cfg, app.WithLoggerProvider(logger))
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
