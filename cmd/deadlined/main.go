package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	dbDriver   string
	dbDSN      string
	httpAddr   string
	logFormat  string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "deadlined",
		Short:         "Deadline notification and confirmation orchestrator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&flags.dbDriver, "db-driver", "", "database driver: sqlite3, postgres or memory")
	rootCmd.PersistentFlags().StringVar(&flags.dbDSN, "db-dsn", "", "database connection string")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level")

	rootCmd.AddCommand(serveCmd(flags))
	rootCmd.AddCommand(scanCmd(flags))
	rootCmd.AddCommand(dispatchCmd(flags))
	rootCmd.AddCommand(migrateCmd(flags))
	return rootCmd
}
