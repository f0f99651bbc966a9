package main

import (
	"fmt"
	"io/fs"
	"os"

	"github.com/nimasrn/message-blast/internal/config"
	"github.com/nimasrn/message-blast/migrations"
	"github.com/nimasrn/message-blast/pkg/logger"
	"github.com/nimasrn/message-blast/pkg/pg"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	envFile string
	dir     string
)

var rootCmd = &cobra.Command{
	Use:   "blastctl",
	Short: "Maintenance commands for the blast services",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Load(envFile)
	},
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status|redo|version]",
	Short:     "Run database migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status", "redo", "version"},
	RunE:      runMigrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("blastctl %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "Path to an env file loaded before the environment")
	migrateCmd.Flags().StringVar(&dir, "dir", "", "Read migrations from this directory instead of the embedded ones")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	var fsys fs.FS = migrations.FS
	path := "."
	if dir != "" {
		fsys, path = nil, dir
	}

	if err := pg.Migrate(config.Get().PostgresWriteConfig(), fsys, path, args[0]); err != nil {
		logger.Error("migration failed", "command", args[0], "error", err)
		return err
	}
	logger.Info("migration finished", "command", args[0])
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
