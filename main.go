package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"privatrengoering.dk/cloud/internal/config"
	"privatrengoering.dk/cloud/internal/logger"
	"privatrengoering.dk/cloud/internal/version"
	"privatrengoering.dk/cloud/storage"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "privatrengoering",
	Short:         "Privat Rengøring subscription service",
	Long:          `Runs checkout, billing portal and webhook handling for Privat Rengøring subscriptions.`,
	Version:       version.Read("VERSION"),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (default)",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := storage.Open(databasePath(cmd))
		if err != nil {
			return err
		}
		defer db.Close()

		if err := storage.Migrate(db); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		logger.Info("Migrations applied", map[string]interface{}{"database": databasePath(cmd)})
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		if steps <= 0 {
			return fmt.Errorf("--steps must be positive")
		}

		db, err := storage.Open(databasePath(cmd))
		if err != nil {
			return err
		}
		defer db.Close()

		if err := storage.MigrateDown(db, steps); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		logger.Info("Migrations reverted", map[string]interface{}{
			"database": databasePath(cmd),
			"steps":    steps,
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file to load")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return config.LoadEnvFile(envFile)
	}

	migrateCmd.PersistentFlags().String("db", "", "database file (defaults to DATABASE_PATH)")
	migrateDownCmd.Flags().Int("steps", 1, "number of migrations to revert")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)

	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func databasePath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("db"); path != "" {
		return path
	}
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		return path
	}
	return "privatrengoering.db"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command failed", map[string]interface{}{"error": err.Error()})
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
