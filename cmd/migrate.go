package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/occupancy-tracker/internal/database/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply all pending SQL migrations. Every other command that connects to
the database does this on startup as well; migrate is useful in deploy
pipelines that run it before starting the services.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().Bool("status", false, "Only list applied migrations")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	pool, err := postgres.NewPool(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}
	defer pool.Close()

	out := cmd.OutOrStdout()
	if mustGetBool(cmd, "status") {
		applied, err := pool.MigrationsApplied(ctx)
		if err != nil {
			return err
		}
		for _, v := range applied {
			fmt.Fprintln(out, v)
		}
		fmt.Fprintf(out, "\nTotal: %d applied\n", len(applied))
		return nil
	}

	done, err := pool.Migrate(ctx)
	if err != nil {
		return err
	}
	if len(done) == 0 {
		fmt.Fprintln(out, "Database is up to date.")
		return nil
	}
	for _, v := range done {
		fmt.Fprintf(out, "Applied %s\n", v)
	}
	return nil
}
