package cmd

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/database"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the snapshot database schema.`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending database migrations",
	Long: `Apply pending schema migrations in order. Commands that open the store
migrate automatically; this is for deployments that run migrations as a
separate step.`,
	RunE: runDBMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database migration status",
	RunE:  runDBStatus,
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback <version>",
	Short: "Roll back one migration",
	Long: `Roll back one migration version.

Warning: this undoes the schema changes of the migration and may drop stored
snapshots.`,
	Args: cobra.ExactArgs(1),
	RunE: runDBRollback,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbRollbackCmd)

	dbRollbackCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
}

// withMigrations connects without migrating and hands a runner to fn.
func withMigrations(ctx context.Context, timeout time.Duration, fn func(context.Context, *database.MigrationRunner) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, database.NewMigrationRunner(db, log))
}

func runDBMigrate(cmd *cobra.Command, args []string) error {
	log.Infow("Starting database migration", "component", "db_migrate")

	err := withMigrations(cmd.Context(), 60*time.Second, func(ctx context.Context, runner *database.MigrationRunner) error {
		return runner.Run(ctx)
	})
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "Database is up to date")
	return nil
}

func runDBStatus(cmd *cobra.Command, args []string) error {
	var status map[string]interface{}
	err := withMigrations(cmd.Context(), 10*time.Second, func(ctx context.Context, runner *database.MigrationRunner) error {
		var err error
		status, err = runner.Status(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Database Migration Status")
	fmt.Fprintln(out, "=========================")
	fmt.Fprintf(out, "Current Version:  %d\n", status["current_version"])
	fmt.Fprintf(out, "Latest Version:   %d\n", status["latest_version"])
	fmt.Fprintf(out, "Pending:          %d migrations\n", status["pending_count"])

	if upToDate, _ := status["is_up_to_date"].(bool); upToDate {
		color.New(color.FgGreen).Fprintln(out, "\nStatus: Database is up to date")
	} else {
		color.New(color.FgYellow).Fprintln(out, "\nStatus: Pending migrations need to be applied")
		fmt.Fprintln(out, "Run 'surfacemap db migrate' to apply them")
	}
	return nil
}

func runDBRollback(cmd *cobra.Command, args []string) error {
	version, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid version number: %s", args[0])
	}
	yes, _ := cmd.Flags().GetBool("yes")

	if !yes {
		color.New(color.FgYellow).Fprintf(cmd.ErrOrStderr(), "Roll back migration %d? [y/N] ", version)
		answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			return fmt.Errorf("rollback cancelled")
		}
	}

	log.Warnw("Rolling back database migration",
		"component", "db_rollback",
		"version", version,
	)
	err = withMigrations(cmd.Context(), 30*time.Second, func(ctx context.Context, runner *database.MigrationRunner) error {
		return runner.Rollback(ctx, version)
	})
	if err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Migration %d rolled back\n", version)
	return nil
}
