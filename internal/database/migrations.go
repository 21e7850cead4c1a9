package database

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/logger"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/blake2b"
)

// Migration is one versioned schema step.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// Checksum fingerprints the Up SQL so edited migrations are detectable.
func (m Migration) Checksum() string {
	sum := blake2b.Sum256([]byte(m.Up))
	return hex.EncodeToString(sum[:8])
}

type MigrationRunner struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) *MigrationRunner {
	return &MigrationRunner{db: db, log: log}
}

// AllMigrations returns every migration in version order.
func AllMigrations() []Migration {
	migrations := []Migration{
		{
			Version:     1,
			Description: "Create catalog_snapshots and catalog_entries",
			Up: `
				CREATE TABLE IF NOT EXISTS catalog_snapshots (
					id TEXT PRIMARY KEY,
					app TEXT NOT NULL,
					label TEXT NOT NULL DEFAULT '',
					digest TEXT NOT NULL,
					status TEXT NOT NULL,
					total_entries INTEGER NOT NULL,
					dropped_evidence BIGINT NOT NULL DEFAULT 0,
					quarantined_evidence BIGINT NOT NULL DEFAULT 0,
					generated_at TIMESTAMPTZ NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					document JSONB NOT NULL
				);

				CREATE TABLE IF NOT EXISTS catalog_entries (
					snapshot_id TEXT NOT NULL REFERENCES catalog_snapshots(id) ON DELETE CASCADE,
					signature TEXT NOT NULL,
					sig_hash BIGINT NOT NULL,
					host TEXT NOT NULL,
					path TEXT NOT NULL,
					method TEXT NOT NULL,
					risk_level TEXT NOT NULL,
					first_seen TIMESTAMPTZ NOT NULL,
					last_seen TIMESTAMPTZ NOT NULL,
					frequency INTEGER NOT NULL,
					PRIMARY KEY (snapshot_id, signature)
				);
			`,
			Down: `
				DROP TABLE IF EXISTS catalog_entries;
				DROP TABLE IF EXISTS catalog_snapshots;
			`,
		},
		{
			Version:     2,
			Description: "Index snapshots by app and entries by signature hash",
			Up: `
				CREATE INDEX IF NOT EXISTS idx_snapshots_app_created ON catalog_snapshots(app, created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_entries_sig_hash ON catalog_entries(sig_hash);
				CREATE INDEX IF NOT EXISTS idx_entries_risk ON catalog_entries(risk_level);
			`,
			Down: `
				DROP INDEX IF EXISTS idx_snapshots_app_created;
				DROP INDEX IF EXISTS idx_entries_sig_hash;
				DROP INDEX IF EXISTS idx_entries_risk;
			`,
		},
		{
			Version:     3,
			Description: "One snapshot per app and content digest",
			Up: `
				CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshots_app_digest ON catalog_snapshots(app, digest);
			`,
			Down: `
				DROP INDEX IF EXISTS idx_snapshots_app_digest;
			`,
		},
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations
}

func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			checksum TEXT NOT NULL
		);
	`
	if _, err := mr.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func (mr *MigrationRunner) appliedMigrations(ctx context.Context) (map[int]string, error) {
	rows, err := mr.db.QueryxContext(ctx, "SELECT version, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}

// Run applies every pending migration. A migration already applied with a
// different checksum is reported and left alone.
func (mr *MigrationRunner) Run(ctx context.Context) error {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := mr.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	pending := 0
	for _, m := range AllMigrations() {
		sum, ok := applied[m.Version]
		if ok {
			if sum != m.Checksum() {
				mr.log.Warnw("Applied migration checksum differs",
					"component", "migrations",
					"version", m.Version,
					"recorded", sum,
					"expected", m.Checksum(),
				)
			}
			continue
		}
		if err := mr.apply(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
		pending++
	}

	mr.log.Infow("Database schema is up to date",
		"component", "migrations",
		"migrations_applied", pending,
	)
	return nil
}

func (mr *MigrationRunner) apply(ctx context.Context, m Migration) error {
	mr.log.Infow("Applying migration",
		"component", "migrations",
		"version", m.Version,
		"description", m.Description,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at, checksum) VALUES ($1, $2, $3, $4)`,
		m.Version, m.Description, time.Now().UTC(), m.Checksum(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Rollback reverts one applied migration.
func (mr *MigrationRunner) Rollback(ctx context.Context, version int) error {
	var migration *Migration
	for _, m := range AllMigrations() {
		if m.Version == version {
			m := m
			migration = &m
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration version %d not found", version)
	}
	if migration.Down == "" {
		return fmt.Errorf("migration version %d has no rollback SQL", version)
	}

	mr.log.Warnw("Rolling back migration",
		"component", "migrations",
		"version", version,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	return tx.Commit()
}

// Status reports applied and pending migration counts.
func (mr *MigrationRunner) Status(ctx context.Context) (map[string]interface{}, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	applied, err := mr.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	all := AllMigrations()
	current := 0
	for v := range applied {
		if v > current {
			current = v
		}
	}
	pending := 0
	for _, m := range all {
		if _, ok := applied[m.Version]; !ok {
			pending++
		}
	}

	return map[string]interface{}{
		"current_version": current,
		"latest_version":  all[len(all)-1].Version,
		"pending_count":   pending,
		"is_up_to_date":   pending == 0,
	}, nil
}
