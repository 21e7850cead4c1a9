package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/config"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/core"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/logger"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/catalog"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/signature"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

var _ core.CatalogStore = (*Store)(nil)

// Store keeps catalog snapshots in PostgreSQL.
type Store struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

func NewStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (store *Store, err error) {
	log = log.WithComponent("database")

	start := time.Now()
	ctx, span := log.StartOperation(ctx, "database.NewStore",
		"driver", cfg.Driver,
		"dsn_masked", MaskDSN(cfg.DSN),
		"max_connections", cfg.MaxConnections,
	)
	defer func() {
		log.FinishOperation(ctx, span, "database.NewStore", start, err)
	}()

	db, err := Connect(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	if err := NewMigrationRunner(db, log).Run(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, cfg: cfg, logger: log}, nil
}

// Connect opens a configured connection pool without touching the schema.
func Connect(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*sqlx.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	if driver != "postgres" {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	start := time.Now()
	db, err := sqlx.ConnectContext(ctx, driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.LogDuration(ctx, "database.Connect", start, "driver", driver)

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// DB exposes the underlying handle for tests and maintenance commands.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// MaskDSN hides the password of a URL-form DSN.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		if len(dsn) > 10 {
			return dsn[:5] + "***" + dsn[len(dsn)-5:]
		}
		return "***"
	}
	return u.Redacted()
}

// SaveSnapshot stores a finalized catalog. A catalog whose digest already
// exists for the app is not stored twice; the existing snapshot is returned.
func (s *Store) SaveSnapshot(ctx context.Context, snap *types.Snapshot, c *types.Catalog) (saved *types.Snapshot, err error) {
	if !c.IsFinalized() {
		return nil, fmt.Errorf("refusing to store a catalog that is not finalized")
	}
	if snap == nil || snap.App == "" {
		return nil, fmt.Errorf("snapshot needs an app")
	}

	start := time.Now()
	ctx, span := s.logger.StartOperation(ctx, "database.SaveSnapshot",
		"app", snap.App,
		"entries", len(c.Entries),
	)
	defer func() {
		s.logger.FinishOperation(ctx, span, "database.SaveSnapshot", start, err)
	}()

	doc, err := catalog.Marshal(c)
	if err != nil {
		return nil, err
	}
	digest, err := catalog.Digest(c)
	if err != nil {
		return nil, err
	}

	out := *snap
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Status == "" {
		out.Status = types.ScanStatusCompleted
	}
	out.Digest = digest
	out.TotalEntries = c.Metadata.TotalEntries
	out.Dropped = c.Metadata.DroppedEvidence
	out.Quarantined = c.Metadata.QuarantinedEvidence
	out.GeneratedAt = c.Metadata.GeneratedAt.UTC()
	out.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO catalog_snapshots (
			id, app, label, digest, status, total_entries,
			dropped_evidence, quarantined_evidence, generated_at, created_at, document
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (app, digest) DO NOTHING`,
		out.ID, out.App, out.Label, out.Digest, out.Status, out.TotalEntries,
		out.Dropped, out.Quarantined, out.GeneratedAt, out.CreatedAt, string(doc),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.WithContext(ctx).Infow("Catalog unchanged since a stored snapshot",
			"app", out.App,
			"digest", digest,
		)
		var existing types.Snapshot
		if err := tx.GetContext(ctx, &existing, selectSnapshot+` WHERE app = $1 AND digest = $2`, out.App, digest); err != nil {
			return nil, fmt.Errorf("failed to load existing snapshot: %w", err)
		}
		return &existing, nil
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO catalog_entries (
			snapshot_id, signature, sig_hash, host, path, method,
			risk_level, first_seen, last_seen, frequency
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare entry insert: %w", err)
	}
	defer stmt.Close()

	queryStart := time.Now()
	for _, e := range c.Sorted() {
		if _, err := stmt.ExecContext(ctx,
			out.ID, e.Signature, int64(signature.Hash(e.Signature)), e.Host, e.Path, e.Method,
			string(e.RiskLevel), e.FirstSeen.UTC(), e.LastSeen.UTC(), e.Frequency,
		); err != nil {
			return nil, fmt.Errorf("failed to insert entry %q: %w", e.Signature, err)
		}
	}
	s.logger.LogDatabaseOperation(ctx, "INSERT", "catalog_entries", int64(len(c.Entries)), time.Since(queryStart),
		"snapshot_id", out.ID,
	)

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot: %w", err)
	}

	s.logger.WithContext(ctx).Infow("Snapshot saved",
		"snapshot_id", out.ID,
		"app", out.App,
		"entries", out.TotalEntries,
		"digest", out.Digest,
	)
	return &out, nil
}

const selectSnapshot = `
	SELECT id, app, label, digest, status, total_entries,
		dropped_evidence, quarantined_evidence, generated_at, created_at
	FROM catalog_snapshots`

func (s *Store) GetSnapshot(ctx context.Context, id string) (*types.Snapshot, error) {
	var snap types.Snapshot
	if err := s.db.GetContext(ctx, &snap, selectSnapshot+` WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrSnapshotNotFound
		}
		return nil, err
	}
	return &snap, nil
}

// Latest returns the most recent snapshot of an app.
func (s *Store) Latest(ctx context.Context, app string) (*types.Snapshot, error) {
	var snap types.Snapshot
	err := s.db.GetContext(ctx, &snap, selectSnapshot+` WHERE app = $1 ORDER BY created_at DESC LIMIT 1`, app)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrSnapshotNotFound
		}
		return nil, err
	}
	return &snap, nil
}

// LoadCatalog decodes the stored document back into a finalized catalog.
func (s *Store) LoadCatalog(ctx context.Context, id string) (*types.Catalog, error) {
	var doc []byte
	if err := s.db.QueryRowxContext(ctx, `SELECT document FROM catalog_snapshots WHERE id = $1`, id).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrSnapshotNotFound
		}
		return nil, err
	}
	return catalog.Unmarshal(doc)
}

func (s *Store) ListSnapshots(ctx context.Context, filter core.SnapshotFilter) ([]*types.Snapshot, error) {
	query := selectSnapshot + ` WHERE 1=1`
	args := map[string]interface{}{}

	if filter.App != "" {
		query += " AND app = :app"
		args["app"] = filter.App
	}
	if filter.Status != "" {
		query += " AND status = :status"
		args["status"] = filter.Status
	}
	if filter.FromDate != nil {
		query += " AND created_at >= :from_date"
		args["from_date"] = *filter.FromDate
	}
	if filter.ToDate != nil {
		query += " AND created_at <= :to_date"
		args["to_date"] = *filter.ToDate
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.NamedQueryContext(ctx, query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snaps := []*types.Snapshot{}
	for rows.Next() {
		var snap types.Snapshot
		if err := rows.StructScan(&snap); err != nil {
			return nil, err
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// History traces one signature through an app's snapshots, oldest first.
func (s *Store) History(ctx context.Context, app, sig string) ([]core.HistoryPoint, error) {
	points := []core.HistoryPoint{}
	err := s.db.SelectContext(ctx, &points, `
		SELECT s.id AS snapshot_id, s.generated_at, e.risk_level, e.frequency
		FROM catalog_entries e
		JOIN catalog_snapshots s ON s.id = e.snapshot_id
		WHERE s.app = $1 AND e.sig_hash = $2 AND e.signature = $3
		ORDER BY s.generated_at ASC, s.created_at ASC`,
		app, int64(signature.Hash(sig)), sig,
	)
	if err != nil {
		return nil, err
	}
	return points, nil
}
