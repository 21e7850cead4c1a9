package core

import (
	"context"
	"errors"
	"time"

	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

// ErrSnapshotNotFound is returned when a snapshot id or app matches nothing.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// CatalogStore persists finalized catalogs as snapshots.
type CatalogStore interface {
	SaveSnapshot(ctx context.Context, snap *types.Snapshot, catalog *types.Catalog) (*types.Snapshot, error)
	GetSnapshot(ctx context.Context, id string) (*types.Snapshot, error)
	LoadCatalog(ctx context.Context, id string) (*types.Catalog, error)
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*types.Snapshot, error)
	Latest(ctx context.Context, app string) (*types.Snapshot, error)
	History(ctx context.Context, app, signature string) ([]HistoryPoint, error)
	Close() error
}

type SnapshotFilter struct {
	App      string
	Status   types.ScanStatus
	FromDate *time.Time
	ToDate   *time.Time
	Limit    int
	Offset   int
}

// HistoryPoint is one snapshot's view of a single signature.
type HistoryPoint struct {
	SnapshotID  string          `json:"snapshot_id" db:"snapshot_id"`
	GeneratedAt time.Time       `json:"generated_at" db:"generated_at"`
	RiskLevel   types.RiskLevel `json:"risk_level" db:"risk_level"`
	Frequency   int             `json:"frequency" db:"frequency"`
}

// EvidenceQueue buffers evidence between producers and the consolidating
// workers, one FIFO per app.
type EvidenceQueue interface {
	Push(ctx context.Context, app string, items ...types.Evidence) error
	PopBatch(ctx context.Context, app string, max int) ([]types.Evidence, error)
	Len(ctx context.Context, app string) (int64, error)
	Apps(ctx context.Context) ([]string, error)
	Close() error
}

// Telemetry receives consolidation outcomes.
type Telemetry interface {
	RecordIngest(app string, source types.SourceKind, accepted bool)
	RecordFinalize(app string, entries int, duration time.Duration, success bool)
	Close() error
}
