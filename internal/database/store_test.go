package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/config"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/core"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/logger"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("surfacemap_test"),
		postgres.WithUsername("surfacemap_test"),
		postgres.WithPassword("surfacemap_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewStore(ctx, config.DatabaseConfig{Driver: "postgres", DSN: dsn}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testCatalog(freq int, at time.Time) *types.Catalog {
	c := types.NewCatalog([]types.CatalogEntry{
		{
			Signature:    "GET api.example.com/v1/users/{id}",
			Host:         "api.example.com",
			Path:         "/v1/users/{id}",
			Method:       "GET",
			Parameters:   []types.Parameter{{Type: "numeric_id", Value: "1"}},
			Sources:      []types.SourceKind{types.SourceStatic},
			OriginalURLs: []string{"https://api.example.com/v1/users/1"},
			RiskLevel:    types.RiskMedium,
			FirstSeen:    at,
			LastSeen:     at,
			Frequency:    freq,
		},
	}, at)
	c.MarkFinalized()
	return c
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://user:xxxxx@db:5432/app", MaskDSN("postgres://user:secret@db:5432/app"))
	assert.Equal(t, "***", MaskDSN("short"))
}

func TestMigrationChecksum(t *testing.T) {
	all := AllMigrations()
	require.NotEmpty(t, all)
	for i, m := range all {
		assert.Equal(t, i+1, m.Version)
		assert.Len(t, m.Checksum(), 16)
		assert.NotEmpty(t, m.Down)
	}
}

func TestStoreSnapshots(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	first, err := store.SaveSnapshot(ctx, &types.Snapshot{App: "com.example", Label: "v1"}, testCatalog(1, t0))
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, types.ScanStatusCompleted, first.Status)
	assert.Equal(t, 1, first.TotalEntries)

	t.Run("duplicate digest returns existing", func(t *testing.T) {
		rerun := testCatalog(1, t0)
		rerun.Metadata.GeneratedAt = t0.Add(time.Hour)
		again, err := store.SaveSnapshot(ctx, &types.Snapshot{App: "com.example", Label: "v1-rerun"}, rerun)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	})

	second, err := store.SaveSnapshot(ctx, &types.Snapshot{App: "com.example", Label: "v2"}, testCatalog(4, t0.Add(24*time.Hour)))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	t.Run("load catalog", func(t *testing.T) {
		c, err := store.LoadCatalog(ctx, second.ID)
		require.NoError(t, err)
		assert.True(t, c.IsFinalized())
		assert.Equal(t, 4, c.Entries["GET api.example.com/v1/users/{id}"].Frequency)
	})

	t.Run("list and latest", func(t *testing.T) {
		snaps, err := store.ListSnapshots(ctx, core.SnapshotFilter{App: "com.example"})
		require.NoError(t, err)
		assert.Len(t, snaps, 2)

		latest, err := store.Latest(ctx, "com.example")
		require.NoError(t, err)
		assert.Equal(t, second.ID, latest.ID)
	})

	t.Run("history", func(t *testing.T) {
		points, err := store.History(ctx, "com.example", "GET api.example.com/v1/users/{id}")
		require.NoError(t, err)
		require.Len(t, points, 2)
		assert.Equal(t, 1, points[0].Frequency)
		assert.Equal(t, 4, points[1].Frequency)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := store.GetSnapshot(ctx, "nope")
		assert.ErrorIs(t, err, core.ErrSnapshotNotFound)
	})

	t.Run("rejects draft catalog", func(t *testing.T) {
		_, err := store.SaveSnapshot(ctx, &types.Snapshot{App: "com.example"}, types.NewCatalog(nil, t0))
		assert.Error(t, err)
	})
}
