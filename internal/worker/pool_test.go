package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/config"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/logger"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/consolidator"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

type memQueue struct {
	mu    sync.Mutex
	items map[string][]types.Evidence
}

func newMemQueue() *memQueue { return &memQueue{items: map[string][]types.Evidence{}} }

func (q *memQueue) Push(_ context.Context, app string, items ...types.Evidence) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[app] = append(q.items[app], items...)
	return nil
}

func (q *memQueue) PopBatch(_ context.Context, app string, max int) ([]types.Evidence, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items[app]
	if len(items) < max {
		max = len(items)
	}
	out := items[:max]
	q.items[app] = items[max:]
	return out, nil
}

func (q *memQueue) Len(_ context.Context, app string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items[app])), nil
}

func (q *memQueue) Apps(context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	apps := make([]string, 0, len(q.items))
	for app := range q.items {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps, nil
}

func (q *memQueue) Close() error { return nil }

func static(raw string) types.Evidence {
	return types.Evidence{Source: types.SourceStatic, RawValue: raw, ObservedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestPoolDrain(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	for i := 0; i < 25; i++ {
		require.NoError(t, q.Push(ctx, "com.a", static(fmt.Sprintf("https://api.a.com/users/%d", i+100))))
	}
	require.NoError(t, q.Push(ctx, "com.b", static("https://b.com/login"), static("not a url at all")))

	reg := NewRegistry(consolidator.DefaultConfig(), logger.NewNop())
	pool := NewPool(q, reg, config.WorkerConfig{Count: 2, BatchSize: 10}, logger.NewNop())

	require.NoError(t, pool.Drain(ctx))
	assert.Equal(t, []string{"com.a", "com.b"}, reg.Apps())

	a, err := reg.Finalize("com.a")
	require.NoError(t, err)
	require.Len(t, a.Entries, 1)
	assert.Equal(t, 25, a.Entries["* api.a.com/users/{id}"].Frequency)

	b, err := reg.Finalize("com.b")
	require.NoError(t, err)
	assert.Len(t, b.Entries, 1)
	assert.Equal(t, int64(1), b.Metadata.QuarantinedEvidence)

	assert.Empty(t, reg.Apps())
}

func TestPoolStartsNewScanAfterFinalize(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	reg := NewRegistry(consolidator.DefaultConfig(), logger.NewNop())
	pool := NewPool(q, reg, config.WorkerConfig{Count: 1, BatchSize: 5}, logger.NewNop())

	require.NoError(t, q.Push(ctx, "com.a", static("https://a.com/v1/first")))
	require.NoError(t, pool.Drain(ctx, "com.a"))
	first, err := reg.Finalize("com.a")
	require.NoError(t, err)

	require.NoError(t, q.Push(ctx, "com.a", static("https://a.com/v1/second")))
	require.NoError(t, pool.Drain(ctx, "com.a"))
	second, err := reg.Finalize("com.a")
	require.NoError(t, err)

	assert.Contains(t, first.Entries, "* a.com/v1/first")
	assert.NotContains(t, second.Entries, "* a.com/v1/first")
	assert.Contains(t, second.Entries, "* a.com/v1/second")
}

func TestPoolAbortDropsOnlyThatApp(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	blocked := consolidator.WithEntryCheck(func(e types.CatalogEntry) error {
		if e.Host == "bad.com" {
			return fmt.Errorf("host %s is blocked", e.Host)
		}
		return nil
	})
	reg := NewRegistry(consolidator.DefaultConfig(), logger.NewNop(), WithConsolidatorOptions(blocked))
	pool := NewPool(q, reg, config.WorkerConfig{Count: 2, BatchSize: 1}, logger.NewNop())

	require.NoError(t, q.Push(ctx, "com.bad",
		static("https://ok.com/login"),
		static("https://bad.com/v1/b"),
		static("https://ok.com/v1/health/status"),
	))
	require.NoError(t, q.Push(ctx, "com.good",
		static("https://ok.com/login"),
		static("https://ok.com/v1/health/status"),
	))

	require.NoError(t, pool.Drain(ctx))
	assert.Equal(t, []string{"com.good"}, reg.Apps())

	_, err := reg.Finalize("com.bad")
	assert.ErrorIs(t, err, ErrUnknownApp)

	cat, err := reg.Finalize("com.good")
	require.NoError(t, err)
	assert.Equal(t, 2, cat.Metadata.TotalEntries)
}

func TestRegistryUnknownApp(t *testing.T) {
	reg := NewRegistry(consolidator.DefaultConfig(), logger.NewNop())
	_, err := reg.Finalize("missing")
	assert.ErrorIs(t, err, ErrUnknownApp)
	_, err = reg.Get("")
	assert.Error(t, err)
}

func TestPoolRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := newMemQueue()
	require.NoError(t, q.Push(ctx, "com.a", static("https://a.com/x")))
	reg := NewRegistry(consolidator.DefaultConfig(), logger.NewNop())
	pool := NewPool(q, reg, config.WorkerConfig{Count: 1, QueuePollInterval: 10 * time.Millisecond}, logger.NewNop())

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, _ := q.Len(ctx, "com.a")
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, []string{"com.a"}, reg.Apps())
}
