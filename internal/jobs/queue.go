package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/config"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/core"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

const (
	evidencePrefix = "surfacemap:evidence:"
	appsKey        = "surfacemap:apps"
	deadPrefix     = "surfacemap:dead:"
)

var _ core.EvidenceQueue = (*RedisQueue)(nil)

// RedisQueue keeps one list of JSON-encoded evidence per app.
type RedisQueue struct {
	client *redis.Client
	cfg    config.RedisConfig
}

func NewRedisQueue(ctx context.Context, cfg config.RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{client: client, cfg: cfg}, nil
}

func key(app string) string { return evidencePrefix + app }

// Push appends items to the app's queue in order.
func (q *RedisQueue) Push(ctx context.Context, app string, items ...types.Evidence) error {
	if app == "" {
		return fmt.Errorf("push: app is required")
	}
	if len(items) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(items))
	for _, ev := range items {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal evidence: %w", err)
		}
		values = append(values, data)
	}

	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, key(app), values...)
	pipe.SAdd(ctx, appsKey, app)
	_, err := pipe.Exec(ctx)
	return err
}

// PopBatch removes up to max items from the head of the app's queue.
// Entries that no longer decode are moved to a dead-letter list.
func (q *RedisQueue) PopBatch(ctx context.Context, app string, max int) ([]types.Evidence, error) {
	if max <= 0 {
		max = 1
	}
	raw, err := q.client.LPopCount(ctx, key(app), max).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	out := make([]types.Evidence, 0, len(raw))
	for _, r := range raw {
		var ev types.Evidence
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			q.client.RPush(ctx, deadPrefix+app, r)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (q *RedisQueue) Len(ctx context.Context, app string) (int64, error) {
	return q.client.LLen(ctx, key(app)).Result()
}

// Apps lists every app that has ever been pushed to, sorted.
func (q *RedisQueue) Apps(ctx context.Context) ([]string, error) {
	apps, err := q.client.SMembers(ctx, appsKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(apps)
	return apps, nil
}

// Forget drops the app's pending evidence and its registration.
func (q *RedisQueue) Forget(ctx context.Context, app string) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, key(app))
	pipe.SRem(ctx, appsKey, app)
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetters returns undecodable payloads parked for app.
func (q *RedisQueue) DeadLetters(ctx context.Context, app string) ([]string, error) {
	return q.client.LRange(ctx, deadPrefix+app, 0, -1).Result()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

