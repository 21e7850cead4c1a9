package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/config"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/core"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/logger"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/consolidator"
)

// Pool moves queued evidence into the registry's consolidators, one
// goroutine per app and at most cfg.Count apps at a time.
type Pool struct {
	queue    core.EvidenceQueue
	registry *Registry
	cfg      config.WorkerConfig
	logger   *logger.Logger
}

func NewPool(queue core.EvidenceQueue, registry *Registry, cfg config.WorkerConfig, log *logger.Logger) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.QueuePollInterval <= 0 {
		cfg.QueuePollInterval = time.Second
	}
	return &Pool{
		queue:    queue,
		registry: registry,
		cfg:      cfg,
		logger:   log.WithComponent("worker"),
	}
}

// Drain empties the queues of the given apps, or of every known app when
// none are named. An invariant failure discards that app's consolidation
// without affecting the others.
func (p *Pool) Drain(ctx context.Context, apps ...string) error {
	if len(apps) == 0 {
		var err error
		if apps, err = p.queue.Apps(ctx); err != nil {
			return fmt.Errorf("failed to list queued apps: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Count)
	for _, app := range apps {
		app := app
		g.Go(func() error {
			return p.drainApp(gctx, app)
		})
	}
	return g.Wait()
}

func (p *Pool) drainApp(ctx context.Context, app string) (err error) {
	start := time.Now()
	ctx, span := p.logger.StartOperation(ctx, "worker.drain", "app", app)
	ingested := 0
	defer func() {
		p.logger.FinishOperation(ctx, span, "worker.drain", start, err, "app", app, "ingested", ingested)
	}()

	c, err := p.registry.Get(app)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := p.queue.PopBatch(ctx, app, p.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to pop evidence for %s: %w", app, err)
		}
		if len(batch) == 0 {
			return nil
		}

		for _, ev := range batch {
			_, ierr := c.Ingest(ev)
			if errors.Is(ierr, consolidator.ErrFinalized) {
				// finalized between batches: the rest belongs to a new scan
				if c, err = p.registry.Get(app); err != nil {
					return err
				}
				_, ierr = c.Ingest(ev)
			}
			switch {
			case ierr == nil:
				ingested++
			case consolidator.IsRejection(ierr):
			default:
				var inv *consolidator.StateInvariantError
				if errors.As(ierr, &inv) {
					p.logger.LogError(ctx, ierr, "worker.drain.abort", "app", app)
					p.registry.Drop(app)
					return nil
				}
				return ierr
			}
		}
	}
}

// Run drains every queue on each poll tick until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Infow("Worker pool started",
		"concurrency", p.cfg.Count,
		"batch_size", p.cfg.BatchSize,
		"poll_interval", p.cfg.QueuePollInterval,
	)

	ticker := time.NewTicker(p.cfg.QueuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Infow("Worker pool stopped")
			return nil
		case <-ticker.C:
			if err := p.Drain(ctx); err != nil && ctx.Err() == nil {
				p.logger.LogError(ctx, err, "worker.Run")
			}
		}
	}
}
