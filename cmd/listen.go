package cmd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/transport"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/worker"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Consume evidence from NATS",
	Long: `Subscribe to <prefix>.evidence.<app> and <prefix>.finalize.<app> in the
configured queue group. Evidence is merged in-process, or pushed to Redis with
--queue so that a "serve --queue" fleet consolidates it. Consolidator events
are republished on <prefix>.events.<app>.`,
	RunE: runListen,
}

func init() {
	rootCmd.AddCommand(listenCmd)

	listenCmd.Flags().Bool("store", false, "save catalogs finalized over the bus in PostgreSQL")
	listenCmd.Flags().Bool("queue", false, "forward evidence to the Redis queue instead of merging it here")
}

func runListen(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	withStore, _ := cmd.Flags().GetBool("store")
	withQueue, _ := cmd.Flags().GetBool("queue")

	nc, err := transport.Connect(cfg.NATS, log)
	if err != nil {
		return err
	}
	defer nc.Drain()

	m := metrics.New(prometheus.NewRegistry())
	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		log.Warnw("Telemetry disabled", "error", err)
		tel = telemetry.Nop()
	}
	defer tel.Close()

	registry := worker.NewRegistry(consolidatorConfig(cfg.Catalog), log,
		worker.WithTelemetry(tel),
		worker.WithObserver(transport.EventPublisher(nc, cfg.NATS.SubjectPrefix, m)),
	)

	opts := []transport.SubscriberOption{transport.WithMetrics(m)}
	if withStore {
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, transport.WithStore(store))
	}
	if withQueue {
		queue, err := jobs.NewRedisQueue(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer queue.Close()
		opts = append(opts, transport.WithQueue(queue))
	}

	log.WithComponent("listen").Infow("Listening for evidence",
		"url", cfg.NATS.URL,
		"prefix", cfg.NATS.SubjectPrefix,
		"queue_group", cfg.NATS.QueueGroup,
	)
	return transport.NewSubscriber(cfg.NATS, registry, log, opts...).Run(ctx, nc)
}
