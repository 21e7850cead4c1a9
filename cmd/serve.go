package cmd

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/api"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/transport"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/worker"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/consolidator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with optional queue workers and bus subscriber",
	Long: `Start the surfacemap HTTP API.

The server always exposes evidence ingestion, catalog preview, finalize,
diff and a live event stream per app. Optional backends:
  --store   save finalized catalogs in PostgreSQL (snapshots, history)
  --queue   accept ?async=true uploads and run the Redis worker pool
  --nats    also consume evidence from NATS and publish events there

Example:
  surfacemap serve --port 8080 --store --queue
  SURFACEMAP_SECURITY_API_KEY=... surfacemap serve --auth`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "host to bind to")
	serveCmd.Flags().Bool("cors", false, "allow cross-origin requests from localhost")
	serveCmd.Flags().Bool("auth", false, "require the API key as a bearer token")
	serveCmd.Flags().Bool("store", false, "persist finalized catalogs in PostgreSQL")
	serveCmd.Flags().Bool("queue", false, "enable the Redis evidence queue and worker pool")
	serveCmd.Flags().Bool("nats", false, "subscribe to evidence on NATS")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.enable_cors", serveCmd.Flags().Lookup("cors"))
	viper.BindPFlag("security.enable_auth", serveCmd.Flags().Lookup("auth"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	host, _ := cmd.Flags().GetString("host")
	withStore, _ := cmd.Flags().GetBool("store")
	withQueue, _ := cmd.Flags().GetBool("queue")
	withNATS, _ := cmd.Flags().GetBool("nats")

	slog := log.WithComponent("serve")
	slog.Infow("Starting surfacemap API server",
		"host", host,
		"port", cfg.Server.Port,
		"store", withStore,
		"queue", withQueue,
		"nats", withNATS,
		"config_file", viper.ConfigFileUsed(),
	)

	m := metrics.New(prometheus.NewRegistry())
	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warnw("Telemetry disabled", "error", err)
		tel = telemetry.Nop()
	}
	defer tel.Close()

	hub := api.NewHub()
	observers := []consolidator.Observer{hub.Publish}

	var nc *nats.Conn
	if withNATS {
		nc, err = transport.Connect(cfg.NATS, log)
		if err != nil {
			return err
		}
		defer nc.Drain()
		observers = append(observers, transport.EventPublisher(nc, cfg.NATS.SubjectPrefix, m))
	}

	regOpts := []worker.RegistryOption{worker.WithTelemetry(telemetry.Multi{tel, m})}
	for _, o := range observers {
		regOpts = append(regOpts, worker.WithObserver(o))
	}
	registry := worker.NewRegistry(consolidatorConfig(cfg.Catalog), log, regOpts...)

	deps := api.Deps{Registry: registry, Hub: hub, Metrics: m, Logger: log}
	if withStore {
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		deps.Store = store
	}

	var queue *jobs.RedisQueue
	if withQueue {
		queue, err = jobs.NewRedisQueue(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer queue.Close()
		deps.Queue = queue
	}

	server, err := api.NewServer(ctx, *cfg, deps)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, fmt.Sprintf("%s:%d", host, cfg.Server.Port))
	})
	if queue != nil {
		pool := worker.NewPool(queue, registry, cfg.Worker, log)
		g.Go(func() error { return pool.Run(gctx) })
	}
	if nc != nil {
		sub := transport.NewSubscriber(cfg.NATS, registry, log, busOptions(deps, m)...)
		g.Go(func() error { return sub.Run(gctx, nc) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Infow("Server stopped")
	return nil
}

// busOptions hands the bus subscriber the same backends as the API.
func busOptions(deps api.Deps, m *metrics.Metrics) []transport.SubscriberOption {
	opts := []transport.SubscriberOption{transport.WithMetrics(m)}
	if deps.Queue != nil {
		opts = append(opts, transport.WithQueue(deps.Queue))
	}
	if deps.Store != nil {
		opts = append(opts, transport.WithStore(deps.Store))
	}
	return opts
}
