package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/config"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/database"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/logger"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/consolidator"
)

var (
	cfg *config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "surfacemap",
	Short: "Consolidate mobile-app API surface evidence into a catalog",
	Long: `surfacemap turns noisy endpoint observations about a mobile application into
a deduplicated catalog of API routes.

Evidence comes from three channels: strings extracted from decompiled code,
requests seen on intercepted traffic, and exported content providers. Every
observation is canonicalized, grouped into a route template, keyed by an
endpoint signature and risk-classified. Catalogs of two builds can be diffed.

COMMANDS:
  surfacemap map <files...>          Build a catalog from evidence files
  surfacemap diff <old> <new>        Compare two catalogs
  surfacemap enqueue <app> <files>   Push evidence to the Redis queue
  surfacemap serve                   HTTP API, worker pool and metrics
  surfacemap listen                  Consume evidence from NATS
  surfacemap results list|get|history
  surfacemap db migrate|status|rollback
  surfacemap config show`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(cmd); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log == nil {
			return
		}
		// stdout and stderr cannot be synced on Linux
		if err := log.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") {
			fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
		}
	},
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default ./.surfacemap.yaml or $HOME/.surfacemap.yaml)")

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (json, console)")
	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.PersistentFlags().String("db-dsn", "", "PostgreSQL connection string")
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
	viper.BindEnv("database.dsn", "SURFACEMAP_DATABASE_DSN", "DATABASE_URL")

	rootCmd.PersistentFlags().String("redis-addr", "", "Redis server address")
	viper.BindPFlag("redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindEnv("redis.addr", "SURFACEMAP_REDIS_ADDR", "REDIS_URL")
	viper.BindEnv("redis.password", "SURFACEMAP_REDIS_PASSWORD")

	rootCmd.PersistentFlags().String("nats-url", "", "NATS server URL")
	viper.BindPFlag("nats.url", rootCmd.PersistentFlags().Lookup("nats-url"))
	viper.BindEnv("nats.url", "SURFACEMAP_NATS_URL", "NATS_URL")

	// secrets come from the environment or the config file, never flags
	viper.BindEnv("security.api_key", "SURFACEMAP_SECURITY_API_KEY", "SURFACEMAP_API_KEY")

	setDefaults(config.DefaultConfig())
}

// setDefaults registers every default so that env vars resolve for keys that
// have no flag.
func setDefaults(d *config.Config) {
	viper.SetDefault("logger.output_paths", d.Logger.OutputPaths)
	viper.SetDefault("database.driver", d.Database.Driver)
	viper.SetDefault("database.dsn", d.Database.DSN)
	viper.SetDefault("database.max_connections", d.Database.MaxConnections)
	viper.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	viper.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	viper.SetDefault("redis.addr", d.Redis.Addr)
	viper.SetDefault("redis.max_retries", d.Redis.MaxRetries)
	viper.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	viper.SetDefault("redis.read_timeout", d.Redis.ReadTimeout)
	viper.SetDefault("redis.write_timeout", d.Redis.WriteTimeout)
	viper.SetDefault("nats.url", d.NATS.URL)
	viper.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)
	viper.SetDefault("nats.queue_group", d.NATS.QueueGroup)
	viper.SetDefault("worker.count", d.Worker.Count)
	viper.SetDefault("worker.queue_poll_interval", d.Worker.QueuePollInterval)
	viper.SetDefault("worker.batch_size", d.Worker.BatchSize)
	viper.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	viper.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	viper.SetDefault("telemetry.exporter_type", d.Telemetry.ExporterType)
	viper.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	viper.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)
	viper.SetDefault("security.enable_auth", d.Security.EnableAuth)
	viper.SetDefault("security.rate_limit.requests_per_second", d.Security.RateLimit.RequestsPerSecond)
	viper.SetDefault("security.rate_limit.burst_size", d.Security.RateLimit.BurstSize)
	viper.SetDefault("catalog.max_original_values", d.Catalog.MaxOriginalValues)
	viper.SetDefault("catalog.max_param_examples", d.Catalog.MaxParamExamples)
	viper.SetDefault("catalog.max_quarantined", d.Catalog.MaxQuarantined)
	viper.SetDefault("catalog.canonical_cache_size", d.Catalog.CanonicalCacheSize)
	viper.SetDefault("server.port", d.Server.Port)
	viper.SetDefault("server.enable_cors", d.Server.EnableCORS)
	viper.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	viper.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
}

func initConfig(cmd *cobra.Command) error {
	if path, _ := cmd.Root().PersistentFlags().GetString("config"); path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName(".surfacemap")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
	}

	viper.SetEnvPrefix("SURFACEMAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg = &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg.Validate()
}

func GetConfig() *config.Config {
	return cfg
}

func GetLogger() *logger.Logger {
	return log
}

func consolidatorConfig(c config.CatalogConfig) consolidator.Config {
	return consolidator.Config{
		MaxOriginalValues:  c.MaxOriginalValues,
		MaxParamExamples:   c.MaxParamExamples,
		MaxQuarantined:     c.MaxQuarantined,
		CanonicalCacheSize: c.CanonicalCacheSize,
	}
}

// openStore connects to PostgreSQL. Callers close the store.
func openStore(ctx context.Context) (*database.Store, error) {
	store, err := database.NewStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}
