// Command callstream runs the call-center streaming pipeline: CDC
// extraction from the source database, conversation assembly, result
// indexing into OpenSearch and dead-letter handling, all sharing one
// message bus and one operational HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"dev.callstream.pipeline/internal/assembler"
	"dev.callstream.pipeline/internal/cdc"
	"dev.callstream.pipeline/internal/config"
	"dev.callstream.pipeline/internal/database"
	"dev.callstream.pipeline/internal/indexer"
	"dev.callstream.pipeline/internal/messaging"
	"dev.callstream.pipeline/internal/messaging/dlq"
	"dev.callstream.pipeline/internal/messaging/inmemory"
	"dev.callstream.pipeline/internal/messaging/kafka"
	"dev.callstream.pipeline/internal/observability"
	obsmetrics "dev.callstream.pipeline/internal/observability/metrics"
	"dev.callstream.pipeline/internal/ops"
	"dev.callstream.pipeline/internal/search/opensearch"
)

// version is stamped at build time via -ldflags.
var version = "dev"

const shutdownGrace = 5 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "optional YAML config overlay applied on top of the environment")
	dryRun := flag.Bool("dry-run", false, "run against an in-memory bus instead of Kafka")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("callstream %s\n", version)
		return 0
	}

	// A missing .env is fine: deployments configure via real env vars.
	_ = godotenv.Load()

	cfg := config.Load()
	if *configFile != "" {
		if err := config.LoadFromFile(*configFile, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file %s: %v\n", *configFile, err)
			return 1
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}

	log := newLogrus(cfg.Monitoring.LogLevel)
	zlog, err := newZap(cfg.Monitoring.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return 1
	}
	defer zlog.Sync() //nolint:errcheck

	log.WithFields(logrus.Fields{
		"version": version,
		"dry_run": *dryRun,
	}).Info("Starting callstream pipeline")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := obsmetrics.NewCollector(cfg.Monitoring.Namespace)

	if cfg.Monitoring.TracingEnabled {
		tp, err := observability.SetupTraceExporter(ctx, &observability.ExporterConfig{
			Type:        observability.ExporterOTLP,
			Endpoint:    cfg.Monitoring.OTLPEndpoint,
			Insecure:    true,
			ServiceName: "callstream-pipeline",
			Version:     version,
		})
		if err != nil {
			log.WithError(err).Warn("Tracing disabled: exporter setup failed")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := observability.ShutdownTraceExporter(shutdownCtx, tp); err != nil {
					log.WithError(err).Warn("Trace exporter shutdown failed")
				}
			}()
		}
	}

	// Source database. CDC, assembly completeness checks and the error
	// audit tables all live here; without it only the indexing lane runs.
	pool, err := connectDatabase(ctx, cfg, log)
	if err != nil {
		if cfg.Database.Required {
			log.WithError(err).Error("Database is required and unreachable")
			return 1
		}
		log.WithError(err).Warn("Database unreachable; CDC, assembly and error auditing disabled")
	}
	if pool != nil {
		defer pool.Close()
		if cfg.Database.MigrateOnStart {
			if err := database.RunMigrations(cfg.Database.DSN(), log); err != nil {
				log.WithError(err).Error("Schema migration failed")
				return 1
			}
		}
	}

	// Message bus.
	var bus messaging.MessageBroker
	if *dryRun {
		bus = inmemory.NewBroker(&inmemory.Config{
			Source:       cfg.Kafka.ClientID,
			DLQTopic:     cfg.Kafka.Topics.DLQ,
			MetricsTopic: cfg.Kafka.Topics.Metrics,
		}, zlog)
	} else {
		bus = kafka.NewBroker(kafkaConfig(cfg), zlog)
	}
	if err := bus.Connect(ctx); err != nil {
		if cfg.Kafka.Required {
			log.WithError(err).Error("Message bus is required and unreachable")
			return 1
		}
		log.WithError(err).Warn("Message bus unreachable at startup; consumers will retry")
	}
	defer bus.Disconnect() //nolint:errcheck
	if bus.IsConnected() {
		if err := bus.EnsureTopics(ctx, cfg.Kafka.Topics.All()); err != nil {
			log.WithError(err).Warn("Topic provisioning failed")
		}
	}

	// Search engine.
	engine, err := opensearch.NewClient(searchConfig(cfg), log)
	if err != nil {
		log.WithError(err).Error("Invalid search configuration")
		return 1
	}
	if err := engine.Connect(ctx); err != nil {
		log.WithError(err).Warn("Search engine unreachable at startup; indexing will retry through the DLQ")
	}
	defer engine.Close() //nolint:errcheck

	// Pipeline components, started downstream first so every producer
	// finds its consumer already listening.
	var stops []func()

	var errorHandler *dlq.Handler
	if pool != nil {
		audit := database.NewAuditRepository(pool, log)
		errorHandler = dlq.NewHandler(errorConfig(cfg), bus, audit, zlog, collector)
		if err := errorHandler.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start error handler")
			return 1
		}
		stops = append(stops, errorHandler.Stop)
	}

	ix := indexer.NewIndexer(indexerConfig(cfg), bus, engine, zlog, collector)
	if err := ix.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start indexer")
		return 1
	}
	stops = append(stops, ix.Stop)

	var asm *assembler.Assembler
	var extractor *cdc.Extractor
	if pool != nil {
		cdcRepo := database.NewCDCRepository(pool, log)

		asm = assembler.NewAssembler(assemblerConfig(cfg), bus, cdcRepo, zlog, collector)
		if err := asm.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start assembler")
			return 1
		}
		stops = append(stops, asm.Stop)

		if cfg.CDC.Enabled {
			statusRepo := database.NewStatusRepository(pool, log)
			extractor = cdc.NewExtractor(extractorConfig(cfg), cdcRepo, statusRepo, bus, zlog, collector)
			if err := extractor.Start(ctx); err != nil {
				log.WithError(err).Error("Failed to start CDC extractor")
				return 1
			}
			stops = append(stops, extractor.Stop)
		} else {
			log.Info("CDC extraction disabled")
		}
	}

	srv := opsServer(cfg, log, pool, bus, engine, collector, errorHandler, asm, ix, extractor)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("Ops server failed")
		}
	}

	// Stop in reverse start order: producers drain before consumers go.
	deadline := time.Now().Add(shutdownGrace)
	for i := len(stops) - 1; i >= 0; i-- {
		if time.Now().After(deadline) {
			log.Warn("Shutdown grace period exceeded; abandoning remaining components")
			return 1
		}
		stops[i]()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Ops server shutdown failed")
	}

	log.Info("Pipeline stopped")
	return 0
}

func newLogrus(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}

func newZap(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func connectDatabase(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*pgxpool.Pool, error) {
	dbCfg := database.DefaultConfig()
	dbCfg.Host = cfg.Database.Host
	dbCfg.Port = cfg.Database.Port
	dbCfg.User = cfg.Database.User
	dbCfg.Password = cfg.Database.Password
	dbCfg.Name = cfg.Database.Name
	dbCfg.SSLMode = cfg.Database.SSLMode
	dbCfg.MinConns = int32(cfg.Database.MinConnections)
	dbCfg.MaxConns = int32(cfg.Database.MaxConnections)
	dbCfg.ConnectTimeout = cfg.Database.ConnTimeout
	return database.Connect(ctx, dbCfg, log)
}

func kafkaConfig(cfg *config.Config) *kafka.Config {
	kcfg := kafka.DefaultConfig()
	kcfg.Brokers = cfg.Kafka.Brokers
	kcfg.ClientID = cfg.Kafka.ClientID
	kcfg.Source = cfg.Kafka.ClientID
	kcfg.TLSEnabled = cfg.Kafka.TLSEnabled
	kcfg.TLSSkipVerify = cfg.Kafka.TLSSkipVerify
	kcfg.SASLEnabled = cfg.Kafka.SASLMechanism != ""
	kcfg.SASLMechanism = cfg.Kafka.SASLMechanism
	kcfg.SASLUsername = cfg.Kafka.SASLUsername
	kcfg.SASLPassword = cfg.Kafka.SASLPassword
	kcfg.DLQTopic = cfg.Kafka.Topics.DLQ
	kcfg.MetricsTopic = cfg.Kafka.Topics.Metrics
	kcfg.DefaultPartitions = cfg.Kafka.DefaultPartitions
	kcfg.DefaultReplication = cfg.Kafka.ReplicationFactor
	return kcfg
}

func searchConfig(cfg *config.Config) *opensearch.Config {
	osCfg := opensearch.DefaultConfig()
	osCfg.Addresses = cfg.Search.Addresses
	osCfg.Username = cfg.Search.Username
	osCfg.Password = cfg.Search.Password
	osCfg.IndexPrefix = cfg.Search.IndexPrefix
	osCfg.VectorField = cfg.Search.VectorField
	osCfg.SpaceType = cfg.Search.SpaceType
	osCfg.RequestTimeout = cfg.Search.RequestTimeout
	osCfg.InsecureSkipVerify = cfg.Search.InsecureSkipVerify
	osCfg.KeywordWeight = cfg.Search.HybridKeywordWeight
	osCfg.VectorWeight = cfg.Search.HybridVectorWeight
	return osCfg
}

func errorConfig(cfg *config.Config) dlq.Config {
	ecfg := dlq.DefaultConfig()
	ecfg.DLQTopic = cfg.Kafka.Topics.DLQ
	ecfg.MetricsTopic = cfg.Kafka.Topics.Metrics
	ecfg.GroupID = cfg.Errors.GroupID
	ecfg.MaxRetryAttempts = cfg.Errors.MaxRetryAttempts
	ecfg.RetryDelay = cfg.Errors.RetryDelay
	ecfg.NotificationThreshold = cfg.Errors.NotificationThreshold
	return ecfg
}

func indexerConfig(cfg *config.Config) indexer.Config {
	icfg := indexer.DefaultConfig()
	icfg.InputTopic = cfg.Kafka.Topics.MLQueue
	icfg.NotifyTopic = cfg.Kafka.Topics.IndexNotifications
	icfg.GroupID = cfg.Indexer.GroupID
	icfg.BatchSize = cfg.Indexer.BatchSize
	icfg.BatchTimeout = cfg.Indexer.BatchTimeout
	return icfg
}

func assemblerConfig(cfg *config.Config) assembler.Config {
	acfg := assembler.DefaultConfig()
	acfg.InputTopic = cfg.Kafka.Topics.RawChanges
	acfg.OutputTopic = cfg.Kafka.Topics.Assembly
	acfg.GroupID = cfg.Assembler.GroupID
	acfg.MaxBuffers = cfg.Assembler.MaxBuffers
	acfg.SweepInterval = cfg.Assembler.SweepInterval
	return acfg
}

func extractorConfig(cfg *config.Config) cdc.Config {
	xcfg := cdc.DefaultConfig()
	xcfg.Topic = cfg.Kafka.Topics.RawChanges
	xcfg.PollingInterval = cfg.CDC.PollingInterval
	xcfg.BatchSize = cfg.CDC.BatchSize
	xcfg.PublishBatchSize = cfg.CDC.PublishBatchSize
	xcfg.NormalLookback = time.Duration(cfg.CDC.NormalLookbackHours) * time.Hour
	xcfg.HistoricalStart = cfg.CDC.HistoricalModeDate
	xcfg.ProcessingNode = cfg.CDC.ProcessingNode
	return xcfg
}

func opsServer(
	cfg *config.Config,
	log *logrus.Logger,
	pool *pgxpool.Pool,
	bus messaging.MessageBroker,
	engine *opensearch.Client,
	collector *obsmetrics.Collector,
	errorHandler *dlq.Handler,
	asm *assembler.Assembler,
	ix *indexer.Indexer,
	extractor *cdc.Extractor,
) *ops.Server {
	srvCfg := ops.DefaultConfig()
	srvCfg.Host = cfg.Server.Host
	srvCfg.Port = cfg.Server.Port
	srvCfg.Mode = cfg.Server.Mode
	srvCfg.ReadTimeout = cfg.Server.ReadTimeout
	srvCfg.WriteTimeout = cfg.Server.WriteTimeout
	srvCfg.RequestLogging = cfg.Server.RequestLogging

	opts := []ops.Option{
		ops.WithChecker("kafka", func(ctx context.Context) error {
			_, err := bus.HealthCheck(ctx)
			return err
		}),
		ops.WithChecker("opensearch", engine.HealthCheck),
		ops.WithCallFinder(engine),
		ops.WithSnapshot("indexer", func() any { return ix.Health() }),
	}
	if cfg.Monitoring.MetricsEnabled {
		opts = append(opts, ops.WithMetricsHandler(collector.Handler()))
	}
	if pool != nil {
		opts = append(opts, ops.WithChecker("database", func(ctx context.Context) error {
			return database.HealthCheck(ctx, pool)
		}))
	}
	if errorHandler != nil {
		opts = append(opts, ops.WithErrorAdmin(errorHandler))
	}
	if asm != nil {
		opts = append(opts, ops.WithSnapshot("assembler", func() any { return asm.Health() }))
	}
	if extractor != nil {
		opts = append(opts, ops.WithSnapshot("cdc", func() any { return extractor.States() }))
	}
	return ops.NewServer(srvCfg, log, opts...)
}
