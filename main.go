package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	appcmd "github.com/mikills/tenantgraph/cmd"
	"github.com/mikills/tenantgraph/tg"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Reserved pipeline names in the sync config that map to built-in
// derivation passes instead of file-export collectors.
const (
	capabilityPipeline = "capabilities"
	membershipPipeline = "transitive_memberships"
)

func main() {
	logFormat := getenvDefault("TENANTGRAPH_LOG_FORMAT", "text")
	logger := newLogger(logFormat)
	slog.SetDefault(logger)

	tenantID := getenvDefault("TENANTGRAPH_TENANT_ID", "default")
	addr := getenvDefault("TENANTGRAPH_HTTP_ADDR", "127.0.0.1:8080")
	exportDir := getenvDefault("TENANTGRAPH_EXPORT_DIR", "./.temp/exports")
	runInterval := getenvDurationDefault(logger, "TENANTGRAPH_RUN_INTERVAL", 0)

	cfg := loadSyncConfig(logger)
	blob := newBlobStore(logger, tenantID)
	store, ledger, runs, mongoCleanup := newStores(logger)
	defer mongoCleanup()

	controller := &tg.Controller{
		TenantID:       tenantID,
		Blob:           blob,
		Store:          store,
		Ledger:         ledger,
		Runs:           runs,
		FlushThreshold: cfg.FlushThresholdBytes,
		SyncAttempts:   cfg.SyncRetries + 1,
		SyncRetryDelay: time.Duration(cfg.SyncRetryDelayMS) * time.Millisecond,
	}

	registerPipelines(logger, controller, cfg, exportDir)
	configureLeaseManager(logger, controller)

	appCfg := appcmd.AppConfig{
		Address:           addr,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RunInterval:       runInterval,
		Logger:            logger,
	}
	app := appcmd.NewApp(controller, appCfg)

	if err := app.Start(); err != nil {
		logger.Error("start app", "error", err)
		os.Exit(1)
	}
	logger.Info("tenantgraph listening",
		"address", app.Address(),
		"tenant_id", tenantID,
		"pipelines", len(controller.Pipelines),
		"derived", len(controller.Derived),
		"run_interval", runInterval.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownTimeout)
		defer cancel()
		if err := app.Stop(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	if err := app.Wait(); err != nil {
		logger.Error("app exited with error", "error", err)
		os.Exit(1)
	}
}

func loadSyncConfig(logger *slog.Logger) *tg.SyncConfig {
	path := os.Getenv("TENANTGRAPH_CONFIG")
	if path == "" {
		logger.Warn("no sync config provided", "hint", "set TENANTGRAPH_CONFIG to a TOML file to register pipelines")
		cfg := tg.DefaultSyncConfig()
		return &cfg
	}
	cfg, err := tg.LoadSyncConfig(path)
	if err != nil {
		logger.Error("load sync config", "path", path, "error", err)
		os.Exit(1)
	}
	logger.Info("loaded sync config", "path", path, "pipelines", len(cfg.Pipelines))
	return cfg
}

// registerPipelines binds every configured pipeline to its collector.
// Reserved names become built-in derivation passes; everything else is
// collected from {export_dir}/{name}.jsonl.
func registerPipelines(logger *slog.Logger, controller *tg.Controller, cfg *tg.SyncConfig, exportDir string) {
	for name, pipe := range cfg.Pipelines {
		switch name {
		case capabilityPipeline:
			controller.Derived = append(controller.Derived, tg.DerivedPipeline{
				Deriver: &tg.CapabilityDeriver{OutputType: pipe.Policy.EntityType},
				Policy:  pipe.Policy,
			})
			logger.Info("registered derivation pass", "pipeline", name, "entity_type", pipe.Policy.EntityType)
		case membershipPipeline:
			controller.Derived = append(controller.Derived, tg.DerivedPipeline{
				Deriver: &tg.MembershipPathDeriver{OutputType: pipe.Policy.EntityType},
				Policy:  pipe.Policy,
			})
			logger.Info("registered derivation pass", "pipeline", name, "entity_type", pipe.Policy.EntityType)
		default:
			controller.Pipelines = append(controller.Pipelines, tg.Pipeline{
				Collector: &tg.FileCollector{
					PipelineName: name,
					Type:         pipe.Policy.EntityType,
					SourceDir:    exportDir,
				},
				Policy:   pipe.Policy,
				Critical: pipe.Critical,
			})
			logger.Info("registered collector pipeline",
				"pipeline", name,
				"entity_type", pipe.Policy.EntityType,
				"critical", pipe.Critical,
			)
		}
	}
}

// newBlobStore selects the append-log archive: S3 when a bucket is
// configured, a local directory otherwise.
func newBlobStore(logger *slog.Logger, tenantID string) tg.BlobStore {
	bucket := os.Getenv("TENANTGRAPH_S3_BUCKET")
	if bucket == "" {
		root := getenvDefault("TENANTGRAPH_BLOB_ROOT", "./.temp/logs")
		logger.Info("configured local append-log archive", "root", root)
		return &tg.LocalBlobStore{Root: root}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		logger.Error("load aws config", "error", err)
		os.Exit(1)
	}
	prefix := getenvDefault("TENANTGRAPH_S3_PREFIX", "tenants/"+tenantID+"/")
	logger.Info("configured s3 append-log archive", "bucket", bucket, "prefix", prefix)
	return tg.NewS3BlobStore(s3.NewFromConfig(awsCfg), bucket, prefix)
}

// newStores selects the persistence backend: MongoDB when a URI is
// configured, process-local memory otherwise. The returned cleanup
// disconnects the Mongo client, if any.
func newStores(logger *slog.Logger) (tg.EntityStore, tg.ChangeLedger, tg.RunStore, func()) {
	uri := os.Getenv("TENANTGRAPH_MONGO_URI")
	if uri == "" {
		logger.Warn("no mongo uri configured, using in-memory stores", "hint", "set TENANTGRAPH_MONGO_URI for durable state")
		return tg.NewMemoryEntityStore(), tg.NewMemoryChangeLedger(), tg.NewMemoryRunStore(), func() {}
	}

	client, err := mongo.Connect(mongooptions.Client().ApplyURI(uri))
	if err != nil {
		logger.Error("mongo connect", "error", err)
		os.Exit(1)
	}
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		logger.Error("mongo ping", "error", err)
		os.Exit(1)
	}

	dbName := getenvDefault("TENANTGRAPH_MONGO_DB", "tenantgraph")
	db := client.Database(dbName)
	logger.Info("configured mongo stores", "db", dbName)

	cleanup := func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(disconnectCtx)
	}
	return tg.NewMongoEntityStore(db),
		tg.NewMongoChangeLedger(db.Collection("changes")),
		tg.NewMongoRunStore(db.Collection("runs")),
		cleanup
}

// configureLeaseManager wires cross-process run serialization through
// Redis when an address is configured.
func configureLeaseManager(logger *slog.Logger, controller *tg.Controller) {
	addr := os.Getenv("TENANTGRAPH_REDIS_ADDR")
	if addr == "" {
		return
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Error("redis ping", "addr", addr, "error", err)
		os.Exit(1)
	}

	mgr, err := tg.NewRedisRunLeaseManager(client, getenvDefault("TENANTGRAPH_LEASE_PREFIX", ""))
	if err != nil {
		logger.Error("create run lease manager", "error", err)
		os.Exit(1)
	}
	controller.LeaseManager = mgr
	controller.LeaseTTL = getenvDurationDefault(logger, "TENANTGRAPH_LEASE_TTL", 10*time.Minute)
	logger.Info("configured redis run leases", "addr", addr, "ttl", controller.LeaseTTL.String())
}

func newLogger(format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func getenvDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvDurationDefault(logger *slog.Logger, key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("invalid duration env var", "key", key, "value", v, "error", err)
		os.Exit(1)
	}
	return d
}
