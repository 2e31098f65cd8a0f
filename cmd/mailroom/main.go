// Mailroom daemon
//
// Runs the inbox worker loops, the retention cleanup, the optional broker
// ingest feeds and the monitoring HTTP server.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"go.mailroom.tech/internal/api"
	"go.mailroom.tech/internal/cleanup"
	"go.mailroom.tech/internal/common/clock"
	"go.mailroom.tech/internal/common/health"
	"go.mailroom.tech/internal/common/leader"
	"go.mailroom.tech/internal/common/lifecycle"
	commonmongo "go.mailroom.tech/internal/common/mongo"
	"go.mailroom.tech/internal/common/secrets"
	"go.mailroom.tech/internal/config"
	"go.mailroom.tech/internal/inbox"
	"go.mailroom.tech/internal/ingest"
	"go.mailroom.tech/internal/worker"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting mailroom",
		"version", version,
		"build_time", buildTime,
		"store", cfg.Store.Type)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resolve secret:// references in connection strings
	provider, err := secrets.NewProvider(cfg.Secrets)
	if err != nil {
		slog.Error("Failed to create secrets provider", "error", err)
		os.Exit(1)
	}
	if err := cfg.ResolveSecrets(ctx, provider); err != nil {
		slog.Error("Failed to resolve secrets", "error", err)
		os.Exit(1)
	}

	defs, err := cfg.Definitions()
	if err != nil {
		slog.Error("Invalid inbox configuration", "error", err)
		os.Exit(1)
	}
	if len(defs) == 0 {
		slog.Error("No inboxes configured; set MAILROOM_INBOX_NAME or add [[inbox]] entries to the config file")
		os.Exit(1)
	}

	clk := clock.System{}

	store, closeStore, backends, err := buildStore(ctx, cfg, clk)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	if cfg.DevMode {
		if err := store.Migrate(ctx); err != nil {
			slog.Error("Migration failed", "error", err)
			os.Exit(1)
		}
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		pingCancel()
		slog.Error("Store ping failed", "store", store.Name(), "error", err)
		os.Exit(1)
	}
	pingCancel()

	registry := inbox.NewRegistry()
	registerBuiltinHandlers(registry)

	writerCfg := inbox.DefaultWriterConfig()
	writerCfg.CircuitBreakerEnabled = cfg.Writer.CircuitBreakerEnabled
	writer, err := inbox.NewWriter(store, writerCfg, defs, clk)
	if err != nil {
		slog.Error("Failed to create writer", "error", err)
		os.Exit(1)
	}

	orchestrator, err := worker.NewOrchestrator(store, registry, clk, defs)
	if err != nil {
		slog.Error("Failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	services := []lifecycle.Service{worker.NewService(orchestrator)}

	// Cleanup, optionally gated by leader election
	if cfg.Cleanup.Enabled {
		elector, err := buildElector(cfg, backends)
		if err != nil {
			slog.Error("Failed to set up leader election", "error", err)
			os.Exit(1)
		}
		if elector != nil {
			if err := elector.Start(ctx); err != nil {
				slog.Error("Failed to start leader election", "error", err)
				os.Exit(1)
			}
			defer elector.Stop()
		}

		cleanupCfg := cleanup.DefaultConfig()
		cleanupCfg.Interval = cfg.Cleanup.Interval
		cleanupCfg.RestartDelay = cfg.Cleanup.RestartDelay
		if cfg.Cleanup.BatchLimit > 0 {
			cleanupCfg.BatchLimit = cfg.Cleanup.BatchLimit
		}
		if cfg.Cleanup.RoundsPerSecond > 0 {
			cleanupCfg.RoundsPerSecond = cfg.Cleanup.RoundsPerSecond
		}

		var gate cleanup.Leader
		if elector != nil {
			gate = elector
		}
		manager := cleanup.NewManager(store, clk, cleanupCfg, defs, gate)
		services = append(services, cleanup.NewService(manager))
	}

	// Broker feeds
	var natsIngest *ingest.NATSIngest
	var sqsIngest *ingest.SQSIngest
	if cfg.Ingest.NATS.Enabled {
		natsIngest, err = ingest.NewNATSIngest(natsConfig(cfg), writer)
		if err != nil {
			slog.Error("Failed to create NATS ingest", "error", err)
			os.Exit(1)
		}
		services = append(services, natsIngest)
	}
	if cfg.Ingest.SQS.Enabled {
		sqsIngest, err = ingest.NewSQSIngest(ctx, sqsConfig(cfg), writer)
		if err != nil {
			slog.Error("Failed to create SQS ingest", "error", err)
			os.Exit(1)
		}
		services = append(services, sqsIngest)
	}

	// Health checks
	checker := health.NewChecker()
	checker.AddReadinessCheck(health.StoreCheck(store.Name(), func() error {
		pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pcancel()
		return store.Ping(pctx)
	}))
	checker.AddReadinessCheck(health.WorkerCheck(orchestrator.IsRunning, func() map[string]string {
		states := make(map[string]string)
		for _, status := range orchestrator.Inboxes() {
			states[status.Name] = status.State
		}
		return states
	}))
	if natsIngest != nil {
		checker.AddReadinessCheck(health.NATSCheck(natsIngest.Connected))
	}
	if sqsIngest != nil {
		checker.AddReadinessCheck(health.SQSCheck(func() error {
			cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer ccancel()
			return sqsIngest.CheckQueue(cctx)
		}))
	}

	// Monitoring HTTP server
	handlers := api.NewHandlers(store, orchestrator)
	router := api.NewRouter(checker, handlers, &api.RouterConfig{CORSOrigins: cfg.HTTP.CORSOrigins})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	services = append(services, lifecycle.NewHTTPService("http", server))

	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Shutdown with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Mailroom stopped")
}

// storeBackends carries the raw connections the daemon needs beyond the
// store contract, such as the client used for leader election.
type storeBackends struct {
	redisClient *redis.Client
	mongoClient *commonmongo.Client
}

func buildStore(ctx context.Context, cfg *config.Config, clk clock.Clock) (inbox.Store, func(), *storeBackends, error) {
	backends := &storeBackends{}

	var inner inbox.Store
	closeStore := func() {}

	switch strings.ToLower(cfg.Store.Type) {
	case "memory", "":
		inner = inbox.NewMemoryStore(clk)

	case "postgres":
		if cfg.Store.Postgres.DSN == "" {
			return nil, nil, nil, fmt.Errorf("postgres store requires MAILROOM_POSTGRES_DSN")
		}
		db, err := sql.Open("pgx", cfg.Store.Postgres.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open postgres connection: %w", err)
		}
		db.SetMaxOpenConns(cfg.Store.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Store.Postgres.MaxIdleConns)
		inner = inbox.NewPostgresStore(db, nil, clk)
		closeStore = func() { db.Close() }

	case "mysql":
		if cfg.Store.MySQL.DSN == "" {
			return nil, nil, nil, fmt.Errorf("mysql store requires MAILROOM_MYSQL_DSN")
		}
		db, err := sql.Open("mysql", cfg.Store.MySQL.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open mysql connection: %w", err)
		}
		db.SetMaxOpenConns(cfg.Store.MySQL.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Store.MySQL.MaxIdleConns)
		inner = inbox.NewMySQLStore(db, nil, clk)
		closeStore = func() { db.Close() }

	case "mongo", "mongodb":
		client, err := commonmongo.Connect(ctx, cfg.Store.Mongo.URI, cfg.Store.Mongo.Database)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		backends.mongoClient = client
		inner = inbox.NewMongoStore(client.Database(), nil, clk)
		closeStore = func() {
			dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer dcancel()
			if err := client.Disconnect(dctx); err != nil {
				slog.Error("Error disconnecting from MongoDB", "error", err)
			}
		}

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		backends.redisClient = client
		inner = inbox.NewRedisStore(client, nil, clk)
		closeStore = func() { client.Close() }

	default:
		return nil, nil, nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}

	store := inbox.WithInstrumentation(inbox.WithRetry(inner, inbox.DefaultRetryConfig()))
	return store, closeStore, backends, nil
}

// buildElector returns nil when leader election is disabled. Election needs
// a coordination backend: the redis or mongo store connection when present.
func buildElector(cfg *config.Config, backends *storeBackends) (*leader.Elector, error) {
	if !cfg.Leader.Enabled {
		return nil, nil
	}

	electorCfg := leader.DefaultConfig(cfg.Leader.LockName)
	if cfg.Leader.InstanceID != "" {
		electorCfg.InstanceID = cfg.Leader.InstanceID
	}
	electorCfg.TTL = cfg.Leader.TTL
	electorCfg.RefreshInterval = cfg.Leader.RefreshInterval

	switch {
	case backends.redisClient != nil:
		return leader.NewRedisElector(backends.redisClient, electorCfg), nil
	case backends.mongoClient != nil:
		return leader.NewMongoElector(backends.mongoClient.Database(), electorCfg), nil
	default:
		return nil, fmt.Errorf("leader election requires the redis or mongo store")
	}
}

// logEntry is the payload for the built-in logging handler
type logEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// registerBuiltinHandlers wires the handlers this binary ships with.
// Embedders register their own handlers on the registry before starting
// the orchestrator; unhandled message types are dead-lettered.
func registerBuiltinHandlers(registry *inbox.Registry) {
	inbox.RegisterJSON(registry, "mailroom.log", func(ctx context.Context, entry logEntry) inbox.Result {
		level := slog.LevelInfo
		if entry.Level == "error" {
			level = slog.LevelError
		}
		slog.Log(ctx, level, entry.Message, "source", "mailroom.log")
		return inbox.Success()
	})
}

func natsConfig(cfg *config.Config) *ingest.NATSConfig {
	nc := ingest.DefaultNATSConfig()
	if cfg.Ingest.NATS.URL != "" {
		nc.URL = cfg.Ingest.NATS.URL
	}
	if cfg.Ingest.NATS.StreamName != "" {
		nc.StreamName = cfg.Ingest.NATS.StreamName
	}
	if cfg.Ingest.NATS.ConsumerName != "" {
		nc.ConsumerName = cfg.Ingest.NATS.ConsumerName
	}
	nc.FilterSubject = cfg.Ingest.NATS.FilterSubject
	nc.InboxName = cfg.Ingest.NATS.Inbox
	if cfg.Ingest.NATS.TypeHeader != "" {
		nc.TypeHeader = cfg.Ingest.NATS.TypeHeader
	}
	return nc
}

func sqsConfig(cfg *config.Config) *ingest.SQSConfig {
	sc := ingest.DefaultSQSConfig()
	sc.QueueURL = cfg.Ingest.SQS.QueueURL
	sc.Region = cfg.Ingest.SQS.Region
	sc.InboxName = cfg.Ingest.SQS.Inbox
	if cfg.Ingest.SQS.TypeAttribute != "" {
		sc.TypeAttribute = cfg.Ingest.SQS.TypeAttribute
	}
	sc.DefaultMessageType = cfg.Ingest.SQS.DefaultMessageType
	if cfg.Ingest.SQS.WaitTimeSeconds > 0 {
		sc.WaitTimeSeconds = int32(cfg.Ingest.SQS.WaitTimeSeconds)
	}
	if cfg.Ingest.SQS.VisibilityTimeout > 0 {
		sc.VisibilityTimeout = int32(cfg.Ingest.SQS.VisibilityTimeout)
	}
	return sc
}
