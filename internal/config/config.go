// Package config loads the daemon configuration: environment variables
// first, optionally layered over a TOML file.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.mailroom.tech/internal/common/secrets"
	"go.mailroom.tech/internal/inbox"
)

// Config holds all configuration for the mailroom daemon
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// Store selects and configures the persistence backend
	Store StoreConfig

	// Inboxes defines the inboxes to run
	Inboxes []InboxConfig

	// Writer configures the write path
	Writer WriterConfig

	// Cleanup configures the retention sweeps
	Cleanup CleanupConfig

	// Leader election configuration (redis-based, gates cleanup)
	Leader LeaderConfig

	// Ingest configures the broker feeds
	Ingest IngestConfig

	// Secrets configures the secret provider used to resolve secret://
	// references in connection strings
	Secrets *secrets.Config

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	// Type is one of "memory", "postgres", "mysql", "mongo", "redis"
	Type string

	Postgres PostgresConfig
	MySQL    MySQLConfig
	Mongo    MongoConfig
	Redis    RedisConfig
}

// PostgresConfig holds the PostgreSQL connection settings
type PostgresConfig struct {
	// DSN may be a secret reference (secret://key)
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// MySQLConfig holds the MySQL connection settings
type MySQLConfig struct {
	// DSN may be a secret reference; it must carry parseTime=true&loc=UTC
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// MongoConfig holds the MongoDB connection settings
type MongoConfig struct {
	URI      string
	Database string
}

// RedisConfig holds the Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// InboxConfig defines one inbox with optional settings overrides.
// Zero-valued overrides fall back to the defaults.
type InboxConfig struct {
	Name string
	Type string

	ReadBatchSize                int
	WriteBatchSize               int
	MaxProcessingTime            time.Duration
	PollingInterval              time.Duration
	ReadDelay                    time.Duration
	ShutdownTimeout              time.Duration
	MaxAttempts                  int
	DisableDeadLetter            bool
	DeadLetterMaxMessageLifetime time.Duration
	MaxProcessingThreads         int
	MaxWriteThreads              int
	EnableDeduplication          bool
	DeduplicationInterval        time.Duration
	DisableLockExtension         bool
	LockExtensionThreshold       float64
}

// Definition converts the inbox configuration to a validated definition
func (ic InboxConfig) Definition() (inbox.Definition, error) {
	typ, err := inbox.ParseType(ic.Type)
	if err != nil {
		return inbox.Definition{}, fmt.Errorf("inbox %s: %w", ic.Name, err)
	}

	settings := inbox.DefaultSettings()
	if ic.ReadBatchSize > 0 {
		settings.ReadBatchSize = ic.ReadBatchSize
	}
	if ic.WriteBatchSize > 0 {
		settings.WriteBatchSize = ic.WriteBatchSize
	}
	if ic.MaxProcessingTime > 0 {
		settings.MaxProcessingTime = ic.MaxProcessingTime
	}
	if ic.PollingInterval > 0 {
		settings.PollingInterval = ic.PollingInterval
	}
	if ic.ReadDelay > 0 {
		settings.ReadDelay = ic.ReadDelay
	}
	if ic.ShutdownTimeout > 0 {
		settings.ShutdownTimeout = ic.ShutdownTimeout
	}
	if ic.MaxAttempts > 0 {
		settings.MaxAttempts = ic.MaxAttempts
	}
	settings.EnableDeadLetter = !ic.DisableDeadLetter
	if ic.DeadLetterMaxMessageLifetime > 0 {
		settings.DeadLetterMaxMessageLifetime = ic.DeadLetterMaxMessageLifetime
	}
	if ic.MaxProcessingThreads > 0 {
		settings.MaxProcessingThreads = ic.MaxProcessingThreads
	}
	if ic.MaxWriteThreads > 0 {
		settings.MaxWriteThreads = ic.MaxWriteThreads
	}
	settings.EnableDeduplication = ic.EnableDeduplication
	if ic.DeduplicationInterval > 0 {
		settings.DeduplicationInterval = ic.DeduplicationInterval
	}
	settings.EnableLockExtension = !ic.DisableLockExtension
	if ic.LockExtensionThreshold > 0 {
		settings.LockExtensionThreshold = ic.LockExtensionThreshold
	}

	def := inbox.Definition{Name: ic.Name, Type: typ, Settings: settings}
	if err := def.Validate(); err != nil {
		return inbox.Definition{}, err
	}
	return def, nil
}

// WriterConfig holds write-path configuration
type WriterConfig struct {
	CircuitBreakerEnabled bool
}

// CleanupConfig holds retention sweep configuration
type CleanupConfig struct {
	Enabled         bool
	Interval        time.Duration
	RestartDelay    time.Duration
	BatchLimit      int
	RoundsPerSecond float64
}

// LeaderConfig holds leader election configuration
type LeaderConfig struct {
	// Enabled gates the cleanup sweeps to one instance. Requires the redis
	// store or a configured redis address.
	Enabled bool

	// InstanceID uniquely identifies this instance (defaults to HOSTNAME)
	InstanceID string

	// LockName is the election lock key
	LockName string

	// TTL is how long the lock is valid before expiring
	TTL time.Duration

	// RefreshInterval is how often to refresh the lock while primary
	RefreshInterval time.Duration
}

// IngestConfig holds broker feed configuration
type IngestConfig struct {
	NATS NATSIngestConfig
	SQS  SQSIngestConfig
}

// NATSIngestConfig holds the NATS feed settings
type NATSIngestConfig struct {
	Enabled       bool
	URL           string
	StreamName    string
	ConsumerName  string
	FilterSubject string
	Inbox         string
	TypeHeader    string
}

// SQSIngestConfig holds the SQS feed settings
type SQSIngestConfig struct {
	Enabled            bool
	QueueURL           string
	Region             string
	Inbox              string
	TypeAttribute      string
	DefaultMessageType string
	WaitTimeSeconds    int
	VisibilityTimeout  int
}

// Load loads configuration from environment variables with sensible
// defaults. A single inbox can be configured this way; multi-inbox setups
// use the TOML file.
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("MAILROOM_HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("MAILROOM_CORS_ORIGINS", nil),
		},

		Store: StoreConfig{
			Type: getEnv("MAILROOM_STORE_TYPE", "memory"),
			Postgres: PostgresConfig{
				DSN:          getEnv("MAILROOM_POSTGRES_DSN", ""),
				MaxOpenConns: getEnvInt("MAILROOM_POSTGRES_MAX_OPEN_CONNS", 25),
				MaxIdleConns: getEnvInt("MAILROOM_POSTGRES_MAX_IDLE_CONNS", 5),
			},
			MySQL: MySQLConfig{
				DSN:          getEnv("MAILROOM_MYSQL_DSN", ""),
				MaxOpenConns: getEnvInt("MAILROOM_MYSQL_MAX_OPEN_CONNS", 25),
				MaxIdleConns: getEnvInt("MAILROOM_MYSQL_MAX_IDLE_CONNS", 5),
			},
			Mongo: MongoConfig{
				URI:      getEnv("MAILROOM_MONGODB_URI", "mongodb://localhost:27017"),
				Database: getEnv("MAILROOM_MONGODB_DATABASE", "mailroom"),
			},
			Redis: RedisConfig{
				Addr:     getEnv("MAILROOM_REDIS_ADDR", "localhost:6379"),
				Password: getEnv("MAILROOM_REDIS_PASSWORD", ""),
				DB:       getEnvInt("MAILROOM_REDIS_DB", 0),
			},
		},

		Writer: WriterConfig{
			CircuitBreakerEnabled: getEnvBool("MAILROOM_WRITER_CIRCUIT_BREAKER", false),
		},

		Cleanup: CleanupConfig{
			Enabled:         getEnvBool("MAILROOM_CLEANUP_ENABLED", true),
			Interval:        getEnvDuration("MAILROOM_CLEANUP_INTERVAL", time.Minute),
			RestartDelay:    getEnvDuration("MAILROOM_CLEANUP_RESTART_DELAY", 5*time.Second),
			BatchLimit:      getEnvInt("MAILROOM_CLEANUP_BATCH_LIMIT", 500),
			RoundsPerSecond: getEnvFloat("MAILROOM_CLEANUP_ROUNDS_PER_SECOND", 10),
		},

		Leader: LeaderConfig{
			Enabled:         getEnvBool("MAILROOM_LEADER_ELECTION_ENABLED", false),
			InstanceID:      getEnv("HOSTNAME", ""),
			LockName:        getEnv("MAILROOM_LEADER_LOCK_NAME", "mailroom-cleanup-leader"),
			TTL:             getEnvDuration("MAILROOM_LEADER_TTL", 30*time.Second),
			RefreshInterval: getEnvDuration("MAILROOM_LEADER_REFRESH_INTERVAL", 10*time.Second),
		},

		Ingest: IngestConfig{
			NATS: NATSIngestConfig{
				Enabled:       getEnvBool("MAILROOM_NATS_INGEST_ENABLED", false),
				URL:           getEnv("MAILROOM_NATS_URL", "nats://localhost:4222"),
				StreamName:    getEnv("MAILROOM_NATS_STREAM", "MAILROOM"),
				ConsumerName:  getEnv("MAILROOM_NATS_CONSUMER", "mailroom-ingest"),
				FilterSubject: getEnv("MAILROOM_NATS_FILTER_SUBJECT", ""),
				Inbox:         getEnv("MAILROOM_NATS_INBOX", ""),
				TypeHeader:    getEnv("MAILROOM_NATS_TYPE_HEADER", "Mailroom-Type"),
			},
			SQS: SQSIngestConfig{
				Enabled:            getEnvBool("MAILROOM_SQS_INGEST_ENABLED", false),
				QueueURL:           getEnv("MAILROOM_SQS_QUEUE_URL", ""),
				Region:             getEnv("AWS_REGION", "us-east-1"),
				Inbox:              getEnv("MAILROOM_SQS_INBOX", ""),
				TypeAttribute:      getEnv("MAILROOM_SQS_TYPE_ATTRIBUTE", "MessageType"),
				DefaultMessageType: getEnv("MAILROOM_SQS_DEFAULT_TYPE", ""),
				WaitTimeSeconds:    getEnvInt("MAILROOM_SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout:  getEnvInt("MAILROOM_SQS_VISIBILITY_TIMEOUT", 120),
			},
		},

		Secrets: secrets.LoadConfigFromEnv(),

		DevMode: getEnvBool("MAILROOM_DEV", false),
	}

	// A single inbox straight from the environment
	if name := getEnv("MAILROOM_INBOX_NAME", ""); name != "" {
		cfg.Inboxes = append(cfg.Inboxes, InboxConfig{
			Name:                  name,
			Type:                  getEnv("MAILROOM_INBOX_TYPE", "DEFAULT"),
			ReadBatchSize:         getEnvInt("MAILROOM_INBOX_READ_BATCH_SIZE", 0),
			MaxProcessingTime:     getEnvDuration("MAILROOM_INBOX_MAX_PROCESSING_TIME", 0),
			PollingInterval:       getEnvDuration("MAILROOM_INBOX_POLLING_INTERVAL", 0),
			MaxAttempts:           getEnvInt("MAILROOM_INBOX_MAX_ATTEMPTS", 0),
			EnableDeduplication:   getEnvBool("MAILROOM_INBOX_DEDUPLICATION", false),
			DeduplicationInterval: getEnvDuration("MAILROOM_INBOX_DEDUPLICATION_INTERVAL", 0),
		})
	}

	return cfg, nil
}

// Definitions converts every configured inbox, failing on the first
// invalid one
func (c *Config) Definitions() ([]inbox.Definition, error) {
	defs := make([]inbox.Definition, 0, len(c.Inboxes))
	for _, ic := range c.Inboxes {
		def, err := ic.Definition()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// ResolveSecrets replaces secret://key references in connection strings
// with the value from the secrets provider
func (c *Config) ResolveSecrets(ctx context.Context, provider secrets.Provider) error {
	resolve := func(field string, value *string) error {
		if !strings.HasPrefix(*value, "secret://") {
			return nil
		}
		key := strings.TrimPrefix(*value, "secret://")
		resolved, err := provider.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to resolve secret for %s: %w", field, err)
		}
		*value = resolved
		return nil
	}

	if err := resolve("postgres DSN", &c.Store.Postgres.DSN); err != nil {
		return err
	}
	if err := resolve("mysql DSN", &c.Store.MySQL.DSN); err != nil {
		return err
	}
	if err := resolve("mongodb URI", &c.Store.Mongo.URI); err != nil {
		return err
	}
	if err := resolve("redis password", &c.Store.Redis.Password); err != nil {
		return err
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
