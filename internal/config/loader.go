package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mailroom.tech/internal/common/secrets"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP    TOMLHTTPConfig    `toml:"http"`
	Store   TOMLStoreConfig   `toml:"store"`
	Inboxes []TOMLInboxConfig `toml:"inbox"`
	Writer  TOMLWriterConfig  `toml:"writer"`
	Cleanup TOMLCleanupConfig `toml:"cleanup"`
	Leader  TOMLLeaderConfig  `toml:"leader"`
	Ingest  TOMLIngestConfig  `toml:"ingest"`
	Secrets *secrets.Config   `toml:"secrets"`
	DevMode bool              `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLStoreConfig represents store configuration in TOML
type TOMLStoreConfig struct {
	Type     string             `toml:"type"`
	Postgres TOMLPostgresConfig `toml:"postgres"`
	MySQL    TOMLMySQLConfig    `toml:"mysql"`
	Mongo    TOMLMongoConfig    `toml:"mongodb"`
	Redis    TOMLRedisConfig    `toml:"redis"`
}

// TOMLPostgresConfig represents PostgreSQL configuration in TOML
type TOMLPostgresConfig struct {
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// TOMLMySQLConfig represents MySQL configuration in TOML
type TOMLMySQLConfig struct {
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// TOMLMongoConfig represents MongoDB configuration in TOML
type TOMLMongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// TOMLRedisConfig represents Redis configuration in TOML
type TOMLRedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// TOMLInboxConfig represents one inbox definition in TOML. Duration
// fields are strings parsed with time.ParseDuration.
type TOMLInboxConfig struct {
	Name string `toml:"name"`
	Type string `toml:"type"`

	ReadBatchSize                int     `toml:"read_batch_size"`
	WriteBatchSize               int     `toml:"write_batch_size"`
	MaxProcessingTime            string  `toml:"max_processing_time"`
	PollingInterval              string  `toml:"polling_interval"`
	ReadDelay                    string  `toml:"read_delay"`
	ShutdownTimeout              string  `toml:"shutdown_timeout"`
	MaxAttempts                  int     `toml:"max_attempts"`
	DisableDeadLetter            bool    `toml:"disable_dead_letter"`
	DeadLetterMaxMessageLifetime string  `toml:"dead_letter_max_message_lifetime"`
	MaxProcessingThreads         int     `toml:"max_processing_threads"`
	MaxWriteThreads              int     `toml:"max_write_threads"`
	EnableDeduplication          bool    `toml:"enable_deduplication"`
	DeduplicationInterval        string  `toml:"deduplication_interval"`
	DisableLockExtension         bool    `toml:"disable_lock_extension"`
	LockExtensionThreshold       float64 `toml:"lock_extension_threshold"`
}

// TOMLWriterConfig represents write-path configuration in TOML
type TOMLWriterConfig struct {
	CircuitBreakerEnabled bool `toml:"circuit_breaker_enabled"`
}

// TOMLCleanupConfig represents cleanup configuration in TOML
type TOMLCleanupConfig struct {
	Enabled         *bool   `toml:"enabled"`
	Interval        string  `toml:"interval"`
	RestartDelay    string  `toml:"restart_delay"`
	BatchLimit      int     `toml:"batch_limit"`
	RoundsPerSecond float64 `toml:"rounds_per_second"`
}

// TOMLLeaderConfig represents leader election configuration in TOML
type TOMLLeaderConfig struct {
	Enabled         bool   `toml:"enabled"`
	InstanceID      string `toml:"instance_id"`
	LockName        string `toml:"lock_name"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

// TOMLIngestConfig represents broker feed configuration in TOML
type TOMLIngestConfig struct {
	NATS TOMLNATSIngestConfig `toml:"nats"`
	SQS  TOMLSQSIngestConfig  `toml:"sqs"`
}

// TOMLNATSIngestConfig represents the NATS feed in TOML
type TOMLNATSIngestConfig struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	StreamName    string `toml:"stream"`
	ConsumerName  string `toml:"consumer"`
	FilterSubject string `toml:"filter_subject"`
	Inbox         string `toml:"inbox"`
	TypeHeader    string `toml:"type_header"`
}

// TOMLSQSIngestConfig represents the SQS feed in TOML
type TOMLSQSIngestConfig struct {
	Enabled            bool   `toml:"enabled"`
	QueueURL           string `toml:"queue_url"`
	Region             string `toml:"region"`
	Inbox              string `toml:"inbox"`
	TypeAttribute      string `toml:"type_attribute"`
	DefaultMessageType string `toml:"default_message_type"`
	WaitTimeSeconds    int    `toml:"wait_time_seconds"`
	VisibilityTimeout  int    `toml:"visibility_timeout"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"mailroom.toml",
	"config.toml",
	"./config/mailroom.toml",
	"/etc/mailroom/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("MAILROOM_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	// Load from file
	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		Store: StoreConfig{
			Type: tc.Store.Type,
			Postgres: PostgresConfig{
				DSN:          tc.Store.Postgres.DSN,
				MaxOpenConns: tc.Store.Postgres.MaxOpenConns,
				MaxIdleConns: tc.Store.Postgres.MaxIdleConns,
			},
			MySQL: MySQLConfig{
				DSN:          tc.Store.MySQL.DSN,
				MaxOpenConns: tc.Store.MySQL.MaxOpenConns,
				MaxIdleConns: tc.Store.MySQL.MaxIdleConns,
			},
			Mongo: MongoConfig{
				URI:      tc.Store.Mongo.URI,
				Database: tc.Store.Mongo.Database,
			},
			Redis: RedisConfig{
				Addr:     tc.Store.Redis.Addr,
				Password: tc.Store.Redis.Password,
				DB:       tc.Store.Redis.DB,
			},
		},
		Writer: WriterConfig{
			CircuitBreakerEnabled: tc.Writer.CircuitBreakerEnabled,
		},
		Cleanup: CleanupConfig{
			Enabled:         true,
			Interval:        parseDuration(tc.Cleanup.Interval, time.Minute),
			RestartDelay:    parseDuration(tc.Cleanup.RestartDelay, 5*time.Second),
			BatchLimit:      tc.Cleanup.BatchLimit,
			RoundsPerSecond: tc.Cleanup.RoundsPerSecond,
		},
		Leader: LeaderConfig{
			Enabled:         tc.Leader.Enabled,
			InstanceID:      tc.Leader.InstanceID,
			LockName:        tc.Leader.LockName,
			TTL:             parseDuration(tc.Leader.TTL, 30*time.Second),
			RefreshInterval: parseDuration(tc.Leader.RefreshInterval, 10*time.Second),
		},
		Ingest: IngestConfig{
			NATS: NATSIngestConfig{
				Enabled:       tc.Ingest.NATS.Enabled,
				URL:           tc.Ingest.NATS.URL,
				StreamName:    tc.Ingest.NATS.StreamName,
				ConsumerName:  tc.Ingest.NATS.ConsumerName,
				FilterSubject: tc.Ingest.NATS.FilterSubject,
				Inbox:         tc.Ingest.NATS.Inbox,
				TypeHeader:    tc.Ingest.NATS.TypeHeader,
			},
			SQS: SQSIngestConfig{
				Enabled:            tc.Ingest.SQS.Enabled,
				QueueURL:           tc.Ingest.SQS.QueueURL,
				Region:             tc.Ingest.SQS.Region,
				Inbox:              tc.Ingest.SQS.Inbox,
				TypeAttribute:      tc.Ingest.SQS.TypeAttribute,
				DefaultMessageType: tc.Ingest.SQS.DefaultMessageType,
				WaitTimeSeconds:    tc.Ingest.SQS.WaitTimeSeconds,
				VisibilityTimeout:  tc.Ingest.SQS.VisibilityTimeout,
			},
		},
		Secrets: tc.Secrets,
		DevMode: tc.DevMode,
	}

	if tc.Cleanup.Enabled != nil {
		cfg.Cleanup.Enabled = *tc.Cleanup.Enabled
	}

	for _, ti := range tc.Inboxes {
		cfg.Inboxes = append(cfg.Inboxes, InboxConfig{
			Name:                         ti.Name,
			Type:                         ti.Type,
			ReadBatchSize:                ti.ReadBatchSize,
			WriteBatchSize:               ti.WriteBatchSize,
			MaxProcessingTime:            parseDuration(ti.MaxProcessingTime, 0),
			PollingInterval:              parseDuration(ti.PollingInterval, 0),
			ReadDelay:                    parseDuration(ti.ReadDelay, 0),
			ShutdownTimeout:              parseDuration(ti.ShutdownTimeout, 0),
			MaxAttempts:                  ti.MaxAttempts,
			DisableDeadLetter:            ti.DisableDeadLetter,
			DeadLetterMaxMessageLifetime: parseDuration(ti.DeadLetterMaxMessageLifetime, 0),
			MaxProcessingThreads:         ti.MaxProcessingThreads,
			MaxWriteThreads:              ti.MaxWriteThreads,
			EnableDeduplication:          ti.EnableDeduplication,
			DeduplicationInterval:        parseDuration(ti.DeduplicationInterval, 0),
			DisableLockExtension:         ti.DisableLockExtension,
			LockExtensionThreshold:       ti.LockExtensionThreshold,
		})
	}

	return cfg, nil
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return fallback
}

// mergeConfigs merges two configs, with override taking precedence for non-default values
func mergeConfigs(base, override *Config) *Config {
	result := *base

	// HTTP
	if override.HTTP.Port != 0 && override.HTTP.Port != 8080 {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	// Store
	if override.Store.Type != "" && override.Store.Type != "memory" {
		result.Store.Type = override.Store.Type
	}
	if result.Store.Type == "" {
		result.Store.Type = "memory"
	}
	if override.Store.Postgres.DSN != "" {
		result.Store.Postgres.DSN = override.Store.Postgres.DSN
	}
	if override.Store.MySQL.DSN != "" {
		result.Store.MySQL.DSN = override.Store.MySQL.DSN
	}
	if override.Store.Mongo.URI != "" && override.Store.Mongo.URI != "mongodb://localhost:27017" {
		result.Store.Mongo.URI = override.Store.Mongo.URI
	}
	if override.Store.Mongo.Database != "" && override.Store.Mongo.Database != "mailroom" {
		result.Store.Mongo.Database = override.Store.Mongo.Database
	}
	if override.Store.Redis.Addr != "" && override.Store.Redis.Addr != "localhost:6379" {
		result.Store.Redis.Addr = override.Store.Redis.Addr
	}
	if override.Store.Redis.Password != "" {
		result.Store.Redis.Password = override.Store.Redis.Password
	}
	if override.Store.Redis.DB != 0 {
		result.Store.Redis.DB = override.Store.Redis.DB
	}

	// Inboxes from the environment only apply when the file defines none
	if len(result.Inboxes) == 0 {
		result.Inboxes = override.Inboxes
	}

	// Writer
	if override.Writer.CircuitBreakerEnabled {
		result.Writer.CircuitBreakerEnabled = true
	}

	// Cleanup
	if !override.Cleanup.Enabled {
		result.Cleanup.Enabled = false
	}
	if override.Cleanup.Interval != 0 && override.Cleanup.Interval != time.Minute {
		result.Cleanup.Interval = override.Cleanup.Interval
	}
	if override.Cleanup.BatchLimit != 0 && override.Cleanup.BatchLimit != 500 {
		result.Cleanup.BatchLimit = override.Cleanup.BatchLimit
	}

	// Leader
	if override.Leader.Enabled {
		result.Leader.Enabled = true
	}
	if override.Leader.InstanceID != "" {
		result.Leader.InstanceID = override.Leader.InstanceID
	}
	if override.Leader.LockName != "" && override.Leader.LockName != "mailroom-cleanup-leader" {
		result.Leader.LockName = override.Leader.LockName
	}
	if result.Leader.LockName == "" {
		result.Leader.LockName = "mailroom-cleanup-leader"
	}

	// Ingest
	if override.Ingest.NATS.Enabled {
		result.Ingest.NATS.Enabled = true
	}
	if override.Ingest.NATS.URL != "" && override.Ingest.NATS.URL != "nats://localhost:4222" {
		result.Ingest.NATS.URL = override.Ingest.NATS.URL
	}
	if override.Ingest.NATS.Inbox != "" {
		result.Ingest.NATS.Inbox = override.Ingest.NATS.Inbox
	}
	if override.Ingest.SQS.Enabled {
		result.Ingest.SQS.Enabled = true
	}
	if override.Ingest.SQS.QueueURL != "" {
		result.Ingest.SQS.QueueURL = override.Ingest.SQS.QueueURL
	}
	if override.Ingest.SQS.Inbox != "" {
		result.Ingest.SQS.Inbox = override.Ingest.SQS.Inbox
	}

	// Secrets: a file-level [secrets] table wins over the env defaults
	if result.Secrets == nil {
		result.Secrets = override.Secrets
	}

	// General
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# Mailroom Configuration
# Environment variables override these settings

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[store]
type = "memory"  # memory, postgres, mysql, mongo, or redis

[store.postgres]
dsn = ""  # may be a secret reference: secret://postgres-dsn
max_open_conns = 25
max_idle_conns = 5

[store.mysql]
dsn = ""  # must include parseTime=true&loc=UTC
max_open_conns = 25
max_idle_conns = 5

[store.mongodb]
uri = "mongodb://localhost:27017"
database = "mailroom"

[store.redis]
addr = "localhost:6379"
password = ""
db = 0

[[inbox]]
name = "orders"
type = "DEFAULT"  # DEFAULT, BATCHED, FIFO, or FIFO_BATCHED
read_batch_size = 10
max_processing_time = "2m"
polling_interval = "1s"
max_attempts = 3
enable_deduplication = false
deduplication_interval = "1h"

[writer]
circuit_breaker_enabled = false

[cleanup]
enabled = true
interval = "1m"
restart_delay = "5s"
batch_limit = 500
rounds_per_second = 10.0

[leader]
enabled = false
instance_id = ""
lock_name = "mailroom-cleanup-leader"
ttl = "30s"
refresh_interval = "10s"

[ingest.nats]
enabled = false
url = "nats://localhost:4222"
stream = "MAILROOM"
consumer = "mailroom-ingest"
filter_subject = ""
inbox = ""
type_header = "Mailroom-Type"

[ingest.sqs]
enabled = false
queue_url = ""
region = "us-east-1"
inbox = ""
type_attribute = "MessageType"
default_message_type = ""
wait_time_seconds = 20
visibility_timeout = 120

[secrets]
provider = "env"  # env, encrypted, aws-sm, vault, gcp-sm

# Encrypted provider
encryption_key = ""
data_dir = "./data/secrets"

# AWS Secrets Manager
aws_region = ""
aws_prefix = "/mailroom/"
aws_endpoint = ""

# HashiCorp Vault
vault_addr = ""
vault_path = "secret/data/mailroom"
vault_namespace = ""

# GCP Secret Manager
gcp_project = ""
gcp_prefix = "mailroom-"

dev_mode = false
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
