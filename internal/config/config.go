package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"

	BlobLocal = "local"
	BlobGCS   = "gcs"

	DispatcherPool     = "pool"
	DispatcherTemporal = "temporal"
)

// EnvPrefix prefixes environment overrides: store.batch_limit is read from
// EXCHANGE_STORE_BATCH_LIMIT.
const EnvPrefix = "EXCHANGE"

type StoreConfig struct {
	Backend           string `mapstructure:"backend"`
	MongoURI          string `mapstructure:"mongo_uri"`
	MongoDatabase     string `mapstructure:"mongo_database"`
	MongoTransactions bool   `mapstructure:"mongo_transactions"`
	BatchLimit        int    `mapstructure:"batch_limit"`
}

type BlobConfig struct {
	Provider           string        `mapstructure:"provider"`
	LocalDir           string        `mapstructure:"local_dir"`
	BaseURL            string        `mapstructure:"base_url"`
	SigningKey         string        `mapstructure:"signing_key"`
	URLTTL             time.Duration `mapstructure:"url_ttl"`
	GCSBucket          string        `mapstructure:"gcs_bucket"`
	GCSCredentialsFile string        `mapstructure:"gcs_credentials_file"`
	GCSEndpoint        string        `mapstructure:"gcs_endpoint"`
}

type WorkerConfig struct {
	Dispatcher  string `mapstructure:"dispatcher"`
	Concurrency int    `mapstructure:"concurrency"`
	QueueSize   int    `mapstructure:"queue_size"`
	TempDir     string `mapstructure:"temp_dir"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type NSQConfig struct {
	NSQDAddress string `mapstructure:"nsqd_address"`
	Topic       string `mapstructure:"topic"`
}

type ImportConfig struct {
	DetectTimestamps bool `mapstructure:"detect_timestamps"`
}

type Config struct {
	ServerPort  string         `mapstructure:"server_port"`
	DatabaseURL string         `mapstructure:"database_url"`
	LogLevel    string         `mapstructure:"log_level"`
	CORSOrigins []string       `mapstructure:"cors_origins"`
	Store       StoreConfig    `mapstructure:"store"`
	Blob        BlobConfig     `mapstructure:"blob"`
	Worker      WorkerConfig   `mapstructure:"worker"`
	Temporal    TemporalConfig `mapstructure:"temporal"`
	NSQ         NSQConfig      `mapstructure:"nsq"`
	Import      ImportConfig   `mapstructure:"import"`
}

var defaults = map[string]any{
	"server_port":               "8080",
	"database_url":              "",
	"log_level":                 "info",
	"cors_origins":              []string{"http://localhost:3000"},
	"store.backend":             BackendPostgres,
	"store.mongo_uri":           "",
	"store.mongo_database":      "exchange",
	"store.mongo_transactions":  false,
	"store.batch_limit":         500,
	"blob.provider":             BlobLocal,
	"blob.local_dir":            "./data/blobs",
	"blob.base_url":             "http://localhost:8080",
	"blob.signing_key":          "",
	"blob.url_ttl":              24 * time.Hour,
	"blob.gcs_bucket":           "",
	"blob.gcs_credentials_file": "",
	"blob.gcs_endpoint":         "",
	"worker.dispatcher":         DispatcherPool,
	"worker.concurrency":        4,
	"worker.queue_size":         100,
	"worker.temp_dir":           "",
	"temporal.host_port":        "localhost:7233",
	"temporal.namespace":        "default",
	"temporal.task_queue":       "",
	"nsq.nsqd_address":          "",
	"nsq.topic":                 "datajob.events",
	"import.detect_timestamps":  false,
}

// Load reads config.yaml from the current directory or ./config, an optional
// .env file, and EXCHANGE_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	return LoadFrom(".", "./config")
}

// LoadFrom is Load with explicit search directories. The .env file is read
// from the first directory.
func LoadFrom(dirs ...string) (*Config, error) {
	if len(dirs) > 0 {
		envFile := filepath.Join(dirs[0], ".env")
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	for _, dir := range dirs {
		v.AddConfigPath(dir)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Store.Backend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			add("database_url is required for the postgres backend")
		}
	case BackendMongo:
		if c.Store.MongoURI == "" {
			add("store.mongo_uri is required for the mongo backend")
		}
		if c.Store.MongoDatabase == "" {
			add("store.mongo_database is required for the mongo backend")
		}
		if c.Store.BatchLimit <= 0 {
			add("store.batch_limit must be positive")
		}
	default:
		add("store.backend must be %q or %q", BackendPostgres, BackendMongo)
	}

	switch c.Blob.Provider {
	case BlobLocal:
		if c.Blob.LocalDir == "" {
			add("blob.local_dir is required for local blob storage")
		}
		if c.Blob.SigningKey == "" {
			add("blob.signing_key is required for local blob storage")
		}
	case BlobGCS:
		if c.Blob.GCSBucket == "" {
			add("blob.gcs_bucket is required for gcs blob storage")
		}
	default:
		add("blob.provider must be %q or %q", BlobLocal, BlobGCS)
	}

	switch c.Worker.Dispatcher {
	case DispatcherPool:
		if c.Worker.Concurrency <= 0 {
			add("worker.concurrency must be positive")
		}
		if c.Worker.QueueSize < 0 {
			add("worker.queue_size must not be negative")
		}
	case DispatcherTemporal:
		if c.Temporal.HostPort == "" {
			add("temporal.host_port is required for the temporal dispatcher")
		}
	default:
		add("worker.dispatcher must be %q or %q", DispatcherPool, DispatcherTemporal)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
