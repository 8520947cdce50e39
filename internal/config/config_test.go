package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/stratum-exchange/internal/config"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, config.BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, 500, cfg.Store.BatchLimit)
	assert.Equal(t, config.BlobLocal, cfg.Blob.Provider)
	assert.Equal(t, 24*time.Hour, cfg.Blob.URLTTL)
	assert.Equal(t, config.DispatcherPool, cfg.Worker.Dispatcher)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, "datajob.events", cfg.NSQ.Topic)
	assert.False(t, cfg.Import.DetectTimestamps)
}

func TestLoadFrom_FileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", `
server_port: "9090"
database_url: postgres://localhost/exchange
store:
  backend: mongo
  mongo_uri: mongodb://localhost:27017
  batch_limit: 250
blob:
  provider: gcs
  gcs_bucket: exports
  url_ttl: 15m
worker:
  dispatcher: temporal
import:
  detect_timestamps: true
`)
	t.Setenv("EXCHANGE_STORE_BATCH_LIMIT", "100")
	t.Setenv("EXCHANGE_NSQ_NSQD_ADDRESS", "nsqd:4150")

	cfg, err := config.LoadFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, config.BackendMongo, cfg.Store.Backend)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Store.MongoURI)
	assert.Equal(t, "exchange", cfg.Store.MongoDatabase)
	assert.Equal(t, 100, cfg.Store.BatchLimit)
	assert.Equal(t, "exports", cfg.Blob.GCSBucket)
	assert.Equal(t, 15*time.Minute, cfg.Blob.URLTTL)
	assert.Equal(t, config.DispatcherTemporal, cfg.Worker.Dispatcher)
	assert.Equal(t, "nsqd:4150", cfg.NSQ.NSQDAddress)
	assert.True(t, cfg.Import.DetectTimestamps)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFrom_DotEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "EXCHANGE_BLOB_SIGNING_KEY=from-dotenv\n")
	t.Cleanup(func() { os.Unsetenv("EXCHANGE_BLOB_SIGNING_KEY") })

	cfg, err := config.LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Blob.SigningKey)
}

func TestLoadFrom_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "store: [unclosed")

	_, err := config.LoadFrom(dir)
	assert.ErrorContains(t, err, "read config file")
}

func TestValidate(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url is required")
	assert.Contains(t, err.Error(), "blob.signing_key is required")

	cfg.DatabaseURL = "postgres://localhost/exchange"
	cfg.Blob.SigningKey = "secret"
	assert.NoError(t, cfg.Validate())

	cfg.Store.Backend = "sqlite"
	cfg.Worker.Dispatcher = "cron"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.backend must be")
	assert.Contains(t, err.Error(), "worker.dispatcher must be")
}
