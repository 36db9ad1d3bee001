package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, dir, name string, data map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, name)
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJson_SourcesAndPrecedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	t.Setenv("VAULT_CONFIG", "")

	dir := t.TempDir()
	path := writeTempJSON(t, dir, "vault.json", map[string]any{
		"endpoint_addr_grpc":     "0.0.0.0:7000",
		"database_dsn":           "memory",
		"secret_key":             "from-json",
		"audit_retention":        "720h",
		"audit_reads":            false,
		"audit_hash_key":         "pepper",
		"rapid_fire_threshold":   10,
		"bulk_access_threshold":  20,
		"scan_interval":          "30s",
		"cache_backend":          "redis",
		"cache_ttl":              "1m",
		"redis_addr":             "cache:6379",
		"context_retention_days": 30,
		"envelope_offload":       true,
		"envelope_inline_limit":  1024,
		"s3_bucket":              "bucket",
	})

	t.Run("loads from json", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", path}

		cfg := &Config{}
		cfg.LoadDefaults()
		parseJson(cfg)

		assert.Equal(t, "0.0.0.0:7000", cfg.EndpointAddrGRPC)
		assert.True(t, cfg.InMemory())
		assert.Equal(t, "from-json", cfg.SecretKey)
		assert.Equal(t, 30*24*time.Hour, cfg.AuditRetention)
		assert.False(t, cfg.AuditReads)
		assert.Equal(t, "pepper", cfg.AuditHashKey)
		assert.Equal(t, 10, cfg.RapidFireThreshold)
		assert.Equal(t, 20, cfg.BulkAccessThreshold)
		assert.Equal(t, 30*time.Second, cfg.ScanInterval)
		assert.Equal(t, RedisBackend, cfg.CacheBackend)
		assert.Equal(t, time.Minute, cfg.CacheTTL)
		assert.Equal(t, "cache:6379", cfg.RedisAddr)
		assert.Equal(t, 30, cfg.ContextRetentionDays)
		assert.True(t, cfg.EnvelopeOffload)
		assert.Equal(t, 1024, cfg.EnvelopeInlineLimit)
		assert.Equal(t, "bucket", cfg.S3Bucket)

		// untouched by the file
		assert.Equal(t, ":9090", cfg.MetricsAddr)
		assert.Equal(t, time.Hour, cfg.MaintenanceInterval)
	})

	t.Run("no config file leaves values alone", func(t *testing.T) {
		os.Args = []string{"testbin"}

		cfg := &Config{}
		cfg.LoadDefaults()
		before := *cfg
		parseJson(cfg)

		assert.Equal(t, before, *cfg)
	})

	t.Run("invalid JSON panics", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{ this is not valid json`), 0o600))

		os.Args = []string{"testbin", "-config", bad}
		require.Panics(t, func() { parseJson(&Config{}) })
	})

	t.Run("missing file panics", func(t *testing.T) {
		os.Args = []string{"testbin", "-c", filepath.Join(dir, "nope.json")}
		require.Panics(t, func() { parseJson(&Config{}) })
	})
}
