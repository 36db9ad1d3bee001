package config

import (
	"encoding/json"
	"os"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/flagx"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/timex"
)

// JsonConfig is the on-disk shape of the server configuration. Durations use
// timex.Duration so both "15m" and integer nanoseconds are accepted. Absent
// or zero fields leave the current value untouched.
type JsonConfig struct {
	EndpointAddrGRPC string `json:"endpoint_addr_grpc"`
	MetricsAddr      string `json:"metrics_addr"`
	DatabaseDSN      string `json:"database_dsn"`
	SecretKey        string `json:"secret_key"`
	LogLevel         string `json:"log_level"`

	AuditRetention      timex.Duration `json:"audit_retention"`
	AuditReads          *bool          `json:"audit_reads"`
	AuditHashKey        string         `json:"audit_hash_key"`
	RapidFireThreshold  int            `json:"rapid_fire_threshold"`
	BulkAccessThreshold int            `json:"bulk_access_threshold"`
	ScanInterval        timex.Duration `json:"scan_interval"`

	CacheBackend  string         `json:"cache_backend"`
	CacheTTL      timex.Duration `json:"cache_ttl"`
	RedisAddr     string         `json:"redis_addr"`
	RedisPassword string         `json:"redis_password"`
	RedisDB       int            `json:"redis_db"`

	ContextRetentionDays int            `json:"context_retention_days"`
	MaintenanceInterval  timex.Duration `json:"maintenance_interval"`

	EnvelopeOffload     *bool  `json:"envelope_offload"`
	EnvelopeInlineLimit int    `json:"envelope_inline_limit"`
	S3RootUser          string `json:"s3_root_user"`
	S3RootPassword      string `json:"s3_root_password"`
	S3Bucket            string `json:"s3_bucket"`
	S3Region            string `json:"s3_region"`
	S3BaseEndpoint      string `json:"s3_base_endpoint"`
}

// parseJson overlays values from the JSON file named by -c/-config (or
// $VAULT_CONFIG) onto config. It panics if the file cannot be read or parsed:
// a half-applied security configuration is worse than not starting.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	c.applyTo(config)
}

func (c *JsonConfig) applyTo(config *Config) {
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.MetricsAddr, c.MetricsAddr)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.LogLevel, c.LogLevel)

	if c.AuditRetention.Duration > 0 {
		config.AuditRetention = c.AuditRetention.Duration
	}
	if c.AuditReads != nil {
		config.AuditReads = *c.AuditReads
	}
	setString(&config.AuditHashKey, c.AuditHashKey)
	setInt(&config.RapidFireThreshold, c.RapidFireThreshold)
	setInt(&config.BulkAccessThreshold, c.BulkAccessThreshold)
	if c.ScanInterval.Duration > 0 {
		config.ScanInterval = c.ScanInterval.Duration
	}

	setString(&config.CacheBackend, c.CacheBackend)
	if c.CacheTTL.Duration > 0 {
		config.CacheTTL = c.CacheTTL.Duration
	}
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.RedisPassword, c.RedisPassword)
	setInt(&config.RedisDB, c.RedisDB)

	setInt(&config.ContextRetentionDays, c.ContextRetentionDays)
	if c.MaintenanceInterval.Duration > 0 {
		config.MaintenanceInterval = c.MaintenanceInterval.Duration
	}

	if c.EnvelopeOffload != nil {
		config.EnvelopeOffload = *c.EnvelopeOffload
	}
	setInt(&config.EnvelopeInlineLimit, c.EnvelopeInlineLimit)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
