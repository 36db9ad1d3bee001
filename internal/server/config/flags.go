package config

import (
	"flag"
	"os"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/flagx"
)

// Flags lists the command-line flags LoadConfig consumes.
var Flags = []string{"-a", "-m", "-d", "-s", "-l", "-k", "-R", "-t", "-r", "-f", "-B", "-b", "-e"}

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   gRPC bind address (e.g., ":50051")
//	-m string   metrics bind address (e.g., ":9090")
//	-d string   PostgreSQL DSN or "memory"
//	-s string   JWT HMAC secret key
//	-l string   log level
//	-k string   cache backend ("memory" or "redis")
//	-R string   redis address
//	-t int      cache TTL, minutes
//	-r int      audit retention, days
//	-f int      rapid-fire threshold (audit rows per minute per principal)
//	-B int      bulk-access threshold (READs per 5 minutes per principal)
//	-b string   S3 bucket for envelope offload
//	-e string   S3 base endpoint
//
// Flags not listed here are ignored so other components can parse their own.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], Flags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "address and port to run server")
	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "address for the metrics endpoint")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN or \"memory\"")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.CacheBackend, "k", config.CacheBackend, "context cache backend")
	fs.StringVar(&config.RedisAddr, "R", config.RedisAddr, "redis address")

	cacheTTL := fs.Int("t", int(config.CacheTTL.Minutes()), "context cache TTL (in minutes)")
	auditRetention := fs.Int("r", int(config.AuditRetention.Hours()/24), "audit retention (in days)")

	fs.IntVar(&config.RapidFireThreshold, "f", config.RapidFireThreshold, "rapid-fire threshold")
	fs.IntVar(&config.BulkAccessThreshold, "B", config.BulkAccessThreshold, "bulk-access threshold")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket for envelope offload")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.CacheTTL = time.Duration(*cacheTTL) * time.Minute
	config.AuditRetention = time.Duration(*auditRetention) * 24 * time.Hour
}
