// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/cnquant/marketd/internal/domain"
)

// Config holds application configuration. Values come from environment
// variables (a .env file is honoured when present); the mutable subset is
// later overlaid from the settings table via settings.Service.
type Config struct {
	DataDir    string // base directory for databases, caches, and logs (always absolute)
	DBPath     string // market store (symbols, daily_prices, sync_state)
	MetaDBPath string // daemon metadata (settings, sync run history)

	Enabled bool
	Adjust  string // price adjustment regime, fixed at boot

	Providers                       []string
	RealtimeProviders               []string
	ProviderFailoverEnabled         bool
	RealtimeProviderFailoverEnabled bool

	CircuitBreakerSeconds  int
	RetryMax               int
	RetryBackoffSeconds    float64
	FailureCooldownSeconds int
	IncrementalHistoryDays int
	BootstrapBatchSize     int
	CloseFinalizeTime      string // HH:MM Beijing wall clock
	ProAPIToken            string

	RateLimitRPS        float64
	SpotCacheTTLSeconds int

	Port     int
	LogLevel string

	Backup BackupConfig
}

// BackupConfig holds S3-compatible backup settings. Backups stay disabled
// until endpoint, bucket, and both keys are present.
type BackupConfig struct {
	Enabled   bool
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Keep      int
}

// DefaultProviders is the standing provider order for both historical and
// realtime flows.
var DefaultProviders = []string{"eastmoney", "tencent", "sina", "pro_api"}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("MARKET_DATA_DATA_DIR", "output")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:    absDataDir,
		DBPath:     getEnv("MARKET_DATA_DB_PATH", filepath.Join(absDataDir, "databases", "market.db")),
		MetaDBPath: getEnv("MARKET_DATA_META_DB_PATH", filepath.Join(absDataDir, "databases", "meta.db")),

		Enabled: getEnvAsBool("MARKET_DATA_ENABLED", true),
		Adjust:  getEnv("MARKET_DATA_ADJUST", string(domain.AdjustQFQ)),

		Providers:                       getEnvAsSlice("MARKET_DATA_PROVIDERS", DefaultProviders),
		RealtimeProviders:               getEnvAsSlice("MARKET_DATA_REALTIME_PROVIDERS", DefaultProviders),
		ProviderFailoverEnabled:         getEnvAsBool("MARKET_DATA_PROVIDER_FAILOVER_ENABLED", true),
		RealtimeProviderFailoverEnabled: getEnvAsBool("MARKET_DATA_REALTIME_PROVIDER_FAILOVER_ENABLED", true),

		CircuitBreakerSeconds:  getEnvAsInt("MARKET_DATA_PROVIDER_CIRCUIT_BREAKER_SECONDS", 300),
		RetryMax:               getEnvAsInt("MARKET_DATA_SYNC_RETRY_MAX", 3),
		RetryBackoffSeconds:    getEnvAsFloat("MARKET_DATA_SYNC_RETRY_BACKOFF_SECONDS", 1.0),
		FailureCooldownSeconds: getEnvAsInt("MARKET_DATA_SYNC_FAILURE_COOLDOWN_SECONDS", 120),
		IncrementalHistoryDays: getEnvAsInt("MARKET_DATA_INCREMENTAL_HISTORY_DAYS", 20),
		BootstrapBatchSize:     getEnvAsInt("MARKET_DATA_BOOTSTRAP_BATCH_SIZE", 200),
		CloseFinalizeTime:      getEnv("MARKET_DATA_CLOSE_FINALIZE_TIME", "15:05"),
		ProAPIToken:            getEnv("MARKET_DATA_PRO_API_TOKEN", ""),

		RateLimitRPS:        getEnvAsFloat("MARKET_DATA_RATE_LIMIT_RPS", 5.0),
		SpotCacheTTLSeconds: getEnvAsInt("MARKET_DATA_SPOT_CACHE_TTL_SECONDS", 60),

		Port:     getEnvAsInt("PORT", 8090),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		Backup: loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that loaded configuration is usable.
func (c *Config) Validate() error {
	switch domain.Adjust(c.Adjust) {
	case domain.AdjustQFQ, domain.AdjustHFQ, domain.AdjustNone:
	default:
		return fmt.Errorf("invalid adjust regime %q", c.Adjust)
	}

	if _, _, err := domain.ParseClockTime(c.CloseFinalizeTime); err != nil {
		return fmt.Errorf("invalid MARKET_DATA_CLOSE_FINALIZE_TIME: %w", err)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("MARKET_DATA_PROVIDERS must not be empty")
	}
	if c.RetryMax < 1 {
		return fmt.Errorf("MARKET_DATA_SYNC_RETRY_MAX must be at least 1")
	}
	if c.CircuitBreakerSeconds < 0 || c.FailureCooldownSeconds < 0 {
		return fmt.Errorf("circuit breaker and cooldown seconds must not be negative")
	}
	if c.IncrementalHistoryDays < 1 {
		return fmt.Errorf("MARKET_DATA_INCREMENTAL_HISTORY_DAYS must be at least 1")
	}
	if c.BootstrapBatchSize < 1 {
		return fmt.Errorf("MARKET_DATA_BOOTSTRAP_BATCH_SIZE must be at least 1")
	}

	return nil
}

func loadBackupConfig() BackupConfig {
	b := BackupConfig{
		Endpoint:  getEnv("BACKUP_ENDPOINT", ""),
		Bucket:    getEnv("BACKUP_BUCKET", ""),
		AccessKey: getEnv("BACKUP_ACCESS_KEY", ""),
		SecretKey: getEnv("BACKUP_SECRET_KEY", ""),
		Keep:      getEnvAsInt("BACKUP_KEEP", 14),
	}
	b.Enabled = getEnvAsBool("BACKUP_ENABLED", false) &&
		b.Endpoint != "" && b.Bucket != "" && b.AccessKey != "" && b.SecretKey != ""
	return b
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
