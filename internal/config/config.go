// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// BrokerCredentials is one broker's registered application identity,
// loaded from <KIND>_API_KEY / <KIND>_API_SECRET / <KIND>_REDIRECT_URL.
type BrokerCredentials struct {
	APIKey      string
	APISecret   string
	RedirectURL string
}

// BackupConfig holds settings for the nightly cloud backup. The backup job
// is only wired when Enabled() reports true.
type BackupConfig struct {
	Endpoint        string // empty for AWS; set for R2/MinIO style endpoints
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int
}

// Enabled reports whether enough credentials are present to reach a bucket.
func (b *BackupConfig) Enabled() bool {
	return b.Bucket != "" && b.AccessKeyID != "" && b.SecretAccessKey != ""
}

// brokerEnvPrefixes maps env variable prefixes to broker kind strings.
var brokerEnvPrefixes = map[string]string{
	"ZERODHA":      "ZERODHA",
	"UPSTOX":       "UPSTOX",
	"ANGEL_ONE":    "ANGEL_ONE",
	"ICICI_DIRECT": "ICICI_DIRECT",
	"FYERS":        "FYERS",
	"IIFL":         "IIFL",
}

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for all databases (always absolute)
	BackupDir string // Local backup tiers live here (defaults to <DataDir>/backups)
	Port      int
	LogLevel  string
	LogPretty bool
	DevMode   bool

	// VaultMasterKey is the master secret the credential vault derives its
	// AES key from. Required.
	VaultMasterKey string

	// OAuthStateSecret signs OAuth state nonces. Falls back to the vault
	// master key when unset.
	OAuthStateSecret string

	FXBaseURL       string
	MarketStreamURL string

	ProbeInterval     time.Duration
	FXRefreshInterval time.Duration

	// Brokers holds app credentials keyed by broker kind string, only for
	// brokers with at least one credential field set.
	Brokers map[string]BrokerCredentials

	Backup *BackupConfig
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("GATEWAY_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		BackupDir:         getEnv("GATEWAY_BACKUP_DIR", filepath.Join(absDataDir, "backups")),
		Port:              getEnvAsInt("PORT", 8080),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogPretty:         getEnvAsBool("LOG_PRETTY", false),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		VaultMasterKey:    getEnv("VAULT_MASTER_KEY", ""),
		OAuthStateSecret:  getEnv("OAUTH_STATE_SECRET", ""),
		FXBaseURL:         getEnv("FX_API_URL", ""),
		MarketStreamURL:   getEnv("MARKET_STREAM_URL", ""),
		ProbeInterval:     getEnvAsDuration("PROBE_INTERVAL", 5*time.Minute),
		FXRefreshInterval: getEnvAsDuration("FX_REFRESH_INTERVAL", 15*time.Minute),
		Brokers:           loadBrokerCredentials(),
		Backup: &BackupConfig{
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			Region:          getEnv("S3_REGION", ""),
			Bucket:          getEnv("S3_BUCKET", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadBrokerCredentials collects app credentials for every broker that has
// at least one of its env variables set.
func loadBrokerCredentials() map[string]BrokerCredentials {
	out := make(map[string]BrokerCredentials)
	for prefix, kind := range brokerEnvPrefixes {
		creds := BrokerCredentials{
			APIKey:      getEnv(prefix+"_API_KEY", ""),
			APISecret:   getEnv(prefix+"_API_SECRET", ""),
			RedirectURL: getEnv(prefix+"_REDIRECT_URL", ""),
		}
		if creds.APIKey != "" || creds.APISecret != "" {
			out[kind] = creds
		}
	}
	return out
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.VaultMasterKey == "" {
		return fmt.Errorf("VAULT_MASTER_KEY is required")
	}
	if len(c.VaultMasterKey) < 16 {
		return fmt.Errorf("VAULT_MASTER_KEY must be at least 16 characters")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}

	// A broker configured with only half its credential pair cannot
	// complete any token exchange; fail fast instead of at first use.
	for kind, creds := range c.Brokers {
		if creds.APIKey == "" || creds.APISecret == "" {
			return fmt.Errorf("broker %s is missing part of its API key/secret pair", kind)
		}
	}

	if c.Backup.Enabled() && c.Backup.RetentionDays < 1 {
		return fmt.Errorf("BACKUP_RETENTION_DAYS must be positive when cloud backup is configured")
	}

	return nil
}

// StateSecret returns the key used to sign OAuth state payloads.
func (c *Config) StateSecret() []byte {
	if c.OAuthStateSecret != "" {
		return []byte(c.OAuthStateSecret)
	}
	return []byte(c.VaultMasterKey)
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
