// Package config provides configuration management for the custody engine.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Ledger   LedgerConfig
	Wallet   WalletConfig
	Store    StoreConfig
	Cache    CacheConfig
	Audit    AuditConfig
	Logging  LoggingConfig
	Postgres PostgresConfig
	Redis    RedisConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string
	Port           string
	RequestsPerSec int // per-caller API rate
}

// LedgerConfig holds remote ledger and token contract configuration
type LedgerConfig struct {
	// LedgerProcessID is the central ledger process handling balance queries,
	// credits, debits and internal transfers.
	LedgerProcessID string
	// TokenProcessID is the token contract process handling on-chain balance
	// queries and transfers.
	TokenProcessID string
	// ParentProcessID receives Spawn-Child requests.
	ParentProcessID string
	SchedulerID     string
	AuthorityID     string

	// MessengerURL accepts signed messages; ComputeURL serves results and
	// read-only dry-run queries.
	MessengerURL string
	ComputeURL   string

	QueryTimeout    time.Duration // Get-User-Process, Spawn-Child, TransferBalance
	MutationTimeout time.Duration // Get-Balance, CreditBalance, DebitBalance, sweeps
	RequestsPerSec  float64       // outbound rate toward the gateways
}

// WalletConfig holds master key and derived keystore configuration
type WalletConfig struct {
	MasterKeyFile      string
	DerivedKeystoreDir string
	CounterFile        string
	KeystorePassphrase string
}

// StoreBackend selects the account store implementation
type StoreBackend string

const (
	// StoreBackendFile is the whole-snapshot JSON file store
	StoreBackendFile StoreBackend = "file"
	// StoreBackendPostgres is the transactional Postgres store
	StoreBackendPostgres StoreBackend = "postgres"
)

// StoreConfig holds account store configuration
type StoreConfig struct {
	Backend      StoreBackend
	SnapshotFile string
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// CacheConfig holds balance cache configuration. FreshnessWindow bounds how
// long a reconciled balance is trusted without re-querying the remotes.
type CacheConfig struct {
	Enabled         bool
	FreshnessWindow time.Duration
}

// AuditConfig holds settlement journal configuration
type AuditConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			RequestsPerSec: getEnvAsInt("API_REQUESTS_PER_SEC", 20),
		},
		Ledger: LedgerConfig{
			LedgerProcessID: getEnv("LEDGER_PROCESS_ID", ""),
			TokenProcessID:  getEnv("TOKEN_PROCESS_ID", ""),
			ParentProcessID: getEnv("PARENT_PROCESS_ID", ""),
			SchedulerID:     getEnv("SCHEDULER_ID", ""),
			AuthorityID:     getEnv("AUTHORITY_ID", ""),
			MessengerURL:    getEnv("MESSENGER_URL", ""),
			ComputeURL:      getEnv("COMPUTE_URL", ""),
			QueryTimeout:    getEnvAsDuration("LEDGER_QUERY_TIMEOUT", 5*time.Second),
			MutationTimeout: getEnvAsDuration("LEDGER_MUTATION_TIMEOUT", 10*time.Second),
			RequestsPerSec:  getEnvAsFloat("LEDGER_REQUESTS_PER_SEC", 10),
		},
		Wallet: WalletConfig{
			MasterKeyFile:      getEnv("MASTER_KEY_FILE", "master.key"),
			DerivedKeystoreDir: getEnv("DERIVED_KEYSTORE_DIR", "derived_keys"),
			CounterFile:        getEnv("DERIVATION_COUNTER_FILE", "derivation_counter"),
			KeystorePassphrase: getEnv("KEYSTORE_PASSPHRASE", ""),
		},
		Store: StoreConfig{
			Backend:      StoreBackend(getEnv("STORE_BACKEND", "file")),
			SnapshotFile: getEnv("ACCOUNT_SNAPSHOT_FILE", "accounts.json"),
		},
		Postgres: PostgresConfig{
			Host:           getEnv("POSTGRES_HOST", "localhost"),
			Port:           getEnv("POSTGRES_PORT", "5432"),
			Database:       getEnv("POSTGRES_DB", "token_custody"),
			User:           getEnv("POSTGRES_USER", "custody"),
			Password:       getEnv("POSTGRES_PASSWORD", ""),
			MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
		},
		Redis: RedisConfig{
			Host:           getEnv("REDIS_HOST", "localhost"),
			Port:           getEnv("REDIS_PORT", "6379"),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
		},
		Cache: CacheConfig{
			Enabled:         getEnvAsBool("BALANCE_CACHE_ENABLED", true),
			FreshnessWindow: getEnvAsDuration("BALANCE_FRESHNESS_WINDOW", 5*time.Second),
		},
		Audit: AuditConfig{
			Enabled:  getEnvAsBool("AUDIT_ENABLED", false),
			Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
			Port:     getEnv("CLICKHOUSE_PORT", "9000"),
			Database: getEnv("CLICKHOUSE_DB", "token_custody"),
			User:     getEnv("CLICKHOUSE_USER", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	required := map[string]string{
		"LEDGER_PROCESS_ID": c.Ledger.LedgerProcessID,
		"TOKEN_PROCESS_ID":  c.Ledger.TokenProcessID,
		"PARENT_PROCESS_ID": c.Ledger.ParentProcessID,
		"SCHEDULER_ID":      c.Ledger.SchedulerID,
		"AUTHORITY_ID":      c.Ledger.AuthorityID,
		"MESSENGER_URL":     c.Ledger.MessengerURL,
		"COMPUTE_URL":       c.Ledger.ComputeURL,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("missing required environment variable %s", name)
		}
	}

	switch c.Store.Backend {
	case StoreBackendFile, StoreBackendPostgres:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
