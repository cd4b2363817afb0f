// Package config provides configuration management for the exchange oracle.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/exchange-oracle/internal/types"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Chains     ChainsConfig
	Platform   PlatformConfig
	Oracles    OraclesConfig
	Webhook    WebhookConfig
	Cron       CronConfig
	Validation ValidationConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	WebhookRPS      int // rate limit for the inbound webhook endpoint
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
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

// URL returns the connection URL used by the migration tooling.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration for the dedup fast path
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	DedupTTL time.Duration
}

// ClickHouseConfig holds the optional transition-audit store configuration.
// Auditing is disabled when Host is empty.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// Enabled reports whether the audit store is configured.
func (c ClickHouseConfig) Enabled() bool {
	return c.Host != ""
}

// ChainsConfig holds per-chain ledger access configuration
type ChainsConfig struct {
	Default types.ChainID
	RPCURLs map[types.ChainID]string
	// PrivateKey is the oracle's hex-encoded ECDSA signing key, shared
	// between webhook signing and ledger writes.
	PrivateKey     string
	GatewayTimeout time.Duration
}

// PlatformConfig holds annotation platform API configuration
type PlatformConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	// AssignmentTTL is the time box applied to new assignments.
	AssignmentTTL time.Duration
	// WebhookSecret authenticates inbound platform webhooks (HMAC-SHA256).
	// The platform intake endpoint rejects everything when unset.
	WebhookSecret string
}

// OracleEndpoint describes one peer oracle
type OracleEndpoint struct {
	WebhookURL string
	// Address is the peer's wallet address used to verify inbound signatures.
	Address string
}

// OraclesConfig holds the peer oracle registry
type OraclesConfig struct {
	JobLauncher OracleEndpoint
	Recording   OracleEndpoint
	Reputation  OracleEndpoint
}

// Endpoint returns the endpoint registered for the given oracle kind.
func (c OraclesConfig) Endpoint(kind types.OracleKind) (OracleEndpoint, bool) {
	switch kind {
	case types.OracleJobLauncher:
		return c.JobLauncher, c.JobLauncher.WebhookURL != ""
	case types.OracleRecording:
		return c.Recording, c.Recording.WebhookURL != ""
	case types.OracleReputation:
		return c.Reputation, c.Reputation.WebhookURL != ""
	}
	return OracleEndpoint{}, false
}

// TrustedAddresses returns the peer addresses accepted on inbound webhooks.
func (c OraclesConfig) TrustedAddresses() map[string]types.OracleKind {
	trusted := make(map[string]types.OracleKind, 3)
	if c.JobLauncher.Address != "" {
		trusted[strings.ToLower(c.JobLauncher.Address)] = types.OracleJobLauncher
	}
	if c.Recording.Address != "" {
		trusted[strings.ToLower(c.Recording.Address)] = types.OracleRecording
	}
	if c.Reputation.Address != "" {
		trusted[strings.ToLower(c.Reputation.Address)] = types.OracleReputation
	}
	return trusted
}

// WebhookConfig holds outgoing dispatcher configuration
type WebhookConfig struct {
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	BatchSize      int
	PoolSize       int
	RequestTimeout time.Duration
}

// CronConfig holds reconciliation job intervals
type CronConfig struct {
	EscrowCreationInterval    time.Duration
	EscrowValidationInterval  time.Duration
	TaskCreationInterval      time.Duration
	CompletedTasksInterval    time.Duration
	CompletedProjectsInterval time.Duration
	CompletedEscrowsInterval  time.Duration
	AssignmentsInterval       time.Duration
	OutgoingWebhooksInterval  time.Duration
}

// ValidationConfig holds escrow validation policy
type ValidationConfig struct {
	MaxAttempts int
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
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			WebhookRPS:      getEnvAsInt("SERVER_WEBHOOK_RPS", 50),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "exchange_oracle"),
				User:           getEnv("POSTGRES_USER", "oracle"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvAsInt("REDIS_DB", 0),
				DedupTTL: getEnvAsDuration("REDIS_DEDUP_TTL", 24*time.Hour),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", ""),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "exchange_oracle"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
		},
		Chains: ChainsConfig{
			Default:        types.ChainID(getEnvAsInt64("CHAIN_DEFAULT_ID", int64(types.ChainPolygon))),
			RPCURLs:        loadChainRPCURLs(),
			PrivateKey:     getEnv("ORACLE_PRIVATE_KEY", ""),
			GatewayTimeout: getEnvAsDuration("CHAIN_GATEWAY_TIMEOUT", 10*time.Second),
		},
		Platform: PlatformConfig{
			BaseURL:        getEnv("PLATFORM_BASE_URL", "http://localhost:8070/api/v1"),
			APIKey:         getEnv("PLATFORM_API_KEY", ""),
			RequestTimeout: getEnvAsDuration("PLATFORM_REQUEST_TIMEOUT", 15*time.Second),
			AssignmentTTL:  getEnvAsDuration("PLATFORM_ASSIGNMENT_TTL", time.Hour),
			WebhookSecret:  getEnv("PLATFORM_WEBHOOK_SECRET", ""),
		},
		Oracles: OraclesConfig{
			JobLauncher: OracleEndpoint{
				WebhookURL: getEnv("JOB_LAUNCHER_WEBHOOK_URL", ""),
				Address:    getEnv("JOB_LAUNCHER_ADDRESS", ""),
			},
			Recording: OracleEndpoint{
				WebhookURL: getEnv("RECORDING_ORACLE_WEBHOOK_URL", ""),
				Address:    getEnv("RECORDING_ORACLE_ADDRESS", ""),
			},
			Reputation: OracleEndpoint{
				WebhookURL: getEnv("REPUTATION_ORACLE_WEBHOOK_URL", ""),
				Address:    getEnv("REPUTATION_ORACLE_ADDRESS", ""),
			},
		},
		Webhook: WebhookConfig{
			MaxRetries:     getEnvAsInt("WEBHOOK_MAX_RETRIES", 5),
			BaseRetryDelay: getEnvAsDuration("WEBHOOK_BASE_RETRY_DELAY", 2*time.Minute),
			MaxRetryDelay:  getEnvAsDuration("WEBHOOK_MAX_RETRY_DELAY", 4*time.Hour),
			BatchSize:      getEnvAsInt("WEBHOOK_BATCH_SIZE", 20),
			PoolSize:       getEnvAsInt("WEBHOOK_POOL_SIZE", 4),
			RequestTimeout: getEnvAsDuration("WEBHOOK_REQUEST_TIMEOUT", 10*time.Second),
		},
		Cron: CronConfig{
			EscrowCreationInterval:    getEnvAsDuration("CRON_ESCROW_CREATION_INTERVAL", 60*time.Second),
			EscrowValidationInterval:  getEnvAsDuration("CRON_ESCROW_VALIDATION_INTERVAL", 60*time.Second),
			TaskCreationInterval:      getEnvAsDuration("CRON_TASK_CREATION_INTERVAL", 30*time.Second),
			CompletedTasksInterval:    getEnvAsDuration("CRON_COMPLETED_TASKS_INTERVAL", 30*time.Second),
			CompletedProjectsInterval: getEnvAsDuration("CRON_COMPLETED_PROJECTS_INTERVAL", 30*time.Second),
			CompletedEscrowsInterval:  getEnvAsDuration("CRON_COMPLETED_ESCROWS_INTERVAL", 60*time.Second),
			AssignmentsInterval:       getEnvAsDuration("CRON_ASSIGNMENTS_INTERVAL", 30*time.Second),
			OutgoingWebhooksInterval:  getEnvAsDuration("CRON_OUTGOING_WEBHOOKS_INTERVAL", 15*time.Second),
		},
		Validation: ValidationConfig{
			MaxAttempts: getEnvAsInt("ESCROW_VALIDATION_MAX_ATTEMPTS", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// loadChainRPCURLs loads RPC endpoints for every chain with a configured URL
func loadChainRPCURLs() map[types.ChainID]string {
	known := map[string]types.ChainID{
		"ETHEREUM":     types.ChainEthereum,
		"BNB":          types.ChainBNB,
		"POLYGON":      types.ChainPolygon,
		"POLYGON_AMOY": types.ChainPolygonAmoy,
		"LOCALHOST":    types.ChainLocalhost,
	}

	urls := make(map[types.ChainID]string)
	for prefix, chainID := range known {
		if url := getEnv(prefix+"_RPC_URL", ""); url != "" {
			urls[chainID] = url
		}
	}
	return urls
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

// getEnvAsInt64 gets an environment variable as an int64 with a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
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
