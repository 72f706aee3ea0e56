// Package config provides configuration management for the custody service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"

	"github.com/ark-custody/internal/types"
)

// Config holds all application configuration
type Config struct {
	Network     types.Network
	Server      ServerConfig
	Database    DatabaseConfig
	Indexer     IndexerConfig
	Coordinator CoordinatorConfig
	Fees        FeeConfig
	Sync        SyncConfig
	Keys        KeyConfig
	Logging     LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
	// RequestsPerSecond is the per-wallet API budget
	RequestsPerSecond float64
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver     string
	SQLitePath string
	Postgres   PostgresConfig
	Redis      RedisConfig
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
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// IndexerConfig holds the Esplora indexer configuration
type IndexerConfig struct {
	URL               string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// CoordinatorConfig holds the Ark server configuration
type CoordinatorConfig struct {
	URL          string
	Timeout      time.Duration
	RoundTimeout time.Duration
}

// FeeConfig holds fee estimation configuration
type FeeConfig struct {
	FloorSatPerVB float64
	MinFeeSats    int64
	CacheTTL      time.Duration
}

// SyncConfig holds sync worker configuration
type SyncConfig struct {
	Interval    time.Duration
	Concurrency int
}

// KeyConfig holds key sealing configuration
type KeyConfig struct {
	EncryptionKey string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	minEncryptionKeyLen = 16
)

// DefaultFeeFloor returns the fallback fee rate of a network in sat/vB
func DefaultFeeFloor(network types.Network) float64 {
	switch network {
	case types.NetworkMainnet:
		return 20
	case types.NetworkTestnet, types.NetworkSignet:
		return 2
	default:
		return 1
	}
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	network := types.Network(getEnv("BITCOIN_NETWORK", string(types.NetworkRegtest)))

	config := &Config{
		Network: network,
		Server: ServerConfig{
			Port:              getEnv("SERVER_PORT", "8080"),
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			RequestsPerSecond: getEnvAsFloat("API_RPS", 20),
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DATABASE_DRIVER", DriverSQLite),
			SQLitePath: getEnv("SQLITE_PATH", "custody.db"),
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "ark_custody"),
				User:           getEnv("POSTGRES_USER", "custody"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 25),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", false),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Indexer: IndexerConfig{
			URL:               getEnv("ESPLORA_URL", "http://localhost:3002"),
			Timeout:           getEnvAsDuration("ESPLORA_TIMEOUT", 10*time.Second),
			RequestsPerSecond: getEnvAsFloat("ESPLORA_RPS", 10),
		},
		Coordinator: CoordinatorConfig{
			URL:          getEnv("ARK_SERVER_URL", "http://localhost:7070"),
			Timeout:      getEnvAsDuration("ARK_TIMEOUT", 10*time.Second),
			RoundTimeout: getEnvAsDuration("ROUND_TIMEOUT", 30*time.Second),
		},
		Fees: FeeConfig{
			FloorSatPerVB: getEnvAsFloat("FEE_FLOOR_SAT_VB", DefaultFeeFloor(network)),
			MinFeeSats:    int64(getEnvAsInt("MIN_FEE_SATS", 160)),
			CacheTTL:      getEnvAsDuration("FEE_CACHE_TTL", 60*time.Second),
		},
		Sync: SyncConfig{
			Interval:    getEnvAsDuration("SYNC_INTERVAL", 30*time.Second),
			Concurrency: getEnvAsInt("SYNC_CONCURRENCY", 4),
		},
		Keys: KeyConfig{
			EncryptionKey: getEnv("WALLET_ENCRYPTION_KEY", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate checks values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	if !c.Network.Valid() {
		return fmt.Errorf("unknown BITCOIN_NETWORK %q", c.Network)
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q", c.Database.Driver)
	}
	if len(c.Keys.EncryptionKey) < minEncryptionKeyLen {
		return fmt.Errorf("WALLET_ENCRYPTION_KEY must be at least %d characters", minEncryptionKeyLen)
	}
	if c.Fees.FloorSatPerVB <= 0 {
		return fmt.Errorf("FEE_FLOOR_SAT_VB must be positive")
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("SYNC_CONCURRENCY must be positive")
	}
	return nil
}

// ChainParams returns the btcd parameters of the configured network
func (c *Config) ChainParams() *chaincfg.Params {
	return NetworkParams(c.Network)
}

// NetworkParams maps a network name to its btcd parameters
func NetworkParams(network types.Network) *chaincfg.Params {
	switch network {
	case types.NetworkMainnet:
		return &chaincfg.MainNetParams
	case types.NetworkTestnet:
		return &chaincfg.TestNet3Params
	case types.NetworkSignet:
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.RegressionNetParams
	}
}

// PostgresDSN builds a connection string for pgx
func (p PostgresConfig) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		p.User, p.Password, p.Host, p.Port, p.Database)
}

// RedisAddr returns host:port
func (r RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
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

// getEnvAsBool gets an environment variable as a bool with a default value
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
