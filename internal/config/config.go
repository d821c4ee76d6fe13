// Package config provides configuration management for the lending client.
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
	Server    ServerConfig
	Chain     ChainConfig
	Composer  ComposerConfig
	Cache     CacheConfig
	Audit     AuditConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string
	Port string
}

// ChainConfig holds RPC and on-chain address configuration
type ChainConfig struct {
	RPCURL            string
	MulticallAddress  string
	DataServiceURL    string
	RPCRequestsPerSec float64
	RPCBurst          int
}

// ComposerConfig holds plan-construction parameters
type ComposerConfig struct {
	// FundingAsset is the stablecoin asset id used to fund flash loans
	FundingAsset string
	// LeverageBufferBps pads the flash-loan draw over the quoted swap input
	LeverageBufferBps int64
	// DeleverageBufferBps pads the flash-loan draw over the owed debt
	DeleverageBufferBps int64
	// WithdrawSafetyMultiplier discounts the computed max withdrawable amount
	WithdrawSafetyMultiplier float64
}

// CacheConfig holds Redis token metadata cache configuration
type CacheConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
	TTL      time.Duration
}

// AuditConfig holds ClickHouse operation-log configuration
type AuditConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RateLimitConfig holds per-client API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSec float64
	Burst          int
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
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Chain: ChainConfig{
			RPCURL:            getEnv("RPC_URL", ""),
			MulticallAddress:  getEnv("MULTICALL_ADDRESS", ""),
			DataServiceURL:    getEnv("DATA_SERVICE_URL", ""),
			RPCRequestsPerSec: getEnvAsFloat("RPC_REQUESTS_PER_SEC", 20),
			RPCBurst:          getEnvAsInt("RPC_BURST", 40),
		},
		Composer: ComposerConfig{
			FundingAsset:             getEnv("FUNDING_ASSET", ""),
			LeverageBufferBps:        int64(getEnvAsInt("LEVERAGE_BUFFER_BPS", 200)),
			DeleverageBufferBps:      int64(getEnvAsInt("DELEVERAGE_BUFFER_BPS", 100)),
			WithdrawSafetyMultiplier: getEnvAsFloat("WITHDRAW_SAFETY_MULTIPLIER", 0.95),
		},
		Cache: CacheConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			TTL:      getEnvAsDuration("REDIS_TTL", 10*time.Minute),
		},
		Audit: AuditConfig{
			Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
			Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
			Port:     getEnv("CLICKHOUSE_PORT", "9000"),
			Database: getEnv("CLICKHOUSE_DB", "defi_lever"),
			User:     getEnv("CLICKHOUSE_USER", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSec: getEnvAsFloat("RATE_LIMIT_RPS", 10),
			Burst:          getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime errors
func (c *Config) Validate() error {
	if c.Composer.LeverageBufferBps < 0 || c.Composer.DeleverageBufferBps < 0 {
		return fmt.Errorf("buffer bps must be non-negative")
	}
	if c.Composer.WithdrawSafetyMultiplier <= 0 || c.Composer.WithdrawSafetyMultiplier >= 1.0 {
		return fmt.Errorf("withdraw safety multiplier must be in (0, 1)")
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
