// Package config provides configuration management for the EigenSurance backend.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	ObjectStore ObjectStoreConfig
	Auth        AuthConfig
	Generation  GenerationConfig
	IPFS        IPFSConfig
	AVS         AVSConfig
	PDF         PDFConfig
	Chain       ChainConfig
	Pricing     PricingConfig
	Cache       CacheConfig
	ClaimQueue  ClaimQueueConfig
	RateLimit   RateLimitConfig
	Logging     LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port         string
	Host         string
	Domain       string // SIWE domain the login message must name
	Origin       string // allowed CORS origin
	SecureCookie bool
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host            string
	Port            string
	Database        string
	User            string
	Password        string
	MaxConnections  int
	ConnectAttempts int // startup connection retries
}

// URL returns the postgres:// connection URL used by the pool and migrations.
func (c PostgresConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// ClickHouseConfig holds ClickHouse configuration.
// An empty Host disables the audit log.
type ClickHouseConfig struct {
	Host            string
	Port            string
	Database        string
	User            string
	Password        string
	ConnectAttempts int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host            string
	Port            string
	Password        string
	DB              int
	MaxConnections  int
	ConnectAttempts int
}

// ObjectStoreConfig holds S3-compatible storage configuration.
// An empty Bucket disables storing original document bytes.
type ObjectStoreConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// AuthConfig holds wallet sign-in and session configuration
type AuthConfig struct {
	SessionSecret string
	SessionTTL    time.Duration
	NonceTTL      time.Duration
	ChainID       int64
}

// GenerationConfig holds the assistant generation endpoint configuration
type GenerationConfig struct {
	URL     string
	Timeout time.Duration
}

// IPFSConfig holds Pinata configuration
type IPFSConfig struct {
	BaseURL string
	JWT     string
	Timeout time.Duration
}

// AVSConfig holds the claim approval service configuration
type AVSConfig struct {
	URL               string
	VoteThreshold     int
	ApprovalThreshold float64
	PollInterval      time.Duration
	PollMaxInterval   time.Duration
	PollMaxAttempts   int
	Timeout           time.Duration
}

// PDFConfig holds LlamaParse configuration
type PDFConfig struct {
	BaseURL string
	APIKey  string
	// PreviewTimeout bounds the parse done while uploading a PDF attachment
	PreviewTimeout time.Duration
	// ParseTimeout bounds a parse-pdf request
	ParseTimeout time.Duration
}

// ChainConfig holds the insurance pool chain configuration
type ChainConfig struct {
	RPCPrimary           string
	RPCSecondary         string
	InsurancePool        string
	DeploymentBlock      uint64
	LogBatchSize         uint64
	ReimbursementKey     string // hex private key of the server-held reimbursement signer
	ReimbursementEnabled bool
}

// PricingConfig holds the demo business constants
type PricingConfig struct {
	EthUSDRate         float64
	CoverageMultiplier float64
	PolicyTerm         time.Duration
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	TTL time.Duration
}

// ClaimQueueConfig holds claim worker configuration
type ClaimQueueConfig struct {
	Workers int
	// Embedded runs the queue inside the API server. Disable it when claims
	// are processed by cmd/worker instead.
	Embedded bool
	// Rescan is how often a standalone worker looks for newly submitted claims
	Rescan time.Duration
}

// RateLimitConfig holds rate limiting configuration (requests per second)
type RateLimitConfig struct {
	Anonymous     int
	Authenticated int
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

	connectAttempts := getEnvAsInt("DB_CONNECT_ATTEMPTS", 5)

	config := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Domain:       getEnv("SERVER_DOMAIN", "localhost:3000"),
			Origin:       getEnv("SERVER_ORIGIN", "http://localhost:3000"),
			SecureCookie: getEnvAsBool("SESSION_COOKIE_SECURE", false),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:            getEnv("POSTGRES_HOST", "localhost"),
				Port:            getEnv("POSTGRES_PORT", "5432"),
				Database:        getEnv("POSTGRES_DB", "eigensurance"),
				User:            getEnv("POSTGRES_USER", "eigensurance"),
				Password:        getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections:  getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				ConnectAttempts: connectAttempts,
			},
			ClickHouse: ClickHouseConfig{
				Host:            getEnv("CLICKHOUSE_HOST", ""),
				Port:            getEnv("CLICKHOUSE_PORT", "9000"),
				Database:        getEnv("CLICKHOUSE_DB", "eigensurance"),
				User:            getEnv("CLICKHOUSE_USER", "default"),
				Password:        getEnv("CLICKHOUSE_PASSWORD", ""),
				ConnectAttempts: connectAttempts,
			},
			Redis: RedisConfig{
				Host:            getEnv("REDIS_HOST", "localhost"),
				Port:            getEnv("REDIS_PORT", "6379"),
				Password:        getEnv("REDIS_PASSWORD", ""),
				DB:              getEnvAsInt("REDIS_DB", 0),
				MaxConnections:  getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
				ConnectAttempts: connectAttempts,
			},
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:  getEnv("S3_ENDPOINT", ""),
			Region:    getEnv("S3_REGION", "us-east-1"),
			Bucket:    getEnv("S3_BUCKET", ""),
			AccessKey: getEnv("S3_ACCESS_KEY", ""),
			SecretKey: getEnv("S3_SECRET_KEY", ""),
		},
		Auth: AuthConfig{
			SessionSecret: getEnv("SESSION_SECRET", ""),
			SessionTTL:    getEnvAsDuration("SESSION_TTL", 7*24*time.Hour),
			NonceTTL:      getEnvAsDuration("NONCE_TTL", 10*time.Minute),
			ChainID:       int64(getEnvAsInt("SIWE_CHAIN_ID", 17000)), // Holesky
		},
		Generation: GenerationConfig{
			URL:     getEnv("GENERATION_URL", "http://localhost:8000/api/generate"),
			Timeout: getEnvAsDuration("GENERATION_TIMEOUT", 60*time.Second),
		},
		IPFS: IPFSConfig{
			BaseURL: getEnv("PINATA_BASE_URL", "https://api.pinata.cloud"),
			JWT:     getEnv("PINATA_JWT", ""),
			Timeout: getEnvAsDuration("PINATA_TIMEOUT", 30*time.Second),
		},
		AVS: AVSConfig{
			URL:               getEnv("AVS_URL", "http://localhost:4003"),
			VoteThreshold:     getEnvAsInt("AVS_VOTE_THRESHOLD", 2),
			ApprovalThreshold: getEnvAsFloat("AVS_APPROVAL_THRESHOLD", 50),
			PollInterval:      getEnvAsDuration("AVS_POLL_INTERVAL", 2*time.Second),
			PollMaxInterval:   getEnvAsDuration("AVS_POLL_MAX_INTERVAL", 30*time.Second),
			PollMaxAttempts:   getEnvAsInt("AVS_POLL_MAX_ATTEMPTS", 10),
			Timeout:           getEnvAsDuration("AVS_TIMEOUT", 15*time.Second),
		},
		PDF: PDFConfig{
			BaseURL:        getEnv("LLAMA_PARSE_BASE_URL", "https://api.cloud.llamaindex.ai"),
			APIKey:         getEnv("LLAMA_PARSE_API_KEY", ""),
			PreviewTimeout: getEnvAsDuration("PDF_PREVIEW_TIMEOUT", 30*time.Second),
			ParseTimeout:   getEnvAsDuration("PDF_PARSE_TIMEOUT", 60*time.Second),
		},
		Chain: ChainConfig{
			RPCPrimary:           getEnv("CHAIN_RPC_PRIMARY", "https://holesky.drpc.org"),
			RPCSecondary:         getEnv("CHAIN_RPC_SECONDARY", ""),
			InsurancePool:        getEnv("INSURANCE_POOL_ADDRESS", ""),
			DeploymentBlock:      uint64(getEnvAsInt("INSURANCE_POOL_DEPLOYMENT_BLOCK", 0)),
			LogBatchSize:         uint64(getEnvAsInt("CHAIN_LOG_BATCH_SIZE", 5000)),
			ReimbursementKey:     getEnv("REIMBURSEMENT_SIGNER_KEY", ""),
			ReimbursementEnabled: getEnvAsBool("REIMBURSEMENT_ENABLED", false),
		},
		Pricing: PricingConfig{
			EthUSDRate:         getEnvAsFloat("PRICING_ETH_USD_RATE", 3333),
			CoverageMultiplier: getEnvAsFloat("PRICING_COVERAGE_MULTIPLIER", 2),
			PolicyTerm:         getEnvAsDuration("PRICING_POLICY_TERM", 365*24*time.Hour),
		},
		Cache: CacheConfig{
			TTL: getEnvAsDuration("CACHE_TTL", 60*time.Second),
		},
		ClaimQueue: ClaimQueueConfig{
			Workers:  getEnvAsInt("CLAIM_QUEUE_WORKERS", 4),
			Embedded: getEnvAsBool("CLAIM_QUEUE_EMBEDDED", true),
			Rescan:   getEnvAsDuration("CLAIM_QUEUE_RESCAN", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			Anonymous:     getEnvAsInt("RATE_LIMIT_ANONYMOUS", 5),
			Authenticated: getEnvAsInt("RATE_LIMIT_AUTHENTICATED", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate checks settings that have no safe default
func (c *Config) Validate() error {
	if len(c.Auth.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 characters")
	}
	if c.Chain.InsurancePool != "" && !isHexAddress(c.Chain.InsurancePool) {
		return fmt.Errorf("INSURANCE_POOL_ADDRESS is not a valid address: %s", c.Chain.InsurancePool)
	}
	if c.Chain.ReimbursementEnabled && c.Chain.ReimbursementKey == "" {
		return fmt.Errorf("REIMBURSEMENT_SIGNER_KEY is required when REIMBURSEMENT_ENABLED is set")
	}
	if c.Pricing.EthUSDRate <= 0 || c.Pricing.CoverageMultiplier <= 0 {
		return fmt.Errorf("pricing rate and coverage multiplier must be positive")
	}
	if c.AVS.PollMaxAttempts <= 0 {
		return fmt.Errorf("AVS_POLL_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func isHexAddress(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
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
