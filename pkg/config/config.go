package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the call coordinator
type Config struct {
	Environment string
	Database    DatabaseConfig
	Redis       RedisConfig
	Cassandra   CassandraConfig
	MinIO       MinIOConfig
	Relay       RelayConfig
	Credential  CredentialConfig
	Call        CallConfig
	Log         LogConfig
}

// DatabaseConfig holds CockroachDB configuration (call history)
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration (call event pub/sub)
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// CassandraConfig holds Cassandra configuration (signaling message store)
type CassandraConfig struct {
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
}

// MinIOConfig holds MinIO configuration (call recording uploads)
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// RelayConfig holds media relay session configuration
type RelayConfig struct {
	// URL is the websocket endpoint of the media relay, wss:// outside
	// of local development
	URL string
	// HeartbeatInterval is how often the relay client pings the relay
	HeartbeatInterval time.Duration
	// JoinTimeout bounds a single join attempt
	JoinTimeout time.Duration
}

// CredentialConfig holds ephemeral credential service configuration
type CredentialConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// CallConfig holds call coordination tunables
type CallConfig struct {
	// PollInterval is the answer poller tick on the initiator side
	PollInterval time.Duration
	// JoinMaxRetries bounds identifier-conflict retries
	JoinMaxRetries int
	// JoinSettleDelay is the wait between a conflicted join and the retry
	JoinSettleDelay time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "development"),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 26257),
			User:     getEnv("DB_USER", "root"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "callkit"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
			Timeout:  time.Duration(getEnvAsInt("REDIS_TIMEOUT", 5)) * time.Second,
		},
		Cassandra: CassandraConfig{
			Hosts:       getEnvAsSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace:    getEnv("CASSANDRA_KEYSPACE", "callkit"),
			Consistency: getEnv("CASSANDRA_CONSISTENCY", "QUORUM"),
			Timeout:     time.Duration(getEnvAsInt("CASSANDRA_TIMEOUT", 600)) * time.Millisecond,
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
			Bucket:    getEnv("MINIO_BUCKET", "call-recordings"),
		},
		Relay: RelayConfig{
			URL:               getEnv("RELAY_URL", "wss://localhost:7880/rtc"),
			HeartbeatInterval: time.Duration(getEnvAsInt("RELAY_HEARTBEAT_SECONDS", 15)) * time.Second,
			JoinTimeout:       time.Duration(getEnvAsInt("RELAY_JOIN_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Credential: CredentialConfig{
			Endpoint: getEnv("CREDENTIAL_ENDPOINT", "http://localhost:8089/rtc/token"),
			Timeout:  time.Duration(getEnvAsInt("CREDENTIAL_TIMEOUT_SECONDS", 5)) * time.Second,
		},
		Call: CallConfig{
			PollInterval:    time.Duration(getEnvAsInt("CALL_POLL_INTERVAL_MS", 2000)) * time.Millisecond,
			JoinMaxRetries:  getEnvAsInt("CALL_JOIN_MAX_RETRIES", 2),
			JoinSettleDelay: time.Duration(getEnvAsInt("CALL_JOIN_SETTLE_MS", 500)) * time.Millisecond,
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Format:   getEnv("LOG_FORMAT", "json"),
			Output:   getEnv("LOG_OUTPUT", "stdout"),
			FilePath: getEnv("LOG_FILE_PATH", "/logs/callkit.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Call.JoinMaxRetries < 0 {
		return fmt.Errorf("CALL_JOIN_MAX_RETRIES must not be negative")
	}
	if c.Call.PollInterval <= 0 {
		return fmt.Errorf("CALL_POLL_INTERVAL_MS must be positive")
	}
	if c.Environment == "production" && !strings.HasPrefix(c.Relay.URL, "wss://") {
		return fmt.Errorf("RELAY_URL must use wss:// in production")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
