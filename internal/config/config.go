// Package config loads and validates application configuration from
// environment variables with sane defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig
	Redis    RedisConfig
	Consumer ConsumerConfig
	Postgres PostgresConfig
	HTTP     HTTPConfig
	MQTT     MQTTConfig
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Name            string
	Environment     string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addresses      []string
	Username       string
	Password       string
	DB             int
	MasterName     string
	PoolSize       int
	MinIdleConns   int
	MaxRetries     int
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// ConsumerConfig holds the worker-pool configuration
type ConsumerConfig struct {
	// MaxConsumerCount is the number of (worker, heartbeat) pairs started
	// per registered task handler.
	MaxConsumerCount int
}

// PostgresConfig holds the relational-store configuration consumed by the
// HTTP layer.
type PostgresConfig struct {
	URL string
}

// HTTPConfig holds the API server configuration
type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// MQTTConfig holds the optional notify-handler broker configuration. The
// notify handler is registered only when Broker is non-empty.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// Load loads configuration from environment variables and defaults
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name:            getEnv("APP_NAME", "backend-worker"),
			Environment:     getEnv("APP_ENV", "production"),
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			LogFormat:       getEnv("LOG_FORMAT", "json"),
			ShutdownTimeout: getDurationEnv("APP_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Addresses:      parseRedisURL(getEnv("REDIS_URL", "redis://localhost:6379")),
			Username:       getEnv("REDIS_USERNAME", ""),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getIntEnv("REDIS_DB", 0),
			MasterName:     getEnv("REDIS_MASTER_NAME", ""),
			PoolSize:       getIntEnv("MAX_REDIS_POOL_SIZE", 16),
			MinIdleConns:   getIntEnv("REDIS_MIN_IDLE_CONNS", 2),
			MaxRetries:     getIntEnv("REDIS_MAX_RETRIES", 5),
			RetryInterval:  getDurationEnv("REDIS_RETRY_INTERVAL", 1*time.Second),
			ConnectTimeout: getDurationEnv("REDIS_CONNECT_TIMEOUT", 5*time.Second),
			ReadTimeout:    getDurationEnv("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:   getDurationEnv("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Consumer: ConsumerConfig{
			MaxConsumerCount: getIntEnv("MAX_CONSUMER_COUNT", 5),
		},
		Postgres: PostgresConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		HTTP: HTTPConfig{
			Port:         getIntEnv("HTTP_PORT", 8080),
			ReadTimeout:  getDurationEnv("HTTP_READ_TIMEOUT", 5*time.Second),
			WriteTimeout: getDurationEnv("HTTP_WRITE_TIMEOUT", 10*time.Second),
		},
		MQTT: MQTTConfig{
			Broker:         getEnv("MQTT_BROKER", ""),
			ClientID:       getEnv("MQTT_CLIENT_ID", ""),
			Topic:          getEnv("MQTT_NOTIFY_TOPIC", "backend/notify"),
			QoS:            byte(getIntEnv("MQTT_QOS", 1)),
			ConnectTimeout: getDurationEnv("MQTT_CONNECT_TIMEOUT", 10*time.Second),
			WriteTimeout:   getDurationEnv("MQTT_WRITE_TIMEOUT", 5*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("REDIS_URL must resolve to at least one address")
	}
	if c.Postgres.URL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.Consumer.MaxConsumerCount < 0 {
		return fmt.Errorf("MAX_CONSUMER_COUNT must be >= 0, got %d", c.Consumer.MaxConsumerCount)
	}
	if c.Redis.PoolSize < 1 {
		return fmt.Errorf("MAX_REDIS_POOL_SIZE must be >= 1, got %d", c.Redis.PoolSize)
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTP.Port)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

// parseRedisURL accepts either a redis:// URL or a comma-separated
// host:port list and returns the address list for the universal client.
func parseRedisURL(raw string) []string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "redis://")
	s = strings.TrimPrefix(s, "rediss://")
	// Strip userinfo and trailing /db if present.
	if at := strings.LastIndex(s, "@"); at >= 0 {
		s = s[at+1:]
	}
	if slash := strings.Index(s, "/"); slash >= 0 {
		s = s[:slash]
	}
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	addrs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, ":") {
			p += ":6379"
		}
		addrs = append(addrs, p)
	}
	return addrs
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
