package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Environment string
	Server      ServerConfig
	Redis       RedisConfig
	MQTT        MQTTConfig
	MySQL       MySQLConfig
	Filter      FilterConfig
	Segment     SegmentConfig
	Presence    PresenceConfig
	Activity    ActivityConfig
	Performance PerformanceConfig
	Monitoring  MonitoringConfig
}

// ServerConfig HTTP server settings
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	RateLimit    float64
	RateBurst    int
}

// RedisConfig live state store settings
type RedisConfig struct {
	URL          string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	CASRetries   int
	StateTTL     time.Duration
}

// MQTTConfig tracker feed settings
type MQTTConfig struct {
	URL          string
	ClientID     string
	Username     string
	Password     string
	CleanSession bool
	OrderMatters bool
	Topic        string
}

// MySQLConfig history and aggregate store settings
type MySQLConfig struct {
	DSN          string
	MaxIdleConns int
	MaxOpenConns int
}

// FilterConfig noise filter settings
type FilterConfig struct {
	Alpha           float64
	Beta            float64
	MaxSpeedKmh     float64
	MinDtSeconds    float64
	SpikeSpeedFloor float64
}

// SegmentConfig movement segmentation settings
type SegmentConfig struct {
	MinStoppage        time.Duration
	FirstMovementCount int
}

// PresenceConfig attendance hysteresis settings
type PresenceConfig struct {
	ExitGrace    time.Duration
	AnchorPolicy string // "entry" or "last_in_zone"
	Timezone     string
}

// ActivityConfig scheduled activity settings
type ActivityConfig struct {
	TickInterval time.Duration
	MinZoneShare float64
}

// PerformanceConfig worker and timeout settings
type PerformanceConfig struct {
	DispatcherShards int
	ShardQueueSize   int
	AnalyzeParallel  int
	MaxBatchSize     int
	BatchTimeout     time.Duration
	StoreTimeout     time.Duration
	ZoneCacheSize    int
	ZoneCacheTTL     time.Duration
}

// MonitoringConfig metrics settings
type MonitoringConfig struct {
	MetricsEnabled bool
}

// dotEnvFile is applied to the environment by Load when present
const dotEnvFile = ".env"

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present; a missing file is fine, an
// unreadable or malformed one is an error.
func Load() (*Config, error) {
	if err := loadDotEnv(dotEnvFile); err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Address:      getEnv("SERVER_ADDRESS", ":8090"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			RateLimit:    getFloat("SERVER_RATE_LIMIT", 100),
			RateBurst:    getInt("SERVER_RATE_BURST", 200),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getInt("REDIS_DB", 0),
			PoolSize:     getInt("REDIS_POOL_SIZE", 50),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 5),
			CASRetries:   getInt("REDIS_CAS_RETRIES", 5),
			StateTTL:     getDuration("REDIS_STATE_TTL", 72*time.Hour),
		},
		MQTT: MQTTConfig{
			URL:          getEnv("MQTT_URL", "tcp://localhost:1883"),
			ClientID:     getEnv("MQTT_CLIENT_ID", "trackengine"),
			Username:     getEnv("MQTT_USERNAME", ""),
			Password:     getEnv("MQTT_PASSWORD", ""),
			CleanSession: getBool("MQTT_CLEAN_SESSION", false),
			OrderMatters: getBool("MQTT_ORDER_MATTERS", true),
			Topic:        getEnv("MQTT_TOPIC", "trk/+/fix"),
		},
		MySQL: MySQLConfig{
			DSN:          getEnv("MYSQL_DSN", ""),
			MaxIdleConns: getInt("MYSQL_MAX_IDLE_CONNS", 10),
			MaxOpenConns: getInt("MYSQL_MAX_OPEN_CONNS", 50),
		},
		Filter: FilterConfig{
			Alpha:           getFloat("FILTER_ALPHA", 0.35),
			Beta:            getFloat("FILTER_BETA", 0.12),
			MaxSpeedKmh:     getFloat("FILTER_MAX_SPEED_KMH", 70),
			MinDtSeconds:    getFloat("FILTER_MIN_DT_SECONDS", 0.1),
			SpikeSpeedFloor: getFloat("FILTER_SPIKE_SPEED_FLOOR", 1),
		},
		Segment: SegmentConfig{
			MinStoppage:        getDuration("SEGMENT_MIN_STOPPAGE", 60*time.Second),
			FirstMovementCount: getInt("SEGMENT_FIRST_MOVEMENT_COUNT", 3),
		},
		Presence: PresenceConfig{
			ExitGrace:    getDuration("PRESENCE_EXIT_GRACE", 30*time.Minute),
			AnchorPolicy: getEnv("PRESENCE_ANCHOR_POLICY", "entry"),
			Timezone:     getEnv("PRESENCE_TIMEZONE", "UTC"),
		},
		Activity: ActivityConfig{
			TickInterval: getDuration("ACTIVITY_TICK_INTERVAL", time.Minute),
			MinZoneShare: getFloat("ACTIVITY_MIN_ZONE_SHARE", 0.5),
		},
		Performance: PerformanceConfig{
			DispatcherShards: getInt("DISPATCHER_SHARDS", 16),
			ShardQueueSize:   getInt("SHARD_QUEUE_SIZE", 1024),
			AnalyzeParallel:  getInt("ANALYZE_PARALLEL", 8),
			MaxBatchSize:     getInt("MAX_BATCH_SIZE", 500),
			BatchTimeout:     getDuration("BATCH_TIMEOUT", 5*time.Second),
			StoreTimeout:     getDuration("STORE_TIMEOUT", 5*time.Second),
			ZoneCacheSize:    getInt("ZONE_CACHE_SIZE", 1000),
			ZoneCacheTTL:     getDuration("ZONE_CACHE_TTL", 10*time.Minute),
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: getBool("METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for obviously broken values
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.MQTT.URL == "" {
		return fmt.Errorf("MQTT_URL is required")
	}
	if c.Filter.Alpha <= 0 || c.Filter.Alpha > 1 {
		return fmt.Errorf("FILTER_ALPHA must be in (0, 1]")
	}
	if c.Filter.Beta < 0 || c.Filter.Beta > 1 {
		return fmt.Errorf("FILTER_BETA must be in [0, 1]")
	}
	if c.Filter.MaxSpeedKmh <= 0 {
		return fmt.Errorf("FILTER_MAX_SPEED_KMH must be positive")
	}
	if c.Segment.MinStoppage <= 0 {
		return fmt.Errorf("SEGMENT_MIN_STOPPAGE must be positive")
	}
	if c.Segment.FirstMovementCount < 1 {
		return fmt.Errorf("SEGMENT_FIRST_MOVEMENT_COUNT must be at least 1")
	}
	if c.Presence.ExitGrace <= 0 {
		return fmt.Errorf("PRESENCE_EXIT_GRACE must be positive")
	}
	if c.Presence.AnchorPolicy != "entry" && c.Presence.AnchorPolicy != "last_in_zone" {
		return fmt.Errorf("PRESENCE_ANCHOR_POLICY must be entry or last_in_zone")
	}
	if _, err := time.LoadLocation(c.Presence.Timezone); err != nil {
		return fmt.Errorf("PRESENCE_TIMEZONE: %w", err)
	}
	if c.Performance.DispatcherShards <= 0 {
		return fmt.Errorf("DISPATCHER_SHARDS must be positive")
	}
	if c.Performance.AnalyzeParallel <= 0 {
		return fmt.Errorf("ANALYZE_PARALLEL must be positive")
	}
	if c.Performance.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive")
	}
	return nil
}

// Location returns the time zone used to derive session days
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Presence.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Helpers for reading environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// LogLevel returns the configured log level
func LogLevel() string {
	return getEnv("LOG_LEVEL", "info")
}

// LogFormat returns the configured log format
func LogFormat() string {
	return getEnv("LOG_FORMAT", "json")
}

// loadDotEnv sets the variables from path that are not already set
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}
