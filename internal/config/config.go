package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig
	Log      LogConfig
	HTTP     HTTPConfig
	Session  SessionConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Mongo    MongoConfig
	Postgres PostgresConfig
	Kafka    KafkaConfig
}

type AppConfig struct {
	Name string
	Env  string
	Port string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

type HTTPConfig struct {
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxBodySize     int64
}

// SessionConfig controls how browser sessions map to carts.
type SessionConfig struct {
	CookieName      string
	SecureCookie    bool
	IdleTTL         time.Duration // live carts untouched this long are evicted from memory
	CleanupInterval time.Duration
}

type StorageConfig struct {
	Backend        string // memory, redis, mongo, postgres
	KeyPrefix      string
	PersistTimeout time.Duration
	Breaker        BreakerConfig
}

// BreakerConfig guards remote storage backends with a circuit breaker.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type MongoConfig struct {
	URI                    string
	Database               string
	Collection             string
	MaxPoolSize            uint64
	MinPoolSize            uint64
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
}

type PostgresConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MaxAge        time.Duration // snapshots older than this are purged
	PurgeInterval time.Duration
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

// Load reads configuration from an optional .env file, an optional config.yaml
// and CART_ prefixed environment variables, in increasing priority.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("CART")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			RequestTimeout:  v.GetDuration("http.request_timeout"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			IdleTimeout:     v.GetDuration("http.idle_timeout"),
			MaxBodySize:     v.GetInt64("http.max_body_size"),
		},
		Session: SessionConfig{
			CookieName:      v.GetString("session.cookie_name"),
			SecureCookie:    v.GetBool("session.secure_cookie"),
			IdleTTL:         v.GetDuration("session.idle_ttl"),
			CleanupInterval: v.GetDuration("session.cleanup_interval"),
		},
		Storage: StorageConfig{
			Backend:        strings.ToLower(v.GetString("storage.backend")),
			KeyPrefix:      v.GetString("storage.key_prefix"),
			PersistTimeout: v.GetDuration("storage.persist_timeout"),
			Breaker: BreakerConfig{
				Enabled:          v.GetBool("storage.breaker.enabled"),
				FailureThreshold: v.GetUint32("storage.breaker.failure_threshold"),
				OpenTimeout:      v.GetDuration("storage.breaker.open_timeout"),
			},
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			TTL:      v.GetDuration("redis.ttl"),
		},
		Mongo: MongoConfig{
			URI:                    v.GetString("mongo.uri"),
			Database:               v.GetString("mongo.database"),
			Collection:             v.GetString("mongo.collection"),
			MaxPoolSize:            v.GetUint64("mongo.max_pool_size"),
			MinPoolSize:            v.GetUint64("mongo.min_pool_size"),
			ConnectTimeout:         v.GetDuration("mongo.connect_timeout"),
			ServerSelectionTimeout: v.GetDuration("mongo.server_selection_timeout"),
		},
		Postgres: PostgresConfig{
			Host:          v.GetString("postgres.host"),
			Port:          v.GetInt("postgres.port"),
			User:          v.GetString("postgres.user"),
			Password:      v.GetString("postgres.password"),
			DBName:        v.GetString("postgres.dbname"),
			SSLMode:       v.GetString("postgres.sslmode"),
			MaxAge:        v.GetDuration("postgres.max_age"),
			PurgeInterval: v.GetDuration("postgres.purge_interval"),
		},
		Kafka: KafkaConfig{
			Enabled: v.GetBool("kafka.enabled"),
			Brokers: splitList(v.GetStringSlice("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
			GroupID: v.GetString("kafka.group_id"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cart-store")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("http.request_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.max_body_size", 1<<20) // 1MB

	v.SetDefault("session.cookie_name", "cart_session")
	v.SetDefault("session.secure_cookie", false)
	v.SetDefault("session.idle_ttl", 30*time.Minute)
	v.SetDefault("session.cleanup_interval", time.Minute)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.key_prefix", "cart-storage")
	v.SetDefault("storage.persist_timeout", 2*time.Second)
	v.SetDefault("storage.breaker.enabled", true)
	v.SetDefault("storage.breaker.failure_threshold", 5)
	v.SetDefault("storage.breaker.open_timeout", 30*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 30*24*time.Hour)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "cartdb")
	v.SetDefault("mongo.collection", "cart_snapshots")
	v.SetDefault("mongo.max_pool_size", 100)
	v.SetDefault("mongo.min_pool_size", 10)
	v.SetDefault("mongo.connect_timeout", 10*time.Second)
	v.SetDefault("mongo.server_selection_timeout", 5*time.Second)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "cartdb")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_age", 90*24*time.Hour)
	v.SetDefault("postgres.purge_interval", time.Hour)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "session-events")
	v.SetDefault("kafka.group_id", "cart-store")
}

// splitList flattens yaml lists and comma separated environment values.
func splitList(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		for _, f := range strings.Split(item, ",") {
			if f = strings.TrimSpace(f); f != "" {
				out = append(out, f)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis, BackendMongo, BackendPostgres:
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, redis, mongo, postgres", c.Storage.Backend)
	}
	if c.App.Port == "" {
		return fmt.Errorf("app.port is required")
	}
	if c.Storage.PersistTimeout <= 0 {
		return fmt.Errorf("storage.persist_timeout must be positive")
	}
	if c.Session.IdleTTL <= 0 || c.Session.CleanupInterval <= 0 {
		return fmt.Errorf("session.idle_ttl and session.cleanup_interval must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.App.Env == "production" && !c.Session.SecureCookie {
		return fmt.Errorf("session.secure_cookie must be true in production")
	}
	return nil
}
