package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/linkflow-ai/chmigrate/internal/platform/validation"
	"github.com/spf13/viper"
)

// Config holds all configuration for a service
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Migration  MigrationConfig  `mapstructure:"migration"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Version    string           `mapstructure:"version"`
}

// ServiceConfig holds service-specific configuration
type ServiceConfig struct {
	Name        string `mapstructure:"name" envconfig:"SERVICE_NAME"`
	Environment string `mapstructure:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int           `mapstructure:"port" envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	// Runs are executed synchronously, so the write timeout has to cover a whole migration.
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"6h"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
}

// DatabaseConfig holds configuration of the PostgreSQL database that stores run records
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" envconfig:"DB_HOST" default:"localhost"`
	Port            int           `mapstructure:"port" envconfig:"DB_PORT" default:"5432"`
	User            string        `mapstructure:"user" envconfig:"DB_USER" default:"postgres"`
	Password        string        `mapstructure:"password" envconfig:"DB_PASSWORD" default:"postgres"`
	Database        string        `mapstructure:"database" envconfig:"DB_NAME" default:"chmigrate"`
	Schema          string        `mapstructure:"schema" envconfig:"DB_SCHEMA"`
	SSLMode         string        `mapstructure:"ssl_mode" envconfig:"DB_SSL_MODE" default:"disable"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS" default:"5"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" envconfig:"DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host" envconfig:"REDIS_HOST" default:"localhost"`
	Port         int           `mapstructure:"port" envconfig:"REDIS_PORT" default:"6379"`
	Password     string        `mapstructure:"password" envconfig:"REDIS_PASSWORD"`
	DB           int           `mapstructure:"db" envconfig:"REDIS_DB" default:"0"`
	KeyPrefix    string        `mapstructure:"key_prefix" envconfig:"REDIS_KEY_PREFIX" default:"chmigrate"`
	PoolSize     int           `mapstructure:"pool_size" envconfig:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `mapstructure:"min_idle_conns" envconfig:"REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	EventsTopic string   `mapstructure:"events_topic" envconfig:"KAFKA_EVENTS_TOPIC" default:"async-migration-events"`
	// IngestionHosts is the broker list rendered into Kafka engine tables. It is
	// what ClickHouse connects to, which may differ from what this service uses.
	IngestionHosts string `mapstructure:"ingestion_hosts" envconfig:"KAFKA_INGESTION_HOSTS" default:"kafka:9092"`
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host        string        `mapstructure:"host" envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port        int           `mapstructure:"port" envconfig:"CLICKHOUSE_PORT" default:"9000"`
	Database    string        `mapstructure:"database" envconfig:"CLICKHOUSE_DATABASE" default:"posthog"`
	User        string        `mapstructure:"user" envconfig:"CLICKHOUSE_USER" default:"default"`
	Password    string        `mapstructure:"password" envconfig:"CLICKHOUSE_PASSWORD"`
	Cluster     string        `mapstructure:"cluster" envconfig:"CLICKHOUSE_CLUSTER" default:"posthog"`
	Replication bool          `mapstructure:"replication" envconfig:"CLICKHOUSE_REPLICATION" default:"false"`
	Secure      bool          `mapstructure:"secure" envconfig:"CLICKHOUSE_SECURE" default:"false"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" envconfig:"CLICKHOUSE_DIAL_TIMEOUT" default:"10s"`
	// ReadTimeout must cover the slowest single DDL statement, e.g. attaching a large partition.
	ReadTimeout time.Duration `mapstructure:"read_timeout" envconfig:"CLICKHOUSE_READ_TIMEOUT" default:"6h"`
	// ConnectRetryMax bounds how long startup keeps retrying the first ping.
	ConnectRetryMax time.Duration `mapstructure:"connect_retry_max" envconfig:"CLICKHOUSE_CONNECT_RETRY_MAX" default:"1m"`
}

// MigrationConfig holds async migration runner configuration
type MigrationConfig struct {
	LockTTL    time.Duration `mapstructure:"lock_ttl" envconfig:"MIGRATION_LOCK_TTL" default:"12h"`
	RunOnStart bool          `mapstructure:"run_on_start" envconfig:"MIGRATION_RUN_ON_START" default:"false"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format     string `mapstructure:"format" envconfig:"LOG_FORMAT" default:"json"`
	OutputPath string `mapstructure:"output_path" envconfig:"LOG_OUTPUT_PATH" default:"stdout"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" envconfig:"METRICS_ENABLED" default:"true"`
	TracingEnabled bool   `mapstructure:"tracing_enabled" envconfig:"TRACING_ENABLED" default:"false"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint" envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
	ServiceName    string `mapstructure:"service_name" envconfig:"TELEMETRY_SERVICE_NAME"`
}

// Load loads configuration from files and environment
func Load(serviceName string) (*Config, error) {
	var cfg Config

	// Defaults and environment first. envconfig writes every tagged default, so
	// running it after the file would clobber file values.
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("./configs/services/" + serviceName)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and env vars stand
	} else if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Service.Name == "" {
		cfg.Service.Name = serviceName
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = serviceName
	}

	if cfg.Database.Schema == "" {
		cfg.Database.Schema = "async_migrations"
	}

	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	} else {
		cfg.Version = "dev"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the values the service cannot start without. The ClickHouse
// database and cluster end up unquoted in DDL.
func (c *Config) Validate() error {
	v := validation.New()

	v.Range(c.HTTP.Port, 1, 65535, "http.port")

	v.Required(c.ClickHouse.Host, "clickhouse.host").
		Range(c.ClickHouse.Port, 1, 65535, "clickhouse.port").
		Identifier(c.ClickHouse.Database, "clickhouse.database").
		Identifier(c.ClickHouse.Cluster, "clickhouse.cluster")

	v.Required(c.Database.Host, "database.host").
		Required(c.Database.Database, "database.database")

	v.Required(c.Redis.Host, "redis.host")

	v.RequiredSlice(c.Kafka.Brokers, "kafka.brokers").
		Required(c.Kafka.EventsTopic, "kafka.events_topic")

	v.PositiveDuration(c.Migration.LockTTL, "migration.lock_ttl")

	v.OneOf(c.Logger.Format, []string{"json", "console"}, "logger.format")

	return v.Err()
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
	if c.Schema != "" {
		dsn += " search_path=" + c.Schema
	}
	return dsn
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the ClickHouse native protocol address
func (c *ClickHouseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
