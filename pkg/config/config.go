package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the build-master's top-level configuration, unmarshalled from
// YAML plus BUILDMASTER_-prefixed environment overrides.
type Config struct {
	Server       ServerConfig      `mapstructure:"server"`
	Database     DatabaseConfig    `mapstructure:"database"`
	Redis        RedisConfig       `mapstructure:"redis"`
	Kafka        KafkaConfig       `mapstructure:"kafka"`
	Etcd         EtcdConfig        `mapstructure:"etcd"`
	Distributed  DistributedConfig `mapstructure:"distributed"`
	Dispatch     DispatchConfig    `mapstructure:"dispatch"`
	FeatureFlags FeatureFlags      `mapstructure:"feature_flags"`
	Telemetry    TelemetryConfig   `mapstructure:"telemetry"`
	Logger       LoggerConfig      `mapstructure:"logger"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // not read: database.New always opens Postgres
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	Topic         string   `mapstructure:"topic"`
}

type EtcdConfig struct {
	Endpoints   []string `mapstructure:"endpoints"`
	DialTimeout int      `mapstructure:"dial_timeout_ms"`
}

// DistributedConfig covers the master's distributed-execution settings.
type DistributedConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	AuthToken          string  `mapstructure:"auth_token"`
	HeartbeatTimeoutMs int     `mapstructure:"heartbeat_timeout_ms"`
	LeaderBackend      string  `mapstructure:"leader_backend"` // "postgres", "redis" or "etcd"
	MasterRegion       string  `mapstructure:"master_region"`
	RegionBonus        float64 `mapstructure:"region_bonus"`
}

// DispatchConfig covers queue-mode routing, retries, and the background
// singleton services' cadence.
type DispatchConfig struct {
	QueueEnabled            bool   `mapstructure:"queue_enabled"`
	FallbackLocal           bool   `mapstructure:"fallback_local"`
	MaxRetries              int    `mapstructure:"max_retries"`
	RetryBackoffMs          int64  `mapstructure:"retry_backoff_ms"`
	MaxRetryBackoffMs       int64  `mapstructure:"max_retry_backoff_ms"`
	CircuitBreakerThreshold int    `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerResetMs   int64  `mapstructure:"circuit_breaker_reset_ms"`
	OrphanCheckIntervalMs   int64  `mapstructure:"orphan_check_interval_ms"`
	PollIntervalMs          int64  `mapstructure:"poll_interval_ms"`
	MaxIdlePollMs           int64  `mapstructure:"max_idle_poll_ms"`
	DispatchTimeoutMs       int64  `mapstructure:"dispatch_timeout_ms"`
	RetentionHours          int    `mapstructure:"retention_hours"`
	RetentionCron           string `mapstructure:"retention_cron"`
}

type FeatureFlags struct {
	ResourceAwareScheduling bool `mapstructure:"resource_aware_scheduling"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	JaegerURL    string  `mapstructure:"jaeger_url"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddCaller  bool   `mapstructure:"add_caller"`
	Stacktrace bool   `mapstructure:"stacktrace"`
}

func Load(serviceName string) (*Config, error) {
	viper.SetConfigName(serviceName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/buildmaster")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("BUILDMASTER")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideFromEnv(&config)

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.shutdown_timeout", 30)

	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "buildmaster")
	viper.SetDefault("database.password", "buildmaster")
	viper.SetDefault("database.name", "buildmaster")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 25)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.consumer_group", "buildmaster-group")
	viper.SetDefault("kafka.topic", "buildmaster.events")

	viper.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	viper.SetDefault("etcd.dial_timeout_ms", 5000)

	viper.SetDefault("distributed.enabled", false)
	viper.SetDefault("distributed.auth_token", "")
	viper.SetDefault("distributed.heartbeat_timeout_ms", 90_000)
	viper.SetDefault("distributed.leader_backend", "postgres")
	viper.SetDefault("distributed.master_region", "")
	viper.SetDefault("distributed.region_bonus", 0.3)

	viper.SetDefault("dispatch.queue_enabled", true)
	viper.SetDefault("dispatch.fallback_local", true)
	viper.SetDefault("dispatch.max_retries", 3)
	viper.SetDefault("dispatch.retry_backoff_ms", 1000)
	viper.SetDefault("dispatch.max_retry_backoff_ms", 30_000)
	viper.SetDefault("dispatch.circuit_breaker_threshold", 5)
	viper.SetDefault("dispatch.circuit_breaker_reset_ms", 60_000)
	viper.SetDefault("dispatch.orphan_check_interval_ms", 120_000)
	viper.SetDefault("dispatch.poll_interval_ms", 500)
	viper.SetDefault("dispatch.max_idle_poll_ms", 5000)
	viper.SetDefault("dispatch.dispatch_timeout_ms", 30_000)
	viper.SetDefault("dispatch.retention_hours", 72)
	viper.SetDefault("dispatch.retention_cron", "0 0 * * * *")

	viper.SetDefault("feature_flags.resource_aware_scheduling", false)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.jaeger_url", "http://localhost:14268/api/traces")
	viper.SetDefault("telemetry.service_name", "buildmaster")
	viper.SetDefault("telemetry.sampling_rate", 1.0)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("logger.output", "stdout")
	viper.SetDefault("logger.add_caller", true)
	viper.SetDefault("logger.stacktrace", false)
}

func overrideFromEnv(cfg *Config) {
	if host := viper.GetString("DATABASE_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if port := viper.GetInt("DATABASE_PORT"); port != 0 {
		cfg.Database.Port = port
	}
	if user := viper.GetString("DATABASE_USER"); user != "" {
		cfg.Database.User = user
	}
	if pass := viper.GetString("DATABASE_PASSWORD"); pass != "" {
		cfg.Database.Password = pass
	}
	if name := viper.GetString("DATABASE_NAME"); name != "" {
		cfg.Database.Name = name
	}

	if redisHost := viper.GetString("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort := viper.GetInt("REDIS_PORT"); redisPort != 0 {
		cfg.Redis.Port = redisPort
	}

	if brokers := viper.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}

	if servicePort := viper.GetInt("SERVER_PORT"); servicePort != 0 {
		cfg.Server.Port = servicePort
	}

	if token := viper.GetString("DISTRIBUTED_AUTH_TOKEN"); token != "" {
		cfg.Distributed.AuthToken = token
	}
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
