package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Distribution DistributionConfig `mapstructure:"distribution"`
}

// DistributionConfig tunes the task-dispatch core: the controller's
// background loops and the worker runtime's beat/pull cadence.
type DistributionConfig struct {
	Mode                     string `mapstructure:"mode"`        // "controller" or "worker"
	DeviceID                 string `mapstructure:"device_id"`
	MasterHost               string `mapstructure:"master_host"`
	MasterPort               int    `mapstructure:"master_port"`
	APIKey                   string `mapstructure:"api_key"`
	DeviceType               string `mapstructure:"device_type"`
	ConcurrentTasks          int    `mapstructure:"concurrent_tasks"`
	DispatchIntervalSeconds  int    `mapstructure:"dispatch_interval_seconds"`
	HeartbeatIntervalSeconds int    `mapstructure:"heartbeat_interval_seconds"`
	ReaperIntervalSeconds    int    `mapstructure:"reaper_interval_seconds"`
	OfflineTimeoutSeconds    int    `mapstructure:"offline_timeout_seconds"`
	PullIdleSeconds          int    `mapstructure:"pull_idle_seconds"`
	MaxConsecutiveErrors     int    `mapstructure:"max_consecutive_errors"`
	LoadBalanceStrategy      string `mapstructure:"load_balance_strategy"` // round_robin|least_tasks|weighted|random
	ForceDispatchThreshold   int    `mapstructure:"force_dispatch_threshold"`
	RegistryCacheBackend     string `mapstructure:"registry_cache_backend"` // "", "redis", "etcd"
	EtcdEndpoints            []string `mapstructure:"etcd_endpoints"`
	RateLimitRPS             int    `mapstructure:"rate_limit_rps"`   // one shared bucket, 0 disables
	RateLimitBurst           int    `mapstructure:"rate_limit_burst"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
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
	viper.AddConfigPath("/etc/linkflow")
	
	// Set defaults
	setDefaults()
	
	// Enable environment variables
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("LINKFLOW")
	
	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist, we'll use defaults and env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	
	// Override with environment variables
	overrideFromEnv(&config)
	
	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.shutdown_timeout", 30)
	
	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "linkflow")
	viper.SetDefault("database.password", "linkflow123")
	viper.SetDefault("database.name", "linkflow")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 25)
	
	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	
	// Kafka defaults
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.consumer_group", "linkflow-group")
	
	// Logger defaults
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("logger.output", "stdout")
	viper.SetDefault("logger.add_caller", true)
	viper.SetDefault("logger.stacktrace", false)

	// Distribution defaults
	viper.SetDefault("distribution.mode", "controller")
	viper.SetDefault("distribution.master_port", 8090)
	viper.SetDefault("distribution.concurrent_tasks", 4)
	viper.SetDefault("distribution.dispatch_interval_seconds", 10)
	viper.SetDefault("distribution.heartbeat_interval_seconds", 30)
	viper.SetDefault("distribution.reaper_interval_seconds", 10)
	viper.SetDefault("distribution.offline_timeout_seconds", 300)
	viper.SetDefault("distribution.pull_idle_seconds", 5)
	viper.SetDefault("distribution.max_consecutive_errors", 5)
	viper.SetDefault("distribution.load_balance_strategy", "least_tasks")
	viper.SetDefault("distribution.force_dispatch_threshold", 5)
	viper.SetDefault("distribution.rate_limit_rps", 50)
	viper.SetDefault("distribution.rate_limit_burst", 100)
}

func overrideFromEnv(cfg *Config) {
	// Override specific fields from environment variables
	// Viper automatically reads LINKFLOW_DATABASE_HOST, LINKFLOW_DATABASE_PORT, etc
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

	if mode := viper.GetString("DISTRIBUTION_MODE"); mode != "" {
		cfg.Distribution.Mode = mode
	}
	if deviceID := viper.GetString("DEVICE_ID"); deviceID != "" {
		cfg.Distribution.DeviceID = deviceID
	}
	if host := viper.GetString("MASTER_HOST"); host != "" {
		cfg.Distribution.MasterHost = host
	}
	if port := viper.GetInt("MASTER_PORT"); port != 0 {
		cfg.Distribution.MasterPort = port
	}
	if hb := viper.GetInt("HEARTBEAT_INTERVAL"); hb != 0 {
		cfg.Distribution.HeartbeatIntervalSeconds = hb
	}
	if di := viper.GetInt("DISPATCH_INTERVAL"); di != 0 {
		cfg.Distribution.DispatchIntervalSeconds = di
	}
	if strategy := viper.GetString("LOAD_BALANCE_STRATEGY"); strategy != "" {
		cfg.Distribution.LoadBalanceStrategy = strategy
	}
	if max := viper.GetInt("MAX_TASKS_PER_DEVICE"); max != 0 {
		cfg.Distribution.ConcurrentTasks = max
	}
	if key := viper.GetString("API_KEY"); key != "" {
		cfg.Distribution.APIKey = key
	}
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
