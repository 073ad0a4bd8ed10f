// Package config loads querycache configuration from a YAML file and
// environment variables using viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// NodeConfig describes a single remote cache node. The connection
// manager holds one primary node plus an ordered list of fallbacks.
type NodeConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Password       string `mapstructure:"password"`
	Weight         int    `mapstructure:"weight"`
	MaxConnections int    `mapstructure:"max_connections"`
	Primary        bool   `mapstructure:"primary"`
}

// Addr returns the host:port address for the node
func (n NodeConfig) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// CacheConfig defines the distributed cache configuration
type CacheConfig struct {
	Host                string        `mapstructure:"host"`
	Port                int           `mapstructure:"port"`
	Password            string        `mapstructure:"password"`
	DB                  int           `mapstructure:"db"`
	MaxConnections      int           `mapstructure:"max_connections"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	RetryCount          int           `mapstructure:"retry_count"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	DefaultTTL          time.Duration `mapstructure:"default_ttl"`
	QueryTTL            time.Duration `mapstructure:"query_ttl"`
	SessionTTL          time.Duration `mapstructure:"session_ttl"`
	MetricsTTL          time.Duration `mapstructure:"metrics_ttl"`
	AdaptiveTTL         bool          `mapstructure:"adaptive_ttl"`
	LocalMaxSize        int           `mapstructure:"local_max_size"`
	FallbackNodes       []NodeConfig  `mapstructure:"fallback_nodes"`
}

// PrimaryNode returns the NodeConfig for the configured primary node
func (c CacheConfig) PrimaryNode() NodeConfig {
	return NodeConfig{
		Host:           c.Host,
		Port:           c.Port,
		Password:       c.Password,
		MaxConnections: c.MaxConnections,
		Primary:        true,
	}
}

// WarmingConfig defines the cache warming engine configuration
type WarmingConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	ExecutorInterval   time.Duration `mapstructure:"executor_interval"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	MaxTasks           int           `mapstructure:"max_tasks"`
	LearningWindowDays int           `mapstructure:"learning_window_days"`
	MinAccessCount     int           `mapstructure:"min_access_count"`
	QueryTimeout       time.Duration `mapstructure:"query_timeout"`
}

// Config holds the complete querycache configuration
type Config struct {
	Environment string        `mapstructure:"environment"`
	Cache       CacheConfig   `mapstructure:"cache"`
	Warming     WarmingConfig `mapstructure:"warming"`
}

// Load reads configuration from the given file path (optional) and from
// environment variables prefixed with QUERYCACHE_. Missing or invalid
// required options are returned as errors; callers treat them as fatal.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath == "" {
		configPath = os.Getenv("QUERYCACHE_CONFIG_FILE")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	v.SetEnvPrefix("QUERYCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Commonly used in Docker environments
	_ = v.BindEnv("cache.host", "REDIS_HOST")
	_ = v.BindEnv("cache.port", "REDIS_PORT")
	_ = v.BindEnv("cache.password", "REDIS_PASSWORD")

	v.AllowEmptyEnv(true)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks required options and value ranges
func (c *Config) Validate() error {
	if c.Cache.Host == "" {
		return fmt.Errorf("cache.host is required")
	}
	if c.Cache.Port <= 0 || c.Cache.Port > 65535 {
		return fmt.Errorf("cache.port must be in (0, 65535], got %d", c.Cache.Port)
	}
	if c.Cache.LocalMaxSize <= 0 {
		return fmt.Errorf("cache.local_max_size must be positive, got %d", c.Cache.LocalMaxSize)
	}
	for i, node := range c.Cache.FallbackNodes {
		if node.Host == "" || node.Port <= 0 {
			return fmt.Errorf("cache.fallback_nodes[%d]: host and port are required", i)
		}
	}
	if c.Warming.Enabled {
		if c.Warming.MaxConcurrent <= 0 {
			return fmt.Errorf("warming.max_concurrent must be positive, got %d", c.Warming.MaxConcurrent)
		}
		if c.Warming.MaxTasks <= 0 {
			return fmt.Errorf("warming.max_tasks must be positive, got %d", c.Warming.MaxTasks)
		}
	}
	return nil
}

// Default returns the default configuration
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	// Defaults always unmarshal cleanly
	_ = v.Unmarshal(&config)
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("cache.host", "localhost")
	v.SetDefault("cache.port", 6379)
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.max_connections", 50)
	v.SetDefault("cache.connect_timeout", 5*time.Second)
	v.SetDefault("cache.health_check_interval", 30*time.Second)
	v.SetDefault("cache.retry_count", 3)
	v.SetDefault("cache.retry_delay", 1*time.Second)
	v.SetDefault("cache.default_ttl", 3600*time.Second)
	v.SetDefault("cache.query_ttl", 1800*time.Second)
	v.SetDefault("cache.session_ttl", 86400*time.Second)
	v.SetDefault("cache.metrics_ttl", 300*time.Second)
	v.SetDefault("cache.adaptive_ttl", true)
	v.SetDefault("cache.local_max_size", 1000)

	v.SetDefault("warming.enabled", true)
	v.SetDefault("warming.interval", 300*time.Second)
	v.SetDefault("warming.executor_interval", 30*time.Second)
	v.SetDefault("warming.max_concurrent", 5)
	v.SetDefault("warming.max_tasks", 100)
	v.SetDefault("warming.learning_window_days", 7)
	v.SetDefault("warming.min_access_count", 3)
	v.SetDefault("warming.query_timeout", 30*time.Second)
}
