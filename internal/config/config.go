package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Source  SourceConfig  `mapstructure:"source"`
	Sink    SinkConfig    `mapstructure:"sink"`
}

// ServerConfig configures the HTTP control API.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Seek requests per second accepted by the API, with burst.
	SeekRate  float64 `mapstructure:"seek_rate"`
	SeekBurst int     `mapstructure:"seek_burst"`
}

type RedisConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`   // json or text
	Output     string `mapstructure:"output"`   // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// CatalogConfig selects where measured fragment durations are remembered.
type CatalogConfig struct {
	Backend   string        `mapstructure:"backend"` // none, memory or redis
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// SourceConfig describes the fragments to play and the reader pool.
type SourceConfig struct {
	Location         string           `mapstructure:"location"` // glob
	Fragments        []FragmentConfig `mapstructure:"fragments"`
	MaxOpenFragments int              `mapstructure:"max_open_fragments"`
	NumLookahead     int              `mapstructure:"num_lookahead"`
	TimestampBias    time.Duration    `mapstructure:"timestamp_bias"`
}

// FragmentConfig registers one fragment explicitly. Offset and duration are
// optional Go duration strings.
type FragmentConfig struct {
	Location string `mapstructure:"location"`
	Offset   string `mapstructure:"offset"`
	Duration string `mapstructure:"duration"`
}

// SinkConfig selects what happens to the stitched streams.
type SinkConfig struct {
	Type      string `mapstructure:"type"` // es, stats or discard
	OutputDir string `mapstructure:"output_dir"`
	Realtime  bool   `mapstructure:"realtime"`
}

// Load reads configuration from configPath (optional), STITCH_ environment
// variables and any flags already bound to viper.
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	// Environment variable override
	viper.SetEnvPrefix("STITCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	setDefaults()

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.enabled", false)
	viper.SetDefault("server.listen_addr", "127.0.0.1:8080")
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")
	viper.SetDefault("server.shutdown_timeout", "5s")
	viper.SetDefault("server.seek_rate", 5.0)
	viper.SetDefault("server.seek_burst", 2)

	// Redis defaults
	viper.SetDefault("redis.addresses", []string{"localhost:6379"})
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 1)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.output", "stderr")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 5)
	viper.SetDefault("logging.max_age", 30)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.port", 9090)

	// Catalog defaults
	viper.SetDefault("catalog.backend", "memory")
	viper.SetDefault("catalog.key_prefix", "stitch:fragment:")
	viper.SetDefault("catalog.ttl", "168h")

	// Source defaults
	viper.SetDefault("source.max_open_fragments", 100)
	viper.SetDefault("source.num_lookahead", 1)
	viper.SetDefault("source.timestamp_bias", "1000s")

	// Sink defaults
	viper.SetDefault("sink.type", "stats")
	viper.SetDefault("sink.output_dir", ".")
	viper.SetDefault("sink.realtime", false)
}
