package config

import (
	"fmt"
	"net"
	"time"
)

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if c.Catalog.Backend == "redis" {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis config: %w", err)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Catalog.Validate(); err != nil {
		return fmt.Errorf("catalog config: %w", err)
	}

	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source config: %w", err)
	}

	if err := c.Sink.Validate(); err != nil {
		return fmt.Errorf("sink config: %w", err)
	}

	return nil
}

func (s *ServerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if _, _, err := net.SplitHostPort(s.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", s.ListenAddr, err)
	}

	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}

	if s.SeekRate <= 0 {
		return fmt.Errorf("seek_rate must be positive")
	}

	if s.SeekBurst < 1 {
		return fmt.Errorf("seek_burst must be at least 1")
	}

	return nil
}

func (r *RedisConfig) Validate() error {
	if len(r.Addresses) == 0 {
		return fmt.Errorf("at least one Redis address is required")
	}

	if r.DB < 0 {
		return fmt.Errorf("invalid Redis database number: %d", r.DB)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}

	if r.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}

	if r.MinIdleConns < 0 {
		return fmt.Errorf("min_idle_conns cannot be negative")
	}

	if r.MinIdleConns > r.PoolSize {
		return fmt.Errorf("min_idle_conns cannot be greater than pool_size")
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"panic": true,
		"fatal": true,
		"error": true,
		"warn":  true,
		"info":  true,
		"debug": true,
		"trace": true,
	}

	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("log format must be 'json' or 'text'")
	}

	if l.Output != "stdout" && l.Output != "stderr" {
		if l.MaxSize <= 0 {
			return fmt.Errorf("max_size must be positive for file output")
		}
		if l.MaxBackups < 0 {
			return fmt.Errorf("max_backups cannot be negative")
		}
		if l.MaxAge < 0 {
			return fmt.Errorf("max_age cannot be negative")
		}
	}

	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.Port < 1 || m.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", m.Port)
		}

		if m.Path == "" {
			return fmt.Errorf("metrics path cannot be empty")
		}
	}

	return nil
}

func (c *CatalogConfig) Validate() error {
	switch c.Backend {
	case "none", "memory":
	case "redis":
		if c.KeyPrefix == "" {
			return fmt.Errorf("key_prefix is required for the redis catalog")
		}
		if c.TTL < 0 {
			return fmt.Errorf("ttl cannot be negative")
		}
	default:
		return fmt.Errorf("unknown catalog backend: %s", c.Backend)
	}
	return nil
}

func (s *SourceConfig) Validate() error {
	if s.MaxOpenFragments < 0 {
		return fmt.Errorf("max_open_fragments cannot be negative")
	}

	if s.NumLookahead < 0 {
		return fmt.Errorf("num_lookahead cannot be negative")
	}

	if s.TimestampBias < 0 {
		return fmt.Errorf("timestamp_bias cannot be negative")
	}

	for i, f := range s.Fragments {
		if f.Location == "" {
			return fmt.Errorf("fragment %d: location is required", i)
		}
		if _, err := ParseOptionalDuration(f.Offset); err != nil {
			return fmt.Errorf("fragment %d: offset: %w", i, err)
		}
		if _, err := ParseOptionalDuration(f.Duration); err != nil {
			return fmt.Errorf("fragment %d: duration: %w", i, err)
		}
	}

	return nil
}

func (s *SinkConfig) Validate() error {
	switch s.Type {
	case "stats", "discard":
	case "es":
		if s.OutputDir == "" {
			return fmt.Errorf("output_dir is required for the es sink")
		}
	default:
		return fmt.Errorf("unknown sink type: %s", s.Type)
	}
	return nil
}

// ParseOptionalDuration parses a duration string. An empty string yields -1.
func ParseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return -1, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative: %s", s)
	}
	return d, nil
}
