package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRedisConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  RedisConfig
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: RedisConfig{
				Addresses:    []string{"localhost:6379"},
				MaxRetries:   3,
				PoolSize:     100,
				MinIdleConns: 10,
			},
		},
		{
			name:    "missing addresses",
			config:  RedisConfig{PoolSize: 100},
			wantErr: true,
			errMsg:  "at least one Redis address is required",
		},
		{
			name:    "negative DB",
			config:  RedisConfig{Addresses: []string{"localhost:6379"}, DB: -1, PoolSize: 100},
			wantErr: true,
			errMsg:  "invalid Redis database number",
		},
		{
			name:    "zero pool size",
			config:  RedisConfig{Addresses: []string{"localhost:6379"}},
			wantErr: true,
			errMsg:  "pool_size must be positive",
		},
		{
			name:    "min idle conns greater than pool size",
			config:  RedisConfig{Addresses: []string{"localhost:6379"}, PoolSize: 10, MinIdleConns: 20},
			wantErr: true,
			errMsg:  "min_idle_conns cannot be greater than pool_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoggingConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  LoggingConfig
		wantErr bool
	}{
		{name: "stdout json", config: LoggingConfig{Level: "info", Format: "json", Output: "stdout"}},
		{name: "stderr text", config: LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}},
		{name: "file with rotation", config: LoggingConfig{Level: "warn", Format: "json", Output: "/var/log/stitch.log", MaxSize: 10}},
		{name: "file without max size", config: LoggingConfig{Level: "warn", Format: "json", Output: "/var/log/stitch.log"}, wantErr: true},
		{name: "bad format", config: LoggingConfig{Level: "info", Format: "xml", Output: "stdout"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSourceConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  SourceConfig
		wantErr bool
		errMsg  string
	}{
		{
			name:   "glob only",
			config: SourceConfig{Location: "*.ts", MaxOpenFragments: 2, NumLookahead: 1},
		},
		{
			name: "explicit fragments",
			config: SourceConfig{Fragments: []FragmentConfig{
				{Location: "a.ts", Duration: "10s"},
				{Location: "b.ts", Offset: "10s"},
			}},
		},
		{
			name:    "negative pool size",
			config:  SourceConfig{MaxOpenFragments: -1},
			wantErr: true,
			errMsg:  "max_open_fragments",
		},
		{
			name:    "negative bias",
			config:  SourceConfig{TimestampBias: -time.Second},
			wantErr: true,
			errMsg:  "timestamp_bias",
		},
		{
			name:    "fragment without location",
			config:  SourceConfig{Fragments: []FragmentConfig{{Duration: "1s"}}},
			wantErr: true,
			errMsg:  "location is required",
		},
		{
			name:    "bad fragment duration",
			config:  SourceConfig{Fragments: []FragmentConfig{{Location: "a.ts", Duration: "ten"}}},
			wantErr: true,
			errMsg:  "duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseOptionalDuration(t *testing.T) {
	d, err := ParseOptionalDuration("")
	assert.NoError(t, err)
	assert.Equal(t, time.Duration(-1), d)

	d, err = ParseOptionalDuration("1m30s")
	assert.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseOptionalDuration("-5s")
	assert.Error(t, err)

	_, err = ParseOptionalDuration("soon")
	assert.Error(t, err)
}
