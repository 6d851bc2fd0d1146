// Package config loads client configuration from a config file, environment
// variables and defaults, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/0xcro3dile/docintel-client/internal/adapters/storage"
	"github.com/0xcro3dile/docintel-client/internal/domain/entities"
)

// EnvPrefix prefixes every environment override, e.g. DOCINTEL_BACKEND_BASEURL.
const EnvPrefix = "DOCINTEL"

// Config stores all configuration of the client.
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Storage StorageConfig `mapstructure:"storage"`
	Watch   WatchConfig   `mapstructure:"watch"`
	Log     LogConfig     `mapstructure:"log"`
}

// BackendConfig holds the settings defaults. Values saved from the CLI override them.
type BackendConfig struct {
	BaseURL          string        `mapstructure:"baseURL"`
	APIKey           string        `mapstructure:"apiKey"`
	Timeout          time.Duration `mapstructure:"timeout"` // non-streaming requests only
	StreamingEnabled bool          `mapstructure:"streamingEnabled"`
	AutoScroll       bool          `mapstructure:"autoScroll"`
}

// StreamConfig tunes reconnects of the chat stream.
type StreamConfig struct {
	MaxAttempts int           `mapstructure:"maxAttempts"`
	BaseDelay   time.Duration `mapstructure:"baseDelay"`
}

// StorageConfig selects the local store.
type StorageConfig struct {
	Driver string      `mapstructure:"driver"` // bolt, sqlite, redis, file, memory
	Dir    string      `mapstructure:"dir"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig is used when Driver is redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// WatchConfig enables the watch folder.
type WatchConfig struct {
	Dir        string `mapstructure:"dir"`
	AutoUpload bool   `mapstructure:"autoUpload"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration. An explicit configPath must exist; otherwise
// config.yaml is searched for in the working directory and ~/.docintel, and
// a missing file just means defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		if dir := DefaultDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Stream.MaxAttempts < 1 {
		return nil, fmt.Errorf("stream.maxAttempts must be at least 1, got %d", cfg.Stream.MaxAttempts)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.baseURL", "http://localhost:8000")
	v.SetDefault("backend.apiKey", "")
	v.SetDefault("backend.timeout", "120s")
	v.SetDefault("backend.streamingEnabled", true)
	v.SetDefault("backend.autoScroll", true)

	v.SetDefault("stream.maxAttempts", 3)
	v.SetDefault("stream.baseDelay", "1s")

	v.SetDefault("storage.driver", storage.DriverBolt)
	v.SetDefault("storage.dir", filepath.Join(DefaultDir(), "data"))
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "docintel:")

	v.SetDefault("watch.dir", "")
	v.SetDefault("watch.autoUpload", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
}

// DefaultDir is ~/.docintel, or "" when the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".docintel")
}

// Settings returns the settings defaults.
func (c *Config) Settings() entities.Settings {
	return entities.Settings{
		BaseURL:          c.Backend.BaseURL,
		APIKey:           c.Backend.APIKey,
		StreamingEnabled: c.Backend.StreamingEnabled,
		AutoScroll:       c.Backend.AutoScroll,
	}
}

// StorageOptions converts the storage section for storage.Open.
func (c *Config) StorageOptions() storage.Config {
	return storage.Config{
		Driver: c.Storage.Driver,
		Dir:    c.Storage.Dir,
		Redis: storage.RedisOptions{
			Addr:     c.Storage.Redis.Addr,
			Password: c.Storage.Redis.Password,
			DB:       c.Storage.Redis.DB,
			Prefix:   c.Storage.Redis.Prefix,
		},
	}
}
