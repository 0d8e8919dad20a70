package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DISPATCH_WORKERS_COUNT
const EnvPrefix = "DISPATCH"

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// WorkersConfig sizes the in-process worker pool
type WorkersConfig struct {
	Count             int           `mapstructure:"count"`
	Buckets           int           `mapstructure:"buckets"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// HeartbeatConfig controls worker liveness detection
type HeartbeatConfig struct {
	WorkerTimeout time.Duration `mapstructure:"worker_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// CoordinatorConfig controls admission and housekeeping
type CoordinatorConfig struct {
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	CompletedTTL   time.Duration `mapstructure:"completed_ttl"`
}

// HistoryConfig controls retention of archived calls
type HistoryConfig struct {
	Retention time.Duration `mapstructure:"retention"`
	Keep      int           `mapstructure:"keep"`
}

// Config holds all runtime configuration for a dispatch server.
// Values are populated from dispatch.yaml, DISPATCH_* env vars, and CLI flags.
type Config struct {
	DataDir     string            `mapstructure:"data_dir"`
	APIAddr     string            `mapstructure:"api_addr"`
	SocketPath  string            `mapstructure:"socket_path"`
	HTTPAddr    string            `mapstructure:"http_addr"`
	Log         LogConfig         `mapstructure:"log"`
	Workers     WorkersConfig     `mapstructure:"workers"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	History     HistoryConfig     `mapstructure:"history"`
}

// Init points v at the config file and the environment. An explicit cfgFile
// must exist; otherwise dispatch.yaml is looked up in the working directory
// and $HOME, and it is fine if none is found.
func Init(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("dispatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// SetDefaults registers the built-in defaults on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./dispatch-data")
	v.SetDefault("api_addr", "127.0.0.1:7420")
	v.SetDefault("socket_path", "")
	v.SetDefault("http_addr", "127.0.0.1:9420")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.buckets", 64)
	v.SetDefault("workers.heartbeat_interval", 5*time.Second)
	v.SetDefault("heartbeat.worker_timeout", 30*time.Second)
	v.SetDefault("heartbeat.sweep_interval", 5*time.Second)
	v.SetDefault("coordinator.retry_interval", 5*time.Second)
	v.SetDefault("coordinator.default_timeout", time.Duration(0))
	v.SetDefault("coordinator.completed_ttl", 24*time.Hour)
	v.SetDefault("history.retention", 30*24*time.Hour)
	v.SetDefault("history.keep", 0)
}

// Load reads configuration from v, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values that would make the server misbehave
func (c Config) Validate() error {
	switch {
	case c.DataDir == "":
		return errors.New("config: data_dir is required")
	case c.Workers.Count <= 0:
		return fmt.Errorf("config: workers.count must be positive, got %d", c.Workers.Count)
	case c.Workers.Buckets < c.Workers.Count:
		return fmt.Errorf("config: workers.buckets (%d) must be at least workers.count (%d)", c.Workers.Buckets, c.Workers.Count)
	case c.Workers.HeartbeatInterval <= 0:
		return errors.New("config: workers.heartbeat_interval must be positive")
	case c.Heartbeat.WorkerTimeout <= c.Workers.HeartbeatInterval:
		return fmt.Errorf("config: heartbeat.worker_timeout (%s) must exceed workers.heartbeat_interval (%s)",
			c.Heartbeat.WorkerTimeout, c.Workers.HeartbeatInterval)
	case c.Coordinator.RetryInterval <= 0:
		return errors.New("config: coordinator.retry_interval must be positive")
	case c.History.Keep < 0:
		return errors.New("config: history.keep must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log.level %q", c.Log.Level)
	}
	return nil
}

// Watch reloads the config file whenever it changes and passes the result
// to onChange. Invalid edits are reported through onError and otherwise
// ignored.
func Watch(v *viper.Viper, onChange func(Config), onError func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}
