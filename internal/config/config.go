package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Replay     ReplayConfig     `mapstructure:"replay"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	Stream     StreamConfig     `mapstructure:"stream"`
	DeviceAuth DeviceAuthConfig `mapstructure:"device_auth"`
}

type ServerConfig struct {
	Environment string `mapstructure:"environment"`
	Port        string `mapstructure:"port"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	StateTTL time.Duration `mapstructure:"state_ttl"`
}

type BackendConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
}

type ReplayConfig struct {
	Parallelism        int           `mapstructure:"parallelism"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	UnknownRetryBudget int           `mapstructure:"unknown_retry_budget"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
}

type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	CronSpec string        `mapstructure:"cron_spec"`
}

type ProbeConfig struct {
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type DeviceAuthConfig struct {
	Key string `mapstructure:"key"`
}

func Load() *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("FSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.environment", "dev")
	viper.SetDefault("server.port", ":8745")
	viper.SetDefault("storage.path", "fieldsync.db")
	viper.SetDefault("redis.state_ttl", 7*24*time.Hour)
	viper.SetDefault("backend.dispatch_timeout", 15*time.Second)
	viper.SetDefault("replay.parallelism", 4)
	viper.SetDefault("replay.max_attempts", 6)
	viper.SetDefault("replay.unknown_retry_budget", 2)
	viper.SetDefault("replay.backoff_base", 2*time.Second)
	viper.SetDefault("replay.backoff_max", 2*time.Minute)
	viper.SetDefault("sync.interval", 30*time.Second)
	viper.SetDefault("probe.interval", 10*time.Second)
	viper.SetDefault("probe.timeout", 5*time.Second)
	viper.SetDefault("stream.heartbeat_interval", 15*time.Second)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}
