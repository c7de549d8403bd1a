// Package config loads engine configuration from file, environment and
// flags via viper, matching the recognised options of spec.md §6.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the recognised options from spec.md §6.
type Config struct {
	EchoSampleSize     int           `mapstructure:"echo_sample_size"`
	ReadySampleSize    int           `mapstructure:"ready_sample_size"`
	DeliverySampleSize int           `mapstructure:"delivery_sample_size"`

	EchoThreshold     int `mapstructure:"echo_threshold"`
	ReadyThreshold    int `mapstructure:"ready_threshold"`
	DeliveryThreshold int `mapstructure:"delivery_threshold"`

	BroadcastDeadline time.Duration `mapstructure:"broadcast_deadline"`

	APIAddr     string   `mapstructure:"api_addr"`
	BootPeers   []string `mapstructure:"boot_peers"`
	StoragePath string   `mapstructure:"storage_path"`

	LogLevel string `mapstructure:"log_level"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("echo_sample_size", 8)
	v.SetDefault("ready_sample_size", 8)
	v.SetDefault("delivery_sample_size", 8)
	v.SetDefault("echo_threshold", 5)
	v.SetDefault("ready_threshold", 5)
	v.SetDefault("delivery_threshold", 3)
	v.SetDefault("broadcast_deadline", 30*time.Second)
	v.SetDefault("api_addr", ":9090")
	v.SetDefault("storage_path", "tce.db")
	v.SetDefault("log_level", "info")
}

// Load reads configuration from, in increasing precedence: defaults,
// configPath (if non-empty), TCE_-prefixed environment variables, and
// flags already bound into fs.
func Load(configPath string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("tce")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
