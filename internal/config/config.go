// Package config loads server configuration from flags, an optional config
// file, and MAXIO_-prefixed environment variables, in that order of
// precedence via viper.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for the server.
type Config struct {
	Listen   string `mapstructure:"listen"`
	DataDir  string `mapstructure:"data_dir"`
	Region   string `mapstructure:"region"`
	LogLevel string `mapstructure:"log_level"`

	Auth    AuthConfig    `mapstructure:"auth"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// AuthConfig holds the single credential pair requests are verified against.
type AuthConfig struct {
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Load builds the configuration from the command's flags, the optional
// config file, and the environment.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("MAXIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":9000")
	// No default for data_dir; it must be explicitly configured.
	v.SetDefault("region", "us-east-1")
	v.SetDefault("log_level", "info")

	// No default credentials.
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":     "listen",
		"data-dir":   "data_dir",
		"region":     "region",
		"log-level":  "log_level",
		"access-key": "auth.access_key",
		"secret-key": "auth.secret_key",
	}
	for flag, key := range flags {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or MAXIO_DATA_DIR environment variable")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if cfg.Auth.AccessKey == "" || cfg.Auth.SecretKey == "" {
		return fmt.Errorf("auth.access_key and auth.secret_key are required")
	}
	return nil
}
