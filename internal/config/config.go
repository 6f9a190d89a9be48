// Package config loads the daemon configuration from a file and the
// environment.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// storage backends
const (
	StorageInMemory = "memory"
	StoragePostgres = "postgres"
)

// Config holds the daemon settings. Every field can be set in the yaml config
// file or through the environment with the IDENTITY_ prefix.
type Config struct {
	Address  string `mapstructure:"address"`
	LogLevel string `mapstructure:"log_level"`

	ProviderURL  string   `mapstructure:"provider_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`

	Storage     string `mapstructure:"storage"`
	DatabaseURL string `mapstructure:"database_url"`

	// heuristic classifier rules
	AdminMarkers []string `mapstructure:"admin_markers"`
	AdminDomains []string `mapstructure:"admin_domains"`
}

// Load reads the configuration. configFile may be empty.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IDENTITY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("address", "127.0.0.1:8900")
	v.SetDefault("log_level", "info")
	v.SetDefault("storage", StorageInMemory)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, cfg.Validate()
}

// Validate checks required fields.
func (cfg *Config) Validate() error {
	if cfg.ProviderURL == "" {
		return fmt.Errorf("config: provider_url is required")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("config: client_id is required")
	}
	if cfg.Storage != StorageInMemory && cfg.Storage != StoragePostgres {
		return fmt.Errorf("config: unknown storage %q", cfg.Storage)
	}
	if cfg.Storage == StoragePostgres && cfg.DatabaseURL == "" {
		return fmt.Errorf("config: database_url is required for postgres storage")
	}
	return nil
}
