package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "PODIUM"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "podium.db"
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"
	defaultSyncInterval  = 2 * time.Second
	defaultSweepInterval = 2500 * time.Millisecond
	defaultDebounce      = time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	LogFormat       string
	SigningSecret   string
	SyncInterval    time.Duration
	SweepInterval   time.Duration
	DebounceWindow  time.Duration
	AllowedOrigins  []string
	AdminTokenHours int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("stats.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("broadcast.debounce_window", defaultDebounce)
	configViper.SetDefault("auth.token_ttl_hours", 12)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		LogFormat:       configViper.GetString("log.format"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		SyncInterval:    configViper.GetDuration("sync.interval"),
		SweepInterval:   configViper.GetDuration("stats.sweep_interval"),
		DebounceWindow:  configViper.GetDuration("broadcast.debounce_window"),
		AllowedOrigins:  configViper.GetStringSlice("http.allowed_origins"),
		AdminTokenHours: configViper.GetInt("auth.token_ttl_hours"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("stats.sweep_interval must be positive")
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("broadcast.debounce_window must be positive")
	}
	return nil
}
