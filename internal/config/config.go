package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "ATLAS"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "atlas.db"
	defaultStoragePath  = "data"
	defaultLogLevel     = "info"
	defaultTokenTTLMin  = 60
	defaultGraceMinutes = 5
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	StoragePath         string
	LogLevel            string
	AuthSigningSecret   string
	TokenTTLMinutes     int
	SessionGraceMinutes int
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("storage.path", defaultStoragePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("session.grace_minutes", defaultGraceMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		StoragePath:         configViper.GetString("storage.path"),
		LogLevel:            configViper.GetString("log.level"),
		AuthSigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenTTLMinutes:     configViper.GetInt("token.ttl_minutes"),
		SessionGraceMinutes: configViper.GetInt("session.grace_minutes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.StoragePath) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.TokenTTLMinutes <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.SessionGraceMinutes <= 0 {
		return fmt.Errorf("session.grace_minutes must be positive")
	}
	return nil
}
