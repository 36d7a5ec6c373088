package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "PLUMENOTE"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "plumenote.db"
	defaultLogLevel         = "info"
	defaultTokenIssuer      = "plumenote-auth"
	defaultTokenAudience    = "plumenote-api"
	defaultPersistIntervalS = 15
	minimumPersistIntervalS = 1
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SigningSecret   string
	TokenIssuer     string
	TokenAudience   string
	PersistInterval time.Duration
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("collab.persist_interval_s", defaultPersistIntervalS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenIssuer:     configViper.GetString("auth.issuer"),
		TokenAudience:   configViper.GetString("auth.audience"),
		PersistInterval: time.Duration(configViper.GetInt("collab.persist_interval_s")) * time.Second,
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
	if c.PersistInterval < minimumPersistIntervalS*time.Second {
		return fmt.Errorf("collab.persist_interval_s must be at least %d", minimumPersistIntervalS)
	}
	return nil
}
