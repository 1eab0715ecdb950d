package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "TABLESYNC"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "tablesync.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultCookieName         = "app_session"
	defaultIssuer             = "tablesync"
	defaultTokenTTLMinutes    = 60
	defaultAuxiliaryTTL       = time.Hour
	defaultPageSize           = 50
	defaultMetadataTTL        = 5 * time.Minute
	defaultRealtimeRate       = 20.0
	defaultRealtimeBurst      = 40
	defaultRealtimeBufferSize = 16
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	LogFormat          string
	SigningSecret      string
	Issuer             string
	CookieName         string
	TokenTTL           time.Duration
	AuxiliaryTTL       time.Duration
	PageSize           int
	MetadataTTL        time.Duration
	RealtimeRate       float64
	RealtimeBurst      int
	RealtimeBufferSize int
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("cache.auxiliary_ttl", defaultAuxiliaryTTL)
	configViper.SetDefault("cache.page_size", defaultPageSize)
	configViper.SetDefault("cache.metadata_ttl", defaultMetadataTTL)
	configViper.SetDefault("realtime.rate_per_second", defaultRealtimeRate)
	configViper.SetDefault("realtime.burst", defaultRealtimeBurst)
	configViper.SetDefault("realtime.buffer_size", defaultRealtimeBufferSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		Issuer:             configViper.GetString("auth.issuer"),
		CookieName:         configViper.GetString("auth.cookie_name"),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		AuxiliaryTTL:       configViper.GetDuration("cache.auxiliary_ttl"),
		PageSize:           configViper.GetInt("cache.page_size"),
		MetadataTTL:        configViper.GetDuration("cache.metadata_ttl"),
		RealtimeRate:       configViper.GetFloat64("realtime.rate_per_second"),
		RealtimeBurst:      configViper.GetInt("realtime.burst"),
		RealtimeBufferSize: configViper.GetInt("realtime.buffer_size"),
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
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.AuxiliaryTTL <= 0 {
		return fmt.Errorf("cache.auxiliary_ttl must be positive")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("cache.page_size must be positive")
	}
	if c.RealtimeRate <= 0 || c.RealtimeBurst <= 0 {
		return fmt.Errorf("realtime.rate_per_second and realtime.burst must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	return nil
}
