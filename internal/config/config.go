package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CANVAS"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "canvas.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultCookieName          = "app_session"
	defaultSessionIssuer       = "canvas-auth"
	defaultTicketIssuer        = "canvas-coord"
	defaultTicketTTL           = time.Minute
	defaultStoreBackend        = StoreBackendSQLite
	defaultTransformStaleAfter = 5 * time.Second
	defaultEditStaleAfter      = 30 * time.Second
	defaultReaperInterval      = 10 * time.Second
)

const (
	// StoreBackendMemory keeps the shared store in process memory.
	StoreBackendMemory = "memory"
	// StoreBackendSQLite persists the shared store in the application database.
	StoreBackendSQLite = "sqlite"
)

// AppConfig captures runtime configuration for the coordination server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	LogFormat            string
	SessionSigningSecret string
	SessionCookieName    string
	SessionIssuer        string
	TicketIssuer         string
	TicketTTL            time.Duration
	StoreBackend         string
	TransformStaleAfter  time.Duration
	EditStaleAfter       time.Duration
	ReaperInterval       time.Duration
	AllowedOrigins       []string
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("ticket.issuer", defaultTicketIssuer)
	configViper.SetDefault("ticket.ttl", defaultTicketTTL)
	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("lease.transform_stale_after", defaultTransformStaleAfter)
	configViper.SetDefault("lease.edit_stale_after", defaultEditStaleAfter)
	configViper.SetDefault("reaper.interval", defaultReaperInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		TicketIssuer:         configViper.GetString("ticket.issuer"),
		TicketTTL:            configViper.GetDuration("ticket.ttl"),
		StoreBackend:         strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		TransformStaleAfter:  configViper.GetDuration("lease.transform_stale_after"),
		EditStaleAfter:       configViper.GetDuration("lease.edit_stale_after"),
		ReaperInterval:       configViper.GetDuration("reaper.interval"),
		AllowedOrigins:       configViper.GetStringSlice("http.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.StoreBackend {
	case StoreBackendMemory, StoreBackendSQLite:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreBackendMemory, StoreBackendSQLite, c.StoreBackend)
	}
	if c.TransformStaleAfter <= 0 || c.EditStaleAfter <= 0 {
		return fmt.Errorf("lease stale thresholds must be positive")
	}
	if c.TicketTTL <= 0 {
		return fmt.Errorf("ticket.ttl must be positive")
	}
	return nil
}
