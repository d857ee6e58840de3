package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	BackendURL     string        `mapstructure:"BACKEND_URL"`
	BackendTimeout time.Duration `mapstructure:"BACKEND_TIMEOUT"`
	BackendRPS     float64       `mapstructure:"BACKEND_RPS"`
	BackendBurst   int           `mapstructure:"BACKEND_BURST"`
	SessionFile    string        `mapstructure:"SESSION_FILE"`
	SessionToken   string        `mapstructure:"SESSION_TOKEN"`
	LoginURL       string        `mapstructure:"LOGIN_URL"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	SessionIdleTTL time.Duration `mapstructure:"SESSION_IDLE_TTL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BACKEND_TIMEOUT", "10s")
	v.SetDefault("BACKEND_RPS", 20)
	v.SetDefault("BACKEND_BURST", 40)
	v.SetDefault("SESSION_FILE", defaultSessionFile())
	v.SetDefault("LOGIN_URL", "/login")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SESSION_IDLE_TTL", "30m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL",
		"BACKEND_URL", "BACKEND_TIMEOUT", "BACKEND_RPS", "BACKEND_BURST",
		"SESSION_FILE", "SESSION_TOKEN", "LOGIN_URL",
		"CORS_ORIGINS", "SESSION_IDLE_TTL",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.BackendURL == "" {
		return nil, fmt.Errorf("BACKEND_URL is required")
	}
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")

	if cfg.IsDev() && cfg.SessionToken != "" {
		log.Println("WARNING: SESSION_TOKEN is set; the session file is ignored.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when running with ENV=production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration can be used to reach the backend.
// BACKEND_URL must be an absolute http(s) URL, timeouts and rate limits must
// be positive, and production deployments must not talk plain http.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil {
		return fmt.Errorf("BACKEND_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("BACKEND_URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("BACKEND_URL must include a host")
	}
	if c.IsProduction() && u.Scheme != "https" {
		return fmt.Errorf("BACKEND_URL must use https in production")
	}

	if c.BackendTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive, got %s", c.BackendTimeout)
	}
	if c.BackendRPS <= 0 {
		return fmt.Errorf("BACKEND_RPS must be positive, got %v", c.BackendRPS)
	}
	if c.BackendBurst < 1 {
		return fmt.Errorf("BACKEND_BURST must be at least 1, got %d", c.BackendBurst)
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be positive, got %s", c.SessionIdleTTL)
	}
	if c.LoginURL == "" {
		return fmt.Errorf("LOGIN_URL is required")
	}
	return nil
}

func defaultSessionFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".frontdesk", "session")
	}
	return filepath.Join(home, ".frontdesk", "session")
}
