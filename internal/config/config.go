// Package config reads service settings from EZ4U_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// OIDCProvider holds the client registration of one external identity provider.
type OIDCProvider struct {
	Name         string
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

type Config struct {
	Env      string
	HTTPAddr string
	GRPCAddr string

	PGDSN string

	AuthSecret  string
	TokenTTL    time.Duration
	TokenIssuer string

	RedisAddr        string
	RedisPassword    string
	LoginMaxAttempts int
	LoginWindow      time.Duration
	RateBurst        int
	RatePerSec       float64
	CookieSecure     bool
	OTLPEndpoint     string
	OIDCProviders    []OIDCProvider
	SeedFixture      string
	ShutdownTimeout  time.Duration
	MaxBodyBytes     int64
	CORSOrigins      []string
	LogLevel         string
}

// Dev reports whether development-only fallbacks are allowed.
func (c Config) Dev() bool { return c.Env != EnvProduction }

// LoadDotenv reads an optional .env file. Variables already set in the process win.
func LoadDotenv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads the configuration from the environment. It does not validate; call Validate.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	env := strings.ToLower(strings.TrimSpace(getenv("EZ4U_ENV")))
	if env == "" {
		env = EnvDevelopment
	}
	cfg := Config{
		Env:             env,
		HTTPAddr:        stringOr(getenv("EZ4U_HTTP_ADDR"), ":8080"),
		GRPCAddr:        stringOr(getenv("EZ4U_GRPC_ADDR"), ":9090"),
		PGDSN:           strings.TrimSpace(getenv("EZ4U_PG_DSN")),
		AuthSecret:      getenv("EZ4U_AUTH_SECRET"),
		TokenIssuer:     stringOr(getenv("EZ4U_TOKEN_ISSUER"), "ez4u"),
		RedisAddr:       strings.TrimSpace(getenv("EZ4U_REDIS_ADDR")),
		RedisPassword:   getenv("EZ4U_REDIS_PASSWORD"),
		OTLPEndpoint:    strings.TrimSpace(getenv("EZ4U_OTLP_ENDPOINT")),
		SeedFixture:     strings.TrimSpace(getenv("EZ4U_SEED_FIXTURE")),
		ShutdownTimeout: 10 * time.Second,
		MaxBodyBytes:    1 << 20,
		CORSOrigins:     splitList(getenv("EZ4U_CORS_ORIGINS")),
		LogLevel:        stringOr(getenv("EZ4U_LOG_LEVEL"), "info"),
	}
	if v, ok := lookup(getenv, "EZ4U_GRPC_ADDR"); ok && v == "off" {
		cfg.GRPCAddr = ""
	}

	var err error
	if cfg.TokenTTL, err = durationOr(getenv, "EZ4U_TOKEN_TTL", 30*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.LoginWindow, err = durationOr(getenv, "EZ4U_LOGIN_WINDOW", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.LoginMaxAttempts, err = intOr(getenv, "EZ4U_LOGIN_MAX_ATTEMPTS", 10); err != nil {
		return Config{}, err
	}
	if cfg.RateBurst, err = intOr(getenv, "EZ4U_RATE_BURST", 50); err != nil {
		return Config{}, err
	}
	if cfg.RatePerSec, err = floatOr(getenv, "EZ4U_RATE_PER_SEC", 20); err != nil {
		return Config{}, err
	}
	if cfg.CookieSecure, err = boolOr(getenv, "EZ4U_COOKIE_SECURE", env == EnvProduction); err != nil {
		return Config{}, err
	}
	if cfg.OIDCProviders, err = oidcProviders(getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the production rules: a signing secret and a database are mandatory.
func (c Config) Validate() error {
	switch c.Env {
	case EnvProduction, EnvDevelopment:
	default:
		return fmt.Errorf("EZ4U_ENV must be %q or %q, got %q", EnvProduction, EnvDevelopment, c.Env)
	}
	if c.TokenTTL <= 0 {
		return errors.New("EZ4U_TOKEN_TTL must be positive")
	}
	if c.LoginMaxAttempts <= 0 {
		return errors.New("EZ4U_LOGIN_MAX_ATTEMPTS must be positive")
	}
	if c.Env == EnvProduction {
		if c.AuthSecret == "" {
			return errors.New("EZ4U_AUTH_SECRET is required in production")
		}
		if c.PGDSN == "" {
			return errors.New("EZ4U_PG_DSN is required in production")
		}
	}
	return nil
}

func oidcProviders(getenv func(string) string) ([]OIDCProvider, error) {
	raw := strings.TrimSpace(getenv("EZ4U_OIDC_PROVIDERS"))
	if raw == "" {
		return nil, nil
	}
	var out []OIDCProvider
	for _, name := range strings.Split(raw, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		prefix := "EZ4U_OIDC_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
		p := OIDCProvider{
			Name:         name,
			Issuer:       strings.TrimSpace(getenv(prefix + "ISSUER")),
			ClientID:     strings.TrimSpace(getenv(prefix + "CLIENT_ID")),
			ClientSecret: getenv(prefix + "CLIENT_SECRET"),
			RedirectURL:  strings.TrimSpace(getenv(prefix + "REDIRECT_URL")),
		}
		if p.Issuer == "" || p.ClientID == "" || p.RedirectURL == "" {
			return nil, fmt.Errorf("oidc provider %s: %sISSUER, %sCLIENT_ID and %sREDIRECT_URL are required", name, prefix, prefix, prefix)
		}
		out = append(out, p)
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func lookup(getenv func(string) string, key string) (string, bool) {
	v := strings.TrimSpace(getenv(key))
	return v, v != ""
}

func stringOr(v, def string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}

func durationOr(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v, ok := lookup(getenv, key)
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func intOr(getenv func(string) string, key string, def int) (int, error) {
	v, ok := lookup(getenv, key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func floatOr(getenv func(string) string, key string, def float64) (float64, error) {
	v, ok := lookup(getenv, key)
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func boolOr(getenv func(string) string, key string, def bool) (bool, error) {
	v, ok := lookup(getenv, key)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
