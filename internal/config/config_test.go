package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, 30*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 10, cfg.LoginMaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.LoginWindow)
	assert.False(t, cfg.CookieSecure)
	assert.True(t, cfg.Dev())
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	env := map[string]string{}
	env["EZ4U_ENV"] = "production"
	env["EZ4U_GRPC_ADDR"] = "off"
	env["EZ4U_TOKEN_TTL"] = "5m"
	env["EZ4U_LOGIN_MAX_ATTEMPTS"] = "3"
	env["EZ4U_OIDC_PROVIDERS"] = "google, corp-sso"
	env["EZ4U_OIDC_GOOGLE_ISSUER"] = "https://accounts.google.com"
	env["EZ4U_OIDC_GOOGLE_CLIENT_ID"] = "cid"
	env["EZ4U_OIDC_GOOGLE_REDIRECT_URL"] = "https://ez4u.test/v1/auth/oidc/google/callback"
	env["EZ4U_OIDC_CORP_SSO_ISSUER"] = "https://sso.corp.test"
	env["EZ4U_OIDC_CORP_SSO_CLIENT_ID"] = "corp"
	env["EZ4U_OIDC_CORP_SSO_REDIRECT_URL"] = "https://ez4u.test/v1/auth/oidc/corp-sso/callback"

	cfg, err := load(envMap(env))
	require.NoError(t, err)
	assert.Equal(t, "", cfg.GRPCAddr)
	assert.Equal(t, 5*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 3, cfg.LoginMaxAttempts)
	assert.True(t, cfg.CookieSecure)
	require.Len(t, cfg.OIDCProviders, 2)
	assert.Equal(t, "corp-sso", cfg.OIDCProviders[1].Name)
	assert.Equal(t, "corp", cfg.OIDCProviders[1].ClientID)
}

func TestLoadListsAndLevel(t *testing.T) {
	cfg, err := load(envMap(map[string]string{
		"EZ4U_CORS_ORIGINS": " https://app.ez4u.test, ,https://admin.ez4u.test",
		"EZ4U_LOG_LEVEL":    "debug",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.ez4u.test", "https://admin.ez4u.test"}, cfg.CORSOrigins)
	assert.Equal(t, "debug", cfg.LogLevel)

	cfg, err = load(envMap(nil))
	require.NoError(t, err)
	assert.Empty(t, cfg.CORSOrigins)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	_, err := load(envMap(map[string]string{"EZ4U_TOKEN_TTL": "soon"}))
	assert.ErrorContains(t, err, "EZ4U_TOKEN_TTL")

	_, err = load(envMap(map[string]string{"EZ4U_OIDC_PROVIDERS": "google"}))
	assert.ErrorContains(t, err, "oidc provider google")
}

func TestValidateProduction(t *testing.T) {
	cfg, err := load(envMap(map[string]string{"EZ4U_ENV": "production"}))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "EZ4U_AUTH_SECRET")

	cfg.AuthSecret = "0123456789abcdef0123456789abcdef"
	assert.ErrorContains(t, cfg.Validate(), "EZ4U_PG_DSN")

	cfg.PGDSN = "postgres://localhost/ez4u"
	assert.NoError(t, cfg.Validate())

	cfg.Env = "staging"
	assert.Error(t, cfg.Validate())
}

func TestLoadDotenv(t *testing.T) {
	assert.NoError(t, LoadDotenv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("EZ4U_TEST_DOTENV_VALUE=from-file\n"), 0o600))
	t.Setenv("EZ4U_TEST_DOTENV_VALUE", "")
	os.Unsetenv("EZ4U_TEST_DOTENV_VALUE")
	require.NoError(t, LoadDotenv(path))
	assert.Equal(t, "from-file", os.Getenv("EZ4U_TEST_DOTENV_VALUE"))
}
