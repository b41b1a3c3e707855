package hardening

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gravitas/pkg/config"
)

func productionConfig() config.Config {
	return config.Config{
		Environment:        "production",
		StrictProdSecure:   true,
		JWTSecret:          strings.Repeat("k", MinJWTSecretBytes),
		GatekeeperURL:      "https://gatekeeper.internal/validate",
		DatabaseRequireTLS: true,
		RedisAddr:          "redis:6379",
		RedisRequireTLS:    true,
		RateLimitEnabled:   true,
		AuditRedact:        true,
		AuditHashSalt:      "pepper",
		CORSOrigins:        "https://console.example.com",
		WSAllowedOrigins:   "https://console.example.com",
	}
}

func TestValidatePassesHardenedConfig(t *testing.T) {
	assert.NoError(t, Validate("gateway", productionConfig()))
}

func TestValidateSkipsOutsideProduction(t *testing.T) {
	cfg := config.Config{Environment: "development", AuthDisabled: true}
	assert.NoError(t, Validate("gateway", cfg))

	cfg = productionConfig()
	cfg.StrictProdSecure = false
	cfg.AuthDisabled = true
	assert.NoError(t, Validate("gateway", cfg))
}

func TestValidateSingleViolations(t *testing.T) {
	cases := map[string]func(*config.Config){
		"AUTH_DISABLED":            func(c *config.Config) { c.AuthDisabled = true },
		"JWT_SECRET_KEY":           func(c *config.Config) { c.JWTSecret = "short" },
		"GATEKEEPER_URL":           func(c *config.Config) { c.GatekeeperURL = "http://gatekeeper.internal" },
		"DATABASE_REQUIRE_TLS":     func(c *config.Config) { c.DatabaseRequireTLS = false },
		"REDIS_REQUIRE_TLS":        func(c *config.Config) { c.RedisRequireTLS = false },
		"REDIS_ALLOW_INSECURE_TLS": func(c *config.Config) { c.RedisAllowInsecure = true },
		"AUDIT_HASH_SALT":          func(c *config.Config) { c.AuditHashSalt = "" },
		"RATE_LIMIT_ENABLED":       func(c *config.Config) { c.RateLimitEnabled = false },
		"must list explicit":       func(c *config.Config) { c.CORSOrigins = " , " },
		"wildcard":                 func(c *config.Config) { c.CORSOrigins = "*" },
		"must be https":            func(c *config.Config) { c.WSAllowedOrigins = "http://console.example.com" },
		"points at loopback":       func(c *config.Config) { c.CORSOrigins = "https://127.0.0.1:3000" },
		"is not an origin":         func(c *config.Config) { c.CORSOrigins = "console" },
	}
	for want, mutate := range cases {
		t.Run(want, func(t *testing.T) {
			cfg := productionConfig()
			mutate(&cfg)
			err := Validate("gateway", cfg)
			require.Error(t, err)
			var herr *Error
			require.True(t, errors.As(err, &herr))
			assert.Len(t, herr.Violations, 1, herr.Violations)
			assert.Contains(t, err.Error(), want)
			assert.True(t, strings.HasPrefix(err.Error(), "gateway: production hardening: "))
		})
	}
}

func TestValidateReportsEveryViolation(t *testing.T) {
	cfg := config.Config{Environment: "Staging", StrictProdSecure: true, AuthDisabled: true, RedisAddr: "r:6379", RedisTLSInsecure: true}
	err := Validate("", cfg)
	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "service", herr.Service)
	assert.Len(t, herr.Violations, 7)
	assert.Empty(t, checkOrigins("WS_ALLOWED_ORIGINS", "", false))
}

func TestProductionLike(t *testing.T) {
	for env, want := range map[string]bool{"prod": true, " PRODUCTION ": true, "stage": true, "dev": false, "": false} {
		assert.Equal(t, want, ProductionLike(env), env)
	}
}
