// Package hardening refuses to start the gateway in a production-like
// environment with a configuration that weakens authorization or transport
// security.
package hardening

import (
	"fmt"
	"net/url"
	"strings"

	"gravitas/pkg/config"
)

// MinJWTSecretBytes is the shortest HS256 secret accepted in production.
const MinJWTSecretBytes = 32

// Error lists every violated rule, not just the first.
type Error struct {
	Service    string
	Violations []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: production hardening: %s", e.Service, strings.Join(e.Violations, "; "))
}

type rule func(cfg config.Config) []string

var rules = []rule{
	func(c config.Config) []string {
		if c.AuthDisabled {
			return []string{"AUTH_DISABLED=true is forbidden"}
		}
		return nil
	},
	func(c config.Config) []string {
		if len(strings.TrimSpace(c.JWTSecret)) < MinJWTSecretBytes {
			return []string{fmt.Sprintf("JWT_SECRET_KEY must be at least %d bytes", MinJWTSecretBytes)}
		}
		return nil
	},
	func(c config.Config) []string {
		if c.GatekeeperURL == "" {
			return nil
		}
		if u, err := url.Parse(c.GatekeeperURL); err != nil || !strings.EqualFold(u.Scheme, "https") || u.Host == "" {
			return []string{fmt.Sprintf("GATEKEEPER_URL must be https, got %q", c.GatekeeperURL)}
		}
		return nil
	},
	func(c config.Config) []string {
		if !c.DatabaseRequireTLS {
			return []string{"DATABASE_REQUIRE_TLS=true is required"}
		}
		return nil
	},
	func(c config.Config) []string {
		if c.RedisAddr == "" {
			return nil
		}
		var out []string
		if !c.RedisRequireTLS {
			out = append(out, "REDIS_REQUIRE_TLS=true is required when REDIS_ADDR is set")
		}
		if c.RedisTLSInsecure || c.RedisAllowInsecure {
			out = append(out, "REDIS_TLS_INSECURE and REDIS_ALLOW_INSECURE_TLS are forbidden")
		}
		return out
	},
	func(c config.Config) []string {
		if c.AuditRedact && c.AuditHashSalt == "" {
			return []string{"AUDIT_HASH_SALT is required when AUDIT_REDACT=true"}
		}
		return nil
	},
	func(c config.Config) []string {
		if !c.RateLimitEnabled {
			return []string{"RATE_LIMIT_ENABLED=false is forbidden"}
		}
		return nil
	},
	func(c config.Config) []string { return checkOrigins("CORS_ALLOWED_ORIGINS", c.CORSOrigins, true) },
	func(c config.Config) []string { return checkOrigins("WS_ALLOWED_ORIGINS", c.WSAllowedOrigins, false) },
}

// ProductionLike reports whether env names a production or staging
// deployment.
func ProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "stage", "staging":
		return true
	}
	return false
}

// Validate returns an *Error when cfg breaks any rule. Development
// environments and STRICT_PROD_SECURITY=false skip every check.
func Validate(service string, cfg config.Config) error {
	if !ProductionLike(cfg.Environment) || !cfg.StrictProdSecure {
		return nil
	}
	var violations []string
	for _, r := range rules {
		violations = append(violations, r(cfg)...)
	}
	if len(violations) == 0 {
		return nil
	}
	if service == "" {
		service = "service"
	}
	return &Error{Service: service, Violations: violations}
}

// checkOrigins wants https origins that are neither wildcards nor loopback.
// required makes an empty list a violation too.
func checkOrigins(name, raw string, required bool) []string {
	origins := config.SplitList(raw)
	if len(origins) == 0 {
		if required {
			return []string{name + " must list explicit origins"}
		}
		return nil
	}
	var out []string
	for _, o := range origins {
		if o == "*" {
			out = append(out, name+" must not contain a wildcard")
			continue
		}
		u, err := url.Parse(o)
		switch {
		case err != nil || u.Host == "":
			out = append(out, fmt.Sprintf("%s entry %q is not an origin", name, o))
		case !strings.EqualFold(u.Scheme, "https"):
			out = append(out, fmt.Sprintf("%s entry %q must be https", name, o))
		case isLoopback(u.Hostname()):
			out = append(out, fmt.Sprintf("%s entry %q points at loopback", name, o))
		}
	}
	return out
}

func isLoopback(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}
