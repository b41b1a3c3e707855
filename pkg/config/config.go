package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string
	Environment string

	PolicyPath      string
	CertificatesDir string
	CertBackend     string
	CertHash        string
	CertValidity    time.Duration
	JournalDir      string
	SourceRoot      string

	JWTSecret    string
	AuthDisabled bool

	GatekeeperURL           string
	GatekeeperTimeout       time.Duration
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	AuditMaxPending  int
	AuditRedact      bool
	AuditHashSalt    string
	AuditRetention   time.Duration
	ShadowRetention  int
	SessionRetention time.Duration
	SweepInterval    time.Duration
	DispatchWorkers  int
	CORSOrigins      string
	WSAllowedOrigins string
	MaxRequestBody   int64
	RateLimitEnabled bool
	RateLimitPerMin  int
	RateLimitWindow  time.Duration
	KafkaBrokers     []string
	KafkaAuditTopic  string
	KafkaTelemetry   string
	KafkaGroupID     string
	// StrictProdSecure turns on the startup checks in production-like
	// environments. The remaining fields only feed those checks.
	StrictProdSecure   bool
	DatabaseRequireTLS bool
	RedisAddr          string
	RedisRequireTLS    bool
	RedisTLSInsecure   bool
	RedisAllowInsecure bool
}

// Load reads .env when present, then the process environment. Values already
// set in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Addr:                    Env("ADDR", ":8080"),
		Environment:             Env("ENVIRONMENT", Env("APP_ENV", "")),
		PolicyPath:              Env("ACCESS_POLICY_PATH", "config/access_policies.yaml"),
		CertificatesDir:         Env("CERTIFICATES_DIR", ".certificates"),
		CertBackend:             strings.ToLower(Env("CERT_BACKEND", "file")),
		CertHash:                strings.ToLower(Env("CERT_HASH", "sha256")),
		CertValidity:            time.Duration(EnvInt("CERT_VALIDITY_DAYS", 30)) * 24 * time.Hour,
		JournalDir:              Env("JOURNAL_DIR", "docs/journals"),
		SourceRoot:              Env("SOURCE_ROOT", "."),
		JWTSecret:               Env("JWT_SECRET_KEY", ""),
		AuthDisabled:            EnvBool("AUTH_DISABLED", false),
		GatekeeperURL:           strings.TrimSuffix(Env("GATEKEEPER_URL", ""), "/"),
		GatekeeperTimeout:       EnvDuration("GATEKEEPER_TIMEOUT_MS", 500, time.Millisecond),
		BreakerFailureThreshold: EnvInt("BREAKER_FAILURE_THRESHOLD", 3),
		BreakerCooldown:         EnvDuration("BREAKER_COOLDOWN_SEC", 30, time.Second),
		AuditMaxPending:         EnvInt("AUDIT_MAX_PENDING", 0),
		AuditRedact:             EnvBool("AUDIT_REDACT", false),
		AuditHashSalt:           Env("AUDIT_HASH_SALT", ""),
		AuditRetention:          time.Duration(EnvInt("AUDIT_RETENTION_DAYS", 0)) * 24 * time.Hour,
		ShadowRetention:         EnvInt("SHADOW_RETENTION_DAYS", 60),
		SessionRetention:        time.Duration(EnvInt("SESSION_RETENTION_DAYS", 30)) * 24 * time.Hour,
		SweepInterval:           EnvDuration("SWEEP_INTERVAL_SEC", 3600, time.Second),
		DispatchWorkers:         EnvInt("DISPATCH_WORKERS", 1),
		CORSOrigins:             Env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:        Env("WS_ALLOWED_ORIGINS", ""),
		MaxRequestBody:          int64(EnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		RateLimitEnabled:        EnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitPerMin:         EnvInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:         EnvDuration("RATE_LIMIT_WINDOW_SEC", 60, time.Second),
		KafkaBrokers:            SplitList(Env("KAFKA_BROKERS", "")),
		KafkaAuditTopic:         Env("KAFKA_AUDIT_TOPIC", "gravitas.audit"),
		KafkaTelemetry:          Env("KAFKA_TELEMETRY_TOPIC", ""),
		KafkaGroupID:            Env("KAFKA_GROUP_ID", "gravitas-gateway"),
		StrictProdSecure:        EnvBool("STRICT_PROD_SECURITY", true),
		DatabaseRequireTLS:      EnvBool("DATABASE_REQUIRE_TLS", false),
		RedisAddr:               Env("REDIS_ADDR", ""),
		RedisRequireTLS:         EnvBool("REDIS_REQUIRE_TLS", false),
		RedisTLSInsecure:        EnvBool("REDIS_TLS_INSECURE", false),
		RedisAllowInsecure:      EnvBool("REDIS_ALLOW_INSECURE_TLS", false),
	}
}

func Env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func EnvInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func EnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// EnvDuration reads an integer count of unit. Non-positive values fall back
// to def.
func EnvDuration(key string, def int, unit time.Duration) time.Duration {
	n := EnvInt(key, def)
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * unit
}

func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
