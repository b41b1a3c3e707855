package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gravitas/pkg/config"
)

// ErrNotConfigured means the backing service has no address configured and
// callers should fall back to in-memory state.
var ErrNotConfigured = errors.New("store: not configured")

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresWait         = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
)

// PostgresOptions describe the one pool every Postgres-backed store shares.
type PostgresOptions struct {
	DSN        string
	RequireTLS bool
	AppName    string
	MaxConns   int32
	Attempts   int
	RetryDelay time.Duration
	PingWait   time.Duration
}

// PostgresOptionsFromEnv reads DATABASE_URL, or assembles a DSN from the
// DATABASE_* variables when DATABASE_HOST is set.
func PostgresOptionsFromEnv() PostgresOptions {
	return PostgresOptions{
		DSN:        PostgresDSN(),
		RequireTLS: config.EnvBool("DATABASE_REQUIRE_TLS", false),
		AppName:    "gravitas",
		MaxConns:   int32(config.EnvInt("DB_MAX_CONNS", 10)),
		Attempts:   config.EnvInt("DB_CONNECT_ATTEMPTS", 30),
		RetryDelay: config.EnvDuration("DB_RETRY_DELAY_SEC", 2, time.Second),
		PingWait:   2 * time.Second,
	}
}

// PostgresDSN returns DATABASE_URL, a DSN built from DATABASE_HOST and
// friends, or "".
func PostgresDSN() string {
	if dsn := config.Env("DATABASE_URL", ""); dsn != "" {
		return dsn
	}
	host := config.Env("DATABASE_HOST", "")
	if host == "" {
		return ""
	}
	port := config.EnvInt("DATABASE_PORT", 5432)
	if port <= 0 {
		port = 5432
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + config.Env("DATABASE_NAME", "gravitas"),
	}
	user := config.Env("DATABASE_USER", "gravitas")
	if pw := config.Env("POSTGRES_PASSWORD", ""); pw != "" {
		u.User = url.UserPassword(user, pw)
	} else {
		u.User = url.User(user)
	}
	q := u.Query()
	q.Set("sslmode", config.Env("DATABASE_SSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String()
}

// NewPostgresPool opens the shared pool from the environment.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	return OpenPostgres(ctx, PostgresOptionsFromEnv())
}

// OpenPostgres retries until the database answers a ping, the attempts run
// out or ctx ends.
func OpenPostgres(ctx context.Context, opts PostgresOptions) (*pgxpool.Pool, error) {
	if strings.TrimSpace(opts.DSN) == "" {
		return nil, ErrNotConfigured
	}
	if opts.RequireTLS {
		if err := checkPostgresTLS(opts.DSN); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok && opts.AppName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.AppName
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	pingWait := opts.PingWait
	if pingWait <= 0 {
		pingWait = 2 * time.Second
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := postgresWait(ctx, opts.RetryDelay); err != nil {
				return nil, fmt.Errorf("db connect: %w (last error: %v)", err, lastErr)
			}
		}
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingWait)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		pool.Close()
		lastErr = err
	}
	return nil, fmt.Errorf("db ping failed after %d attempts: %w", attempts, lastErr)
}

func checkPostgresTLS(dsn string) error {
	u, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch mode := strings.ToLower(strings.TrimSpace(u.Query().Get("sslmode"))); mode {
	case "require", "verify-ca", "verify-full":
		return nil
	case "":
		return errors.New("DATABASE_REQUIRE_TLS=true requires an explicit sslmode=require|verify-ca|verify-full")
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but sslmode=%q is not encrypted and verified", mode)
	}
}
