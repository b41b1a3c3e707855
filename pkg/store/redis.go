package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"gravitas/pkg/config"
)

// RedisOptions configure the client shared by the cache, the execution lock
// and the rate limiter.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	RequireTLS bool
	PingWait   time.Duration
	TLS        RedisTLS
}

// RedisTLS is off unless Enabled. Insecure needs AllowInsecure as well so a
// single stray variable cannot disable verification.
type RedisTLS struct {
	Enabled       bool
	Insecure      bool
	AllowInsecure bool
	ServerName    string
	CAFile        string
	CertFile      string
	KeyFile       string
}

// RedisOptionsFromEnv reads REDIS_ADDR and the REDIS_TLS_* variables.
func RedisOptionsFromEnv() RedisOptions {
	return RedisOptions{
		Addr:       config.Env("REDIS_ADDR", ""),
		Password:   os.Getenv("REDIS_PASSWORD"),
		DB:         config.EnvInt("REDIS_DB", 0),
		RequireTLS: config.EnvBool("REDIS_REQUIRE_TLS", false),
		PingWait:   2 * time.Second,
		TLS: RedisTLS{
			Enabled:       config.EnvBool("REDIS_TLS", false),
			Insecure:      config.EnvBool("REDIS_TLS_INSECURE", false),
			AllowInsecure: config.EnvBool("REDIS_ALLOW_INSECURE_TLS", false),
			ServerName:    config.Env("REDIS_TLS_SERVER_NAME", ""),
			CAFile:        config.Env("REDIS_TLS_CA_CERT_FILE", ""),
			CertFile:      config.Env("REDIS_TLS_CERT_FILE", ""),
			KeyFile:       config.Env("REDIS_TLS_KEY_FILE", ""),
		},
	}
}

// NewRedis connects with RedisOptionsFromEnv. An unset REDIS_ADDR returns
// ErrNotConfigured so the caller can use the in-memory cache.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	return OpenRedis(ctx, RedisOptionsFromEnv())
}

// OpenRedis builds the client and pings it once.
func OpenRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, ErrNotConfigured
	}
	tlsCfg, err := opts.TLS.config()
	if err != nil {
		return nil, err
	}
	if opts.RequireTLS && tlsCfg == nil {
		return nil, errors.New("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: tlsCfg,
	})
	wait := opts.PingWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (t RedisTLS) config() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: strings.TrimSpace(t.ServerName)}
	if t.Insecure {
		if !t.AllowInsecure {
			return nil, errors.New("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true // #nosec G402 -- explicitly double opted in
	}
	if ca := strings.TrimSpace(t.CAFile); ca != "" {
		pem, err := os.ReadFile(filepath.Clean(ca))
		if err != nil {
			return nil, fmt.Errorf("read redis CA: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, errors.New("redis CA: no certificates in PEM")
		}
		cfg.RootCAs = roots
	}
	certFile, keyFile := strings.TrimSpace(t.CertFile), strings.TrimSpace(t.KeyFile)
	switch {
	case certFile == "" && keyFile == "":
	case certFile == "" || keyFile == "":
		return nil, errors.New("redis client certificate needs both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE")
	default:
		pair, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}
