package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"

	"gravitas/pkg/config"
	"gravitas/pkg/statebus"
	"gravitas/pkg/store"
)

func setGatewayEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "access_policies.yaml")
	if err := os.WriteFile(policyPath, []byte(testPolicy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	t.Setenv("ENVIRONMENT", "dev")
	t.Setenv("ACCESS_POLICY_PATH", policyPath)
	t.Setenv("CERTIFICATES_DIR", filepath.Join(dir, "certs"))
	t.Setenv("JOURNAL_DIR", filepath.Join(dir, "journals"))
	t.Setenv("JWT_SECRET_KEY", testSecret)
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("GATEKEEPER_URL", "")
}

func okTelemetry(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func noDB(context.Context) (gatewayDBCloser, error) { return nil, store.ErrNotConfigured }

func noRedis(context.Context) (*redis.Client, error) { return nil, store.ErrNotConfigured }

func noBus(config.Config) (statebus.Producer, statebus.Consumer, error) { return nil, nil, nil }

func TestRunGatewayRequiresListen(t *testing.T) {
	setGatewayEnv(t)
	err := runGateway(okTelemetry, noDB, noRedis, noBus, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "listen function required") {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestRunGatewayTelemetryError(t *testing.T) {
	setGatewayEnv(t)
	initErr := func(context.Context, string) (func(context.Context) error, error) {
		return nil, errors.New("collector down")
	}
	err := runGateway(initErr, noDB, noRedis, noBus, func(*http.Server) error { return nil }, nil)
	if err == nil || !strings.HasPrefix(err.Error(), "otel:") {
		t.Fatalf("expected otel error, got %v", err)
	}
}

func TestRunGatewayDBError(t *testing.T) {
	setGatewayEnv(t)
	badDB := func(context.Context) (gatewayDBCloser, error) { return nil, errors.New("connection refused") }
	err := runGateway(okTelemetry, badDB, noRedis, noBus, func(*http.Server) error { return nil }, nil)
	if err == nil || !strings.HasPrefix(err.Error(), "db:") {
		t.Fatalf("expected db error, got %v", err)
	}
}

func TestRunGatewayBusError(t *testing.T) {
	setGatewayEnv(t)
	badBus := func(config.Config) (statebus.Producer, statebus.Consumer, error) {
		return nil, nil, errors.New("no brokers reachable")
	}
	err := runGateway(okTelemetry, noDB, noRedis, badBus, func(*http.Server) error { return nil }, nil)
	if err == nil || !strings.HasPrefix(err.Error(), "kafka:") {
		t.Fatalf("expected kafka error, got %v", err)
	}
}

func TestRunGatewayProductionHardening(t *testing.T) {
	setGatewayEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("STRICT_PROD_SECURITY", "true")
	t.Setenv("AUTH_DISABLED", "true")
	listened := false
	err := runGateway(okTelemetry, noDB, noRedis, noBus, func(*http.Server) error { listened = true; return nil }, nil)
	if err == nil || !strings.Contains(err.Error(), "AUTH_DISABLED") {
		t.Fatalf("expected hardening error, got %v", err)
	}
	if listened {
		t.Fatal("server must not listen when hardening fails")
	}
}

func TestRunGatewayPostgresBackendNeedsDB(t *testing.T) {
	setGatewayEnv(t)
	t.Setenv("CERT_BACKEND", "postgres")
	err := runGateway(okTelemetry, noDB, noRedis, noBus, func(*http.Server) error { return nil }, nil)
	if !errors.Is(err, errPostgresBackendNeedsDB) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestRunGatewayServesRoutes(t *testing.T) {
	setGatewayEnv(t)
	var loops *Server
	listen := func(srv *http.Server) error {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("healthz status=%d", rec.Code)
		}
		return http.ErrServerClosed
	}
	startLoops := func(_ context.Context, s *Server) { loops = s }
	if err := runGateway(okTelemetry, noDB, noRedis, noBus, listen, startLoops); err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if loops == nil {
		t.Fatal("loops were not started")
	}
	if loops.Limiter == nil {
		t.Fatal("expected in-memory limiter when redis is absent")
	}
}

func TestOpenBusWithoutBrokers(t *testing.T) {
	p, c, err := openBus(config.Config{})
	if err != nil || p != nil || c != nil {
		t.Fatalf("expected nothing opened, got %v %v %v", p, c, err)
	}
}

func TestWSOriginPatterns(t *testing.T) {
	got := wsOriginPatterns(" a.example.com , ,b.example.com")
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com" {
		t.Fatalf("unexpected patterns: %v", got)
	}
	if wsOriginPatterns("") != nil {
		t.Fatal("expected nil for empty input")
	}
}
