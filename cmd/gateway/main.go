package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"gravitas/pkg/auth"
	"gravitas/pkg/config"
	"gravitas/pkg/gateway"
	"gravitas/pkg/hardening"
	"gravitas/pkg/httpx"
	"gravitas/pkg/logging"
	"gravitas/pkg/metrics"
	"gravitas/pkg/ratelimit"
	"gravitas/pkg/shadow"
	"gravitas/pkg/statebus"
	"gravitas/pkg/store"
	"gravitas/pkg/telemetry"
)

const serviceName = "gateway"

// Server is the HTTP face of the gateway.
type Server struct {
	GW      *gateway.Gateway
	Shadow  *shadow.Recorder
	Metrics *metrics.Registry
	Config  config.Config
	Auth    auth.Authenticator
	Limiter ratelimit.Limiter
	Log     logrus.FieldLogger

	// Telemetry feeds routing telemetry into the shadow audit when set.
	Telemetry statebus.Consumer
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayOpenBusFunc func(cfg config.Config) (statebus.Producer, statebus.Consumer, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf      = func(format string, args ...any) { logging.New(serviceName).Fatalf(format, args...) }
	initTelemetryG = func(ctx context.Context, service string) (func(context.Context) error, error) {
		return telemetry.Init(ctx, service, telemetry.WithLogger(logging.New(service)))
	}
	openDBFnG = func(ctx context.Context) (gatewayDBCloser, error) {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, err
		}
		return pool, nil
	}
	openRedisFnG  = store.NewRedis
	openBusFnG    = openBus
	listenFnG     = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG = func(ctx context.Context, s *Server) { s.startLoops(ctx) }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, openBusFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	openBusFn gatewayOpenBusFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	if listen == nil {
		return errors.New("listen function required")
	}
	cfg := config.Load()
	log := logging.New(serviceName)
	if err := hardening.Validate(serviceName, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := initTelemetry(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var db gatewayDB
	pool, err := openDB(ctx)
	switch {
	case errors.Is(err, store.ErrNotConfigured):
		log.Warn("DATABASE_URL not set, using in-memory stores")
	case err != nil:
		return fmt.Errorf("db: %w", err)
	default:
		defer pool.Close()
		db = pool
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotConfigured) {
			log.WithError(err).Warn("redis unavailable, falling back to in-memory cache/limits")
		}
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var producer statebus.Producer
	var consumer statebus.Consumer
	if openBusFn != nil {
		producer, consumer, err = openBusFn(cfg)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
	}
	if producer != nil {
		defer producer.Close()
	}
	if consumer != nil {
		defer consumer.Close()
	}

	s, err := newServer(ctx, cfg, components{DB: db, Redis: redisClient, Producer: producer, Log: log})
	if err != nil {
		return err
	}
	s.Telemetry = consumer
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.GW.Close(closeCtx); err != nil {
			log.WithError(err).Warn("audit log did not drain")
		}
	}()

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	if startLoops != nil {
		startLoops(loopCtx, s)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: config.EnvDuration("HTTP_READ_HEADER_TIMEOUT_SEC", 5, time.Second),
		ReadTimeout:       config.EnvDuration("HTTP_READ_TIMEOUT_SEC", 15, time.Second),
		WriteTimeout:      config.EnvDuration("HTTP_WRITE_TIMEOUT_SEC", 30, time.Second),
		IdleTimeout:       config.EnvDuration("HTTP_IDLE_TIMEOUT_SEC", 120, time.Second),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.WithField("addr", cfg.Addr).Info("gateway listening")
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openBus(cfg config.Config) (statebus.Producer, statebus.Consumer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, nil, nil
	}
	var producer statebus.Producer
	if cfg.KafkaAuditTopic != "" {
		p, err := statebus.NewKafkaProducer(statebus.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaAuditTopic})
		if err != nil {
			return nil, nil, err
		}
		producer = p
	}
	if cfg.KafkaTelemetry == "" {
		return producer, nil, nil
	}
	c, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTelemetry,
		GroupID: cfg.KafkaGroupID,
	})
	if err != nil {
		if producer != nil {
			_ = producer.Close()
		}
		return nil, nil, err
	}
	return producer, c, nil
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.Config.CORSOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"service":    serviceName,
			"queue_size": s.GW.QueueSize(),
		})
	})

	// /validate authenticates from the bearer token itself so it can answer
	// the remote gatekeeper contract with 401 and 403 bodies.
	r.With(s.rateLimit).Post("/validate", s.handleValidate)

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(s.Auth))
	authRouter.Use(s.rateLimit)
	authRouter.Get("/metrics", s.withRoles(s.Metrics.Handler(), roleAdmin, roleAuditor))
	authRouter.Get("/metrics/prometheus", s.withRoles(s.Metrics.PrometheusHandler(), roleAdmin, roleAuditor))
	authRouter.Post("/v1/certify", s.withRoles(s.handleCertify, roleAdmin))
	authRouter.Get("/v1/certificates", s.withRoles(s.handleListCertificates, roleAdmin, roleOperator, roleAuditor))
	authRouter.Post("/v1/sessions/start", s.withRoles(s.handleSessionStart, roleAdmin, roleOperator))
	authRouter.Post("/v1/sessions/end", s.withRoles(s.handleSessionEnd, roleAdmin, roleOperator))
	authRouter.Get("/v1/sessions/stats", s.withRoles(s.handleSessionStats, roleAdmin, roleOperator, roleAuditor))
	authRouter.Post("/v1/tasks", s.handleEnqueue)
	authRouter.Post("/v1/tasks/urgent", s.withRoles(s.handleEnqueueUrgent, roleAdmin))
	authRouter.Post("/v1/routing/decisions", s.withRoles(s.handleRoutingDecision, roleAdmin, roleOperator))
	authRouter.Post("/v1/routing/outcomes", s.withRoles(s.handleRoutingOutcome, roleAdmin, roleOperator))
	authRouter.Get("/v1/routing/tiers/{tier}", s.withRoles(s.handleTierStats, roleAdmin, roleOperator, roleAuditor))
	authRouter.Get("/v1/audit", s.withRoles(s.handleAudit, roleAdmin, roleAuditor))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, roleAdmin, roleOperator, roleAuditor))
	authRouter.Post("/v1/maintenance/sweep", s.withRoles(s.handleSweep, roleAdmin))
	r.Mount("/", authRouter)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

var _ http.Hijacker = (*statusRecorder)(nil)

// Hijack hands the connection to the websocket upgrader on /v1/stream.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

// Unwrap lets http.ResponseController reach Flush and deadlines.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// routeLabel names a request by its chi route pattern so path parameters
// do not become metric labels.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return r.Method + " " + pattern
		}
	}
	return r.Method + " unmatched"
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := routeLabel(r)
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if !s.Config.RateLimitEnabled || s.Limiter == nil {
		return next
	}
	return ratelimit.Middleware(s.Limiter, s.Config.RateLimitPerMin, ratelimit.IdentityKey)(next)
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Auth.Disabled {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if !principal.HasRole(roles...) {
			s.Log.WithFields(logrus.Fields{"identity": principal.Subject, "path": r.URL.Path}).Warn("forbidden: missing role")
			httpx.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r)
	}
}
