package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"gravitas/pkg/audit"
	"gravitas/pkg/auth"
	"gravitas/pkg/breaker"
	"gravitas/pkg/certify"
	"gravitas/pkg/certstore"
	"gravitas/pkg/config"
	"gravitas/pkg/gatekeeper"
	"gravitas/pkg/gateway"
	"gravitas/pkg/guardian"
	"gravitas/pkg/logging"
	"gravitas/pkg/metrics"
	"gravitas/pkg/policy"
	"gravitas/pkg/quality"
	"gravitas/pkg/ratelimit"
	"gravitas/pkg/shadow"
	"gravitas/pkg/statebus"
	"gravitas/pkg/store"
	"gravitas/pkg/stream"
	"gravitas/pkg/telemetry"
	"gravitas/pkg/unit"
	"gravitas/pkg/unit/echo"
)

const (
	roleAdmin    = "admin"
	roleOperator = "operator"
	roleAuditor  = "auditor"
)

var errPostgresBackendNeedsDB = errors.New("CERT_BACKEND=postgres requires DATABASE_URL")

// components are the process-owned resources handed to the stores. Any of
// them may be nil.
type components struct {
	DB       gatewayDB
	Redis    *redis.Client
	Producer statebus.Producer
	Log      logrus.FieldLogger
	// Registry overrides the built-in unit registry.
	Registry *unit.Registry
}

// newServer wires the one pool, cache and bus into every store and builds
// the gateway around them.
func newServer(ctx context.Context, cfg config.Config, c components) (*Server, error) {
	log := logging.OrDiscard(c.Log)
	hub := stream.NewHub()
	reg := metrics.NewRegistry()

	pol := policy.NewStore(log)
	pol.Load(cfg.PolicyPath)

	var backend certstore.Backend
	switch cfg.CertBackend {
	case "postgres":
		if c.DB == nil {
			return nil, errPostgresBackendNeedsDB
		}
		backend = certstore.NewPostgresBackend(c.DB)
	case "", "file":
		backend = certstore.NewFileBackend(cfg.CertificatesDir)
	default:
		return nil, fmt.Errorf("unknown CERT_BACKEND %q", cfg.CertBackend)
	}
	certs := certstore.NewTable(backend, log)
	if err := certs.Reload(ctx); err != nil {
		log.WithError(err).Warn("certificate reload failed, starting empty")
	}

	units := c.Registry
	if units == nil {
		units = unit.NewRegistry()
		if err := echo.Register(units); err != nil {
			return nil, err
		}
	}
	certifier := certify.New(certify.Options{
		Registry:   units,
		Store:      certs,
		JournalDir: cfg.JournalDir,
		SourceRoot: cfg.SourceRoot,
		Hash:       cfg.CertHash,
		Validity:   cfg.CertValidity,
		Logger:     log,
	})

	auditOpts := audit.Options{
		Store:      audit.NewMemoryStore(),
		Publishers: []audit.Publisher{gateway.StreamPublisher(hub)},
		MaxPending: cfg.AuditMaxPending,
		Logger:     log,
	}
	shadowOpts := shadow.Options{Logger: log}
	guardianOpts := []guardian.Option{guardian.WithLogger(log)}
	var sessions gateway.SessionPruner
	if c.DB != nil {
		auditOpts.Store = &audit.PostgresStore{DB: c.DB, HashSalt: []byte(cfg.AuditHashSalt), Redact: cfg.AuditRedact}
		shadowOpts.Store = &shadow.PostgresStore{DB: c.DB}
		rec := &guardian.PostgresRecorder{DB: c.DB}
		guardianOpts = append(guardianOpts, guardian.WithRecorder(rec))
		sessions = rec
	}
	if c.Producer != nil {
		auditOpts.Publishers = append(auditOpts.Publishers, gateway.BusPublisher(c.Producer))
	}
	rec := shadow.New(shadowOpts)

	var remote *gatekeeper.Client
	if cfg.GatekeeperURL != "" {
		b := breaker.New(breaker.Options{
			FailureThreshold: cfg.BreakerFailureThreshold,
			Cooldown:         cfg.BreakerCooldown,
			OnChange: func(from, to string) {
				reg.IncBreakerTransition(from, to)
				hub.Emit(stream.TypeBreaker, map[string]string{"from": from, "to": to})
				log.WithFields(logrus.Fields{"from": from, "to": to}).Warn("gatekeeper breaker changed state")
			},
		})
		remote = gatekeeper.NewClient(cfg.GatekeeperURL, cfg.GatekeeperTimeout, b)
		remote.HTTPClient = telemetry.InstrumentClient(remote.HTTPClient)
	}

	authn := auth.Authenticator{Secret: cfg.JWTSecret, Disabled: cfg.AuthDisabled}
	if authn.Disabled {
		log.Warn("AUTH_DISABLED=true, every caller is " + auth.DevIdentity)
	}

	gw := gateway.New(gateway.Options{
		Policy:     pol,
		Auth:       authn,
		Remote:     remote,
		Audit:      audit.New(auditOpts),
		Certifier:  certifier,
		Guardian:   guardian.New(certs, guardianOpts...),
		Sessions:   sessions,
		Registry:   units,
		Shadow:     rec,
		Quality:    quality.New(certs, quality.Options{Dir: cfg.JournalDir, Logger: log}),
		Cache:      store.NewCache(ctx, c.Redis),
		Hub:        hub,
		Metrics:    reg,
		JournalDir: cfg.JournalDir,
		Logger:     log,
	})

	s := &Server{
		GW:      gw,
		Shadow:  rec,
		Metrics: reg,
		Config:  cfg,
		Auth:    authn,
		Log:     log,
	}
	if cfg.RateLimitEnabled {
		if c.Redis != nil {
			s.Limiter = ratelimit.NewRedis(c.Redis, cfg.RateLimitWindow)
		} else {
			s.Limiter = ratelimit.NewInMemory(cfg.RateLimitWindow)
		}
	}
	return s, nil
}
