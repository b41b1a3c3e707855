package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"gravitas/pkg/audit"
	"gravitas/pkg/auth"
	"gravitas/pkg/certify"
	"gravitas/pkg/certstore"
	"gravitas/pkg/gatekeeper"
	"gravitas/pkg/guardian"
	"gravitas/pkg/logging"
	"gravitas/pkg/metrics"
	"gravitas/pkg/policy"
	"gravitas/pkg/quality"
	"gravitas/pkg/scheduler"
	"gravitas/pkg/shadow"
	"gravitas/pkg/store"
	"gravitas/pkg/stream"
	"gravitas/pkg/telemetry"
	"gravitas/pkg/unit"
)

const (
	SourceLocal  = "local"
	SourceRemote = "remote"

	ReasonAuthorized   = "Authorized"
	ReasonPolicyDenied = "Policy denied"
	DetailAccessDenied = "Access denied by policy"
)

// SessionPruner deletes durable session rows ended before a cutoff.
type SessionPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Options carries the collaborators. Nil entries get in-memory defaults so
// tests and dev runs need no infrastructure.
type Options struct {
	Policy    *policy.Store
	Auth      auth.Authenticator
	Remote    *gatekeeper.Client
	Audit     *audit.Log
	Certifier *certify.Certifier
	Guardian  *guardian.Guardian
	Sessions  SessionPruner
	Registry  *unit.Registry
	Shadow    *shadow.Recorder
	Quality   *quality.Auditor
	Queue     *scheduler.Queue[Task]
	Lock      *scheduler.Lock
	Cache     store.Cache
	Hub       *stream.Hub
	Metrics   *metrics.Registry

	JournalDir string
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

// Authorization is the outcome of a successful or denied Authorize call.
type Authorization struct {
	Allowed  bool     `json:"allowed"`
	Identity string   `json:"ghost_id"`
	Groups   []string `json:"groups"`
	Reason   string   `json:"reason,omitempty"`
	AuditID  string   `json:"audit_id,omitempty"`
	Source   string   `json:"source"`
}

type Gateway struct {
	policy    *policy.Store
	auth      auth.Authenticator
	remote    *gatekeeper.Client
	audit     *audit.Log
	certifier *certify.Certifier
	guardian  *guardian.Guardian
	sessions  SessionPruner
	registry  *unit.Registry
	shadow    *shadow.Recorder
	quality   *quality.Auditor
	queue     *scheduler.Queue[Task]
	lock      *scheduler.Lock
	cache     store.Cache
	hub       *stream.Hub
	metrics   *metrics.Registry

	journalDir string
	log        logrus.FieldLogger
	now        func() time.Time
}

func New(opts Options) *Gateway {
	g := &Gateway{
		policy:     opts.Policy,
		auth:       opts.Auth,
		remote:     opts.Remote,
		audit:      opts.Audit,
		certifier:  opts.Certifier,
		guardian:   opts.Guardian,
		sessions:   opts.Sessions,
		registry:   opts.Registry,
		shadow:     opts.Shadow,
		quality:    opts.Quality,
		queue:      opts.Queue,
		lock:       opts.Lock,
		cache:      opts.Cache,
		hub:        opts.Hub,
		metrics:    opts.Metrics,
		journalDir: opts.JournalDir,
		log:        logging.OrDiscard(opts.Logger),
		now:        opts.Now,
	}
	if g.now == nil {
		g.now = func() time.Time { return time.Now().UTC() }
	}
	if g.journalDir == "" {
		g.journalDir = "docs/journals"
	}
	if g.policy == nil {
		g.policy = policy.NewStore(g.log)
	}
	if g.hub == nil {
		g.hub = stream.NewHub()
	}
	if g.metrics == nil {
		g.metrics = metrics.NewRegistry()
	}
	if g.audit == nil {
		g.audit = audit.New(audit.Options{
			Store:      audit.NewMemoryStore(),
			Publishers: []audit.Publisher{StreamPublisher(g.hub)},
			Logger:     g.log,
		})
	}
	if g.registry == nil {
		g.registry = unit.NewRegistry()
	}
	if g.certifier == nil {
		g.certifier = certify.New(certify.Options{
			Registry:   g.registry,
			JournalDir: g.journalDir,
			Logger:     g.log,
		})
	}
	if g.guardian == nil {
		g.guardian = guardian.New(g.certifier.Store(), guardian.WithLogger(g.log))
	}
	if g.shadow == nil {
		g.shadow = shadow.New(shadow.Options{Logger: g.log})
	}
	if g.queue == nil {
		g.queue = scheduler.NewQueue[Task]()
	}
	if g.lock == nil {
		g.lock = &scheduler.Lock{}
	}
	if g.cache == nil {
		g.cache = store.NewMemoryCache()
	}
	g.restoreHot()
	return g
}

// Authorize authenticates token and decides action on resource, trying the
// remote gatekeeper first when one is configured.
func (g *Gateway) Authorize(ctx context.Context, token, action, resource string, metadata map[string]any) (Authorization, error) {
	return g.authorizeTraced(ctx, token, action, resource, metadata, g.remote != nil)
}

// AuthorizeLocal is Authorize without the remote gatekeeper. It serves the
// /validate endpoint so a gateway never calls itself.
func (g *Gateway) AuthorizeLocal(ctx context.Context, token, action, resource string, metadata map[string]any) (Authorization, error) {
	return g.authorizeTraced(ctx, token, action, resource, metadata, false)
}

func (g *Gateway) authorizeTraced(ctx context.Context, token, action, resource string, metadata map[string]any, remote bool) (Authorization, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "gateway.authorize",
		attribute.String("gravitas.action", action),
		attribute.String("gravitas.resource", resource),
	)
	authz, err := g.authorize(ctx, token, action, resource, metadata, remote)
	span.SetAttributes(
		attribute.String("gravitas.identity", authz.Identity),
		attribute.String("gravitas.source", authz.Source),
		attribute.Bool("gravitas.allowed", authz.Allowed),
	)
	telemetry.EndSpan(span, err)
	g.metrics.ObserveLatency("authorize", time.Since(start))
	return authz, err
}

func (g *Gateway) authorize(ctx context.Context, token, action, resource string, metadata map[string]any, remote bool) (Authorization, error) {
	principal, err := g.auth.Authenticate(token)
	if err != nil {
		g.metrics.IncDecision(audit.ResultDenied, "AUTHENTICATION")
		return Authorization{}, &AuthError{Reason: err.Error(), Err: err}
	}
	if remote {
		authz, decided, err := g.authorizeRemote(ctx, principal, token, action, resource, metadata)
		if decided {
			return authz, err
		}
	}
	return g.authorizeLocal(principal, action, resource, metadata)
}

// authorizeRemote reports decided=false when the caller should fall back to
// the local policy.
func (g *Gateway) authorizeRemote(ctx context.Context, p auth.Principal, token, action, resource string, metadata map[string]any) (Authorization, bool, error) {
	v, err := g.remote.Validate(ctx, token, action, resource, metadata)
	if err != nil {
		g.log.WithError(err).WithField("action", action).Warn("remote gatekeeper unavailable, using local policy")
		return Authorization{}, false, nil
	}
	identity := v.GhostID
	if identity == "" {
		identity = p.Subject
	}
	authz := Authorization{
		Allowed:  v.Allowed,
		Identity: identity,
		Groups:   v.Groups,
		Reason:   v.Reason,
		AuditID:  v.AuditID,
		Source:   SourceRemote,
	}
	switch {
	case v.Status == 401:
		g.metrics.IncDecision(audit.ResultDenied, "REMOTE_AUTHENTICATION")
		return authz, true, &AuthError{Reason: v.Detail}
	case !v.Allowed:
		g.metrics.IncDecision(audit.ResultDenied, "REMOTE_POLICY")
		reason := v.Detail
		if reason == "" {
			reason = DetailAccessDenied
		}
		authz.Reason = reason
		return authz, true, &PolicyError{Identity: identity, Action: action, Resource: resource, Reason: reason}
	}
	g.metrics.IncDecision(audit.ResultAllowed, "REMOTE_ALLOW")
	if authz.Reason == "" {
		authz.Reason = ReasonAuthorized
	}
	return authz, true, nil
}

func (g *Gateway) authorizeLocal(p auth.Principal, action, resource string, metadata map[string]any) (Authorization, error) {
	dec := g.policy.Evaluate(p.Subject, action, resource)
	groups := p.Roles
	if len(groups) == 0 {
		groups = g.policy.Groups(p.Subject)
	}
	ev := audit.Event{
		ID:       uuid.NewString(),
		Identity: p.Subject,
		UnitID:   shellID(metadata),
		Action:   action,
		Resource: resource,
		Result:   audit.ResultFor(dec.Allowed),
		Metadata: metadata,
	}
	if !dec.Allowed {
		ev.Reason = ReasonPolicyDenied
	}
	g.audit.LogEvent(ev)
	g.metrics.IncDecision(ev.Result, dec.Reason)

	authz := Authorization{
		Allowed:  dec.Allowed,
		Identity: p.Subject,
		Groups:   groups,
		AuditID:  ev.ID,
		Source:   SourceLocal,
	}
	if !dec.Allowed {
		authz.Reason = DetailAccessDenied
		return authz, &PolicyError{Identity: p.Subject, Action: action, Resource: resource, Reason: DetailAccessDenied}
	}
	authz.Reason = ReasonAuthorized
	return authz, nil
}

func shellID(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata["shell_id"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Certify runs the certification pipeline and publishes the outcome.
func (g *Gateway) Certify(ctx context.Context, unitPath, identity string) certify.Result {
	ctx, span := telemetry.StartSpan(ctx, "gateway.certify",
		attribute.String("gravitas.identity", identity),
		attribute.String("gravitas.unit_path", unitPath),
	)
	res := g.certifier.Certify(ctx, unitPath, identity)
	span.SetAttributes(attribute.Bool("gravitas.passed", res.Passed))
	var err error
	if !res.Passed {
		err = errors.New(certificationFailure(res))
	}
	telemetry.EndSpan(span, err)

	g.metrics.IncCertification(res.Passed, certificationPhase(res))
	g.hub.Emit(stream.TypeCertification, res)
	return res
}

func certificationPhase(res certify.Result) string {
	switch {
	case res.Passed:
		return "issued"
	case res.Validation != nil:
		return "validation"
	case res.Test != nil:
		return "dynamic"
	case len(res.Analysis.Errors) > 0:
		return "static"
	default:
		return "input"
	}
}

func certificationFailure(res certify.Result) string {
	if res.Error != "" {
		return res.Error
	}
	switch {
	case res.Validation != nil && len(res.Validation.Errors) > 0:
		return res.Validation.Errors[0]
	case res.Test != nil && res.Test.Error != "":
		return res.Test.Error
	case len(res.Analysis.Errors) > 0:
		return res.Analysis.Errors[0]
	}
	return "certification failed"
}

// ReloadCertificates re-reads the certificate backend, picking up entries
// written by another process such as gravitasctl.
func (g *Gateway) ReloadCertificates(ctx context.Context) error {
	return g.certifier.Store().Reload(ctx)
}

func (g *Gateway) ListCertificates(ctx context.Context) []certstore.Certificate {
	return g.certifier.ListCertificates(ctx)
}

func (g *Gateway) SessionStart(ctx context.Context, identity, sessionID string, metadata map[string]any) (guardian.Permission, error) {
	perm, err := g.guardian.SessionStart(ctx, identity, sessionID, metadata)
	if err == nil && perm.Allowed {
		g.hub.Emit(stream.TypeSessionStarted, map[string]string{"identity": identity, "session_id": sessionID})
	}
	return perm, err
}

func (g *Gateway) SessionEnd(ctx context.Context, sessionID, outputRef string) {
	g.guardian.SessionEnd(ctx, sessionID, outputRef)
	g.hub.Emit(stream.TypeSessionEnded, map[string]string{"session_id": sessionID, "output_ref": outputRef})
}

func (g *Gateway) Stats(identity string) map[string]guardian.Stats {
	return g.guardian.Stats(identity)
}

func (g *Gateway) RecordDecision(ctx context.Context, complexity int, t shadow.Telemetry, d shadow.Decision) string {
	return g.shadow.LogRoutingDecision(ctx, complexity, t, d)
}

func (g *Gateway) RecordOutcome(ctx context.Context, requestID string, perf shadow.Performance) bool {
	return g.shadow.LogActualPerformance(ctx, requestID, perf)
}

func (g *Gateway) TierStatistics(tier string) shadow.TierStats {
	return g.shadow.TierStatistics(tier)
}

func (g *Gateway) QueryAudit(ctx context.Context, identity string, limit int) ([]audit.Event, error) {
	return g.audit.QueryEvents(ctx, identity, limit)
}

// FlushAudit blocks until every queued audit event has been handled.
func (g *Gateway) FlushAudit(ctx context.Context) error {
	return g.audit.Flush(ctx)
}

type AuditStats struct {
	Pending int   `json:"pending"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

func (g *Gateway) AuditStats() AuditStats {
	return AuditStats{Pending: g.audit.Pending(), Dropped: g.audit.Dropped(), Failed: g.audit.Failed()}
}

// Hub exposes the event feed for stream subscribers.
func (g *Gateway) Hub() *stream.Hub { return g.hub }

func (g *Gateway) Metrics() *metrics.Registry { return g.metrics }

func (g *Gateway) Registry() *unit.Registry { return g.registry }

func (g *Gateway) Policy() *policy.Store { return g.policy }

// Close drains the audit log.
func (g *Gateway) Close(ctx context.Context) error {
	return g.audit.Stop(ctx)
}
