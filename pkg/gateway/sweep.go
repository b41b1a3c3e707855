package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"gravitas/pkg/audit"
	"gravitas/pkg/quality"
)

// SweepOptions selects what the maintenance sweep removes. Zero retention
// keeps that data forever; ShadowRetentionDays <= 0 means the shadow default.
type SweepOptions struct {
	ShadowRetentionDays int
	SessionRetention    time.Duration
	AuditRetention      time.Duration
	Quality             bool
}

type SweepReport struct {
	ShadowRemoved   int             `json:"shadow_removed"`
	SessionsPruned  int             `json:"sessions_pruned"`
	SessionRows     int64           `json:"session_rows_pruned"`
	AuditPruned     int64           `json:"audit_pruned"`
	Quality         *quality.Report `json:"quality,omitempty"`
	Errors          []string        `json:"errors,omitempty"`
	DurationSeconds float64         `json:"duration_seconds"`
}

// Sweep runs one maintenance pass. Failures are collected in the report so
// one broken store does not stop the rest of the pass.
func (g *Gateway) Sweep(ctx context.Context, opts SweepOptions) SweepReport {
	start := time.Now()
	var rep SweepReport
	fail := func(step string, err error) {
		rep.Errors = append(rep.Errors, step+": "+err.Error())
		g.log.WithError(err).WithField("step", step).Warn("sweep step failed")
	}

	rep.ShadowRemoved = g.shadow.CleanupOlderThan(ctx, opts.ShadowRetentionDays)

	if opts.SessionRetention > 0 {
		cutoff := g.now().Add(-opts.SessionRetention)
		rep.SessionsPruned = g.guardian.PruneCompleted(cutoff)
		if g.sessions != nil {
			n, err := g.sessions.Prune(ctx, cutoff)
			if err != nil {
				fail("sessions", err)
			}
			rep.SessionRows = n
		}
	}

	if opts.AuditRetention > 0 {
		n, err := g.audit.Prune(ctx, g.now().Add(-opts.AuditRetention))
		switch {
		case errors.Is(err, audit.ErrNoStore):
		case err != nil:
			fail("audit", err)
		}
		rep.AuditPruned = n
	}

	if opts.Quality && g.quality != nil {
		qr, err := g.quality.Run(ctx)
		if err != nil {
			fail("quality", err)
		}
		rep.Quality = &qr
	}

	rep.DurationSeconds = time.Since(start).Seconds()
	g.metrics.SetGauge("sweep_last_unix", float64(g.now().Unix()))
	g.log.WithFields(logrus.Fields{
		"shadow_removed":  rep.ShadowRemoved,
		"sessions_pruned": rep.SessionsPruned,
		"audit_pruned":    rep.AuditPruned,
		"errors":          len(rep.Errors),
	}).Info("maintenance sweep finished")
	return rep
}
