package main

import (
	"context"
	"errors"
	"time"

	"gravitas/pkg/gateway"
	"gravitas/pkg/statebus"
)

const metricsInterval = 30 * time.Second

func (s *Server) startLoops(ctx context.Context) {
	go s.GW.Serve(ctx, s.Config.DispatchWorkers)
	go s.sweepLoop(ctx)
	go s.metricsLoop(ctx)
	if s.Telemetry != nil {
		go func() {
			if err := s.Shadow.Feed(ctx, s.Telemetry); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, statebus.ErrClosed) {
				s.Log.WithError(err).Warn("telemetry feed stopped")
			}
		}()
	}
}

func (s *Server) sweepOptions() gateway.SweepOptions {
	return gateway.SweepOptions{
		ShadowRetentionDays: s.Config.ShadowRetention,
		SessionRetention:    s.Config.SessionRetention,
		AuditRetention:      s.Config.AuditRetention,
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	interval := s.Config.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.GW.Sweep(ctx, s.sweepOptions())
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	s.updateOperationalMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics()
		}
	}
}

func (s *Server) updateOperationalMetrics() {
	s.Metrics.SetGauge("queue_size", float64(s.GW.QueueSize()))
	s.Metrics.SetGauge("stream_subscribers", float64(s.GW.Hub().Subscribers()))
	s.Metrics.SetGauge("stream_dropped", float64(s.GW.Hub().Dropped()))
	s.Metrics.SetGauge("shadow_entries", float64(s.Shadow.Len()))
	stats := s.GW.AuditStats()
	s.Metrics.SetGauge("audit_pending", float64(stats.Pending))
	s.Metrics.SetGauge("audit_dropped", float64(stats.Dropped))
	s.Metrics.SetGauge("audit_failed", float64(stats.Failed))
}
