// Package guardian is the session-lifecycle authority. No session opens
// for an identity without a valid certificate.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gravitas/pkg/certstore"
	"gravitas/pkg/logging"
	"gravitas/pkg/unit"
)

var (
	ErrNotCertified         = errors.New("identity lacks a valid certificate")
	ErrCertificationExpired = errors.New("certificate expired")
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Permission is the answer to a session start.
type Permission = unit.Permission

type Session struct {
	ID        string         `json:"session_id"`
	Identity  string         `json:"ghost_id"`
	Start     time.Time      `json:"start"`
	End       *time.Time     `json:"end,omitempty"`
	Status    Status         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Duration  float64        `json:"duration,omitempty"`
	OutputRef string         `json:"output_file,omitempty"`
}

// Certificates is the read side of the certificate table.
type Certificates interface {
	Get(agent string) (certstore.Certificate, bool)
	Review(agent string) (certstore.Review, bool)
	Identities() []string
}

// SessionRecorder persists completed sessions. Failures are logged only.
type SessionRecorder interface {
	RecordSession(ctx context.Context, s Session) error
}

type Stats struct {
	ActiveSessions       int        `json:"active_sessions"`
	CompletedTotal       int        `json:"completed_total"`
	AvgDuration          float64    `json:"avg_duration"`
	CertificationExpires *time.Time `json:"certification_expires"`
	PendingReview        bool       `json:"pending_review"`
}

type Option func(*Guardian)

func WithClock(now func() time.Time) Option {
	return func(g *Guardian) {
		if now != nil {
			g.now = now
		}
	}
}

func WithRecorder(r SessionRecorder) Option {
	return func(g *Guardian) { g.recorder = r }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(g *Guardian) { g.log = logging.OrDiscard(log) }
}

type Guardian struct {
	mu        sync.RWMutex
	certs     Certificates
	active    map[string]*Session
	completed []Session
	recorder  SessionRecorder
	now       func() time.Time
	log       logrus.FieldLogger
}

func New(certs Certificates, opts ...Option) *Guardian {
	g := &Guardian{
		certs:  certs,
		active: map[string]*Session{},
		now:    time.Now,
		log:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SessionStart admits a session for a certified identity. A session id that
// is already active is refused without error.
func (g *Guardian) SessionStart(_ context.Context, identity, sessionID string, metadata map[string]any) (Permission, error) {
	now := g.now()
	cert, ok := g.certs.Get(identity)
	if !ok {
		return Permission{}, fmt.Errorf("%w: agent '%s'", ErrNotCertified, identity)
	}
	if cert.Expired(now) {
		return Permission{}, fmt.Errorf("%w: certificate for '%s' expired on %s",
			ErrCertificationExpired, identity, cert.ExpiresAt.Format(time.RFC3339))
	}

	g.mu.Lock()
	if _, exists := g.active[sessionID]; exists {
		g.mu.Unlock()
		reason := fmt.Sprintf("Session %s is already active.", sessionID)
		g.log.WithFields(logrus.Fields{"identity": identity, "session": sessionID}).Warn(reason)
		return Permission{Allowed: false, Reason: reason}, nil
	}
	g.active[sessionID] = &Session{
		ID:       sessionID,
		Identity: identity,
		Start:    now,
		Status:   StatusActive,
		Metadata: metadata,
	}
	g.mu.Unlock()
	g.log.WithFields(logrus.Fields{"identity": identity, "session": sessionID}).Info("session started")
	return Permission{Allowed: true}, nil
}

// SessionEnd completes an active session. Unknown ids are logged and ignored.
func (g *Guardian) SessionEnd(ctx context.Context, sessionID, outputRef string) {
	end := g.now()
	g.mu.Lock()
	s, ok := g.active[sessionID]
	if !ok {
		g.mu.Unlock()
		g.log.WithField("session", sessionID).Warn("session end for unknown session")
		return
	}
	delete(g.active, sessionID)
	s.End = &end
	s.Status = StatusCompleted
	s.Duration = round2(end.Sub(s.Start).Seconds())
	s.OutputRef = outputRef
	done := *s
	g.completed = append(g.completed, done)
	g.mu.Unlock()

	g.log.WithFields(logrus.Fields{
		"identity": done.Identity,
		"session":  sessionID,
		"duration": done.Duration,
	}).Info("session completed")
	if g.recorder != nil {
		if err := g.recorder.RecordSession(ctx, done); err != nil {
			g.log.WithError(err).WithField("session", sessionID).Warn("record session failed")
		}
	}
}

// Stats summarises one identity, or every certified identity when identity
// is empty.
func (g *Guardian) Stats(identity string) map[string]Stats {
	ids := []string{identity}
	if identity == "" {
		ids = g.certs.Identities()
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]Stats, len(ids))
	for _, id := range ids {
		var st Stats
		for _, s := range g.active {
			if s.Identity == id {
				st.ActiveSessions++
			}
		}
		total := 0.0
		for _, s := range g.completed {
			if s.Identity == id {
				st.CompletedTotal++
				total += s.Duration
			}
		}
		if st.CompletedTotal > 0 {
			st.AvgDuration = round2(total / float64(st.CompletedTotal))
		}
		if cert, ok := g.certs.Get(id); ok {
			exp := cert.ExpiresAt
			st.CertificationExpires = &exp
		}
		_, st.PendingReview = g.certs.Review(id)
		out[id] = st
	}
	return out
}

// Active lists the active sessions ordered by start.
func (g *Guardian) Active() []Session {
	g.mu.RLock()
	out := make([]Session, 0, len(g.active))
	for _, s := range g.active {
		out = append(out, *s)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// PruneCompleted forgets completed sessions that ended before the cutoff
// and returns how many were dropped.
func (g *Guardian) PruneCompleted(before time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.completed[:0]
	for _, s := range g.completed {
		if s.End != nil && s.End.Before(before) {
			continue
		}
		kept = append(kept, s)
	}
	dropped := len(g.completed) - len(kept)
	for i := len(kept); i < len(g.completed); i++ {
		g.completed[i] = Session{}
	}
	g.completed = kept
	return dropped
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
