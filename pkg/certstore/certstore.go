// Package certstore persists unit certifications and the quality-review
// flags raised against them.
package certstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gravitas/pkg/logging"
)

const CurrentVersion = "1.0"

var (
	ErrNotFound        = errors.New("certificate not found")
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrInvalidCert     = errors.New("invalid certificate")
)

type Certificate struct {
	AgentName string    `json:"agent_name"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Signature string    `json:"signature"`
	Version   string    `json:"version"`
}

// Expired reports whether now is strictly past the expiry.
func (c Certificate) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

func (c Certificate) Validate() error {
	if err := ValidateIdentity(c.AgentName); err != nil {
		return err
	}
	if !c.ExpiresAt.After(c.IssuedAt) {
		return fmt.Errorf("%w: expires_at must be after issued_at", ErrInvalidCert)
	}
	if strings.TrimSpace(c.Signature) == "" {
		return fmt.Errorf("%w: empty signature", ErrInvalidCert)
	}
	return nil
}

// Review is a quality flag. It lives beside the certificate and never
// alters it.
type Review struct {
	AgentName string    `json:"agent_name"`
	FlaggedAt time.Time `json:"flagged_at"`
	Reason    string    `json:"reason"`
	Score     int       `json:"score"`
}

// Backend is the durable side of the table.
type Backend interface {
	Save(ctx context.Context, cert Certificate) error
	LoadAll(ctx context.Context) ([]Certificate, error)
	SaveReview(ctx context.Context, r Review) error
	DeleteReview(ctx context.Context, agent string) error
	Reviews(ctx context.Context) ([]Review, error)
}

func ValidateIdentity(id string) error {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, id)
	}
	return nil
}

// Table is the in-memory view of all certificates, kept in step with its
// backend. Reads never touch the backend.
type Table struct {
	mu      sync.RWMutex
	backend Backend
	certs   map[string]Certificate
	reviews map[string]Review
	log     logrus.FieldLogger
}

func NewTable(backend Backend, log logrus.FieldLogger) *Table {
	return &Table{
		backend: backend,
		certs:   map[string]Certificate{},
		reviews: map[string]Review{},
		log:     logging.OrDiscard(log),
	}
}

// Reload replaces the in-memory view with the backend's content.
func (t *Table) Reload(ctx context.Context) error {
	if t.backend == nil {
		return nil
	}
	certs, err := t.backend.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load certificates: %w", err)
	}
	reviews, err := t.backend.Reviews(ctx)
	if err != nil {
		return fmt.Errorf("load reviews: %w", err)
	}
	nextCerts := make(map[string]Certificate, len(certs))
	for _, c := range certs {
		nextCerts[c.AgentName] = c
	}
	nextReviews := make(map[string]Review, len(reviews))
	for _, r := range reviews {
		if prev, ok := nextReviews[r.AgentName]; !ok || r.FlaggedAt.After(prev.FlaggedAt) {
			nextReviews[r.AgentName] = r
		}
	}
	t.mu.Lock()
	t.certs = nextCerts
	t.reviews = nextReviews
	t.mu.Unlock()
	t.log.WithField("certificates", len(nextCerts)).Info("certificates loaded")
	return nil
}

// Put persists cert, then replaces the identity's entry. A recertified
// identity loses its pending review.
func (t *Table) Put(ctx context.Context, cert Certificate) error {
	if err := cert.Validate(); err != nil {
		return err
	}
	if t.backend != nil {
		if err := t.backend.Save(ctx, cert); err != nil {
			return fmt.Errorf("save certificate: %w", err)
		}
	}
	t.mu.Lock()
	t.certs[cert.AgentName] = cert
	_, hadReview := t.reviews[cert.AgentName]
	delete(t.reviews, cert.AgentName)
	t.mu.Unlock()
	if hadReview && t.backend != nil {
		if err := t.backend.DeleteReview(ctx, cert.AgentName); err != nil {
			t.log.WithError(err).WithField("identity", cert.AgentName).Warn("clear review failed")
		}
	}
	return nil
}

func (t *Table) Get(agent string) (Certificate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.certs[agent]
	return c, ok
}

// List returns certificates ordered by identity.
func (t *Table) List() []Certificate {
	t.mu.RLock()
	out := make([]Certificate, 0, len(t.certs))
	for _, c := range t.certs {
		out = append(out, c)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentName < out[j].AgentName })
	return out
}

func (t *Table) Identities() []string {
	certs := t.List()
	out := make([]string, len(certs))
	for i, c := range certs {
		out[i] = c.AgentName
	}
	return out
}

// Flag records a pending review for a certified identity.
func (t *Table) Flag(ctx context.Context, r Review) error {
	if _, ok := t.Get(r.AgentName); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, r.AgentName)
	}
	if t.backend != nil {
		if err := t.backend.SaveReview(ctx, r); err != nil {
			return fmt.Errorf("save review: %w", err)
		}
	}
	t.mu.Lock()
	t.reviews[r.AgentName] = r
	t.mu.Unlock()
	return nil
}

func (t *Table) Review(agent string) (Review, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.reviews[agent]
	return r, ok
}

func (t *Table) PendingReviews() []Review {
	t.mu.RLock()
	out := make([]Review, 0, len(t.reviews))
	for _, r := range t.reviews {
		out = append(out, r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentName < out[j].AgentName })
	return out
}
