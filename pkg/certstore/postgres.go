package certstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type certDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresBackend stores certificates in agent_certificates and review
// flags in certificate_reviews.
type PostgresBackend struct {
	DB certDB
}

func NewPostgresBackend(db certDB) *PostgresBackend {
	return &PostgresBackend{DB: db}
}

func (p *PostgresBackend) Save(ctx context.Context, c Certificate) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO agent_certificates (agent_name, issued_at, expires_at, signature, version)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (agent_name) DO UPDATE
		SET issued_at=EXCLUDED.issued_at, expires_at=EXCLUDED.expires_at,
		    signature=EXCLUDED.signature, version=EXCLUDED.version
	`, c.AgentName, c.IssuedAt, c.ExpiresAt, c.Signature, c.Version)
	return err
}

func (p *PostgresBackend) LoadAll(ctx context.Context) ([]Certificate, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT agent_name, issued_at, expires_at, signature, version
		FROM agent_certificates ORDER BY agent_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Certificate
	for rows.Next() {
		var c Certificate
		if err := rows.Scan(&c.AgentName, &c.IssuedAt, &c.ExpiresAt, &c.Signature, &c.Version); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) SaveReview(ctx context.Context, r Review) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO certificate_reviews (agent_name, flagged_at, reason, score)
		VALUES ($1,$2,$3,$4)
	`, r.AgentName, r.FlaggedAt, r.Reason, r.Score)
	return err
}

func (p *PostgresBackend) DeleteReview(ctx context.Context, agent string) error {
	_, err := p.DB.Exec(ctx, `DELETE FROM certificate_reviews WHERE agent_name=$1`, agent)
	return err
}

func (p *PostgresBackend) Reviews(ctx context.Context) ([]Review, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT agent_name, flagged_at, reason, score
		FROM certificate_reviews ORDER BY flagged_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Review
	for rows.Next() {
		var r Review
		if err := rows.Scan(&r.AgentName, &r.FlaggedAt, &r.Reason, &r.Score); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
