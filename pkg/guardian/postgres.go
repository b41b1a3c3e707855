package guardian

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type sessionDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRecorder writes completed sessions to agent_sessions.
type PostgresRecorder struct {
	DB sessionDB
}

func (p *PostgresRecorder) RecordSession(ctx context.Context, s Session) error {
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return err
	}
	_, err = p.DB.Exec(ctx, `
		INSERT INTO agent_sessions (session_id, ghost_id, started_at, ended_at, duration_sec, output_file, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_id, started_at) DO NOTHING
	`, s.ID, s.Identity, s.Start, s.End, s.Duration, s.OutputRef, meta)
	return err
}

// Prune deletes recorded sessions that ended before the cutoff.
func (p *PostgresRecorder) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.DB.Exec(ctx, `DELETE FROM agent_sessions WHERE ended_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
