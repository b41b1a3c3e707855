package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	eventColumns = `id, timestamp, ghost_id, shell_id, action, resource, result, reason, metadata`

	insertEventSQL = `INSERT INTO audit_log (` + eventColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	selectEventsSQL = `SELECT ` + eventColumns + ` FROM audit_log
WHERE ($1 = '' OR ghost_id = $1)
ORDER BY timestamp DESC, id DESC
LIMIT $2`
)

// PostgresStore persists events in the audit_log table. Redact swaps
// metadata values outside the safe set for salted digests before the
// row is written.
type PostgresStore struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

func (s *PostgresStore) Insert(ctx context.Context, ev Event) error {
	meta := ev.Metadata
	if s.Redact {
		meta = redactMetadata(meta, s.HashSalt)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("audit %s: encode metadata: %w", ev.ID, err)
	}
	if _, err := s.DB.Exec(ctx, insertEventSQL,
		ev.ID, ev.Timestamp, ev.Identity, ev.UnitID, ev.Action, ev.Resource, ev.Result, ev.Reason, json.RawMessage(raw),
	); err != nil {
		return fmt.Errorf("audit %s: insert: %w", ev.ID, err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, identity string, limit int) ([]Event, error) {
	rows, err := s.DB.Query(ctx, selectEventsSQL, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	return pgx.CollectRows(rows, scanEvent)
}

func scanEvent(row pgx.CollectableRow) (Event, error) {
	var (
		ev   Event
		meta []byte
	)
	if err := row.Scan(&ev.ID, &ev.Timestamp, &ev.Identity, &ev.UnitID, &ev.Action, &ev.Resource, &ev.Result, &ev.Reason, &meta); err != nil {
		return Event{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
			return Event{}, fmt.Errorf("audit %s: decode metadata: %w", ev.ID, err)
		}
	}
	return ev, nil
}

// DeleteBefore removes events older than before and reports how many went.
func (s *PostgresStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.DB.Exec(ctx, `DELETE FROM audit_log WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("audit prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
