package shadow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type shadowDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists entries to routing_audit.
type PostgresStore struct {
	DB shadowDB
}

func (s *PostgresStore) Insert(ctx context.Context, e Entry) error {
	telemetry, err := json.Marshal(e.Telemetry)
	if err != nil {
		return err
	}
	decision, err := json.Marshal(e.Decision)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO routing_audit
		(request_id, timestamp, complexity_estimated, telemetry_snapshot, routing_decision)
		VALUES ($1,$2,$3,$4,$5)
	`, e.RequestID, e.Timestamp, e.Complexity, json.RawMessage(telemetry), json.RawMessage(decision))
	return err
}

func (s *PostgresStore) Update(ctx context.Context, e Entry) error {
	perf, err := json.Marshal(e.Performance)
	if err != nil {
		return err
	}
	dev, err := json.Marshal(e.Deviation)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		UPDATE routing_audit SET actual_performance=$2, deviation=$3 WHERE request_id=$1
	`, e.RequestID, json.RawMessage(perf), json.RawMessage(dev))
	return err
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.DB.Exec(ctx, `DELETE FROM routing_audit WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
