package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    key TEXT NOT NULL,
    actor TEXT NOT NULL,
    detail JSONB,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_log_key_idx ON audit_log (key, created_at);
`

// PostgresSink appends events to the audit_log table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, pool *pgxpool.Pool) (*PostgresSink, error) {
	if _, err := pool.Exec(ctx, createAuditTableSQL); err != nil {
		return nil, fmt.Errorf("postgres: create audit_log: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Record(ctx context.Context, ev Event) error {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO audit_log (id, kind, key, actor, detail, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, ev.ID, string(ev.Kind), ev.Key, ev.Actor, detail, ev.At)
	if err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", ev.Kind, err)
	}
	return nil
}

// ListByKey returns events for one session or intent key, oldest first.
func (s *PostgresSink) ListByKey(ctx context.Context, key string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, kind, key, actor, detail, created_at
FROM audit_log
WHERE key = $1
ORDER BY created_at ASC
LIMIT $2
`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind string
		var detail []byte
		if err := rows.Scan(&ev.ID, &kind, &ev.Key, &ev.Actor, &detail, &ev.At); err != nil {
			return nil, fmt.Errorf("postgres: scan audit event: %w", err)
		}
		ev.Kind = Kind(kind)
		if detail != nil {
			if err := json.Unmarshal(detail, &ev.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
