package intent

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createIntentsTableSQL = `
CREATE SEQUENCE IF NOT EXISTS deposit_intent_seq;
CREATE TABLE IF NOT EXISTS deposit_intents (
    id TEXT PRIMARY KEY,
    user_address TEXT NOT NULL,
    target_id NUMERIC(78,0) NOT NULL,
    instrument TEXT NOT NULL,
    asset TEXT NOT NULL,
    deposit_amount NUMERIC(78,0) NOT NULL,
    min_units NUMERIC(78,0) NOT NULL,
    deadline TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    sequence BIGINT NOT NULL,
    status TEXT NOT NULL,
    units_delivered NUMERIC(78,0),
    cost NUMERIC(78,0),
    refund NUMERIC(78,0),
    units_sent BOOLEAN NOT NULL DEFAULT FALSE,
    refund_sent BOOLEAN NOT NULL DEFAULT FALSE,
    completed_at TIMESTAMPTZ
);
ALTER TABLE deposit_intents ADD COLUMN IF NOT EXISTS units_sent BOOLEAN NOT NULL DEFAULT FALSE;
ALTER TABLE deposit_intents ADD COLUMN IF NOT EXISTS refund_sent BOOLEAN NOT NULL DEFAULT FALSE;
CREATE INDEX IF NOT EXISTS deposit_intents_pending_deadline_idx
    ON deposit_intents (deadline) WHERE status = 'pending';
`

const selectIntentSQL = `
SELECT id, user_address, target_id::text, instrument, asset, deposit_amount::text, min_units::text,
       deadline, created_at, sequence, status, units_delivered::text, cost::text, refund::text,
       units_sent, refund_sent, completed_at
FROM deposit_intents
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, createIntentsTableSQL); err != nil {
		return nil, fmt.Errorf("postgres: create deposit_intents: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Get(ctx context.Context, id common.Hash) (*Intent, error) {
	row := p.pool.QueryRow(ctx, selectIntentSQL+`WHERE id = $1`, id.Hex())
	in, err := scanIntent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get intent: %w", err)
	}
	return in, nil
}

func (p *PostgresStore) Put(ctx context.Context, in *Intent) error {
	var completedAt *time.Time
	if !in.CompletedAt.IsZero() {
		completedAt = &in.CompletedAt
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO deposit_intents (id, user_address, target_id, instrument, asset, deposit_amount, min_units,
                             deadline, created_at, sequence, status, units_delivered, cost, refund,
                             units_sent, refund_sent, completed_at)
VALUES ($1, $2, $3::numeric, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11,
        $12::numeric, $13::numeric, $14::numeric, $15, $16, $17)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    units_delivered = EXCLUDED.units_delivered,
    cost = EXCLUDED.cost,
    refund = EXCLUDED.refund,
    units_sent = EXCLUDED.units_sent,
    refund_sent = EXCLUDED.refund_sent,
    completed_at = EXCLUDED.completed_at
`, in.ID.Hex(), in.User.Hex(), in.TargetID.String(), in.Instrument.Hex(), in.Asset.Hex(),
		in.DepositAmount.String(), in.MinUnits.String(), in.Deadline, in.CreatedAt, int64(in.Sequence),
		string(in.Status), optionalNumeric(in.UnitsDelivered), optionalNumeric(in.Cost),
		optionalNumeric(in.Refund), in.UnitsSent, in.RefundSent, completedAt)
	if err != nil {
		return fmt.Errorf("postgres: put intent: %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id common.Hash) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM deposit_intents WHERE id = $1`, id.Hex()); err != nil {
		return fmt.Errorf("postgres: delete intent: %w", err)
	}
	return nil
}

func (p *PostgresStore) NextSequence(ctx context.Context) (uint64, error) {
	var seq int64
	if err := p.pool.QueryRow(ctx, `SELECT nextval('deposit_intent_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("postgres: next intent sequence: %w", err)
	}
	return uint64(seq), nil
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Intent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, selectIntentSQL+`
WHERE status = 'pending' AND deadline < $1
ORDER BY sequence
LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired intents: %w", err)
	}
	defer rows.Close()

	var out []*Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan intent: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func scanIntent(row pgx.Row) (*Intent, error) {
	var (
		in                                  Intent
		id, user, instrument, asset, status string
		target, deposit, minUnits           string
		units, cost, refund                 *string
		sequence                            int64
		completedAt                         *time.Time
	)
	if err := row.Scan(&id, &user, &target, &instrument, &asset, &deposit, &minUnits,
		&in.Deadline, &in.CreatedAt, &sequence, &status, &units, &cost, &refund,
		&in.UnitsSent, &in.RefundSent, &completedAt); err != nil {
		return nil, err
	}

	in.ID = common.HexToHash(id)
	in.User = common.HexToAddress(user)
	in.Instrument = common.HexToAddress(instrument)
	in.Asset = common.HexToAddress(asset)
	in.Sequence = uint64(sequence)
	in.Status = Status(status)
	if completedAt != nil {
		in.CompletedAt = *completedAt
	}

	var err error
	if in.TargetID, err = parseNumeric(target); err != nil {
		return nil, err
	}
	if in.DepositAmount, err = parseNumeric(deposit); err != nil {
		return nil, err
	}
	if in.MinUnits, err = parseNumeric(minUnits); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src *string
		dst **big.Int
	}{{units, &in.UnitsDelivered}, {cost, &in.Cost}, {refund, &in.Refund}} {
		if f.src == nil {
			continue
		}
		if *f.dst, err = parseNumeric(*f.src); err != nil {
			return nil, err
		}
	}
	return &in, nil
}

func optionalNumeric(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseNumeric(v string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: invalid numeric %q", v)
	}
	return n, nil
}
