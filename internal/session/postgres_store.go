package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS trading_sessions (
    owner TEXT NOT NULL,
    instrument TEXT NOT NULL,
    medium TEXT NOT NULL,
    locked_amount NUMERIC(78,0) NOT NULL,
    opened_at TIMESTAMPTZ NOT NULL,
    expiry TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL,
    fill_amount NUMERIC(78,0) NOT NULL,
    fill_cost_basis NUMERIC(78,0) NOT NULL,
    fill_nonce BIGINT NOT NULL,
    payout_units NUMERIC(78,0),
    payout_cost NUMERIC(78,0),
    payout_refund NUMERIC(78,0),
    payout_units_sent BOOLEAN NOT NULL DEFAULT FALSE,
    payout_refund_sent BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (owner, instrument)
);
ALTER TABLE trading_sessions ADD COLUMN IF NOT EXISTS payout_units NUMERIC(78,0);
ALTER TABLE trading_sessions ADD COLUMN IF NOT EXISTS payout_cost NUMERIC(78,0);
ALTER TABLE trading_sessions ADD COLUMN IF NOT EXISTS payout_refund NUMERIC(78,0);
ALTER TABLE trading_sessions ADD COLUMN IF NOT EXISTS payout_units_sent BOOLEAN NOT NULL DEFAULT FALSE;
ALTER TABLE trading_sessions ADD COLUMN IF NOT EXISTS payout_refund_sent BOOLEAN NOT NULL DEFAULT FALSE;
`

// PostgresStore keeps one row per (owner, instrument).
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, createSessionsTableSQL); err != nil {
		return nil, fmt.Errorf("postgres: create trading_sessions: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Get(ctx context.Context, key Key) (*Session, error) {
	row := p.pool.QueryRow(ctx, `
SELECT owner, instrument, medium, locked_amount::text, opened_at, expiry, status,
       fill_amount::text, fill_cost_basis::text, fill_nonce,
       payout_units::text, payout_cost::text, payout_refund::text,
       payout_units_sent, payout_refund_sent, updated_at
FROM trading_sessions
WHERE owner = $1 AND instrument = $2
`, key.Owner.Hex(), key.Instrument.Hex())

	var (
		s                            Session
		owner, instrument, medium    string
		locked, fillAmount, fillCost string
		status                       string
		nonce                        int64
		units, cost, refund          *string
		unitsSent, refundSent        bool
	)
	err := row.Scan(&owner, &instrument, &medium, &locked, &s.OpenedAt, &s.Expiry, &status,
		&fillAmount, &fillCost, &nonce, &units, &cost, &refund, &unitsSent, &refundSent, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get session: %w", err)
	}

	s.Owner = common.HexToAddress(owner)
	s.Instrument = common.HexToAddress(instrument)
	s.Medium = common.HexToAddress(medium)
	s.Status = Status(status)
	s.Fill.Nonce = uint64(nonce)
	if s.LockedAmount, err = parseNumeric(locked); err != nil {
		return nil, err
	}
	if s.Fill.Amount, err = parseNumeric(fillAmount); err != nil {
		return nil, err
	}
	if s.Fill.CostBasis, err = parseNumeric(fillCost); err != nil {
		return nil, err
	}
	if units != nil && cost != nil && refund != nil {
		s.Payout = &Payout{UnitsSent: unitsSent, RefundSent: refundSent}
		if s.Payout.Units, err = parseNumeric(*units); err != nil {
			return nil, err
		}
		if s.Payout.Cost, err = parseNumeric(*cost); err != nil {
			return nil, err
		}
		if s.Payout.Refund, err = parseNumeric(*refund); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func (p *PostgresStore) Put(ctx context.Context, s *Session) error {
	var payout struct {
		units, cost, refund   *string
		unitsSent, refundSent bool
	}
	if s.Payout != nil {
		payout.units = numericText(s.Payout.Units)
		payout.cost = numericText(s.Payout.Cost)
		payout.refund = numericText(s.Payout.Refund)
		payout.unitsSent = s.Payout.UnitsSent
		payout.refundSent = s.Payout.RefundSent
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO trading_sessions (owner, instrument, medium, locked_amount, opened_at, expiry, status,
                              fill_amount, fill_cost_basis, fill_nonce, payout_units, payout_cost,
                              payout_refund, payout_units_sent, payout_refund_sent, updated_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8::numeric, $9::numeric, $10,
        $11::numeric, $12::numeric, $13::numeric, $14, $15, $16)
ON CONFLICT (owner, instrument) DO UPDATE
SET medium = EXCLUDED.medium,
    locked_amount = EXCLUDED.locked_amount,
    opened_at = EXCLUDED.opened_at,
    expiry = EXCLUDED.expiry,
    status = EXCLUDED.status,
    fill_amount = EXCLUDED.fill_amount,
    fill_cost_basis = EXCLUDED.fill_cost_basis,
    fill_nonce = EXCLUDED.fill_nonce,
    payout_units = EXCLUDED.payout_units,
    payout_cost = EXCLUDED.payout_cost,
    payout_refund = EXCLUDED.payout_refund,
    payout_units_sent = EXCLUDED.payout_units_sent,
    payout_refund_sent = EXCLUDED.payout_refund_sent,
    updated_at = EXCLUDED.updated_at
`, s.Owner.Hex(), s.Instrument.Hex(), s.Medium.Hex(), s.LockedAmount.String(), s.OpenedAt, s.Expiry,
		string(s.Status), s.Fill.Amount.String(), s.Fill.CostBasis.String(), int64(s.Fill.Nonce),
		payout.units, payout.cost, payout.refund, payout.unitsSent, payout.refundSent, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, key Key) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM trading_sessions WHERE owner = $1 AND instrument = $2`,
		key.Owner.Hex(), key.Instrument.Hex())
	if err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	return nil
}

func numericText(v *big.Int) *string {
	if v == nil {
		return nil
	}
	t := v.String()
	return &t
}

func parseNumeric(v string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: invalid numeric %q", v)
	}
	return n, nil
}
