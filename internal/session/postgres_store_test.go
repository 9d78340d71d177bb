package session

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	store, err := NewPostgresStore(ctx, pool)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	huge, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	now := time.Now().UTC().Truncate(time.Microsecond)
	s := &Session{
		Owner:        common.HexToAddress("0xfeed"),
		Instrument:   common.HexToAddress("0xbeef"),
		LockedAmount: huge,
		OpenedAt:     now,
		Expiry:       now.Add(time.Hour),
		Status:       StatusOpen,
		Fill:         FillRecord{Amount: big.NewInt(5), CostBasis: big.NewInt(4), Nonce: 1},
		UpdatedAt:    now,
	}
	if err := store.Put(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}
	defer store.Delete(ctx, s.Key())

	got, err := store.Get(ctx, s.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.LockedAmount.Cmp(huge) != 0 || got.Fill.Nonce != 1 || !got.Active() {
		t.Fatalf("unexpected session: %#v", got)
	}
	if got.Payout != nil {
		t.Fatalf("open session has no payout: %#v", got.Payout)
	}

	settling := s.Clone()
	settling.Status = StatusSettling
	settling.Payout = &Payout{Units: big.NewInt(5), Cost: big.NewInt(4), Refund: big.NewInt(1), UnitsSent: true}
	if err := store.Put(ctx, settling); err != nil {
		t.Fatalf("put settling: %v", err)
	}
	got, err = store.Get(ctx, s.Key())
	if err != nil {
		t.Fatalf("get settling: %v", err)
	}
	if got.Status != StatusSettling || got.Payout == nil || got.Payout.Refund.Int64() != 1 ||
		!got.Payout.UnitsSent || got.Payout.RefundSent {
		t.Fatalf("payout not persisted: %#v", got.Payout)
	}

	if err := store.Delete(ctx, s.Key()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := store.Get(ctx, s.Key()); got != nil {
		t.Fatalf("expected nil after delete")
	}
}
