package intent

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

	seq, err := store.NextSequence(ctx)
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	next, _ := store.NextSequence(ctx)
	if next <= seq {
		t.Fatalf("sequence must increase: %d then %d", seq, next)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	in := &Intent{
		User:          common.HexToAddress("0xfeed"),
		TargetID:      big.NewInt(3),
		Instrument:    common.HexToAddress("0xbeef"),
		DepositAmount: big.NewInt(1000),
		MinUnits:      big.NewInt(10),
		Deadline:      now.Add(-time.Minute),
		CreatedAt:     now.Add(-time.Hour),
		Sequence:      seq,
		Status:        StatusPending,
	}
	in.ID = DeriveID(in.User, in.TargetID, in.DepositAmount, in.MinUnits, in.Deadline, seq)
	if err := store.Put(ctx, in); err != nil {
		t.Fatalf("put: %v", err)
	}
	defer store.Delete(ctx, in.ID)

	expired, err := store.ListExpired(ctx, now, 1000)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	found := false
	for _, e := range expired {
		if e.ID == in.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("pending intent past deadline not listed")
	}

	owed := in.Clone()
	owed.Status = StatusDisbursing
	owed.UnitsDelivered = big.NewInt(10)
	owed.Cost = big.NewInt(900)
	owed.Refund = big.NewInt(100)
	owed.UnitsSent = true
	if err := store.Put(ctx, owed); err != nil {
		t.Fatalf("put disbursing: %v", err)
	}
	got, err := store.Get(ctx, in.ID)
	if err != nil {
		t.Fatalf("get disbursing: %v", err)
	}
	if got.Status != StatusDisbursing || !got.UnitsSent || got.RefundSent {
		t.Fatalf("delivery flags not persisted: %#v", got)
	}

	done := owed.Clone()
	done.Status = StatusExecuted
	done.RefundSent = true
	done.UnitsDelivered = big.NewInt(10)
	done.Cost = big.NewInt(900)
	done.Refund = big.NewInt(100)
	done.CompletedAt = now
	if err := store.Put(ctx, done); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = store.Get(ctx, in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Status != StatusExecuted || got.Refund.Int64() != 100 || got.Cost.Int64() != 900 {
		t.Fatalf("unexpected intent %#v", got)
	}
}
