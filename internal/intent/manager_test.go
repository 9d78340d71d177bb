package intent

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"powerhorse/internal/audit"
	"powerhorse/internal/domain"
	"powerhorse/internal/logging"
	"powerhorse/internal/market"
)

var (
	depositor = common.HexToAddress("0xde9051")
	executor  = common.HexToAddress("0xe8ec")
	admin     = common.HexToAddress("0xad")
	stranger  = common.HexToAddress("0x5a")
	horse     = common.HexToAddress("0x4045e")
	usdc      = common.HexToAddress("0x05dc")
	horseID   = big.NewInt(7)
)

type stubRoles struct{}

func (stubRoles) IsExecutorOrAdmin(a common.Address) bool { return a == executor || a == admin }
func (stubRoles) IsAdmin(a common.Address) bool           { return a == admin }

type move struct {
	asset  common.Address
	to     common.Address
	amount int64
}

// stubMarket prices every unit at perUnit unless fixedQuote is set.
type stubMarket struct {
	perUnit      int64
	fixedQuote   int64
	deliverShort int64
	terminal     bool
	purchaseErr  error
	collectErr   error
	// failDisburse fails that many transfers of the keyed asset, then succeeds.
	failDisburse map[common.Address]int
	collected    []move
	disbursed    []move
	purchases    int
}

func (s *stubMarket) cost(q *big.Int) *big.Int {
	if s.fixedQuote > 0 {
		return big.NewInt(s.fixedQuote)
	}
	return new(big.Int).Mul(q, big.NewInt(s.perUnit))
}

func (s *stubMarket) QuoteCost(_ context.Context, _ common.Address, q *big.Int) (market.Quote, error) {
	return market.Quote{Base: s.cost(q)}, nil
}

func (s *stubMarket) IsTerminal(context.Context, common.Address) (bool, error) { return s.terminal, nil }

func (s *stubMarket) UnitPrice(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(s.perUnit), nil
}

func (s *stubMarket) Purchase(_ context.Context, order market.PurchaseOrder) (market.Fill, error) {
	s.purchases++
	if s.purchaseErr != nil {
		return market.Fill{}, s.purchaseErr
	}
	units := new(big.Int).Sub(order.Quantity, big.NewInt(s.deliverShort))
	return market.Fill{Units: units, Cost: s.cost(order.Quantity)}, nil
}

func (s *stubMarket) Resolve(_ context.Context, id *big.Int) (common.Address, error) {
	if id.Cmp(horseID) != 0 {
		return common.Address{}, market.ErrUnknownInstrument
	}
	return horse, nil
}

func (s *stubMarket) IsRegistered(_ context.Context, id *big.Int) (bool, error) {
	return id.Cmp(horseID) == 0, nil
}

func (s *stubMarket) Collect(_ context.Context, asset, from common.Address, amount *big.Int) error {
	if s.collectErr != nil {
		return s.collectErr
	}
	s.collected = append(s.collected, move{asset, from, amount.Int64()})
	return nil
}

func (s *stubMarket) Disburse(_ context.Context, asset, to common.Address, amount *big.Int) error {
	if s.failDisburse[asset] > 0 {
		s.failDisburse[asset]--
		return errors.New("transfer reverted")
	}
	s.disbursed = append(s.disbursed, move{asset, to, amount.Int64()})
	return nil
}

type fixture struct {
	mgr    *Manager
	market *stubMarket
	store  *MemoryStore
	events *audit.Recorder
	now    time.Time
}

func newFixture(t *testing.T, sizer Sizer) *fixture {
	t.Helper()
	f := &fixture{
		market: &stubMarket{perUnit: 5},
		store:  NewMemoryStore(),
		events: &audit.Recorder{},
		now:    time.Unix(1_700_000_000, 0),
	}
	f.mgr = NewManager(Config{
		MinDeposit: big.NewInt(10),
		Asset:      usdc,
		Sizer:      sizer,
		Now:        func() time.Time { return f.now },
	}, Deps{
		Store:    f.store,
		Pricing:  f.market,
		Registry: f.market,
		Treasury: f.market,
		Roles:    stubRoles{},
		Events:   f.events,
		Log:      logging.Discard(),
	})
	return f
}

func (f *fixture) create(t *testing.T, deposit, minUnits int64, window time.Duration) *Intent {
	t.Helper()
	in, err := f.mgr.Create(context.Background(), CreateRequest{
		User:          depositor,
		TargetID:      horseID,
		DepositAmount: big.NewInt(deposit),
		MinUnits:      big.NewInt(minUnits),
		Deadline:      f.now.Add(window),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return in
}

func TestCreateValidation(t *testing.T) {
	base := func() CreateRequest {
		return CreateRequest{
			User:          depositor,
			TargetID:      horseID,
			DepositAmount: big.NewInt(1000),
			MinUnits:      big.NewInt(100),
		}
	}
	tests := []struct {
		name    string
		mutate  func(f *fixture, r *CreateRequest)
		wantErr error
	}{
		{"below minimum", func(_ *fixture, r *CreateRequest) { r.DepositAmount = big.NewInt(9) }, domain.ErrBelowMinimum},
		{"zero min units", func(_ *fixture, r *CreateRequest) { r.MinUnits = big.NewInt(0) }, domain.ErrZeroMinUnits},
		{"deadline now", func(f *fixture, r *CreateRequest) { r.Deadline = f.now }, domain.ErrDeadlineTooSoon},
		{"deadline too far", func(f *fixture, r *CreateRequest) { r.Deadline = f.now.Add(24*time.Hour + time.Second) }, domain.ErrDeadlineTooFar},
		{"unknown target", func(_ *fixture, r *CreateRequest) { r.TargetID = big.NewInt(99) }, domain.ErrUnknownTarget},
		{"graduated", func(f *fixture, _ *CreateRequest) { f.market.terminal = true }, domain.ErrTerminalInstrument},
		{"value on token deposit", func(_ *fixture, r *CreateRequest) { r.Value = big.NewInt(1000) }, domain.ErrAmountMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			req := base()
			req.Deadline = f.now.Add(time.Hour)
			tt.mutate(f, &req)
			if _, err := f.mgr.Create(context.Background(), req); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if len(f.market.collected) != 0 {
				t.Fatalf("deposit collected on rejection")
			}
		})
	}
}

func TestCreateAcceptsMaxWindow(t *testing.T) {
	f := newFixture(t, nil)
	in := f.create(t, 1000, 100, 24*time.Hour)
	if in.Instrument != horse || in.Status != StatusPending || in.Sequence != 1 {
		t.Fatalf("unexpected intent %+v", in)
	}
	if len(f.market.collected) != 1 || f.market.collected[0] != (move{usdc, depositor, 1000}) {
		t.Fatalf("deposit not collected: %+v", f.market.collected)
	}
}

func TestCreateDerivesDistinctIDs(t *testing.T) {
	f := newFixture(t, nil)
	a := f.create(t, 1000, 100, time.Hour)
	b := f.create(t, 1000, 100, time.Hour)
	if a.ID == b.ID {
		t.Fatalf("identical requests must get distinct ids")
	}
	want := DeriveID(depositor, horseID, big.NewInt(1000), big.NewInt(100), f.now.Add(time.Hour), a.Sequence)
	if a.ID != want {
		t.Fatalf("id %s, want %s", a.ID.Hex(), want.Hex())
	}
}

func TestCreateSerialisesPerDepositor(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	release, err := f.mgr.guard.Acquire(ctx, userGuardKey(depositor))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	req := CreateRequest{
		User: depositor, TargetID: horseID, DepositAmount: big.NewInt(1000),
		MinUnits: big.NewInt(100), Deadline: f.now.Add(time.Hour),
	}
	if _, err := f.mgr.Create(ctx, req); !errors.Is(err, domain.ErrReentrant) {
		t.Fatalf("expected reentrant, got %v", err)
	}
	if len(f.market.collected) != 0 || len(f.store.data) != 0 {
		t.Fatalf("nothing may be collected while the depositor is busy")
	}

	other := req
	other.User = stranger
	if _, err := f.mgr.Create(ctx, other); err != nil {
		t.Fatalf("other depositors are not blocked: %v", err)
	}
	release()
	if _, err := f.mgr.Create(ctx, req); err != nil {
		t.Fatalf("create after release: %v", err)
	}
}

func TestCreateRollsBackOnCollectFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.market.collectErr = errors.New("allowance too low")
	_, err := f.mgr.Create(context.Background(), CreateRequest{
		User: depositor, TargetID: horseID, DepositAmount: big.NewInt(1000),
		MinUnits: big.NewInt(100), Deadline: f.now.Add(time.Hour),
	})
	if !errors.Is(err, domain.ErrExternalCall) {
		t.Fatalf("expected external failure, got %v", err)
	}
	if len(f.store.data) != 0 {
		t.Fatalf("intent left behind after failed collect")
	}
}

// Scenario C.
func TestExecuteRefundsUnusedDeposit(t *testing.T) {
	f := newFixture(t, nil)
	in := f.create(t, 1000, 100, time.Hour)
	f.market.fixedQuote = 950

	got, err := f.mgr.Execute(context.Background(), executor, in.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != StatusExecuted || got.Refund.Int64() != 50 || got.UnitsDelivered.Int64() != 100 {
		t.Fatalf("unexpected result %+v", got)
	}
	want := []move{{horse, depositor, 100}, {usdc, depositor, 50}}
	if len(f.market.disbursed) != 2 || f.market.disbursed[0] != want[0] || f.market.disbursed[1] != want[1] {
		t.Fatalf("unexpected disbursements %+v", f.market.disbursed)
	}
	if done, _ := f.mgr.IsCompleted(context.Background(), in.ID); !done {
		t.Fatalf("intent not completed")
	}

	if _, err := f.mgr.Execute(context.Background(), executor, in.ID); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("second execute should fail, got %v", err)
	}
	if _, err := f.mgr.Cancel(context.Background(), admin, in.ID); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("cancel after execute should fail, got %v", err)
	}
}

func TestExecuteExactCostSkipsRefund(t *testing.T) {
	f := newFixture(t, nil)
	in := f.create(t, 500, 100, time.Hour)
	if _, err := f.mgr.Execute(context.Background(), admin, in.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(f.market.disbursed) != 1 {
		t.Fatalf("zero refund must not transfer: %+v", f.market.disbursed)
	}
}

func TestExecuteGuards(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.create(t, 1000, 100, time.Hour)

	if _, err := f.mgr.Execute(ctx, stranger, in.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.mgr.Execute(ctx, executor, common.HexToHash("0x01")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	f.market.fixedQuote = 1001
	if _, err := f.mgr.Execute(ctx, executor, in.ID); !errors.Is(err, domain.ErrQuoteExceedsEscrow) {
		t.Fatalf("expected quote exceeds escrow, got %v", err)
	}
	if f.market.purchases != 0 {
		t.Fatalf("no purchase when the quote is too high")
	}

	f.market.fixedQuote = 0
	f.now = f.now.Add(time.Hour + time.Second)
	if _, err := f.mgr.Execute(ctx, executor, in.ID); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestExecuteHoldsUnderDeliveredPurchase(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.create(t, 1000, 100, time.Hour)
	f.market.deliverShort = 1

	if _, err := f.mgr.Execute(ctx, executor, in.ID); !errors.Is(err, domain.ErrUnderDelivered) {
		t.Fatalf("expected under delivered, got %v", err)
	}
	got, _ := f.mgr.Get(ctx, in.ID)
	if got.Status != StatusDisbursing || got.UnitsDelivered.Int64() != 99 || got.Refund.Int64() != 500 {
		t.Fatalf("purchase must be recorded as owed, got %+v", got)
	}
	if kinds := f.events.Kinds(); kinds[len(kinds)-1] != audit.KindDisbursalOwed {
		t.Fatalf("expected owed event, got %v", kinds)
	}
	if len(f.market.disbursed) != 0 {
		t.Fatalf("nothing should be disbursed yet")
	}
	if _, err := f.mgr.Cancel(ctx, admin, in.ID); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("spent deposit must not be refunded in full, got %v", err)
	}

	// an operator resumes; the bought units and the unused deposit go out
	done, err := f.mgr.Execute(ctx, admin, in.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if f.market.purchases != 1 {
		t.Fatalf("resume must not buy again, purchases=%d", f.market.purchases)
	}
	want := []move{{horse, depositor, 99}, {usdc, depositor, 500}}
	if done.Status != StatusExecuted || len(f.market.disbursed) != 2 ||
		f.market.disbursed[0] != want[0] || f.market.disbursed[1] != want[1] {
		t.Fatalf("unexpected payout %+v %+v", done, f.market.disbursed)
	}
}

func TestExecuteResumesFailedDelivery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.create(t, 1000, 100, time.Hour)
	f.market.fixedQuote = 950
	f.market.failDisburse = map[common.Address]int{horse: 1}

	if _, err := f.mgr.Execute(ctx, executor, in.ID); !errors.Is(err, domain.ErrExternalCall) {
		t.Fatalf("expected external failure, got %v", err)
	}
	got, _ := f.mgr.Get(ctx, in.ID)
	if got.Status != StatusDisbursing || got.UnitsSent || got.RefundSent {
		t.Fatalf("expected owed intent, got %+v", got)
	}
	if _, err := f.mgr.Cancel(ctx, admin, in.ID); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("cancel of a spent deposit should fail, got %v", err)
	}
	if expired, _ := f.mgr.ListExpired(ctx, f.now.Add(2*time.Hour), 10); len(expired) != 0 {
		t.Fatalf("owed intent must not be refunded by the sweep: %+v", expired)
	}

	done, err := f.mgr.Execute(ctx, executor, in.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if f.market.purchases != 1 {
		t.Fatalf("resume must not buy again, purchases=%d", f.market.purchases)
	}
	want := []move{{horse, depositor, 100}, {usdc, depositor, 50}}
	if len(f.market.disbursed) != 2 || f.market.disbursed[0] != want[0] || f.market.disbursed[1] != want[1] {
		t.Fatalf("each payout must go out once: %+v", f.market.disbursed)
	}
	if done.Status != StatusExecuted || !done.UnitsSent || !done.RefundSent {
		t.Fatalf("unexpected result %+v", done)
	}
	if _, err := f.mgr.Execute(ctx, executor, in.ID); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("expected already completed, got %v", err)
	}
}

func TestExecuteResumeSkipsDeliveredUnits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.create(t, 1000, 100, time.Hour)
	f.market.fixedQuote = 950
	f.market.failDisburse = map[common.Address]int{usdc: 1}

	if _, err := f.mgr.Execute(ctx, executor, in.ID); !errors.Is(err, domain.ErrExternalCall) {
		t.Fatalf("expected external failure, got %v", err)
	}
	got, _ := f.mgr.Get(ctx, in.ID)
	if !got.UnitsSent || got.RefundSent {
		t.Fatalf("units sent, refund owed expected, got %+v", got)
	}

	if _, err := f.mgr.Execute(ctx, executor, in.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	want := []move{{horse, depositor, 100}, {usdc, depositor, 50}}
	if len(f.market.disbursed) != 2 || f.market.disbursed[0] != want[0] || f.market.disbursed[1] != want[1] {
		t.Fatalf("units must not be sent twice: %+v", f.market.disbursed)
	}
}

func TestExecuteRollsBackOnPurchaseFailure(t *testing.T) {
	f := newFixture(t, nil)
	in := f.create(t, 1000, 100, time.Hour)
	f.market.purchaseErr = errors.New("reverted")

	if _, err := f.mgr.Execute(context.Background(), executor, in.ID); !errors.Is(err, domain.ErrExternalCall) {
		t.Fatalf("expected external failure, got %v", err)
	}
	f.market.purchaseErr = nil
	if _, err := f.mgr.Execute(context.Background(), executor, in.ID); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
}

// Scenario D.
func TestCancelByDepositorAfterDeadline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.create(t, 1000, 100, 10*time.Second)

	f.now = f.now.Add(10 * time.Second)
	if _, err := f.mgr.Cancel(ctx, depositor, in.ID); !errors.Is(err, domain.ErrNotYetExpired) {
		t.Fatalf("expected not yet expired, got %v", err)
	}
	if _, err := f.mgr.Cancel(ctx, stranger, in.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	f.now = f.now.Add(time.Second)
	got, err := f.mgr.Cancel(ctx, depositor, in.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled || got.Refund.Int64() != 1000 {
		t.Fatalf("unexpected result %+v", got)
	}
	if len(f.market.disbursed) != 1 || f.market.disbursed[0] != (move{usdc, depositor, 1000}) {
		t.Fatalf("unexpected refund %+v", f.market.disbursed)
	}
	if _, err := f.mgr.Execute(ctx, executor, in.ID); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("execute after cancel should fail, got %v", err)
	}
}

func TestAdminCancelsAnytime(t *testing.T) {
	f := newFixture(t, nil)
	in := f.create(t, 1000, 100, time.Hour)
	if _, err := f.mgr.Cancel(context.Background(), admin, in.ID); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if _, err := f.mgr.Cancel(context.Background(), admin, in.ID); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("second cancel should fail, got %v", err)
	}
}

func TestCancelChecksCallerBeforeState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.create(t, 1000, 100, time.Hour)
	if _, err := f.mgr.Execute(ctx, executor, in.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if _, err := f.mgr.Cancel(ctx, stranger, in.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("stranger must be rejected before state is revealed, got %v", err)
	}
	if _, err := f.mgr.Cancel(ctx, depositor, in.ID); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("depositor should see already completed, got %v", err)
	}
	if _, err := f.mgr.Cancel(ctx, stranger, common.HexToHash("0x01")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListExpired(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	short := f.create(t, 1000, 100, time.Minute)
	f.create(t, 1000, 100, time.Hour)
	done := f.create(t, 1000, 100, time.Minute)
	if _, err := f.mgr.Cancel(ctx, admin, done.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	expired, err := f.mgr.ListExpired(ctx, f.now.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != short.ID {
		t.Fatalf("unexpected expired set %+v", expired)
	}
}

func TestBudgetSizerBuysLargestAffordable(t *testing.T) {
	f := newFixture(t, BudgetSizer{})
	in := f.create(t, 1003, 100, time.Hour)

	got, err := f.mgr.Execute(context.Background(), executor, in.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// 200 units at 5 each fit, 201 do not
	if got.UnitsDelivered.Int64() != 200 || got.Refund.Int64() != 3 {
		t.Fatalf("unexpected result units=%s refund=%s", got.UnitsDelivered, got.Refund)
	}
}

func TestBudgetSizerRespectsCap(t *testing.T) {
	m := &stubMarket{perUnit: 1}
	in := &Intent{DepositAmount: big.NewInt(1_000_000), MinUnits: big.NewInt(3)}
	q, err := BudgetSizer{MaxUnits: big.NewInt(50)}.Size(context.Background(), m, horse, in)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if q.Int64() != 50 {
		t.Fatalf("expected cap of 50, got %s", q)
	}

	m.perUnit = 1_000_000
	q, _ = BudgetSizer{}.Size(context.Background(), m, horse, in)
	if q.Int64() != 3 {
		t.Fatalf("unaffordable intent should size to min units, got %s", q)
	}
}
