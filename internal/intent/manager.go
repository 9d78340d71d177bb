package intent

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"powerhorse/internal/audit"
	"powerhorse/internal/domain"
	"powerhorse/internal/guard"
	"powerhorse/internal/market"
)

const DefaultMaxWindow = 24 * time.Hour

type Config struct {
	MinDeposit *big.Int
	MaxWindow  time.Duration
	// Asset is the deposit currency; market.Native for the chain's coin.
	Asset          common.Address
	Sizer          Sizer
	PurchaseWindow time.Duration
	Now            func() time.Time
}

// Roles answers the two permission questions intents need.
type Roles interface {
	IsExecutorOrAdmin(addr common.Address) bool
	IsAdmin(addr common.Address) bool
}

type Deps struct {
	Store    Store
	Pricing  market.PricingSource
	Registry market.Registry
	Treasury market.Treasury
	Roles    Roles
	Guard    guard.Guard
	Events   audit.Sink
	Log      *logrus.Entry
}

type Manager struct {
	cfg      Config
	store    Store
	pricing  market.PricingSource
	registry market.Registry
	treasury market.Treasury
	roles    Roles
	guard    guard.Guard
	events   audit.Sink
	log      *logrus.Entry
}

func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.MinDeposit == nil {
		cfg.MinDeposit = big.NewInt(1)
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = DefaultMaxWindow
	}
	if cfg.Sizer == nil {
		cfg.Sizer = MinUnitsSizer{}
	}
	if cfg.PurchaseWindow <= 0 {
		cfg.PurchaseWindow = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Guard == nil {
		deps.Guard = guard.NewLocal()
	}
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		cfg:      cfg,
		store:    deps.Store,
		pricing:  deps.Pricing,
		registry: deps.Registry,
		treasury: deps.Treasury,
		roles:    deps.Roles,
		guard:    deps.Guard,
		events:   deps.Events,
		log:      deps.Log,
	}
}

// Create escrows the deposit and records a pending intent.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Intent, error) {
	if req.DepositAmount == nil || req.DepositAmount.Sign() < 0 || req.TargetID == nil || req.TargetID.Sign() < 0 {
		return nil, domain.ErrInvalidAmount
	}
	if req.DepositAmount.Cmp(m.cfg.MinDeposit) < 0 {
		return nil, domain.ErrBelowMinimum
	}
	if req.MinUnits == nil || req.MinUnits.Sign() <= 0 {
		return nil, domain.ErrZeroMinUnits
	}
	now := m.cfg.Now()
	if !req.Deadline.After(now) {
		return nil, domain.ErrDeadlineTooSoon
	}
	if req.Deadline.After(now.Add(m.cfg.MaxWindow)) {
		return nil, domain.ErrDeadlineTooFar
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	if m.cfg.Asset == market.Native {
		if value.Cmp(req.DepositAmount) != 0 {
			return nil, domain.ErrAmountMismatch
		}
	} else if value.Sign() != 0 {
		return nil, domain.ErrAmountMismatch
	}

	registered, err := m.registry.IsRegistered(ctx, req.TargetID)
	if err != nil {
		return nil, domain.External("is registered", err)
	}
	if !registered {
		return nil, domain.ErrUnknownTarget
	}
	instrument, err := m.registry.Resolve(ctx, req.TargetID)
	if err != nil {
		return nil, domain.External("resolve target", err)
	}
	terminal, err := m.pricing.IsTerminal(ctx, instrument)
	if err != nil {
		return nil, domain.External("is terminal", err)
	}
	if terminal {
		return nil, domain.ErrTerminalInstrument
	}

	release, err := m.guard.Acquire(ctx, userGuardKey(req.User))
	if err != nil {
		return nil, err
	}
	defer release()

	seq, err := m.store.NextSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}
	in := &Intent{
		ID:            DeriveID(req.User, req.TargetID, req.DepositAmount, req.MinUnits, req.Deadline, seq),
		User:          req.User,
		TargetID:      new(big.Int).Set(req.TargetID),
		Instrument:    instrument,
		Asset:         m.cfg.Asset,
		DepositAmount: new(big.Int).Set(req.DepositAmount),
		MinUnits:      new(big.Int).Set(req.MinUnits),
		Deadline:      req.Deadline,
		CreatedAt:     now,
		Sequence:      seq,
		Status:        StatusPending,
	}

	if err := m.store.Put(ctx, in); err != nil {
		return nil, fmt.Errorf("save intent: %w", err)
	}
	if err := m.treasury.Collect(ctx, in.Asset, in.User, in.DepositAmount); err != nil {
		m.restore(ctx, in.ID, nil)
		return nil, domain.External("collect deposit", err)
	}

	audit.Emit(ctx, m.events, m.log, audit.NewEvent(audit.KindIntentCreated, guardKey(in.ID), in.User, map[string]any{
		"targetId": in.TargetID.String(),
		"deposit":  in.DepositAmount.String(),
		"minUnits": in.MinUnits.String(),
		"deadline": in.Deadline.UTC().Format(time.RFC3339),
		"sequence": in.Sequence,
	}))
	return in, nil
}

// Execute buys for the depositor and refunds what the purchase did not use.
// Once the purchase lands the intent stays disbursing until both payouts
// are sent; calling Execute again resumes the payout without buying twice.
func (m *Manager) Execute(ctx context.Context, caller common.Address, id common.Hash) (*Intent, error) {
	if !m.roles.IsExecutorOrAdmin(caller) {
		return nil, domain.ErrUnauthorized
	}
	release, err := m.guard.Acquire(ctx, guardKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	in, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch in.Status {
	case StatusPending:
	case StatusDisbursing:
		if in.UnitsDelivered == nil {
			// the process stopped between committing and recording the fill
			return nil, fmt.Errorf("%w: purchase outcome unrecorded for %s", domain.ErrDisbursalPending, id.Hex())
		}
		return m.disburse(ctx, caller, in)
	default:
		return nil, domain.ErrAlreadyCompleted
	}
	now := m.cfg.Now()
	if now.After(in.Deadline) {
		return nil, domain.ErrExpired
	}

	quantity, err := m.cfg.Sizer.Size(ctx, m.pricing, in.Instrument, in)
	if err != nil {
		return nil, domain.External("size purchase", err)
	}
	if quantity.Cmp(in.MinUnits) < 0 {
		quantity = new(big.Int).Set(in.MinUnits)
	}
	quote, err := m.pricing.QuoteCost(ctx, in.Instrument, quantity)
	if err != nil {
		return nil, domain.External("quote cost", err)
	}
	if quote.Total().Cmp(in.DepositAmount) > 0 {
		return nil, fmt.Errorf("%w: quote %s, deposit %s", domain.ErrQuoteExceedsEscrow, quote.Total(), in.DepositAmount)
	}

	committed := in.Clone()
	committed.Status = StatusDisbursing
	if err := m.store.Put(ctx, committed); err != nil {
		return nil, fmt.Errorf("save intent: %w", err)
	}

	fill, err := m.pricing.Purchase(ctx, market.PurchaseOrder{
		Instrument: in.Instrument,
		Quantity:   quantity,
		Medium:     in.Asset,
		MaxCost:    in.DepositAmount,
		Deadline:   now.Add(m.cfg.PurchaseWindow),
	})
	if err != nil {
		m.restore(ctx, id, in)
		return nil, domain.External("purchase", err)
	}

	// From here on the deposit is spent; failures leave the intent owed.
	committed.UnitsDelivered = new(big.Int).Set(fill.Units)
	committed.Cost = new(big.Int).Set(fill.Cost)
	committed.Refund = new(big.Int).Sub(in.DepositAmount, fill.Cost)
	if committed.Refund.Sign() < 0 {
		committed.Refund.SetInt64(0)
	}
	m.record(ctx, committed)

	if fill.Units.Cmp(in.MinUnits) < 0 {
		err := fmt.Errorf("%w: got %s, want %s", domain.ErrUnderDelivered, fill.Units, in.MinUnits)
		m.owe(ctx, caller, committed, err)
		return nil, err
	}
	if fill.Cost.Cmp(in.DepositAmount) > 0 {
		err := fmt.Errorf("%w: paid %s, deposit %s", domain.ErrQuoteExceedsEscrow, fill.Cost, in.DepositAmount)
		m.owe(ctx, caller, committed, err)
		return nil, err
	}
	return m.disburse(ctx, caller, committed)
}

// disburse sends whatever part of a landed purchase the depositor has not
// received yet and completes the intent.
func (m *Manager) disburse(ctx context.Context, caller common.Address, in *Intent) (*Intent, error) {
	out := in.Clone()
	if !out.UnitsSent {
		if err := m.treasury.Disburse(ctx, out.Instrument, out.User, out.UnitsDelivered); err != nil {
			m.owe(ctx, caller, out, err)
			return nil, domain.External("deliver units", err)
		}
		out.UnitsSent = true
		m.record(ctx, out)
	}
	if out.Refund != nil && out.Refund.Sign() > 0 && !out.RefundSent {
		if err := m.treasury.Disburse(ctx, out.Asset, out.User, out.Refund); err != nil {
			m.owe(ctx, caller, out, err)
			return nil, domain.External("refund", err)
		}
		out.RefundSent = true
		m.record(ctx, out)
	}

	out.Status = StatusExecuted
	out.CompletedAt = m.cfg.Now()
	m.record(ctx, out)

	refund := out.Refund
	if refund == nil {
		refund = new(big.Int)
	}
	audit.Emit(ctx, m.events, m.log, audit.NewEvent(audit.KindIntentExecuted, guardKey(out.ID), caller, map[string]any{
		"units":  out.UnitsDelivered.String(),
		"cost":   out.Cost.String(),
		"refund": refund.String(),
	}))
	return out, nil
}

// Cancel refunds the full deposit. The depositor may cancel only after the
// deadline; the admin may cancel at any time.
func (m *Manager) Cancel(ctx context.Context, caller common.Address, id common.Hash) (*Intent, error) {
	release, err := m.guard.Acquire(ctx, guardKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	in, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	isAdmin := m.roles.IsAdmin(caller)
	if caller != in.User && !isAdmin {
		return nil, domain.ErrUnauthorized
	}
	if in.Completed() {
		return nil, domain.ErrAlreadyCompleted
	}
	now := m.cfg.Now()
	if !isAdmin && !now.After(in.Deadline) {
		return nil, domain.ErrNotYetExpired
	}

	cancelled := in.Clone()
	cancelled.Status = StatusCancelled
	cancelled.Refund = new(big.Int).Set(in.DepositAmount)
	cancelled.CompletedAt = now
	if err := m.store.Put(ctx, cancelled); err != nil {
		return nil, fmt.Errorf("save intent: %w", err)
	}
	if err := m.treasury.Disburse(ctx, in.Asset, in.User, in.DepositAmount); err != nil {
		m.restore(ctx, id, in)
		return nil, domain.External("refund", err)
	}

	audit.Emit(ctx, m.events, m.log, audit.NewEvent(audit.KindIntentCancelled, guardKey(id), caller, map[string]any{
		"refund": in.DepositAmount.String(),
		"admin":  isAdmin,
	}))
	return cancelled, nil
}

func (m *Manager) Get(ctx context.Context, id common.Hash) (*Intent, error) {
	in, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load intent: %w", err)
	}
	if in == nil {
		return nil, domain.ErrNotFound
	}
	return in, nil
}

// IsCompleted reports whether id left the pending state.
func (m *Manager) IsCompleted(ctx context.Context, id common.Hash) (bool, error) {
	in, err := m.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return in.Completed(), nil
}

// ListExpired returns pending intents whose deadline is before the given time.
func (m *Manager) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Intent, error) {
	return m.store.ListExpired(ctx, before, limit)
}

// Now is the manager's clock.
func (m *Manager) Now() time.Time { return m.cfg.Now() }

// record persists progress made after funds moved. A failed write cannot
// be undone, so it is logged and the in-memory copy carries on.
func (m *Manager) record(ctx context.Context, in *Intent) {
	if err := m.store.Put(ctx, in); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"intent":     in.ID.Hex(),
			"status":     in.Status,
			"unitsSent":  in.UnitsSent,
			"refundSent": in.RefundSent,
		}).Error("record intent progress")
	}
}

func (m *Manager) owe(ctx context.Context, caller common.Address, in *Intent, cause error) {
	m.log.WithError(cause).WithField("intent", in.ID.Hex()).Warn("intent disbursal owed")
	audit.Emit(ctx, m.events, m.log, audit.NewEvent(audit.KindDisbursalOwed, guardKey(in.ID), caller, map[string]any{
		"units":      in.UnitsDelivered.String(),
		"refund":     in.Refund.String(),
		"unitsSent":  in.UnitsSent,
		"refundSent": in.RefundSent,
		"cause":      cause.Error(),
	}))
}

func (m *Manager) restore(ctx context.Context, id common.Hash, prev *Intent) {
	var err error
	if prev == nil {
		err = m.store.Delete(ctx, id)
	} else {
		err = m.store.Put(ctx, prev)
	}
	entry := m.log.WithField("intent", id.Hex())
	if err != nil {
		entry.WithError(err).Error("intent rollback failed")
		return
	}
	entry.Warn("intent rolled back after failed interaction")
	actor := common.Address{}
	if prev != nil {
		actor = prev.User
	}
	audit.Emit(ctx, m.events, m.log, audit.NewEvent(audit.KindRollback, guardKey(id), actor, nil))
}

func guardKey(id common.Hash) string {
	return "intent:" + id.Hex()
}

// userGuardKey serialises creation per depositor; the intent id does not
// exist until the sequence is drawn.
func userGuardKey(user common.Address) string {
	return "intent:user:" + user.Hex()
}
