package session

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

const (
	DefaultDuration    = 24 * time.Hour
	DefaultGracePeriod = time.Hour
	DefaultSlippageBps = 500
	bpsDenominator     = 10_000
)

type Config struct {
	MinLock     *big.Int
	Duration    time.Duration
	GracePeriod time.Duration
	SlippageBps int64
	// PurchaseWindow is the deadline handed to the bonding curve.
	PurchaseWindow time.Duration
	Now            func() time.Time
}

// RelayerSource reports the address allowed to record fills.
type RelayerSource interface {
	Relayer() common.Address
}

type Deps struct {
	Store    Store
	Pricing  market.PricingSource
	Treasury market.Treasury
	Roles    RelayerSource
	Guard    guard.Guard
	Events   audit.Sink
	Log      *logrus.Entry
}

type Manager struct {
	cfg      Config
	store    Store
	pricing  market.PricingSource
	treasury market.Treasury
	roles    RelayerSource
	guard    guard.Guard
	events   audit.Sink
	log      *logrus.Entry
}

func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.MinLock == nil {
		cfg.MinLock = big.NewInt(1)
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = DefaultSlippageBps
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
		treasury: deps.Treasury,
		roles:    deps.Roles,
		guard:    deps.Guard,
		events:   deps.Events,
		log:      deps.Log,
	}
}

// Open locks req.Amount for a new session on (owner, instrument).
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if req.Instrument == (common.Address{}) {
		return nil, domain.ErrInvalidInstrument
	}
	if req.Amount == nil || req.Amount.Sign() < 0 {
		return nil, domain.ErrInvalidAmount
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	key := Key{Owner: req.Owner, Instrument: req.Instrument}
	release, err := m.guard.Acquire(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer release()

	terminal, err := m.pricing.IsTerminal(ctx, req.Instrument)
	if err != nil {
		return nil, domain.External("is terminal", err)
	}
	if terminal {
		return nil, domain.ErrTerminalInstrument
	}
	if req.Amount.Cmp(m.cfg.MinLock) < 0 {
		return nil, domain.ErrBelowMinimum
	}

	prev, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if prev != nil && prev.Status == StatusSettling {
		return nil, domain.ErrDisbursalPending
	}
	if prev != nil && prev.Active() {
		return nil, domain.ErrSessionAlreadyActive
	}

	if req.Medium == market.Native {
		if value.Cmp(req.Amount) != 0 {
			return nil, domain.ErrAmountMismatch
		}
	} else if value.Sign() != 0 {
		return nil, domain.ErrAmountMismatch
	}

	now := m.cfg.Now()
	s := &Session{
		Owner:        req.Owner,
		Instrument:   req.Instrument,
		Medium:       req.Medium,
		LockedAmount: new(big.Int).Set(req.Amount),
		OpenedAt:     now,
		Expiry:       now.Add(m.cfg.Duration),
		Status:       StatusOpen,
		Fill:         emptyFill(),
		UpdatedAt:    now,
	}
	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	if err := m.treasury.Collect(ctx, req.Medium, req.Owner, req.Amount); err != nil {
		m.restore(ctx, key, prev)
		return nil, domain.External("collect escrow", err)
	}

	audit.Emit(ctx, m.events, m.log, audit.NewEvent(audit.KindSessionOpened, key.String(), req.Owner, map[string]any{
		"medium": req.Medium.Hex(),
		"locked": s.LockedAmount.String(),
		"expiry": s.Expiry.UTC().Format(time.RFC3339),
	}))
	return s, nil
}

// RecordFill appends one relayer fill. Nonces must arrive as 0, 1, 2, ...
func (m *Manager) RecordFill(ctx context.Context, caller common.Address, req FillRequest) (*Session, error) {
	if caller == (common.Address{}) || caller != m.roles.Relayer() {
		return nil, domain.ErrUnauthorized
	}
	if req.Amount == nil || req.Amount.Sign() < 0 || req.CostBasis == nil || req.CostBasis.Sign() < 0 {
		return nil, domain.ErrInvalidAmount
	}

	key := Key{Owner: req.User, Instrument: req.Instrument}
	release, err := m.guard.Acquire(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer release()

	s, err := m.activeSession(ctx, key)
	if err != nil {
		return nil, err
	}
	now := m.cfg.Now()
	if now.After(s.Expiry.Add(m.cfg.GracePeriod)) {
		return nil, domain.ErrSessionExpired
	}
	if req.Nonce != s.Fill.Nonce {
		return nil, fmt.Errorf("%w: want %d, got %d", domain.ErrBadNonce, s.Fill.Nonce, req.Nonce)
	}
	total := new(big.Int).Add(s.Fill.CostBasis, req.CostBasis)
	if total.Cmp(s.LockedAmount) > 0 {
		return nil, domain.ErrOverdrawn
	}

	next := s.Clone()
	next.Fill.Amount.Add(next.Fill.Amount, req.Amount)
	next.Fill.CostBasis = total
	next.Fill.Nonce++
	next.UpdatedAt = now
	if err := m.store.Put(ctx, next); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	audit.Emit(ctx, m.events, m.log, audit.NewEvent(audit.KindFillRecorded, key.String(), caller, map[string]any{
		"nonce":     req.Nonce,
		"amount":    req.Amount.String(),
		"costBasis": req.CostBasis.String(),
	}))
	return next, nil
}

// Settle buys the recorded amount at the current curve price, delivers the
// units and refunds what the purchase did not use. A session whose purchase
// landed but whose payout failed stays settling; settling again resumes the
// payout without buying twice.
func (m *Manager) Settle(ctx context.Context, caller, instrument common.Address) (Settlement, error) {
	key := Key{Owner: caller, Instrument: instrument}
	release, err := m.guard.Acquire(ctx, key.String())
	if err != nil {
		return Settlement{}, err
	}
	defer release()

	s, err := m.store.Get(ctx, key)
	if err != nil {
		return Settlement{}, fmt.Errorf("load session: %w", err)
	}
	if s != nil && s.Status == StatusSettling {
		if s.Payout == nil {
			return Settlement{}, fmt.Errorf("%w: purchase outcome unrecorded for %s", domain.ErrDisbursalPending, key)
		}
		return m.payOut(ctx, caller, s)
	}
	if s == nil || !s.Active() {
		return Settlement{}, domain.ErrNoActiveSession
	}
	if s.Fill.Amount.Sign() == 0 {
		return Settlement{}, domain.ErrNothingRecorded
	}
	now := m.cfg.Now()
	if now.After(s.Expiry.Add(m.cfg.GracePeriod)) {
		return Settlement{}, domain.ErrSessionStale
	}

	quote, err := m.pricing.QuoteCost(ctx, instrument, s.Fill.Amount)
	if err != nil {
		return Settlement{}, domain.External("quote cost", err)
	}
	cost := quote.Total()
	if cost.Cmp(m.slippageCeiling(s.Fill.CostBasis)) > 0 {
		return Settlement{}, fmt.Errorf("%w: cost %s, recorded %s", domain.ErrSlippageExceeded, cost, s.Fill.CostBasis)
	}
	if cost.Cmp(s.LockedAmount) > 0 {
		return Settlement{}, domain.ErrEscrowShortfall
	}

	settling := s.Clone()
	settling.Status = StatusSettling
	settling.UpdatedAt = now
	if err := m.store.Put(ctx, settling); err != nil {
		return Settlement{}, fmt.Errorf("save session: %w", err)
	}

	fill, err := m.pricing.Purchase(ctx, market.PurchaseOrder{
		Instrument: instrument,
		Quantity:   s.Fill.Amount,
		Medium:     s.Medium,
		MaxCost:    cost,
		Deadline:   now.Add(m.cfg.PurchaseWindow),
	})
	if err != nil {
		m.restore(ctx, key, s)
		return Settlement{}, domain.External("purchase", err)
	}

	// From here on the escrow is spent; failures leave the payout owed.
	refund := new(big.Int).Sub(s.LockedAmount, fill.Cost)
	if refund.Sign() < 0 {
		refund.SetInt64(0)
	}
	settling.Payout = &Payout{
		Units:  new(big.Int).Set(fill.Units),
		Cost:   new(big.Int).Set(fill.Cost),
		Refund: refund,
	}
	m.record(ctx, settling)

	if fill.Cost.Cmp(cost) > 0 {
		err := fmt.Errorf("%w: paid %s, quoted %s", domain.ErrSlippageExceeded, fill.Cost, cost)
		m.owe(ctx, caller, settling, err)
		return Settlement{}, err
	}
	return m.payOut(ctx, caller, settling)
}

// payOut sends whatever part of a landed settlement the owner has not
// received yet and closes the session.
func (m *Manager) payOut(ctx context.Context, caller common.Address, s *Session) (Settlement, error) {
	out := s.Clone()
	p := out.Payout
	if !p.UnitsSent {
		if err := m.treasury.Disburse(ctx, out.Instrument, out.Owner, p.Units); err != nil {
			m.owe(ctx, caller, out, err)
			return Settlement{}, domain.External("deliver units", err)
		}
		p.UnitsSent = true
		m.record(ctx, out)
	}
	if p.Refund.Sign() > 0 && !p.RefundSent {
		if err := m.treasury.Disburse(ctx, out.Medium, out.Owner, p.Refund); err != nil {
			m.owe(ctx, caller, out, err)
			return Settlement{}, domain.External("refund", err)
		}
		p.RefundSent = true
		m.record(ctx, out)
	}

	out.Status = StatusSettled
	out.LockedAmount = new(big.Int)
	out.Fill = emptyFill()
	out.UpdatedAt = m.cfg.Now()
	m.record(ctx, out)

	audit.Emit(ctx, m.events, m.log, audit.NewEvent(audit.KindSessionSettled, out.Key().String(), caller, map[string]any{
		"units":  p.Units.String(),
		"cost":   p.Cost.String(),
		"refund": p.Refund.String(),
	}))
	return p.settlement(), nil
}

// Cancel refunds the full locked amount. Recorded fills are discarded.
func (m *Manager) Cancel(ctx context.Context, caller, instrument common.Address) (*big.Int, error) {
	key := Key{Owner: caller, Instrument: instrument}
	release, err := m.guard.Acquire(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer release()

	s, err := m.activeSession(ctx, key)
	if err != nil {
		return nil, err
	}

	cancelled := s.Clone()
	cancelled.Status = StatusCancelled
	cancelled.LockedAmount = new(big.Int)
	cancelled.Fill = emptyFill()
	cancelled.UpdatedAt = m.cfg.Now()
	if err := m.store.Put(ctx, cancelled); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	if err := m.treasury.Disburse(ctx, s.Medium, s.Owner, s.LockedAmount); err != nil {
		m.restore(ctx, key, s)
		return nil, domain.External("refund", err)
	}

	audit.Emit(ctx, m.events, m.log, audit.NewEvent(audit.KindSessionCancelled, key.String(), caller, map[string]any{
		"refund": s.LockedAmount.String(),
	}))
	return new(big.Int).Set(s.LockedAmount), nil
}

// Get returns the stored session, active or not.
func (m *Manager) Get(ctx context.Context, owner, instrument common.Address) (*Session, error) {
	s, err := m.store.Get(ctx, Key{Owner: owner, Instrument: instrument})
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

// IsExpired reports whether the session no longer accepts fills on its
// nominal schedule.
func (m *Manager) IsExpired(ctx context.Context, owner, instrument common.Address) (bool, error) {
	s, err := m.Get(ctx, owner, instrument)
	if err != nil {
		return false, err
	}
	return m.cfg.Now().After(s.Expiry), nil
}

func (m *Manager) activeSession(ctx context.Context, key Key) (*Session, error) {
	s, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s != nil && s.Status == StatusSettling {
		return nil, domain.ErrDisbursalPending
	}
	if s == nil || !s.Active() {
		return nil, domain.ErrNoActiveSession
	}
	return s, nil
}

// slippageCeiling is costBasis * (10000 + bps) / 10000.
func (m *Manager) slippageCeiling(costBasis *big.Int) *big.Int {
	ceiling := new(big.Int).Mul(costBasis, big.NewInt(bpsDenominator+m.cfg.SlippageBps))
	return ceiling.Quo(ceiling, big.NewInt(bpsDenominator))
}

// record persists payout progress. Funds already moved, so a failed write
// is logged rather than rolled back.
func (m *Manager) record(ctx context.Context, s *Session) {
	if err := m.store.Put(ctx, s); err != nil {
		entry := m.log.WithError(err).WithFields(logrus.Fields{
			"key":    s.Key().String(),
			"status": s.Status,
		})
		if s.Payout != nil {
			entry = entry.WithFields(logrus.Fields{
				"unitsSent":  s.Payout.UnitsSent,
				"refundSent": s.Payout.RefundSent,
			})
		}
		entry.Error("record session progress")
	}
}

func (m *Manager) owe(ctx context.Context, caller common.Address, s *Session, cause error) {
	key := s.Key().String()
	m.log.WithError(cause).WithField("key", key).Warn("settlement payout owed")
	audit.Emit(ctx, m.events, m.log, audit.NewEvent(audit.KindDisbursalOwed, key, caller, map[string]any{
		"units":      s.Payout.Units.String(),
		"refund":     s.Payout.Refund.String(),
		"unitsSent":  s.Payout.UnitsSent,
		"refundSent": s.Payout.RefundSent,
		"cause":      cause.Error(),
	}))
}

// restore writes back the record that existed before a failed interaction.
func (m *Manager) restore(ctx context.Context, key Key, prev *Session) {
	var err error
	if prev == nil {
		err = m.store.Delete(ctx, key)
	} else {
		err = m.store.Put(ctx, prev)
	}
	entry := m.log.WithField("key", key.String())
	if err != nil {
		entry.WithError(err).Error("session rollback failed")
		return
	}
	entry.Warn("session rolled back after failed interaction")
	audit.Emit(ctx, m.events, m.log, audit.NewEvent(audit.KindRollback, key.String(), key.Owner, nil))
}
