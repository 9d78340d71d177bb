package market

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SimConfig describes a linear bonding curve: the i-th unit sold costs
// BasePrice + Slope*i. A curve graduates once supply reaches GraduationSupply.
type SimConfig struct {
	Account          common.Address
	BasePrice        *big.Int
	Slope            *big.Int
	FeeBps           int64
	GraduationSupply *big.Int
	Now              func() time.Time
}

type simCurve struct {
	supply    *big.Int
	graduated bool
}

// Sim is an in-process market implementing PricingSource, Registry and
// Treasury. The service runs on it when no chain key is configured.
type Sim struct {
	cfg SimConfig

	mu       sync.Mutex
	curves   map[common.Address]*simCurve
	horses   map[string]common.Address
	balances map[common.Address]map[common.Address]*big.Int
}

func NewSim(cfg SimConfig) *Sim {
	if cfg.BasePrice == nil {
		cfg.BasePrice = big.NewInt(1)
	}
	if cfg.Slope == nil {
		cfg.Slope = new(big.Int)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sim{
		cfg:      cfg,
		curves:   make(map[common.Address]*simCurve),
		horses:   make(map[string]common.Address),
		balances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// List registers instrument under horse id with zero supply.
func (s *Sim) List(id *big.Int, instrument common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.horses[id.String()] = instrument
	if _, ok := s.curves[instrument]; !ok {
		s.curves[instrument] = &simCurve{supply: new(big.Int)}
	}
}

func (s *Sim) Graduate(instrument common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.curves[instrument]; ok {
		c.graduated = true
	}
}

// Mint credits holder out of thin air. Dev faucet and test setup.
func (s *Sim) Mint(asset, holder common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit(asset, holder, amount)
}

func (s *Sim) BalanceOf(asset, holder common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balance(asset, holder))
}

func (s *Sim) QuoteCost(_ context.Context, instrument common.Address, quantity *big.Int) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.curves[instrument]
	if !ok {
		return Quote{}, ErrUnknownInstrument
	}
	return s.quote(c.supply, quantity), nil
}

func (s *Sim) IsTerminal(_ context.Context, instrument common.Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.curves[instrument]
	if !ok {
		return false, ErrUnknownInstrument
	}
	return c.graduated, nil
}

func (s *Sim) UnitPrice(_ context.Context, instrument common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.curves[instrument]
	if !ok {
		return nil, ErrUnknownInstrument
	}
	price := new(big.Int).Mul(s.cfg.Slope, c.supply)
	return price.Add(price, s.cfg.BasePrice), nil
}

// Purchase charges the service account in order.Medium and credits it with
// the instrument units.
func (s *Sim) Purchase(_ context.Context, order PurchaseOrder) (Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !order.Deadline.IsZero() && s.cfg.Now().After(order.Deadline) {
		return Fill{}, ErrDeadlinePassed
	}
	c, ok := s.curves[order.Instrument]
	if !ok {
		return Fill{}, ErrUnknownInstrument
	}
	if c.graduated {
		return Fill{}, ErrGraduated
	}
	if order.Quantity == nil || order.Quantity.Sign() <= 0 {
		return Fill{}, fmt.Errorf("purchase quantity must be positive")
	}
	cost := s.quote(c.supply, order.Quantity).Total()
	if order.MaxCost != nil && cost.Cmp(order.MaxCost) > 0 {
		return Fill{}, ErrMaxCostExceeded
	}
	if err := s.debit(order.Medium, s.cfg.Account, cost); err != nil {
		return Fill{}, err
	}
	s.credit(order.Instrument, s.cfg.Account, order.Quantity)
	c.supply.Add(c.supply, order.Quantity)
	if s.cfg.GraduationSupply != nil && c.supply.Cmp(s.cfg.GraduationSupply) >= 0 {
		c.graduated = true
	}
	return Fill{Units: new(big.Int).Set(order.Quantity), Cost: cost}, nil
}

func (s *Sim) Resolve(_ context.Context, id *big.Int) (common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instrument, ok := s.horses[id.String()]
	if !ok {
		return common.Address{}, ErrUnknownInstrument
	}
	return instrument, nil
}

func (s *Sim) IsRegistered(_ context.Context, id *big.Int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.horses[id.String()]
	return ok, nil
}

func (s *Sim) Collect(_ context.Context, asset, from common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.debit(asset, from, amount); err != nil {
		return err
	}
	s.credit(asset, s.cfg.Account, amount)
	return nil
}

func (s *Sim) Disburse(_ context.Context, asset, to common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.debit(asset, s.cfg.Account, amount); err != nil {
		return err
	}
	s.credit(asset, to, amount)
	return nil
}

// quote sums BasePrice + Slope*i for i in [supply, supply+q).
func (s *Sim) quote(supply, q *big.Int) Quote {
	base := new(big.Int).Mul(q, s.cfg.BasePrice)

	// Slope * (q*supply + q*(q-1)/2)
	tri := new(big.Int).Sub(q, big.NewInt(1))
	tri.Mul(tri, q)
	tri.Rsh(tri, 1)
	linear := new(big.Int).Mul(q, supply)
	linear.Add(linear, tri)
	base.Add(base, linear.Mul(linear, s.cfg.Slope))

	fee := new(big.Int).Mul(base, big.NewInt(s.cfg.FeeBps))
	fee.Quo(fee, big.NewInt(10_000))
	return Quote{Base: base, Fee: fee}
}

func (s *Sim) balance(asset, holder common.Address) *big.Int {
	book, ok := s.balances[asset]
	if !ok {
		book = make(map[common.Address]*big.Int)
		s.balances[asset] = book
	}
	bal, ok := book[holder]
	if !ok {
		bal = new(big.Int)
		book[holder] = bal
	}
	return bal
}

func (s *Sim) credit(asset, holder common.Address, amount *big.Int) {
	bal := s.balance(asset, holder)
	bal.Add(bal, amount)
}

func (s *Sim) debit(asset, holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid transfer amount")
	}
	bal := s.balance(asset, holder)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, holder.Hex(), bal, asset.Hex(), amount)
	}
	bal.Sub(bal, amount)
	return nil
}

var (
	_ PricingSource = (*Sim)(nil)
	_ Registry      = (*Sim)(nil)
	_ Treasury      = (*Sim)(nil)
)
