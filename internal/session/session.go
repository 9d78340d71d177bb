// Package session manages time-boxed gasless trading sessions: a user locks
// funds, the relayer records off-chain fills against them, and the owner
// settles on chain in one purchase or cancels for a full refund.
package session

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Status string

const (
	StatusOpen Status = "open"
	// StatusSettling holds a session whose purchase was committed while the
	// units or the refund are still owed to the owner.
	StatusSettling  Status = "settling"
	StatusSettled   Status = "settled"
	StatusCancelled Status = "cancelled"
)

// Key identifies a session by owner and instrument.
type Key struct {
	Owner      common.Address
	Instrument common.Address
}

func (k Key) String() string {
	return "session:" + k.Owner.Hex() + ":" + k.Instrument.Hex()
}

// FillRecord accumulates what the relayer has recorded. Nonce is the next
// value the relayer must present.
type FillRecord struct {
	Amount    *big.Int `json:"amount"`
	CostBasis *big.Int `json:"costBasis"`
	Nonce     uint64   `json:"nonce"`
}

func emptyFill() FillRecord {
	return FillRecord{Amount: new(big.Int), CostBasis: new(big.Int)}
}

type Session struct {
	Owner        common.Address `json:"owner"`
	Instrument   common.Address `json:"instrument"`
	Medium       common.Address `json:"medium"`
	LockedAmount *big.Int       `json:"lockedAmount"`
	OpenedAt     time.Time      `json:"openedAt"`
	Expiry       time.Time      `json:"expiry"`
	Status       Status         `json:"status"`
	Fill         FillRecord     `json:"fill"`
	// Payout is set once the settlement purchase lands.
	Payout    *Payout   `json:"payout,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Payout tracks what a landed purchase owes the owner and what was sent.
type Payout struct {
	Units      *big.Int `json:"units"`
	Cost       *big.Int `json:"cost"`
	Refund     *big.Int `json:"refund"`
	UnitsSent  bool     `json:"unitsSent"`
	RefundSent bool     `json:"refundSent"`
}

func (p *Payout) settlement() Settlement {
	return Settlement{
		Units:  new(big.Int).Set(p.Units),
		Cost:   new(big.Int).Set(p.Cost),
		Refund: new(big.Int).Set(p.Refund),
	}
}

func (s *Session) Key() Key {
	return Key{Owner: s.Owner, Instrument: s.Instrument}
}

func (s *Session) Active() bool {
	return s.Status == StatusOpen
}

// Clone deep-copies the big.Int fields.
func (s *Session) Clone() *Session {
	c := *s
	c.LockedAmount = cloneInt(s.LockedAmount)
	c.Fill.Amount = cloneInt(s.Fill.Amount)
	c.Fill.CostBasis = cloneInt(s.Fill.CostBasis)
	if s.Payout != nil {
		p := *s.Payout
		p.Units = cloneInt(s.Payout.Units)
		p.Cost = cloneInt(s.Payout.Cost)
		p.Refund = cloneInt(s.Payout.Refund)
		c.Payout = &p
	}
	return &c
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

type OpenRequest struct {
	Owner      common.Address
	Instrument common.Address
	Medium     common.Address
	Amount     *big.Int
	// Value is the native currency sent along with the request.
	Value *big.Int
}

type FillRequest struct {
	User       common.Address
	Instrument common.Address
	Amount     *big.Int
	CostBasis  *big.Int
	Nonce      uint64
}

// Settlement is the outcome of a successful Settle. Refund + Cost equals the
// locked amount.
type Settlement struct {
	Units  *big.Int `json:"units"`
	Cost   *big.Int `json:"cost"`
	Refund *big.Int `json:"refund"`
}
