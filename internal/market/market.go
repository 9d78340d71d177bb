// Package market adapts the external bonding curve, factory and settlement
// assets that the session and intent managers call out to.
package market

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Native is the asset address used for the chain's native currency.
var Native = common.Address{}

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrMaxCostExceeded     = errors.New("purchase cost exceeds max cost")
	ErrGraduated           = errors.New("instrument graduated")
	ErrUnknownInstrument   = errors.New("unknown instrument")
	ErrDeadlinePassed      = errors.New("purchase deadline passed")
	// ErrNativeDepositUnsupported is returned by clients that cannot prove a
	// native-coin deposit came from the depositor.
	ErrNativeDepositUnsupported = errors.New("native deposits are not supported")
)

type Quote struct {
	Base *big.Int
	Fee  *big.Int
}

func (q Quote) Total() *big.Int {
	total := new(big.Int)
	if q.Base != nil {
		total.Add(total, q.Base)
	}
	if q.Fee != nil {
		total.Add(total, q.Fee)
	}
	return total
}

type PurchaseOrder struct {
	Instrument common.Address
	Quantity   *big.Int
	Medium     common.Address
	MaxCost    *big.Int
	Deadline   time.Time
}

// Fill is what a purchase actually delivered and charged.
type Fill struct {
	Units *big.Int
	Cost  *big.Int
}

// PricingSource is the bonding curve.
type PricingSource interface {
	QuoteCost(ctx context.Context, instrument common.Address, quantity *big.Int) (Quote, error)
	IsTerminal(ctx context.Context, instrument common.Address) (bool, error)
	UnitPrice(ctx context.Context, instrument common.Address) (*big.Int, error)
	Purchase(ctx context.Context, order PurchaseOrder) (Fill, error)
}

// Registry is the factory mapping horse ids to instrument tokens.
type Registry interface {
	Resolve(ctx context.Context, id *big.Int) (common.Address, error)
	IsRegistered(ctx context.Context, id *big.Int) (bool, error)
}

// Treasury moves settlement assets between users and the service account.
type Treasury interface {
	Collect(ctx context.Context, asset, from common.Address, amount *big.Int) error
	Disburse(ctx context.Context, asset, to common.Address, amount *big.Int) error
}

// HealthChecker is implemented by adapters with a remote dependency.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
