package intent

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"powerhorse/internal/market"
)

// Sizer picks how many units an execution buys. The result is never below
// in.MinUnits.
type Sizer interface {
	Size(ctx context.Context, pricing market.PricingSource, instrument common.Address, in *Intent) (*big.Int, error)
}

// MinUnitsSizer buys exactly MinUnits.
type MinUnitsSizer struct{}

func (MinUnitsSizer) Size(_ context.Context, _ market.PricingSource, _ common.Address, in *Intent) (*big.Int, error) {
	return new(big.Int).Set(in.MinUnits), nil
}

// BudgetSizer buys the largest quantity whose quoted total fits in the
// deposit. MaxUnits caps the search; zero means no cap beyond 2^128.
type BudgetSizer struct {
	MaxUnits *big.Int
}

var budgetSearchLimit = new(big.Int).Lsh(big.NewInt(1), 128)

func (b BudgetSizer) Size(ctx context.Context, pricing market.PricingSource, instrument common.Address, in *Intent) (*big.Int, error) {
	fits := func(q *big.Int) (bool, error) {
		quote, err := pricing.QuoteCost(ctx, instrument, q)
		if err != nil {
			return false, err
		}
		return quote.Total().Cmp(in.DepositAmount) <= 0, nil
	}

	lo := new(big.Int).Set(in.MinUnits)
	ok, err := fits(lo)
	if err != nil || !ok {
		return lo, err
	}

	limit := budgetSearchLimit
	if b.MaxUnits != nil && b.MaxUnits.Sign() > 0 {
		limit = b.MaxUnits
	}
	if lo.Cmp(limit) >= 0 {
		return lo, nil
	}

	// grow hi until it no longer fits, then bisect (lo fits, hi does not)
	hi := new(big.Int).Lsh(lo, 1)
	for {
		if hi.Cmp(limit) > 0 {
			hi.Set(limit)
			ok, err := fits(hi)
			if err != nil {
				return nil, err
			}
			if ok {
				return hi, nil
			}
			break
		}
		ok, err := fits(hi)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		lo.Set(hi)
		hi.Lsh(hi, 1)
	}

	one := big.NewInt(1)
	for new(big.Int).Sub(hi, lo).Cmp(one) > 0 {
		mid := new(big.Int).Add(lo, hi)
		mid.Rsh(mid, 1)
		ok, err := fits(mid)
		if err != nil {
			return nil, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}
