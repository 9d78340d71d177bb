// Package refunder cancels intents whose deadline passed without execution,
// returning the deposit on the depositor's behalf.
package refunder

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"powerhorse/internal/domain"
	"powerhorse/internal/intent"
)

type Intents interface {
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*intent.Intent, error)
	Cancel(ctx context.Context, caller common.Address, id common.Hash) (*intent.Intent, error)
	Now() time.Time
}

type AdminSource interface {
	Admin() common.Address
}

type Config struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

type Refunder struct {
	cfg     Config
	intents Intents
	roles   AdminSource
	log     *logrus.Entry
}

func New(cfg Config, intents Intents, roles AdminSource, log *logrus.Entry) *Refunder {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Refunder{cfg: cfg, intents: intents, roles: roles, log: log}
}

// Run sweeps every Interval until ctx is done.
func (r *Refunder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.log.WithField("interval", r.cfg.Interval.String()).Info("refunder started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.WithError(err).Warn("refund sweep failed")
			}
		}
	}
}

// Sweep cancels one batch of expired intents and returns how many were
// refunded. Intents completed concurrently are skipped.
func (r *Refunder) Sweep(ctx context.Context) (int, error) {
	expired, err := r.intents.ListExpired(ctx, r.intents.Now(), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	admin := r.roles.Admin()
	results := make([]bool, len(expired))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, in := range expired {
		i, id := i, in.ID
		g.Go(func() error {
			_, err := r.intents.Cancel(gctx, admin, id)
			switch {
			case err == nil:
				results[i] = true
			case errors.Is(err, domain.ErrAlreadyCompleted), errors.Is(err, domain.ErrReentrant):
			default:
				r.log.WithError(err).WithField("intent", id.Hex()).Warn("refund failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	refunded := 0
	for _, ok := range results {
		if ok {
			refunded++
		}
	}
	r.log.WithFields(logrus.Fields{"expired": len(expired), "refunded": refunded}).Info("refund sweep")
	return refunded, nil
}
