// Package ledger maintains the singleton company accounting aggregate:
// platform fees, profitable-sell cuts, absorbed user losses, and
// auto-sell fees.
//
// The aggregate is a single shared counter, so every delta is applied
// under one mutex shared across all users and persisted before the
// in-memory state is allowed to advance. On persistence failure the
// delta is rolled back and the error surfaces, keeping the ledger and
// the user-side mutation transactionally linked.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crickx/trading-engine/internal/model"
	"github.com/crickx/trading-engine/internal/store"
)

// Company is the process-scoped handle to the accounting aggregate.
// Lifecycle: process start to shutdown; passed by reference into the
// components that need it, never accessed as a module global.
type Company struct {
	mu    sync.Mutex
	st    store.Store
	state model.CompanyLedger
}

// Load reads the persisted aggregate, initializing a zero ledger if none
// exists yet.
func Load(ctx context.Context, st store.Store) (*Company, error) {
	persisted, err := st.GetCompanyLedger(ctx)
	switch {
	case err == nil:
		return &Company{st: st, state: *persisted}, nil
	case errors.Is(err, store.ErrNotFound):
		c := &Company{st: st}
		c.state.UpdatedAt = time.Now().UTC()
		if err := st.PutCompanyLedger(ctx, &c.state); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, err
	}
}

// Delta is one trade's worth of accounting changes, applied atomically
// in a single persist so the aggregate never half-commits.
type Delta struct {
	Fee         decimal.Decimal // standard platform fee
	ProfitCut   decimal.Decimal // 5% share of a profitable sell
	Loss        decimal.Decimal // absorbed user loss (metric only)
	AutoSellFee decimal.Decimal // fee charged on a forced auto-sell
}

// Apply commits a trade's accounting delta under the shared lock.
func (c *Company) Apply(ctx context.Context, d Delta) error {
	return c.apply(ctx, func(l *model.CompanyLedger) {
		l.FromFees = l.FromFees.Add(d.Fee)
		l.FromProfitCuts = l.FromProfitCuts.Add(d.ProfitCut)
		l.FromLosses = l.FromLosses.Add(d.Loss)
		l.FromAutoSell = l.FromAutoSell.Add(d.AutoSellFee)
		l.TotalProfit = l.TotalProfit.Add(d.Fee).Add(d.ProfitCut).Add(d.AutoSellFee)
	})
}

// AddFee credits a platform transaction fee.
func (c *Company) AddFee(ctx context.Context, fee decimal.Decimal) error {
	return c.apply(ctx, func(l *model.CompanyLedger) {
		l.FromFees = l.FromFees.Add(fee)
		l.TotalProfit = l.TotalProfit.Add(fee)
	})
}

// AddProfitCut credits the platform's share of a profitable sell.
func (c *Company) AddProfitCut(ctx context.Context, cut decimal.Decimal) error {
	return c.apply(ctx, func(l *model.CompanyLedger) {
		l.FromProfitCuts = l.FromProfitCuts.Add(cut)
		l.TotalProfit = l.TotalProfit.Add(cut)
	})
}

// AddLoss records a user loss absorbed by the platform. This is a
// metric, not a cash flow beyond the sale proceeds, so it does not move
// TotalProfit.
func (c *Company) AddLoss(ctx context.Context, loss decimal.Decimal) error {
	return c.apply(ctx, func(l *model.CompanyLedger) {
		l.FromLosses = l.FromLosses.Add(loss)
	})
}

// AddAutoSellFee credits the fee charged on a forced auto-sell.
func (c *Company) AddAutoSellFee(ctx context.Context, fee decimal.Decimal) error {
	return c.apply(ctx, func(l *model.CompanyLedger) {
		l.FromAutoSell = l.FromAutoSell.Add(fee)
		l.TotalProfit = l.TotalProfit.Add(fee)
	})
}

// Snapshot returns a copy of the current aggregate.
func (c *Company) Snapshot() model.CompanyLedger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// apply mutates the aggregate under the shared lock and persists it.
// The in-memory state advances only after the write commits.
func (c *Company) apply(ctx context.Context, fn func(*model.CompanyLedger)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.state
	fn(&next)
	next.UpdatedAt = time.Now().UTC()

	if err := c.st.PutCompanyLedger(ctx, &next); err != nil {
		return err
	}
	c.state = next
	return nil
}
