package ledger_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/crickx/trading-engine/internal/ledger"
	"github.com/crickx/trading-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestLoad_InitializesZeroLedger(t *testing.T) {
	c, err := ledger.Load(context.Background(), store.NewMemoryStore())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := c.Snapshot()
	if !snap.TotalProfit.IsZero() || !snap.FromFees.IsZero() {
		t.Errorf("fresh ledger must start at zero, got %+v", snap)
	}
}

func TestLoad_ResumesPersistedLedger(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	c, _ := ledger.Load(ctx, ms)
	if err := c.AddFee(ctx, d(7)); err != nil {
		t.Fatalf("add fee: %v", err)
	}

	// A second process picks up where the first left off.
	c2, err := ledger.Load(ctx, ms)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c2.Snapshot().FromFees.Equal(d(7)) {
		t.Errorf("expected persisted fees 7, got %s", c2.Snapshot().FromFees)
	}
}

func TestApply_AccumulatesBuckets(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	c, _ := ledger.Load(ctx, ms)

	deltas := []ledger.Delta{
		{Fee: d(5)},
		{Fee: d(5), ProfitCut: d(1.25)},
		{AutoSellFee: d(5), Loss: d(100)},
	}
	for _, dl := range deltas {
		if err := c.Apply(ctx, dl); err != nil {
			t.Fatalf("apply %+v: %v", dl, err)
		}
	}

	snap := c.Snapshot()
	if !snap.FromFees.Equal(d(10)) {
		t.Errorf("expected fees 10, got %s", snap.FromFees)
	}
	if !snap.FromProfitCuts.Equal(d(1.25)) {
		t.Errorf("expected cuts 1.25, got %s", snap.FromProfitCuts)
	}
	if !snap.FromAutoSell.Equal(d(5)) {
		t.Errorf("expected auto-sell fees 5, got %s", snap.FromAutoSell)
	}
	if !snap.FromLosses.Equal(d(100)) {
		t.Errorf("expected absorbed losses 100, got %s", snap.FromLosses)
	}
	// Losses never count toward income.
	if !snap.TotalProfit.Equal(d(16.25)) {
		t.Errorf("expected total profit 16.25, got %s", snap.TotalProfit)
	}
}

func TestApply_PersistsBeforeAdvancing(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	c, _ := ledger.Load(ctx, ms)

	if err := c.AddProfitCut(ctx, d(2.5)); err != nil {
		t.Fatalf("add cut: %v", err)
	}

	persisted, err := ms.GetCompanyLedger(ctx)
	if err != nil {
		t.Fatalf("ledger not persisted: %v", err)
	}
	if !persisted.FromProfitCuts.Equal(c.Snapshot().FromProfitCuts) {
		t.Errorf("store %s and memory %s must agree after apply",
			persisted.FromProfitCuts, c.Snapshot().FromProfitCuts)
	}
}
