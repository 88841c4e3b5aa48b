// Package pricing implements the algorithmic price model for cricket
// player and team stocks.
//
// Team prices move incrementally per ball (runs delta, wicket boost) and
// are protected by feed-level dedupe. Player prices are recomputed from
// the player's full cumulative batting line, so the function is
// idempotent given identical scorecard state and duplicate delivery is
// self-correcting at this layer.
//
// All monetary values use shopspring/decimal; float64 is never used for money.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/crickx/trading-engine/internal/model"
)

var (
	// ErrInvalidConfig is returned when policy values cannot produce a
	// usable engine.
	ErrInvalidConfig = errors.New("pricing: invalid policy configuration")

	// PriceScale is the number of decimal places for price rounding.
	PriceScale int32 = 2
)

// Config holds the policy values of the price model. These are economic
// policy, not algorithm, so they are injected rather than hard-coded.
type Config struct {
	// TeamBaseline is the neutral starting price for both teams.
	TeamBaseline decimal.Decimal

	// RunMultiplier scales the batting team's price delta per run scored.
	RunMultiplier decimal.Decimal

	// WicketBoost is the fixed price credit to the bowling team on a wicket.
	WicketBoost decimal.Decimal

	// PriceFloor is the lowest allowed price for any asset.
	PriceFloor decimal.Decimal

	// Position-dependent base values for player prices.
	TopOrderBase    decimal.Decimal // positions 1-3
	MiddleOrderBase decimal.Decimal // positions 4-7
	TailBase        decimal.Decimal // positions 8+

	// Per-run-type weights for the cumulative batting line. DotWeight is
	// negative: dot balls penalize.
	DotWeight    decimal.Decimal
	SingleWeight decimal.Decimal
	TwoWeight    decimal.Decimal
	ThreeWeight  decimal.Decimal
	FourWeight   decimal.Decimal
	SixWeight    decimal.Decimal

	// Fee policy: clamp(FeeRate × notional, FeeMin, FeeMax).
	FeeRate decimal.Decimal
	FeeMin  decimal.Decimal
	FeeMax  decimal.Decimal

	// ProfitCutRate is the platform's share of realized profit on
	// profitable sells.
	ProfitCutRate decimal.Decimal

	// DismissalHaircut is the fraction of average cost paid out when a
	// player dismissal forces a sell.
	DismissalHaircut decimal.Decimal
}

// DefaultConfig returns the production policy defaults.
func DefaultConfig() Config {
	return Config{
		TeamBaseline:     decimal.NewFromInt(50),
		RunMultiplier:    decimal.NewFromFloat(0.8),
		WicketBoost:      decimal.NewFromInt(3),
		PriceFloor:       decimal.Zero,
		TopOrderBase:     decimal.NewFromInt(30),
		MiddleOrderBase:  decimal.NewFromInt(20),
		TailBase:         decimal.NewFromInt(10),
		DotWeight:        decimal.NewFromFloat(-0.5),
		SingleWeight:     decimal.NewFromFloat(0.5),
		TwoWeight:        decimal.NewFromInt(1),
		ThreeWeight:      decimal.NewFromFloat(1.5),
		FourWeight:       decimal.NewFromInt(2),
		SixWeight:        decimal.NewFromInt(3),
		FeeRate:          decimal.NewFromFloat(0.001),
		FeeMin:           decimal.NewFromInt(5),
		FeeMax:           decimal.NewFromInt(20),
		ProfitCutRate:    decimal.NewFromFloat(0.05),
		DismissalHaircut: decimal.NewFromFloat(0.5),
	}
}

// Engine evaluates the price model. It is stateless; match and player
// state are passed as arguments, not stored.
type Engine struct {
	cfg Config
}

// NewEngine validates the policy configuration and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.TeamBaseline.LessThan(cfg.PriceFloor) {
		return nil, ErrInvalidConfig
	}
	if cfg.FeeMin.GreaterThan(cfg.FeeMax) || cfg.FeeRate.IsNegative() {
		return nil, ErrInvalidConfig
	}
	if cfg.DismissalHaircut.LessThanOrEqual(decimal.Zero) || cfg.DismissalHaircut.GreaterThan(decimal.NewFromInt(1)) {
		return nil, ErrInvalidConfig
	}
	if cfg.ProfitCutRate.IsNegative() || cfg.ProfitCutRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ErrInvalidConfig
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the policy values in use.
func (e *Engine) Config() Config {
	return e.cfg
}

// clamp pins a price to the configured floor.
func (e *Engine) clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(e.cfg.PriceFloor) {
		return e.cfg.PriceFloor
	}
	return p
}

// TeamPriceAfterRuns returns the batting team's price after runs are
// scored on a ball: current + runs × RunMultiplier, floored.
func (e *Engine) TeamPriceAfterRuns(current decimal.Decimal, runs int) decimal.Decimal {
	delta := e.cfg.RunMultiplier.Mul(decimal.NewFromInt(int64(runs)))
	return e.clamp(current.Add(delta)).Round(PriceScale)
}

// TeamPriceAfterWicket returns the bowling team's price after taking a
// wicket: current + WicketBoost, floored.
func (e *Engine) TeamPriceAfterWicket(current decimal.Decimal) decimal.Decimal {
	return e.clamp(current.Add(e.cfg.WicketBoost)).Round(PriceScale)
}

// PlayerPrice recomputes a player's price from the full cumulative
// batting line:
//
//	price = base(position) + Σ count(runType) × weight(runType)
//
// floored at the configured minimum. Reproducible from scorecard state
// alone.
func (e *Engine) PlayerPrice(line *model.BattingLine) decimal.Decimal {
	base := e.positionBase(line.Position)
	p := base.
		Add(e.cfg.DotWeight.Mul(decimal.NewFromInt(int64(line.Dots)))).
		Add(e.cfg.SingleWeight.Mul(decimal.NewFromInt(int64(line.Singles)))).
		Add(e.cfg.TwoWeight.Mul(decimal.NewFromInt(int64(line.Twos)))).
		Add(e.cfg.ThreeWeight.Mul(decimal.NewFromInt(int64(line.Threes)))).
		Add(e.cfg.FourWeight.Mul(decimal.NewFromInt(int64(line.Fours)))).
		Add(e.cfg.SixWeight.Mul(decimal.NewFromInt(int64(line.Sixes))))
	return e.clamp(p).Round(PriceScale)
}

// positionBase maps a batting-order position to its base value: top
// order (1-3) > middle (4-7) > tail (8+). Position 0 (unknown) is
// treated as middle order.
func (e *Engine) positionBase(pos int) decimal.Decimal {
	switch {
	case pos >= 1 && pos <= 3:
		return e.cfg.TopOrderBase
	case pos == 0 || pos <= 7:
		return e.cfg.MiddleOrderBase
	default:
		return e.cfg.TailBase
	}
}

// Fee computes the platform transaction charge for a trade:
//
//	fee = clamp(FeeRate × notional, FeeMin, FeeMax)
func (e *Engine) Fee(notional decimal.Decimal) decimal.Decimal {
	fee := notional.Mul(e.cfg.FeeRate)
	if fee.LessThan(e.cfg.FeeMin) {
		return e.cfg.FeeMin
	}
	if fee.GreaterThan(e.cfg.FeeMax) {
		return e.cfg.FeeMax
	}
	return fee.Round(PriceScale)
}

// ProfitCut returns the platform's share of a realized profit.
func (e *Engine) ProfitCut(profit decimal.Decimal) decimal.Decimal {
	return profit.Mul(e.cfg.ProfitCutRate).Round(PriceScale)
}

// DismissalPrice returns the forced-sell price for a dismissed player's
// holding: avgCost × DismissalHaircut.
func (e *Engine) DismissalPrice(avgCost decimal.Decimal) decimal.Decimal {
	return avgCost.Mul(e.cfg.DismissalHaircut).Round(PriceScale)
}
