// Package settle forces sells in response to match events: player
// dismissals liquidate every open holding on the player at a fixed
// haircut, and a terminal match status liquidates every remaining open
// holding at the last known price.
//
// Per holding the lifecycle is Open → {UserSold, AutoSold} → Closed,
// terminal. Both sweeps are idempotent per holding, so the match
// pipeline retries an incomplete sweep until it reports success:
// dismissals through the pending markers in the match state, match-end
// settlement through the Settled flag, set only after a clean sweep.
package settle

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/crickx/trading-engine/internal/model"
	"github.com/crickx/trading-engine/internal/portfolio"
	"github.com/crickx/trading-engine/internal/pricing"
	"github.com/crickx/trading-engine/internal/store"
)

// terminalKeywords is the closed set of completion markers a provider
// status text can carry.
var terminalKeywords = []string{
	"won", "win by", "draw", "drawn", "tie", "tied",
	"abandon", "no result", "cancel",
}

// IsTerminal reports whether a match status text indicates completion.
func IsTerminal(status string) bool {
	s := strings.ToLower(status)
	for _, kw := range terminalKeywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// Engine drives forced settlement through the portfolio ledger.
type Engine struct {
	st     store.Store
	pf     *portfolio.Service
	pricer *pricing.Engine
}

// NewEngine creates a settlement engine.
func NewEngine(st store.Store, pf *portfolio.Service, pricer *pricing.Engine) *Engine {
	return &Engine{st: st, pf: pf, pricer: pricer}
}

// OnDismissal force-sells every open holding on the dismissed player,
// across all users, at avgCost × haircut. A holding the user closed
// concurrently is skipped. A non-nil error means the sweep is
// incomplete (lookup or per-holding failure) and must be retried; the
// force-sell itself is idempotent, so re-running a partial sweep only
// settles the stragglers.
func (e *Engine) OnDismissal(ctx context.Context, matchID, playerID string) (int, error) {
	holdings, err := e.st.OpenHoldingsByAsset(ctx, matchID, playerID)
	if err != nil {
		slog.Error("dismissal settlement: holdings lookup failed",
			"match", matchID, "player", playerID, "err", err)
		return 0, err
	}

	settled := 0
	var sweepErr error
	for _, h := range holdings {
		price := e.pricer.DismissalPrice(h.AvgPrice)
		if _, err := e.pf.ForceSell(ctx, h, price, model.ReasonPlayerOut); err != nil {
			if errors.Is(err, portfolio.ErrNoSuchHolding) {
				continue // user sold between the sweep and the lock
			}
			slog.Error("dismissal force-sell failed",
				"holding", h.ID, "user", h.UserID, "err", err)
			sweepErr = err
			continue
		}
		settled++
	}

	if settled > 0 {
		slog.Info("dismissal settled",
			"match", matchID, "player", playerID, "holdings", settled)
	}
	return settled, sweepErr
}

// SettleMatch force-sells every remaining open holding for a finished
// match at its last known price, with the standard profit/loss fee
// split. The caller sets the state's Settled flag only after a nil
// return, so an incomplete sweep (non-nil error) is retried on the next
// event for the match rather than silently abandoned.
func (e *Engine) SettleMatch(ctx context.Context, state *model.MatchState) (int, error) {
	holdings, err := e.st.OpenHoldingsByMatch(ctx, state.MatchID)
	if err != nil {
		slog.Error("match settlement: holdings lookup failed",
			"match", state.MatchID, "err", err)
		return 0, err
	}

	settled := 0
	var sweepErr error
	for _, h := range holdings {
		price, ok := state.Price(h.AssetKind, h.AssetID)
		if !ok || !price.IsPositive() {
			// Asset never traded a price update; settle at cost.
			price = h.AvgPrice
		}
		if _, err := e.pf.ForceSell(ctx, h, price, model.ReasonMatchEnd); err != nil {
			if errors.Is(err, portfolio.ErrNoSuchHolding) {
				continue
			}
			slog.Error("match-end force-sell failed",
				"holding", h.ID, "user", h.UserID, "err", err)
			sweepErr = err
			continue
		}
		settled++
	}

	slog.Info("match settled", "match", state.MatchID, "status", state.Status, "holdings", settled)
	return settled, sweepErr
}
