// Package portfolio implements the per-user holdings ledger: buy, sell,
// partial sell, forced auto-sell, and portfolio listing, with
// average-cost accounting and the platform fee/profit split.
//
// All operations on one user are mutually exclusive (per-user lock with
// timeout); every fee-bearing mutation applies its company-ledger delta
// in the same logical transaction as the user-side change, rolling the
// user side back if the company side cannot commit.
//
// All monetary values use shopspring/decimal; float64 is never used for money.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crickx/trading-engine/internal/hub"
	"github.com/crickx/trading-engine/internal/ledger"
	"github.com/crickx/trading-engine/internal/metrics"
	"github.com/crickx/trading-engine/internal/model"
	"github.com/crickx/trading-engine/internal/pricing"
	"github.com/crickx/trading-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when cost plus fee exceeds the
	// user's cash and bonus balances combined.
	ErrInsufficientFunds = errors.New("portfolio: insufficient funds")

	// ErrNoSuchHolding is returned when a sell targets no open holding.
	ErrNoSuchHolding = errors.New("portfolio: no such holding")

	// ErrOverSell is returned when a sell quantity exceeds the held
	// quantity. The holding is left untouched.
	ErrOverSell = errors.New("portfolio: sell quantity exceeds held quantity")

	// ErrLockTimeout is returned when the per-user lock cannot be taken
	// in time. Retryable by the caller.
	ErrLockTimeout = errors.New("portfolio: user lock timeout")

	// ErrInvalidOrder is returned for non-positive quantity or price.
	ErrInvalidOrder = errors.New("portfolio: quantity and price must be positive")
)

// Service handles portfolio operations. The hub is optional; pass nil
// when real-time broadcasting is not needed.
type Service struct {
	st          store.Store
	pricer      *pricing.Engine
	company     *ledger.Company
	hub         *hub.Hub
	locks       *keyedLock
	lockTimeout time.Duration
}

// NewService creates a portfolio service.
func NewService(st store.Store, pricer *pricing.Engine, company *ledger.Company, h *hub.Hub) *Service {
	return &Service{
		st:          st,
		pricer:      pricer,
		company:     company,
		hub:         h,
		locks:       newKeyedLock(),
		lockTimeout: 5 * time.Second,
	}
}

// TradeResult reports the outcome of a committed buy or sell.
type TradeResult struct {
	Holding   model.Holding   `json:"holding"`
	Fee       decimal.Decimal `json:"fee"`
	ProfitCut decimal.Decimal `json:"profit_cut,omitempty"`
	Credited  decimal.Decimal `json:"credited,omitempty"` // cash returned on sells
	Balance   decimal.Decimal `json:"balance"`
	Bonus     decimal.Decimal `json:"bonus_balance"`
}

// Buy opens or extends a position. Cost is debited bonus balance first,
// then cash; the platform fee is credited to the company ledger in the
// same logical transaction. An existing open holding for the same
// (match, asset) merges via quantity-weighted average cost.
func (s *Service) Buy(ctx context.Context, userID, matchID, assetID string, kind model.AssetKind, qty, price decimal.Decimal) (*TradeResult, error) {
	if qty.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidOrder
	}

	start := time.Now()
	release, ok := s.locks.acquire(userID, s.lockTimeout)
	if !ok {
		metrics.TradesTotal.WithLabelValues("buy", "lock_timeout").Inc()
		return nil, ErrLockTimeout
	}
	defer release()

	u, err := s.st.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	notional := qty.Mul(price)
	fee := s.pricer.Fee(notional)
	total := notional.Add(fee)

	if total.GreaterThan(u.Balance.Add(u.BonusBalance)) {
		metrics.TradesTotal.WithLabelValues("buy", "insufficient_funds").Inc()
		return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds,
			total, u.Balance.Add(u.BonusBalance))
	}

	// Snapshot for rollback.
	prevUser := *u

	// Bonus balance absorbs the cost first.
	bonusDebit := decimal.Min(u.BonusBalance, total)
	u.BonusBalance = u.BonusBalance.Sub(bonusDebit)
	u.Balance = u.Balance.Sub(total.Sub(bonusDebit))

	// Merge into the open holding or create one.
	h, err := s.st.GetOpenHolding(ctx, userID, matchID, assetID)
	var prevHolding *model.Holding
	switch {
	case err == nil:
		prev := *h
		prevHolding = &prev
		merged := h.Quantity.Add(qty)
		h.AvgPrice = h.Quantity.Mul(h.AvgPrice).Add(qty.Mul(price)).Div(merged).Round(4)
		h.Quantity = merged
	case errors.Is(err, store.ErrNotFound):
		h = &model.Holding{
			ID:        uuid.New().String(),
			UserID:    userID,
			MatchID:   matchID,
			AssetID:   assetID,
			AssetKind: kind,
			Quantity:  qty,
			AvgPrice:  price,
			Status:    model.HoldingOpen,
			CreatedAt: time.Now().UTC(),
		}
	default:
		return nil, err
	}

	if err := s.st.PutUser(ctx, u); err != nil {
		return nil, err
	}
	if err := s.st.PutHolding(ctx, h); err != nil {
		s.restoreUser(ctx, &prevUser)
		return nil, err
	}
	if err := s.company.Apply(ctx, ledger.Delta{Fee: fee}); err != nil {
		// Company credit failed: undo the user side so neither drifts.
		s.restoreUser(ctx, &prevUser)
		s.restoreHolding(ctx, prevHolding, h)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("buy", "ok").Inc()
	metrics.TradeLatency.WithLabelValues("buy").Observe(time.Since(start).Seconds())

	slog.Info("buy executed",
		"user", userID,
		"match", matchID,
		"asset", assetID,
		"qty", qty.String(),
		"price", price.String(),
		"fee", fee.String(),
		"avg_price", h.AvgPrice.String(),
	)

	res := &TradeResult{Holding: *h, Fee: fee, Balance: u.Balance, Bonus: u.BonusBalance}
	s.notify(userID, "buy", res)
	return res, nil
}

// Sell closes all or part of an open position at the given price.
// Selling the full held quantity closes the holding; a partial sell
// splits it into a reduced open remainder plus one new closed record.
//
// On profit the company takes a 5% cut plus the platform fee and the
// user receives notional − cut − fee. On loss the company takes only
// the fee, records the loss as an absorbed metric, and the user
// receives notional − fee.
func (s *Service) Sell(ctx context.Context, userID, matchID, assetID string, qty, price decimal.Decimal) (*TradeResult, error) {
	if qty.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidOrder
	}

	start := time.Now()
	release, ok := s.locks.acquire(userID, s.lockTimeout)
	if !ok {
		metrics.TradesTotal.WithLabelValues("sell", "lock_timeout").Inc()
		return nil, ErrLockTimeout
	}
	defer release()

	res, err := s.sellLocked(ctx, userID, matchID, assetID, qty, price, model.ReasonUserSold)
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("sell", "ok").Inc()
	metrics.TradeLatency.WithLabelValues("sell").Observe(time.Since(start).Seconds())
	s.notify(userID, "sell", res)
	return res, nil
}

// ForceSell liquidates one holding at a policy-determined price on
// behalf of the settlement engine: avgCost × haircut on a dismissal,
// last known price at match end. The caller supplies the reason; the
// fee is booked to the auto-sell bucket for dismissals and to the
// standard fee bucket otherwise.
func (s *Service) ForceSell(ctx context.Context, h model.Holding, price decimal.Decimal, reason string) (*TradeResult, error) {
	release, ok := s.locks.acquire(h.UserID, s.lockTimeout)
	if !ok {
		return nil, ErrLockTimeout
	}
	defer release()

	// Re-fetch under the lock: the user may have sold in the meantime.
	fresh, err := s.st.GetOpenHolding(ctx, h.UserID, h.MatchID, h.AssetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: already closed", ErrNoSuchHolding)
	}
	if err != nil {
		return nil, err
	}

	res, err := s.sellLocked(ctx, h.UserID, h.MatchID, h.AssetID, fresh.Quantity, price, reason)
	if err != nil {
		return nil, err
	}

	metrics.AutoSellsTotal.WithLabelValues(reason).Inc()
	slog.Info("auto-sell executed",
		"user", h.UserID,
		"match", h.MatchID,
		"asset", h.AssetID,
		"price", price.String(),
		"reason", reason,
	)
	s.notify(h.UserID, "auto_sell", res)
	return res, nil
}

// sellLocked performs sell accounting. Caller holds the user lock.
func (s *Service) sellLocked(ctx context.Context, userID, matchID, assetID string, qty, price decimal.Decimal, reason string) (*TradeResult, error) {
	u, err := s.st.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	h, err := s.st.GetOpenHolding(ctx, userID, matchID, assetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoSuchHolding, matchID, assetID)
	}
	if err != nil {
		return nil, err
	}
	if qty.GreaterThan(h.Quantity) {
		return nil, fmt.Errorf("%w: held %s, requested %s", ErrOverSell, h.Quantity, qty)
	}

	notional := qty.Mul(price)
	fee := s.pricer.Fee(notional)
	pnl := price.Sub(h.AvgPrice).Mul(qty).Round(4)

	var delta ledger.Delta
	var cut decimal.Decimal
	credit := notional.Sub(fee)
	if pnl.IsPositive() {
		cut = s.pricer.ProfitCut(pnl)
		credit = credit.Sub(cut)
		delta.ProfitCut = cut
	} else if pnl.IsNegative() {
		// Losses carry no extra platform share, only the absorption metric.
		delta.Loss = pnl.Abs()
	}
	if reason == model.ReasonPlayerOut {
		delta.AutoSellFee = fee
	} else {
		delta.Fee = fee
	}

	prevUser := *u
	prevHolding := *h
	u.Balance = u.Balance.Add(credit)

	now := time.Now().UTC()
	profitPct := decimal.Zero
	if h.AvgPrice.IsPositive() {
		profitPct = price.Sub(h.AvgPrice).Div(h.AvgPrice).Mul(decimal.NewFromInt(100)).Round(2)
	}

	var closed *model.Holding
	if qty.Equal(h.Quantity) {
		// Full sell closes the holding in place.
		h.Status = model.HoldingClosed
		h.SoldPrice = price
		h.Profit = pnl
		h.ProfitPct = profitPct
		h.CloseReason = reason
		h.ClosedAt = &now
		closed = h
	} else {
		// Partial sell: shrink the open remainder, close the sold slice
		// as a new immutable record.
		h.Quantity = h.Quantity.Sub(qty)
		closed = &model.Holding{
			ID:          uuid.New().String(),
			UserID:      userID,
			MatchID:     matchID,
			AssetID:     assetID,
			AssetKind:   h.AssetKind,
			Quantity:    qty,
			AvgPrice:    h.AvgPrice,
			Status:      model.HoldingClosed,
			SoldPrice:   price,
			Profit:      pnl,
			ProfitPct:   profitPct,
			CloseReason: reason,
			CreatedAt:   h.CreatedAt,
			ClosedAt:    &now,
		}
	}

	if err := s.st.PutUser(ctx, u); err != nil {
		return nil, err
	}
	if err := s.st.PutHolding(ctx, h); err != nil {
		s.restoreUser(ctx, &prevUser)
		return nil, err
	}
	if closed != h {
		if err := s.st.PutHolding(ctx, closed); err != nil {
			s.restoreUser(ctx, &prevUser)
			s.restoreHolding(ctx, &prevHolding, h)
			return nil, err
		}
	}
	if err := s.company.Apply(ctx, delta); err != nil {
		s.restoreUser(ctx, &prevUser)
		s.restoreHolding(ctx, &prevHolding, h)
		if closed != h {
			s.restoreHolding(ctx, nil, closed)
		}
		return nil, err
	}

	slog.Info("sell executed",
		"user", userID,
		"match", matchID,
		"asset", assetID,
		"qty", qty.String(),
		"price", price.String(),
		"pnl", pnl.String(),
		"fee", fee.String(),
		"cut", cut.String(),
		"reason", reason,
	)

	return &TradeResult{
		Holding:   *closed,
		Fee:       fee,
		ProfitCut: cut,
		Credited:  credit,
		Balance:   u.Balance,
		Bonus:     u.BonusBalance,
	}, nil
}

// restoreUser best-effort undoes a user mutation after a downstream
// failure. A failed restore is logged loudly; the operation has already
// returned an error to the caller.
func (s *Service) restoreUser(ctx context.Context, prev *model.User) {
	if err := s.st.PutUser(ctx, prev); err != nil {
		slog.Error("rollback failed: user state may be inconsistent", "user", prev.ID, "err", err)
	}
}

// restoreHolding undoes a holding mutation. prev == nil means the
// holding was newly created by this operation; it is removed so the
// rejected operation leaves no trace in the user's history.
func (s *Service) restoreHolding(ctx context.Context, prev, current *model.Holding) {
	if prev == nil {
		if err := s.st.DeleteHolding(ctx, current.ID); err != nil {
			slog.Error("rollback failed: holding may be inconsistent", "holding", current.ID, "err", err)
		}
		return
	}
	if err := s.st.PutHolding(ctx, prev); err != nil {
		slog.Error("rollback failed: holding may be inconsistent", "holding", prev.ID, "err", err)
	}
}

// PortfolioView is the List response: open holdings plus paginated
// closed history, partitioned by asset kind.
type PortfolioView struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	Bonus         decimal.Decimal `json:"bonus_balance"`
	OpenPlayers   []model.Holding `json:"open_players"`
	OpenTeams     []model.Holding `json:"open_teams"`
	ClosedPlayers []model.Holding `json:"closed_players"`
	ClosedTeams   []model.Holding `json:"closed_teams"`
	Page          int             `json:"page"`
	PageSize      int             `json:"page_size"`
}

// List returns the user's open holdings and a page of closed history.
func (s *Service) List(ctx context.Context, userID string, page, pageSize int) (*PortfolioView, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if page < 1 {
		page = 1
	}

	u, err := s.st.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	open, err := s.st.ListHoldings(ctx, userID, store.HoldingFilter{Status: model.HoldingOpen})
	if err != nil {
		return nil, err
	}
	closed, err := s.st.ListHoldings(ctx, userID, store.HoldingFilter{
		Status: model.HoldingClosed,
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	})
	if err != nil {
		return nil, err
	}

	view := &PortfolioView{
		UserID:        userID,
		Balance:       u.Balance,
		Bonus:         u.BonusBalance,
		OpenPlayers:   []model.Holding{},
		OpenTeams:     []model.Holding{},
		ClosedPlayers: []model.Holding{},
		ClosedTeams:   []model.Holding{},
		Page:          page,
		PageSize:      pageSize,
	}
	for _, h := range open {
		if h.AssetKind == model.AssetTeam {
			view.OpenTeams = append(view.OpenTeams, h)
		} else {
			view.OpenPlayers = append(view.OpenPlayers, h)
		}
	}
	for _, h := range closed {
		if h.AssetKind == model.AssetTeam {
			view.ClosedTeams = append(view.ClosedTeams, h)
		} else {
			view.ClosedPlayers = append(view.ClosedPlayers, h)
		}
	}
	return view, nil
}

// notify pushes a user-scoped update; no-op without a hub.
func (s *Service) notify(userID, typ string, payload interface{}) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastUser(userID, hub.Message{Type: typ, Payload: payload})
}
