package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/crickx/trading-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// match price maps and batting lines are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance, bonus string

	err := s.pool.QueryRow(ctx,
		`SELECT id, balance::TEXT, bonus_balance::TEXT, created_at
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &balance, &bonus, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, ErrUnavailable)
	}

	u.Balance, _ = decimal.NewFromString(balance)
	u.BonusBalance, _ = decimal.NewFromString(bonus)
	return &u, nil
}

func (s *PostgresStore) PutUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, balance, bonus_balance, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET balance = EXCLUDED.balance, bonus_balance = EXCLUDED.bonus_balance`,
		u.ID, u.Balance.String(), u.BonusBalance.String(), u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put user %s: %w", u.ID, ErrUnavailable)
	}
	return nil
}

const holdingColumns = `id, user_id, match_id, asset_id, asset_kind,
	quantity::TEXT, avg_price::TEXT, status,
	sold_price::TEXT, profit::TEXT, profit_pct::TEXT,
	close_reason, created_at, closed_at`

func (s *PostgresStore) PutHolding(ctx context.Context, h *model.Holding) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO holdings (id, user_id, match_id, asset_id, asset_kind,
		                       quantity, avg_price, status, sold_price,
		                       profit, profit_pct, close_reason, created_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE
		 SET quantity = EXCLUDED.quantity, avg_price = EXCLUDED.avg_price,
		     status = EXCLUDED.status, sold_price = EXCLUDED.sold_price,
		     profit = EXCLUDED.profit, profit_pct = EXCLUDED.profit_pct,
		     close_reason = EXCLUDED.close_reason, closed_at = EXCLUDED.closed_at`,
		h.ID, h.UserID, h.MatchID, h.AssetID, string(h.AssetKind),
		h.Quantity.String(), h.AvgPrice.String(), h.Status,
		h.SoldPrice.String(), h.Profit.String(), h.ProfitPct.String(),
		h.CloseReason, h.CreatedAt, h.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("put holding %s: %w", h.ID, ErrUnavailable)
	}
	return nil
}

func (s *PostgresStore) DeleteHolding(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM holdings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete holding %s: %w", id, ErrUnavailable)
	}
	return nil
}

func (s *PostgresStore) GetOpenHolding(ctx context.Context, userID, matchID, assetID string) (*model.Holding, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+holdingColumns+`
		 FROM holdings
		 WHERE user_id = $1 AND match_id = $2 AND asset_id = $3 AND status = 'open'`,
		userID, matchID, assetID)

	h, err := scanHolding(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("open holding %s/%s/%s: %w", userID, matchID, assetID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get open holding: %w", ErrUnavailable)
	}
	return h, nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, userID string, f HoldingFilter) ([]model.Holding, error) {
	query := `SELECT ` + holdingColumns + ` FROM holdings WHERE user_id = $1`
	args := []interface{}{userID}

	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		query += fmt.Sprintf(" AND asset_kind = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", ErrUnavailable)
	}
	defer rows.Close()

	return scanHoldings(rows)
}

func (s *PostgresStore) OpenHoldingsByAsset(ctx context.Context, matchID, assetID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdingColumns+`
		 FROM holdings
		 WHERE match_id = $1 AND asset_id = $2 AND status = 'open'`,
		matchID, assetID)
	if err != nil {
		return nil, fmt.Errorf("open holdings by asset: %w", ErrUnavailable)
	}
	defer rows.Close()

	return scanHoldings(rows)
}

func (s *PostgresStore) OpenHoldingsByMatch(ctx context.Context, matchID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdingColumns+`
		 FROM holdings
		 WHERE match_id = $1 AND status = 'open'`,
		matchID)
	if err != nil {
		return nil, fmt.Errorf("open holdings by match: %w", ErrUnavailable)
	}
	defer rows.Close()

	return scanHoldings(rows)
}

func (s *PostgresStore) GetMatchState(ctx context.Context, matchID string) (*model.MatchState, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM match_states WHERE match_id = $1`, matchID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get match state %s: %w", matchID, ErrUnavailable)
	}

	var st model.MatchState
	if err := json.Unmarshal(doc, &st); err != nil {
		return nil, fmt.Errorf("decode match state %s: %w", matchID, err)
	}
	return &st, nil
}

func (s *PostgresStore) PutMatchState(ctx context.Context, st *model.MatchState) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode match state %s: %w", st.MatchID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO match_states (match_id, doc, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (match_id) DO UPDATE
		 SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		st.MatchID, doc, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put match state %s: %w", st.MatchID, ErrUnavailable)
	}
	return nil
}

func (s *PostgresStore) GetCompanyLedger(ctx context.Context) (*model.CompanyLedger, error) {
	var l model.CompanyLedger
	var total, fees, cuts, losses, auto string

	err := s.pool.QueryRow(ctx,
		`SELECT total_profit::TEXT, from_fees::TEXT, from_profit_cuts::TEXT,
		        from_losses::TEXT, from_auto_sell::TEXT, updated_at
		 FROM company_ledger WHERE id = 1`).
		Scan(&total, &fees, &cuts, &losses, &auto, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("company ledger: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get company ledger: %w", ErrUnavailable)
	}

	l.TotalProfit, _ = decimal.NewFromString(total)
	l.FromFees, _ = decimal.NewFromString(fees)
	l.FromProfitCuts, _ = decimal.NewFromString(cuts)
	l.FromLosses, _ = decimal.NewFromString(losses)
	l.FromAutoSell, _ = decimal.NewFromString(auto)
	return &l, nil
}

func (s *PostgresStore) PutCompanyLedger(ctx context.Context, l *model.CompanyLedger) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO company_ledger (id, total_profit, from_fees, from_profit_cuts,
		                             from_losses, from_auto_sell, updated_at)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET total_profit = EXCLUDED.total_profit, from_fees = EXCLUDED.from_fees,
		     from_profit_cuts = EXCLUDED.from_profit_cuts, from_losses = EXCLUDED.from_losses,
		     from_auto_sell = EXCLUDED.from_auto_sell, updated_at = EXCLUDED.updated_at`,
		l.TotalProfit.String(), l.FromFees.String(), l.FromProfitCuts.String(),
		l.FromLosses.String(), l.FromAutoSell.String(), l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put company ledger: %w", ErrUnavailable)
	}
	return nil
}

// scanHolding reads one row into a Holding, decoding NUMERIC columns
// from their text form.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHolding(row rowScanner) (*model.Holding, error) {
	var h model.Holding
	var kind, qty, avg, sold, profit, pct string

	err := row.Scan(&h.ID, &h.UserID, &h.MatchID, &h.AssetID, &kind,
		&qty, &avg, &h.Status, &sold, &profit, &pct,
		&h.CloseReason, &h.CreatedAt, &h.ClosedAt)
	if err != nil {
		return nil, err
	}

	h.AssetKind = model.AssetKind(kind)
	h.Quantity, _ = decimal.NewFromString(qty)
	h.AvgPrice, _ = decimal.NewFromString(avg)
	h.SoldPrice, _ = decimal.NewFromString(sold)
	h.Profit, _ = decimal.NewFromString(profit)
	h.ProfitPct, _ = decimal.NewFromString(pct)
	return &h, nil
}

func scanHoldings(rows pgx.Rows) ([]model.Holding, error) {
	var holdings []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}
