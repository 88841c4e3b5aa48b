// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal; float64 is never used for money.
package model

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// AssetKind distinguishes player stocks from team stocks.
type AssetKind string

const (
	AssetPlayer AssetKind = "player"
	AssetTeam   AssetKind = "team"
)

// Holding statuses. A holding is mutable only while open; once closed it
// is immutable and any further position in the same asset gets a new record.
const (
	HoldingOpen   = "open"
	HoldingClosed = "closed"
)

// Close reasons recorded on sells.
const (
	ReasonUserSold  = "User Sold"
	ReasonPlayerOut = "Player Out — Auto Sold"
	ReasonMatchEnd  = "Match Ended"
)

// User owns a cash balance and a bonus balance. Balances are never
// negative after a committed operation; a rejected operation leaves
// state unchanged.
type User struct {
	ID           string          `json:"id" db:"id"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	BonusBalance decimal.Decimal `json:"bonus_balance" db:"bonus_balance"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Holding represents one position in one asset (player or team) for one
// match. A buy against an existing open holding for the same (asset,
// match) merges in place using quantity-weighted average cost; a sell
// either closes it in full or splits it into a reduced open remainder
// plus a new closed record.
type Holding struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	MatchID     string          `json:"match_id" db:"match_id"`
	AssetID     string          `json:"asset_id" db:"asset_id"`
	AssetKind   AssetKind       `json:"asset_kind" db:"asset_kind"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	AvgPrice    decimal.Decimal `json:"avg_price" db:"avg_price"` // quantity-weighted mean fill
	Status      string          `json:"status" db:"status"`       // "open" or "closed"
	SoldPrice   decimal.Decimal `json:"sold_price" db:"sold_price"`
	Profit      decimal.Decimal `json:"profit" db:"profit"`         // realized, set on close
	ProfitPct   decimal.Decimal `json:"profit_pct" db:"profit_pct"` // realized, set on close
	CloseReason string          `json:"close_reason,omitempty" db:"close_reason"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// EventKind tags the canonical feed event variants.
type EventKind string

const (
	EventBall         EventKind = "ball"
	EventWicket       EventKind = "wicket"
	EventStatusChange EventKind = "status_change"
)

// MatchEvent is the canonical form of one feed message. Constructed by
// the normalizer, consumed exactly once by the pricing/settlement
// pipeline, then discarded (only the dedupe key outlives it).
type MatchEvent struct {
	MatchID       string    `json:"match_id"`
	Kind          EventKind `json:"kind"`
	EventID       string    `json:"event_id"`
	Over          int       `json:"over"`
	Ball          int       `json:"ball"`
	Runs          int       `json:"runs"`
	BatsmanID     string    `json:"batsman_id"`
	BatsmanPos    int       `json:"batsman_pos"`
	BowlerID      string    `json:"bowler_id"`
	BattingTeamID string    `json:"batting_team_id"`
	BowlingTeamID string    `json:"bowling_team_id"`
	PlayerOutID   string    `json:"player_out_id,omitempty"`
	HowOut        string    `json:"how_out,omitempty"`
	Status        string    `json:"status,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// DedupeKey is the stable ball identity used to recognize and discard
// re-delivered feed events.
func (e *MatchEvent) DedupeKey() string {
	return e.MatchID + ":" + strconv.Itoa(e.Over) + ":" + strconv.Itoa(e.Ball) + ":" + e.EventID
}

// BattingLine is a player's cumulative batting scorecard, broken into
// run-type counts. Player price is recomputed from the full line, never
// from incremental deltas, so duplicate delivery is self-correcting.
type BattingLine struct {
	PlayerID string `json:"player_id"`
	Position int    `json:"position"` // 1-based batting order
	Dots     int    `json:"dots"`
	Singles  int    `json:"singles"`
	Twos     int    `json:"twos"`
	Threes   int    `json:"threes"`
	Fours    int    `json:"fours"`
	Sixes    int    `json:"sixes"`
	Out      bool   `json:"out"`
}

// Runs returns the total runs scored in the line.
func (b *BattingLine) Runs() int {
	return b.Singles + 2*b.Twos + 3*b.Threes + 4*b.Fours + 6*b.Sixes
}

// MatchState is the per-match authoritative snapshot: current team
// prices, player prices, cumulative batting lines, and settlement flag.
// Created on the first event for a match id; retained for the match
// lifetime. Only the match pipeline writes it; everyone else reads a
// Clone.
type MatchState struct {
	MatchID      string                     `json:"match_id"`
	TeamPrices   map[string]decimal.Decimal `json:"team_prices"`
	PlayerPrices map[string]decimal.Decimal `json:"player_prices"`
	BattingLines map[string]*BattingLine    `json:"batting_lines"`
	Status       string                     `json:"status"`
	Settled      bool                       `json:"settled"`
	UpdatedAt    time.Time                  `json:"updated_at"`

	// PendingDismissals holds player ids whose dismissal sweep has not
	// completed yet, so a store failure mid-sweep survives restarts and
	// is retried on the next event for the match.
	PendingDismissals []string `json:"pending_dismissals,omitempty"`
}

// NewMatchState creates the initial snapshot for a match, with both team
// prices at the neutral baseline.
func NewMatchState(matchID, teamA, teamB string, baseline decimal.Decimal) *MatchState {
	st := &MatchState{
		MatchID:      matchID,
		TeamPrices:   make(map[string]decimal.Decimal, 2),
		PlayerPrices: make(map[string]decimal.Decimal),
		BattingLines: make(map[string]*BattingLine),
		UpdatedAt:    time.Now().UTC(),
	}
	for _, team := range []string{teamA, teamB} {
		if team != "" {
			st.TeamPrices[team] = baseline
		}
	}
	return st
}

// Clone returns a deep copy for readers outside the match writer.
func (m *MatchState) Clone() *MatchState {
	c := &MatchState{
		MatchID:      m.MatchID,
		TeamPrices:   make(map[string]decimal.Decimal, len(m.TeamPrices)),
		PlayerPrices: make(map[string]decimal.Decimal, len(m.PlayerPrices)),
		BattingLines: make(map[string]*BattingLine, len(m.BattingLines)),
		Status:       m.Status,
		Settled:      m.Settled,
		UpdatedAt:    m.UpdatedAt,
	}
	for k, v := range m.TeamPrices {
		c.TeamPrices[k] = v
	}
	for k, v := range m.PlayerPrices {
		c.PlayerPrices[k] = v
	}
	for k, v := range m.BattingLines {
		line := *v
		c.BattingLines[k] = &line
	}
	if len(m.PendingDismissals) > 0 {
		c.PendingDismissals = append([]string(nil), m.PendingDismissals...)
	}
	return c
}

// Price returns the current price of an asset in the match, or false if
// the asset is unknown.
func (m *MatchState) Price(kind AssetKind, assetID string) (decimal.Decimal, bool) {
	switch kind {
	case AssetTeam:
		p, ok := m.TeamPrices[assetID]
		return p, ok
	case AssetPlayer:
		p, ok := m.PlayerPrices[assetID]
		return p, ok
	}
	return decimal.Zero, false
}

// CompanyLedger is the singleton platform accounting aggregate. Every
// fee-bearing portfolio operation applies its delta here in the same
// logical transaction as the user-side mutation.
type CompanyLedger struct {
	TotalProfit    decimal.Decimal `json:"total_profit" db:"total_profit"`
	FromFees       decimal.Decimal `json:"from_fees" db:"from_fees"`
	FromProfitCuts decimal.Decimal `json:"from_profit_cuts" db:"from_profit_cuts"`
	FromLosses     decimal.Decimal `json:"from_losses" db:"from_losses"` // absorbed user losses, a recorded metric
	FromAutoSell   decimal.Decimal `json:"from_auto_sell" db:"from_auto_sell"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}
