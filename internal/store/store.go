// Package store defines the persistence interface for the trading
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
//
// All persisted records are structured documents keyed by natural ids:
// userID for users, a uuid per holding, matchID for match state, and a
// singleton row for the company ledger.
package store

import (
	"context"
	"errors"

	"github.com/crickx/trading-engine/internal/model"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable wraps transient backend failures. Callers retry
	// with backoff at the access boundary.
	ErrUnavailable = errors.New("store: unavailable")
)

// HoldingFilter narrows holding queries.
type HoldingFilter struct {
	Status string          // "open", "closed", or "" for both
	Kind   model.AssetKind // "" for both
	Limit  int             // 0 = no limit
	Offset int
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Users ---

	// GetUser retrieves a user document by id.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// PutUser upserts a user document.
	PutUser(ctx context.Context, u *model.User) error

	// --- Holdings ---

	// PutHolding upserts one holding record.
	PutHolding(ctx context.Context, h *model.Holding) error

	// DeleteHolding removes a holding record. Deleting an absent id is
	// not an error. Used only to undo a record the failing operation
	// itself created.
	DeleteHolding(ctx context.Context, id string) error

	// GetOpenHolding returns the single open holding for (user, match,
	// asset), or ErrNotFound.
	GetOpenHolding(ctx context.Context, userID, matchID, assetID string) (*model.Holding, error)

	// ListHoldings returns a user's holdings, newest first, narrowed by
	// the filter.
	ListHoldings(ctx context.Context, userID string, f HoldingFilter) ([]model.Holding, error)

	// OpenHoldingsByAsset returns every open holding on one asset across
	// all users. Used by dismissal settlement.
	OpenHoldingsByAsset(ctx context.Context, matchID, assetID string) ([]model.Holding, error)

	// OpenHoldingsByMatch returns every open holding for a match across
	// all users and assets. Used by match-end settlement.
	OpenHoldingsByMatch(ctx context.Context, matchID string) ([]model.Holding, error)

	// --- Match state ---

	// GetMatchState retrieves the authoritative snapshot for a match.
	GetMatchState(ctx context.Context, matchID string) (*model.MatchState, error)

	// PutMatchState upserts the snapshot for a match.
	PutMatchState(ctx context.Context, st *model.MatchState) error

	// --- Company ledger (singleton) ---

	// GetCompanyLedger retrieves the singleton accounting aggregate.
	GetCompanyLedger(ctx context.Context) (*model.CompanyLedger, error)

	// PutCompanyLedger upserts the singleton accounting aggregate.
	PutCompanyLedger(ctx context.Context, l *model.CompanyLedger) error
}
