package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crickx/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot documents: users and match state. Writes go to the
// primary store and invalidate the cache; reads check Redis first then
// fall back to the primary. Holding queries pass through; they back
// money-mutating paths that must always see the source of truth.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Users ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(id), data, s.ttl)
	}
	return u, nil
}

func (s *CachedStore) PutUser(ctx context.Context, u *model.User) error {
	if err := s.primary.PutUser(ctx, u); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, userKey(u.ID))
	return nil
}

// --- Holdings (passthrough) ---

func (s *CachedStore) DeleteHolding(ctx context.Context, id string) error {
	return s.primary.DeleteHolding(ctx, id)
}

func (s *CachedStore) PutHolding(ctx context.Context, h *model.Holding) error {
	return s.primary.PutHolding(ctx, h)
}

func (s *CachedStore) GetOpenHolding(ctx context.Context, userID, matchID, assetID string) (*model.Holding, error) {
	return s.primary.GetOpenHolding(ctx, userID, matchID, assetID)
}

func (s *CachedStore) ListHoldings(ctx context.Context, userID string, f HoldingFilter) ([]model.Holding, error) {
	return s.primary.ListHoldings(ctx, userID, f)
}

func (s *CachedStore) OpenHoldingsByAsset(ctx context.Context, matchID, assetID string) ([]model.Holding, error) {
	return s.primary.OpenHoldingsByAsset(ctx, matchID, assetID)
}

func (s *CachedStore) OpenHoldingsByMatch(ctx context.Context, matchID string) ([]model.Holding, error) {
	return s.primary.OpenHoldingsByMatch(ctx, matchID)
}

// --- Match state ---

func (s *CachedStore) GetMatchState(ctx context.Context, matchID string) (*model.MatchState, error) {
	data, err := s.rdb.Get(ctx, matchKey(matchID)).Bytes()
	if err == nil {
		var st model.MatchState
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.GetMatchState(ctx, matchID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, matchKey(matchID), data, s.ttl)
	}
	return st, nil
}

func (s *CachedStore) PutMatchState(ctx context.Context, st *model.MatchState) error {
	if err := s.primary.PutMatchState(ctx, st); err != nil {
		return err
	}
	// Write-through: match state is the hottest read path.
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, matchKey(st.MatchID), data, s.ttl)
	}
	return nil
}

// --- Company ledger (passthrough; serialized singleton) ---

func (s *CachedStore) GetCompanyLedger(ctx context.Context) (*model.CompanyLedger, error) {
	return s.primary.GetCompanyLedger(ctx)
}

func (s *CachedStore) PutCompanyLedger(ctx context.Context, l *model.CompanyLedger) error {
	return s.primary.PutCompanyLedger(ctx, l)
}

func userKey(id string) string  { return fmt.Sprintf("user:%s", id) }
func matchKey(id string) string { return fmt.Sprintf("match:%s", id) }
