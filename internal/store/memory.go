package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/crickx/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*model.User
	holdings map[string]*model.Holding
	matches  map[string]*model.MatchState
	company  *model.CompanyLedger
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*model.User),
		holdings: make(map[string]*model.Holding),
		matches:  make(map[string]*model.MatchState),
	}
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) PutUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) PutHolding(_ context.Context, h *model.Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *h
	s.holdings[h.ID] = &copy
	return nil
}

func (s *MemoryStore) DeleteHolding(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.holdings, id)
	return nil
}

func (s *MemoryStore) GetOpenHolding(_ context.Context, userID, matchID, assetID string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, h := range s.holdings {
		if h.UserID == userID && h.MatchID == matchID && h.AssetID == assetID && h.Status == model.HoldingOpen {
			copy := *h
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("open holding %s/%s/%s: %w", userID, matchID, assetID, ErrNotFound)
}

func (s *MemoryStore) ListHoldings(_ context.Context, userID string, f HoldingFilter) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for _, h := range s.holdings {
		if h.UserID != userID {
			continue
		}
		if f.Status != "" && h.Status != f.Status {
			continue
		}
		if f.Kind != "" && h.AssetKind != f.Kind {
			continue
		}
		result = append(result, *h)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return nil, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (s *MemoryStore) OpenHoldingsByAsset(_ context.Context, matchID, assetID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for _, h := range s.holdings {
		if h.MatchID == matchID && h.AssetID == assetID && h.Status == model.HoldingOpen {
			result = append(result, *h)
		}
	}
	return result, nil
}

func (s *MemoryStore) OpenHoldingsByMatch(_ context.Context, matchID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for _, h := range s.holdings {
		if h.MatchID == matchID && h.Status == model.HoldingOpen {
			result = append(result, *h)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetMatchState(_ context.Context, matchID string) (*model.MatchState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.matches[matchID]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	}
	return st.Clone(), nil
}

func (s *MemoryStore) PutMatchState(_ context.Context, st *model.MatchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.matches[st.MatchID] = st.Clone()
	return nil
}

func (s *MemoryStore) GetCompanyLedger(_ context.Context) (*model.CompanyLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.company == nil {
		return nil, fmt.Errorf("company ledger: %w", ErrNotFound)
	}
	copy := *s.company
	return &copy, nil
}

func (s *MemoryStore) PutCompanyLedger(_ context.Context, l *model.CompanyLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *l
	s.company = &copy
	return nil
}
