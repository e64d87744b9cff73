package reputation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory reputation store for demo/development mode.
type MemoryStore struct {
	ratings map[string]*Rating
	tiers   map[string]Tier
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory reputation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ratings: make(map[string]*Rating),
		tiers:   make(map[string]Tier),
	}
}

func (m *MemoryStore) AddPilotRating(ctx context.Context, pilotID string, rating int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.ratings[pilotID]
	if !ok {
		r = &Rating{PilotID: pilotID}
		m.ratings[pilotID] = r
	}
	r.Sum += int64(rating)
	r.Count++
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetPilotRating(ctx context.Context, pilotID string) (*Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.ratings[pilotID]
	if !ok {
		return nil, ErrPilotNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) SetMerchantTier(ctx context.Context, merchantID string, tier Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tiers[merchantID] = tier
	return nil
}

func (m *MemoryStore) GetMerchantTier(ctx context.Context, merchantID string) (Tier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tier, ok := m.tiers[merchantID]
	if !ok {
		return TierNovice, nil
	}
	return tier, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
