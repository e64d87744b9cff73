package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu             sync.RWMutex
	orders         map[string]*Order
	disputes       map[string]*Dispute
	openByOrder    map[string]string // order ID → open dispute ID
	releasedBySell map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:         make(map[string]*Order),
		disputes:       make(map[string]*Dispute),
		openByOrder:    make(map[string]string),
		releasedBySell: make(map[string]int),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateOrder(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) UpdateOrder(ctx context.Context, o *Order, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	// Same compare-and-swap the postgres store does with its status
	// predicate, here under the map's write lock.
	if prev.Status != expect {
		return ErrOrderConflict
	}
	if o.Status == StatusReleased && prev.Status != StatusReleased {
		m.releasedBySell[o.SellerID]++
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if o.BuyerID == accountID || o.SellerID == accountID || o.PilotID == accountID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListEligibleForRelease(ctx context.Context, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if o.Status == StatusEscrowed && o.DeliveryStatus == DeliveryDelivered {
			cp := *o
			out = append(out, &cp)
		}
	}
	// Oldest first, so long-waiting orders release ahead of fresh ones.
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListResolvedSince(ctx context.Context, since time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if o.IsTerminal() && o.ResolvedAt != nil && !o.ResolvedAt.Before(since) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ResolvedAt.After(*out[j].ResolvedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountReleasedBySeller(ctx context.Context, sellerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.releasedBySell[sellerID], nil
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, open := m.openByOrder[d.OrderID]; open {
		return ErrDisputeAlreadyOpen
	}
	cp := *d
	m.disputes[d.ID] = &cp
	if d.Status == DisputeOpen {
		m.openByOrder[d.OrderID] = d.ID
	}
	return nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetOpenDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.openByOrder[orderID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *m.disputes[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	m.disputes[d.ID] = &cp
	if d.Status != DisputeOpen && m.openByOrder[d.OrderID] == d.ID {
		delete(m.openByOrder, d.OrderID)
	}
	return nil
}
