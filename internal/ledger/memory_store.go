package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ojapay/ojapay/internal/idgen"
	"github.com/ojapay/ojapay/internal/money"
	"github.com/ojapay/ojapay/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts    map[string]*Account
	txns        []*Transaction
	byReference map[string]*Transaction
	withdrawals map[string]*Withdrawal
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*Account),
		byReference: make(map[string]*Transaction),
		withdrawals: make(map[string]*Withdrawal),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account.ID]; ok {
		return ErrAccountExists
	}
	cp := *account
	m.accounts[account.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

// Apply validates the whole batch before touching any balance, so a failed
// leg can never leave a partial update behind.
func (m *MemoryStore) Apply(ctx context.Context, legs []Leg) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validation pass: references unique, debits covered.
	pending := make(map[string]struct{}, len(legs))
	balances := make(map[string]decimal.Decimal, len(legs))
	for _, leg := range legs {
		if _, ok := m.byReference[leg.Reference]; ok {
			return ErrDuplicateReference
		}
		if _, ok := pending[leg.Reference]; ok {
			return ErrDuplicateReference
		}
		pending[leg.Reference] = struct{}{}

		bal, ok := balances[leg.AccountID]
		if !ok {
			acct, exists := m.accounts[leg.AccountID]
			if !exists {
				if leg.Type == Debit {
					return ErrAccountNotFound
				}
				bal = money.Zero
			} else {
				bal = acct.Balance
			}
		}
		if leg.Type == Debit {
			bal = bal.Sub(leg.Amount)
			if bal.IsNegative() {
				return ErrInsufficientFunds
			}
		} else {
			bal = bal.Add(leg.Amount)
		}
		balances[leg.AccountID] = bal
	}

	// Mutation pass.
	now := time.Now()
	for id, bal := range balances {
		acct, ok := m.accounts[id]
		if !ok {
			acct = &Account{ID: id, CreatedAt: now}
			m.accounts[id] = acct
		}
		acct.Balance = bal
		acct.UpdatedAt = now
	}
	for _, leg := range legs {
		txn := &Transaction{
			ID:        idgen.WithPrefix("txn_"),
			AccountID: leg.AccountID,
			Type:      leg.Type,
			Amount:    leg.Amount,
			Reference: leg.Reference,
			CreatedAt: now,
		}
		m.txns = append(m.txns, txn)
		m.byReference[leg.Reference] = txn
	}
	return nil
}

func (m *MemoryStore) HasReference(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.byReference[reference]
	return ok, nil
}

func (m *MemoryStore) History(ctx context.Context, accountID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.txns) - 1; i >= 0 && len(result) < limit; i-- {
		txn := m.txns[i]
		if txn.AccountID != accountID {
			continue
		}
		if cursor != nil && !beforeCursor(txn, cursor) {
			continue
		}
		cp := *txn
		result = append(result, &cp)
	}
	return result, nil
}

// beforeCursor reports whether txn sorts strictly after the cursor position
// in the newest-first ordering (created_at DESC, id DESC).
func beforeCursor(txn *Transaction, c *pagination.Cursor) bool {
	if txn.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return txn.CreatedAt.Equal(c.CreatedAt) && txn.ID < c.ID
}

func (m *MemoryStore) FindByReferencePrefix(ctx context.Context, prefix string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, txn := range m.txns {
		if strings.HasPrefix(txn.Reference, prefix) {
			cp := *txn
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) UpdateWithdrawal(ctx context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.withdrawals[w.ID]; !ok {
		return ErrWithdrawalNotFound
	}
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
