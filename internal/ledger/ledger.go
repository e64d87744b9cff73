// Package ledger tracks wallet balances and the immutable transaction log.
//
// Every balance change is paired with exactly one transaction record, and
// every transaction carries a unique reference string. That uniqueness is the
// system's idempotency guard: an operation that would re-apply a reference
// fails with ErrDuplicateReference instead of moving money twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ojapay/ojapay/internal/money"
	"github.com/ojapay/ojapay/internal/pagination"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateReference = errors.New("transaction reference already recorded")
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrWithdrawalNotOpen  = errors.New("withdrawal is not pending")
)

// Account is a party's wallet. Balances never go negative; the stores
// enforce that, not the callers.
type Account struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// EntryType is the direction of a transaction.
type EntryType string

const (
	Debit  EntryType = "debit"
	Credit EntryType = "credit"
)

// Transaction is one immutable ledger record. Amount is always positive;
// direction is carried by Type.
type Transaction struct {
	ID        string          `json:"id"`
	AccountID string          `json:"accountId"`
	Type      EntryType       `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Signed returns the amount negated for debits. Summing Signed over all
// transactions sharing a handshake reference prefix must give zero for any
// terminal order.
func (t *Transaction) Signed() decimal.Decimal {
	if t.Type == Debit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// Leg is one balance movement inside an atomic batch.
type Leg struct {
	AccountID string
	Type      EntryType
	Amount    decimal.Decimal
	Reference string
}

// WithdrawalStatus tracks a request to move funds out to a bank.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalFrozen    WithdrawalStatus = "frozen"
)

// Withdrawal is an outbound transfer request. The account is debited when
// the request is created; freezing keeps the funds debited, so escrow
// releases can never double-count them.
type Withdrawal struct {
	ID        string           `json:"id"`
	AccountID string           `json:"accountId"`
	Amount    decimal.Decimal  `json:"amount"`
	Status    WithdrawalStatus `json:"status"`
	Reference string           `json:"reference"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Store persists accounts and transactions.
//
// Apply is the heart of the contract: all legs commit together or not at
// all. A debit leg on a balance smaller than its amount fails the whole
// batch with ErrInsufficientFunds; a leg whose reference already exists
// (in the store or earlier in the batch) fails it with
// ErrDuplicateReference. Credit legs create missing accounts.
type Store interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	Apply(ctx context.Context, legs []Leg) error
	HasReference(ctx context.Context, reference string) (bool, error)
	History(ctx context.Context, accountID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error)
	FindByReferencePrefix(ctx context.Context, prefix string) ([]*Transaction, error)

	CreateWithdrawal(ctx context.Context, w *Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *Withdrawal) error
}

// Ledger wraps a Store with amount validation and the withdrawal flow.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Store exposes the underlying store for server wiring.
func (l *Ledger) Store() Store {
	return l.store
}

// CreateAccount registers a new wallet with a zero balance.
func (l *Ledger) CreateAccount(ctx context.Context, id string) (*Account, error) {
	now := time.Now()
	acct := &Account{ID: id, Balance: money.Zero, CreatedAt: now, UpdatedAt: now}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// GetAccount returns a wallet by ID.
func (l *Ledger) GetAccount(ctx context.Context, id string) (*Account, error) {
	return l.store.GetAccount(ctx, id)
}

// Debit removes amount from an account and records the transaction.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: debit of %s", money.ErrInvalidAmount, money.Format(amount))
	}
	return l.store.Apply(ctx, []Leg{{AccountID: accountID, Type: Debit, Amount: amount, Reference: reference}})
}

// Credit adds amount to an account and records the transaction. Creates the
// account if it does not exist yet.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: credit of %s", money.ErrInvalidAmount, money.Format(amount))
	}
	return l.store.Apply(ctx, []Leg{{AccountID: accountID, Type: Credit, Amount: amount, Reference: reference}})
}

// Apply validates and applies an atomic batch of legs.
func (l *Ledger) Apply(ctx context.Context, legs []Leg) error {
	if len(legs) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(legs))
	for _, leg := range legs {
		if !leg.Amount.IsPositive() {
			return fmt.Errorf("%w: leg %s for %s", money.ErrInvalidAmount, leg.Reference, leg.AccountID)
		}
		if leg.Reference == "" {
			return fmt.Errorf("leg for %s has no reference", leg.AccountID)
		}
		if _, dup := seen[leg.Reference]; dup {
			return ErrDuplicateReference
		}
		seen[leg.Reference] = struct{}{}
	}
	return l.store.Apply(ctx, legs)
}

// HasReference reports whether a transaction reference has been recorded.
func (l *Ledger) HasReference(ctx context.Context, reference string) (bool, error) {
	return l.store.HasReference(ctx, reference)
}

// History returns one page of transactions for an account, newest first.
// It fetches limit+1 rows so the caller can tell whether more pages exist;
// pass the returned cursor to resume where the page ended.
func (l *Ledger) History(ctx context.Context, accountID string, cursor *pagination.Cursor, limit int) ([]*Transaction, string, error) {
	if limit <= 0 {
		limit = 50
	}
	txns, err := l.store.History(ctx, accountID, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	txns, next, _ := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return txns, next, nil
}

// FindByReferencePrefix returns all transactions whose reference starts with
// prefix. Used for per-order conservation audits.
func (l *Ledger) FindByReferencePrefix(ctx context.Context, prefix string) ([]*Transaction, error) {
	return l.store.FindByReferencePrefix(ctx, prefix)
}
