package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ojapay/ojapay/internal/idgen"
	"github.com/ojapay/ojapay/internal/money"
)

// RequestWithdrawal debits the account immediately and records a pending
// withdrawal. The debit carries the withdrawal's own reference, so a retried
// request can never drain the wallet twice.
func (l *Ledger) RequestWithdrawal(ctx context.Context, accountID string, amount decimal.Decimal) (*Withdrawal, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: withdrawal of %s", money.ErrInvalidAmount, money.Format(amount))
	}

	now := time.Now()
	w := &Withdrawal{
		ID:        idgen.WithPrefix("wdr_"),
		AccountID: accountID,
		Amount:    amount,
		Status:    WithdrawalPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	w.Reference = "WDR-" + w.ID

	if err := l.store.Apply(ctx, []Leg{{AccountID: accountID, Type: Debit, Amount: amount, Reference: w.Reference}}); err != nil {
		return nil, err
	}
	if err := l.store.CreateWithdrawal(ctx, w); err != nil {
		// Compensate: put the money back rather than strand it.
		_ = l.store.Apply(ctx, []Leg{{AccountID: accountID, Type: Credit, Amount: amount, Reference: w.Reference + "-REVERSAL"}})
		return nil, fmt.Errorf("failed to record withdrawal: %w", err)
	}
	return w, nil
}

// CompleteWithdrawal marks a pending withdrawal as paid out to the bank.
func (l *Ledger) CompleteWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	return l.transitionWithdrawal(ctx, id, WithdrawalCompleted)
}

// FreezeWithdrawal flags a pending withdrawal for compliance review. The
// funds stay debited while frozen; only the status changes, so the escrow
// engine can never count them twice.
func (l *Ledger) FreezeWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	return l.transitionWithdrawal(ctx, id, WithdrawalFrozen)
}

func (l *Ledger) transitionWithdrawal(ctx context.Context, id string, to WithdrawalStatus) (*Withdrawal, error) {
	w, err := l.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != WithdrawalPending {
		return nil, ErrWithdrawalNotOpen
	}
	w.Status = to
	w.UpdatedAt = time.Now()
	if err := l.store.UpdateWithdrawal(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}
