package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ojapay/ojapay/internal/money"
	"github.com/ojapay/ojapay/internal/pagination"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(NewMemoryStore())
}

func fund(t *testing.T, l *Ledger, accountID, amount, reference string) {
	t.Helper()
	if _, err := l.CreateAccount(context.Background(), accountID); err != nil && !errors.Is(err, ErrAccountExists) {
		t.Fatalf("CreateAccount(%s): %v", accountID, err)
	}
	if err := l.Credit(context.Background(), accountID, money.MustParse(amount), reference); err != nil {
		t.Fatalf("Credit(%s): %v", accountID, err)
	}
}

func balance(t *testing.T, l *Ledger, accountID string) string {
	t.Helper()
	acct, err := l.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetAccount(%s): %v", accountID, err)
	}
	return money.Format(acct.Balance)
}

func TestDebitInsufficientFunds(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "acct_buyer", "100.00", "TOPUP-1")

	err := l.Debit(ctx, "acct_buyer", money.MustParse("100.01"), "PAY-HSK-1")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := balance(t, l, "acct_buyer"); got != "100.00" {
		t.Errorf("balance changed on failed debit: %s", got)
	}
	if has, _ := l.HasReference(ctx, "PAY-HSK-1"); has {
		t.Error("failed debit must not record a transaction")
	}
}

func TestDebitUnknownAccount(t *testing.T) {
	l := newTestLedger(t)

	err := l.Debit(context.Background(), "acct_ghost", money.MustParse("5.00"), "PAY-X")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestDuplicateReferenceRejected(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "acct_seller", "0.01", "TOPUP-1")

	if err := l.Credit(ctx, "acct_seller", money.MustParse("95000.00"), "RELEASE-HSK-AB12"); err != nil {
		t.Fatalf("first credit: %v", err)
	}
	err := l.Credit(ctx, "acct_seller", money.MustParse("95000.00"), "RELEASE-HSK-AB12")
	if !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	if got := balance(t, l, "acct_seller"); got != "95000.01" {
		t.Errorf("duplicate reference credited twice, balance %s", got)
	}
}

func TestApplyIsAtomic(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "acct_buyer", "50.00", "TOPUP-1")

	// Second leg reuses the first leg's reference; nothing may move.
	err := l.Apply(ctx, []Leg{
		{AccountID: "acct_buyer", Type: Debit, Amount: money.MustParse("50.00"), Reference: "PAY-HSK-X"},
		{AccountID: "acct_seller", Type: Credit, Amount: money.MustParse("50.00"), Reference: "PAY-HSK-X"},
	})
	if !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	if got := balance(t, l, "acct_buyer"); got != "50.00" {
		t.Errorf("partial apply: buyer balance %s", got)
	}
	if _, err := l.GetAccount(ctx, "acct_seller"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("partial apply created the seller account: %v", err)
	}

	// Insufficient funds on the debit leg rolls back the credit leg too.
	err = l.Apply(ctx, []Leg{
		{AccountID: "acct_seller", Type: Credit, Amount: money.MustParse("60.00"), Reference: "RELEASE-HSK-Y-MERCHANT"},
		{AccountID: "acct_buyer", Type: Debit, Amount: money.MustParse("60.00"), Reference: "RELEASE-HSK-Y-BUYER"},
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if has, _ := l.HasReference(ctx, "RELEASE-HSK-Y-MERCHANT"); has {
		t.Error("rolled-back leg left a transaction behind")
	}
}

func TestCreditCreatesAccount(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.Credit(ctx, "acct_platform", money.MustParse("5000.00"), "RELEASE-HSK-Z-PLATFORM"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if got := balance(t, l, "acct_platform"); got != "5000.00" {
		t.Errorf("balance = %s, want 5000.00", got)
	}
}

func TestSignedConservation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "acct_buyer", "100000.00", "TOPUP-1")

	if err := l.Debit(ctx, "acct_buyer", money.MustParse("100000.00"), "PAY-HSK-C0FFEE"); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if err := l.Apply(ctx, []Leg{
		{AccountID: "acct_seller", Type: Credit, Amount: money.MustParse("95000.00"), Reference: "RELEASE-HSK-C0FFEE-MERCHANT"},
		{AccountID: "acct_platform", Type: Credit, Amount: money.MustParse("5000.00"), Reference: "RELEASE-HSK-C0FFEE-PLATFORM"},
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// Conservation: every kobo debited under the handshake came back out.
	var refs []string
	for _, prefix := range []string{"PAY-HSK-C0FFEE", "RELEASE-HSK-C0FFEE"} {
		txns, err := l.FindByReferencePrefix(ctx, prefix)
		if err != nil {
			t.Fatalf("FindByReferencePrefix(%s): %v", prefix, err)
		}
		for _, txn := range txns {
			refs = append(refs, txn.Reference)
		}
	}
	if len(refs) != 3 {
		t.Fatalf("expected 3 transactions, got %d (%v)", len(refs), refs)
	}

	sum := decimal.Zero
	for _, prefix := range []string{"PAY-HSK-C0FFEE", "RELEASE-HSK-C0FFEE"} {
		txns, _ := l.FindByReferencePrefix(ctx, prefix)
		for _, txn := range txns {
			sum = sum.Add(txn.Signed())
		}
	}
	if !sum.IsZero() {
		t.Errorf("handshake transactions sum to %s, want 0", sum)
	}
}

func TestWithdrawalLifecycle(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "acct_merchant", "10000.00", "TOPUP-1")

	w, err := l.RequestWithdrawal(ctx, "acct_merchant", money.MustParse("4000.00"))
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	if w.Status != WithdrawalPending {
		t.Errorf("status = %s, want pending", w.Status)
	}
	if got := balance(t, l, "acct_merchant"); got != "6000.00" {
		t.Errorf("balance after request = %s, want 6000.00", got)
	}

	// Freezing keeps the funds debited.
	w, err = l.FreezeWithdrawal(ctx, w.ID)
	if err != nil {
		t.Fatalf("FreezeWithdrawal: %v", err)
	}
	if w.Status != WithdrawalFrozen {
		t.Errorf("status = %s, want frozen", w.Status)
	}
	if got := balance(t, l, "acct_merchant"); got != "6000.00" {
		t.Errorf("balance after freeze = %s, want 6000.00", got)
	}

	// A frozen withdrawal cannot be completed.
	if _, err := l.CompleteWithdrawal(ctx, w.ID); !errors.Is(err, ErrWithdrawalNotOpen) {
		t.Errorf("expected ErrWithdrawalNotOpen, got %v", err)
	}
}

func TestWithdrawalInsufficientFunds(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "acct_merchant", "100.00", "TOPUP-1")

	_, err := l.RequestWithdrawal(ctx, "acct_merchant", money.MustParse("200.00"))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := balance(t, l, "acct_merchant"); got != "100.00" {
		t.Errorf("balance changed on failed withdrawal: %s", got)
	}
}

func TestHistoryPagination(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	fund(t, l, "acct_merchant", "10.00", "TOPUP-0")
	for i := 1; i <= 4; i++ {
		time.Sleep(time.Millisecond) // distinct created_at per transaction
		fund(t, l, "acct_merchant", "10.00", fmt.Sprintf("TOPUP-%d", i))
	}

	page1, next, err := l.History(ctx, "acct_merchant", nil, 2)
	if err != nil {
		t.Fatalf("History page 1: %v", err)
	}
	if len(page1) != 2 || next == "" {
		t.Fatalf("page 1 = %d txns, cursor %q; want 2 txns and a cursor", len(page1), next)
	}
	if page1[0].Reference != "TOPUP-4" {
		t.Errorf("newest first: got %s, want TOPUP-4", page1[0].Reference)
	}

	cursor, err := pagination.Decode(next)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	page2, next, err := l.History(ctx, "acct_merchant", cursor, 2)
	if err != nil {
		t.Fatalf("History page 2: %v", err)
	}
	if len(page2) != 2 || next == "" {
		t.Fatalf("page 2 = %d txns, cursor %q; want 2 txns and a cursor", len(page2), next)
	}

	cursor, err = pagination.Decode(next)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	page3, next, err := l.History(ctx, "acct_merchant", cursor, 2)
	if err != nil {
		t.Fatalf("History page 3: %v", err)
	}
	if len(page3) != 1 || next != "" {
		t.Fatalf("page 3 = %d txns, cursor %q; want 1 txn and no cursor", len(page3), next)
	}

	seen := map[string]bool{}
	for _, txn := range append(append(page1, page2...), page3...) {
		if seen[txn.Reference] {
			t.Errorf("reference %s returned twice across pages", txn.Reference)
		}
		seen[txn.Reference] = true
	}
	if len(seen) != 5 {
		t.Errorf("pages covered %d transactions, want 5", len(seen))
	}
}
