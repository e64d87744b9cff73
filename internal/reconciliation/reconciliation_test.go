package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/ojapay/ojapay/internal/escrow"
	"github.com/ojapay/ojapay/internal/ledger"
	"github.com/ojapay/ojapay/internal/money"
)

func testFixtures(t *testing.T) (*escrow.MemoryStore, *ledger.Ledger) {
	t.Helper()
	return escrow.NewMemoryStore(), ledger.New(ledger.NewMemoryStore())
}

// seedResolvedOrder writes a terminal order and returns it. Ledger entries
// are the caller's business, so tests can make them balance or not.
func seedResolvedOrder(t *testing.T, store *escrow.MemoryStore, handshake string, status escrow.Status) *escrow.Order {
	t.Helper()
	now := time.Now()
	o := &escrow.Order{
		ID:             "ord_" + handshake,
		Handshake:      handshake,
		BuyerID:        "acct_chidi",
		ListingID:      "lst_1",
		SellerID:       "acct_amaka",
		Amount:         money.MustParse("10000.00"),
		Status:         status,
		DeliveryStatus: escrow.DeliveryDelivered,
		ResolvedAt:     &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

func TestConservationCleanRun(t *testing.T) {
	store, lgr := testFixtures(t)
	ctx := context.Background()

	o := seedResolvedOrder(t, store, "HSK-AAAA11112222", escrow.StatusReleased)
	if err := lgr.Credit(ctx, o.BuyerID, money.MustParse("10000.00"), "TOPUP-1"); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}
	if err := lgr.Debit(ctx, o.BuyerID, o.Amount, o.PayReference()); err != nil {
		t.Fatalf("escrow debit: %v", err)
	}
	if err := lgr.Credit(ctx, o.SellerID, money.MustParse("9500.00"), o.ReleasePrefix()+"-MERCHANT"); err != nil {
		t.Fatalf("merchant credit: %v", err)
	}
	if err := lgr.Credit(ctx, "acct_platform", money.MustParse("500.00"), o.ReleasePrefix()+"-PLATFORM"); err != nil {
		t.Fatalf("platform credit: %v", err)
	}

	result, err := NewRunner(store, lgr).RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if result.OrdersChecked != 1 {
		t.Errorf("checked = %d, want 1", result.OrdersChecked)
	}
	if len(result.Violations) != 0 {
		t.Errorf("violations = %v, want none", result.Violations)
	}
}

func TestConservationFlagsImbalance(t *testing.T) {
	store, lgr := testFixtures(t)
	ctx := context.Background()

	// Refunded order where only part of the escrow came back to the buyer.
	o := seedResolvedOrder(t, store, "HSK-BBBB33334444", escrow.StatusRefunded)
	if err := lgr.Credit(ctx, o.BuyerID, money.MustParse("10000.00"), "TOPUP-1"); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}
	if err := lgr.Debit(ctx, o.BuyerID, o.Amount, o.PayReference()); err != nil {
		t.Fatalf("escrow debit: %v", err)
	}
	if err := lgr.Credit(ctx, o.BuyerID, money.MustParse("4000.00"), o.RefundReference()); err != nil {
		t.Fatalf("partial refund credit: %v", err)
	}

	result, err := NewRunner(store, lgr).RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(result.Violations))
	}
	v := result.Violations[0]
	if v.Handshake != o.Handshake {
		t.Errorf("violation handshake = %s, want %s", v.Handshake, o.Handshake)
	}
	if v.Net != "-6000.00" {
		t.Errorf("net = %s, want -6000.00", v.Net)
	}
}

func TestStuckOrderDetection(t *testing.T) {
	store, lgr := testFixtures(t)
	ctx := context.Background()

	stale := time.Now().Add(-2 * time.Hour)
	fresh := time.Now()
	for i, deliveredAt := range []time.Time{stale, fresh} {
		at := deliveredAt
		o := &escrow.Order{
			ID:             "ord_stuck" + string(rune('a'+i)),
			Handshake:      "HSK-000000000" + string(rune('A'+i)) + "00",
			BuyerID:        "acct_chidi",
			ListingID:      "lst_1",
			SellerID:       "acct_amaka",
			Amount:         money.MustParse("100.00"),
			Status:         escrow.StatusEscrowed,
			DeliveryStatus: escrow.DeliveryDelivered,
			DeliveredAt:    &at,
			CreatedAt:      at,
			UpdatedAt:      at,
		}
		if err := store.CreateOrder(ctx, o); err != nil {
			t.Fatalf("seed order: %v", err)
		}
	}

	runner := NewRunner(store, lgr).WithWindows(24*time.Hour, time.Hour)
	result, err := runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if result.StuckOrders != 1 {
		t.Errorf("stuck = %d, want 1 (only the 2h-old delivery)", result.StuckOrders)
	}
}
