//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ojapay/ojapay/internal/idgen"
	"github.com/ojapay/ojapay/internal/listing"
	"github.com/ojapay/ojapay/internal/testutil"
)

func seedListing(t *testing.T, store *listing.PostgresStore, owner string) *listing.Listing {
	t.Helper()
	now := time.Now().UTC()
	l := &listing.Listing{
		ID:        idgen.WithPrefix("lst_"),
		OwnerID:   owner,
		Title:     "Tokunbo generator",
		Price:     decimal.NewFromInt(50000),
		Status:    listing.StatusAvailable,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Create(context.Background(), l); err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	return l
}

func seedOrder(t *testing.T, store *PostgresStore, listingID string, status Status, delivery DeliveryStatus) *Order {
	t.Helper()
	now := time.Now().UTC()
	o := &Order{
		ID:             idgen.WithPrefix("ord_"),
		Handshake:      idgen.Handshake(),
		BuyerID:        "acct_chidi",
		ListingID:      listingID,
		SellerID:       "acct_amaka",
		Amount:         decimal.NewFromInt(50000),
		Status:         status,
		DeliveryStatus: delivery,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if delivery == DeliveryDelivered {
		o.DeliveredAt = &now
	}
	if err := store.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

func TestPostgresOrderRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	l := seedListing(t, listing.NewPostgresStore(db), "acct_amaka")
	o := seedOrder(t, store, l.ID, StatusEscrowed, DeliveryPending)

	got, err := store.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Handshake != o.Handshake {
		t.Errorf("handshake = %q, want %q", got.Handshake, o.Handshake)
	}
	if !got.Amount.Equal(o.Amount) {
		t.Errorf("amount = %s, want %s", got.Amount, o.Amount)
	}
	if got.DeliveredAt != nil {
		t.Errorf("expected nil deliveredAt, got %v", got.DeliveredAt)
	}

	now := time.Now().UTC()
	got.Status = StatusReleased
	got.ResolvedAt = &now
	if err := store.UpdateOrder(ctx, got, StatusEscrowed); err != nil {
		t.Fatalf("update order: %v", err)
	}

	got, err = store.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("re-get order: %v", err)
	}
	if got.Status != StatusReleased || got.ResolvedAt == nil {
		t.Errorf("order = %s resolvedAt=%v, want released with resolvedAt", got.Status, got.ResolvedAt)
	}

	count, err := store.CountReleasedBySeller(ctx, "acct_amaka")
	if err != nil {
		t.Fatalf("count released: %v", err)
	}
	if count != 1 {
		t.Errorf("released count = %d, want 1", count)
	}

	if _, err := store.GetOrder(ctx, "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("missing order error = %v, want ErrOrderNotFound", err)
	}
}

func TestPostgresUpdateOrderStatusGuard(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	l := seedListing(t, listing.NewPostgresStore(db), "acct_amaka")
	o := seedOrder(t, store, l.ID, StatusReleased, DeliveryDelivered)

	// A write carrying a stale expectation must not land: the escrowed
	// predicate misses the released row and the store reports the conflict.
	stale := *o
	stale.Status = StatusDisputed
	stale.UpdatedAt = time.Now().UTC()
	if err := store.UpdateOrder(ctx, &stale, StatusEscrowed); !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("stale update error = %v, want ErrOrderConflict", err)
	}

	got, err := store.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != StatusReleased {
		t.Errorf("status = %s, want released to survive the stale write", got.Status)
	}

	missing := *o
	missing.ID = "ord_missing"
	if err := store.UpdateOrder(ctx, &missing, StatusReleased); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("missing order error = %v, want ErrOrderNotFound", err)
	}
}

func TestPostgresEligibleForRelease(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	lstore := listing.NewPostgresStore(db)

	eligible := seedOrder(t, store, seedListing(t, lstore, "acct_amaka").ID, StatusEscrowed, DeliveryDelivered)
	seedOrder(t, store, seedListing(t, lstore, "acct_amaka").ID, StatusEscrowed, DeliveryInTransit)
	seedOrder(t, store, seedListing(t, lstore, "acct_amaka").ID, StatusDisputed, DeliveryDelivered)

	orders, err := store.ListEligibleForRelease(ctx, 10)
	if err != nil {
		t.Fatalf("list eligible: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != eligible.ID {
		t.Fatalf("eligible = %d orders, want just %s", len(orders), eligible.ID)
	}
}

func TestPostgresOneOpenDisputePerOrder(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	l := seedListing(t, listing.NewPostgresStore(db), "acct_amaka")
	o := seedOrder(t, store, l.ID, StatusEscrowed, DeliveryPending)

	now := time.Now().UTC()
	first := &Dispute{
		ID:         idgen.WithPrefix("dsp_"),
		OrderID:    o.ID,
		ClaimantID: o.BuyerID,
		Reason:     "generator arrived broken",
		Status:     DisputeOpen,
		CreatedAt:  now,
	}
	if err := store.CreateDispute(ctx, first); err != nil {
		t.Fatalf("create dispute: %v", err)
	}

	dup := &Dispute{
		ID:         idgen.WithPrefix("dsp_"),
		OrderID:    o.ID,
		ClaimantID: o.BuyerID,
		Reason:     "still broken",
		Status:     DisputeOpen,
		CreatedAt:  now,
	}
	if err := store.CreateDispute(ctx, dup); !errors.Is(err, ErrDisputeAlreadyOpen) {
		t.Fatalf("duplicate open dispute error = %v, want ErrDisputeAlreadyOpen", err)
	}

	// Resolving the first one frees the order for a new dispute row.
	first.Status = DisputeResolved
	first.Verdict = VerdictRefundBuyer
	first.AdjudicatorID = "acct_admin-ngozi"
	first.ResolvedAt = &now
	if err := store.UpdateDispute(ctx, first); err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}
	if err := store.CreateDispute(ctx, dup); err != nil {
		t.Fatalf("dispute after resolution: %v", err)
	}

	open, err := store.GetOpenDisputeByOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get open dispute: %v", err)
	}
	if open.ID != dup.ID {
		t.Errorf("open dispute = %s, want %s", open.ID, dup.ID)
	}
}
