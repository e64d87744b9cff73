//go:build integration

package listing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ojapay/ojapay/internal/idgen"
	"github.com/ojapay/ojapay/internal/testutil"
)

func seedListing(t *testing.T, store *PostgresStore, status Status) *Listing {
	t.Helper()
	now := time.Now().UTC()
	l := &Listing{
		ID:        idgen.WithPrefix("lst_"),
		OwnerID:   "acct_amaka",
		Title:     "Ankara fabric bundle",
		Price:     decimal.NewFromInt(7500),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Create(context.Background(), l); err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	return l
}

func TestPostgresTransitionGuardsStatus(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	l := seedListing(t, store, StatusAvailable)

	got, err := store.Transition(ctx, l.ID, StatusAvailable, StatusPendingHandshake)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != StatusPendingHandshake {
		t.Errorf("status = %s, want pending_handshake", got.Status)
	}

	// The row is no longer Available, so the same swap must lose.
	if _, err := store.Transition(ctx, l.ID, StatusAvailable, StatusPendingHandshake); !errors.Is(err, ErrListingUnavailable) {
		t.Errorf("second transition error = %v, want ErrListingUnavailable", err)
	}

	if _, err := store.Transition(ctx, "lst_missing", StatusAvailable, StatusPendingHandshake); !errors.Is(err, ErrListingNotFound) {
		t.Errorf("missing listing error = %v, want ErrListingNotFound", err)
	}
}
