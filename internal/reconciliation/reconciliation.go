// Package reconciliation verifies escrow and ledger invariants in the
// background.
//
// Two checks run on a timer. The conservation check re-derives the signed
// transaction sum for every recently resolved order: a terminal order whose
// PAY, RELEASE, and REFUND entries do not net to zero means money was
// created or destroyed, which should be impossible and pages someone. The
// stuck-order check counts delivered orders that the sweeper should have
// released long ago.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ojapay/ojapay/internal/escrow"
	"github.com/ojapay/ojapay/internal/ledger"
	"github.com/ojapay/ojapay/internal/money"
)

// OrderSource exposes the order queries the checks need. *escrow.MemoryStore
// and *escrow.PostgresStore both satisfy it.
type OrderSource interface {
	ListResolvedSince(ctx context.Context, since time.Time, limit int) ([]*escrow.Order, error)
	ListEligibleForRelease(ctx context.Context, limit int) ([]*escrow.Order, error)
}

// TransactionSource looks up ledger entries by reference prefix.
type TransactionSource interface {
	FindByReferencePrefix(ctx context.Context, prefix string) ([]*ledger.Transaction, error)
}

// Violation describes one order whose transactions do not balance.
type Violation struct {
	OrderID   string `json:"orderId"`
	Handshake string `json:"handshake"`
	Net       string `json:"net"`
}

// Result holds the outcome of one reconciliation run.
type Result struct {
	OrdersChecked int         `json:"ordersChecked"`
	Violations    []Violation `json:"violations,omitempty"`
	StuckOrders   int         `json:"stuckOrders"`
	Duration      string      `json:"duration"`
}

// Runner executes reconciliation checks.
type Runner struct {
	orders     OrderSource
	txns       TransactionSource
	lookback   time.Duration // how far back resolved orders are re-checked
	stuckAfter time.Duration // delivered-but-unreleased age that counts as stuck
	checkLimit int
}

// NewRunner creates a reconciliation runner with default windows: resolved
// orders from the last 24h are re-checked, and a delivered order older than
// one hour that is still escrowed counts as stuck.
func NewRunner(orders OrderSource, txns TransactionSource) *Runner {
	return &Runner{
		orders:     orders,
		txns:       txns,
		lookback:   24 * time.Hour,
		stuckAfter: time.Hour,
		checkLimit: 500,
	}
}

// WithWindows overrides the lookback and stuck thresholds.
func (r *Runner) WithWindows(lookback, stuckAfter time.Duration) *Runner {
	if lookback > 0 {
		r.lookback = lookback
	}
	if stuckAfter > 0 {
		r.stuckAfter = stuckAfter
	}
	return r
}

// RunAll executes every check and updates the gauges.
func (r *Runner) RunAll(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
	}()

	result := &Result{}

	if err := r.checkConservation(ctx, result); err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("conservation check: %w", err)
	}
	if err := r.checkStuckOrders(ctx, result); err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("stuck order check: %w", err)
	}

	result.Duration = time.Since(start).String()
	return result, nil
}

// checkConservation verifies that every recently resolved order's ledger
// entries net to zero across the escrow debit and the release or refund
// credits.
func (r *Runner) checkConservation(ctx context.Context, result *Result) error {
	orders, err := r.orders.ListResolvedSince(ctx, time.Now().Add(-r.lookback), r.checkLimit)
	if err != nil {
		return err
	}

	for _, o := range orders {
		net, err := r.netForHandshake(ctx, o)
		if err != nil {
			return err
		}
		result.OrdersChecked++
		if !net.IsZero() {
			result.Violations = append(result.Violations, Violation{
				OrderID:   o.ID,
				Handshake: o.Handshake,
				Net:       money.Format(net),
			})
		}
	}

	reconcileConservationViolations.Set(float64(len(result.Violations)))
	return nil
}

// netForHandshake sums the signed amounts of all transactions whose
// reference carries the order's handshake.
func (r *Runner) netForHandshake(ctx context.Context, o *escrow.Order) (decimal.Decimal, error) {
	net := decimal.Zero
	for _, prefix := range []string{o.PayReference(), o.ReleasePrefix(), o.RefundReference()} {
		txns, err := r.txns.FindByReferencePrefix(ctx, prefix)
		if err != nil {
			return decimal.Zero, err
		}
		for _, txn := range txns {
			net = net.Add(txn.Signed())
		}
	}
	return net, nil
}

// checkStuckOrders counts delivered orders that remained escrowed past the
// stuck threshold. The sweeper should have picked these up; a nonzero gauge
// usually means the sweep timer is not running.
func (r *Runner) checkStuckOrders(ctx context.Context, result *Result) error {
	orders, err := r.orders.ListEligibleForRelease(ctx, r.checkLimit)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-r.stuckAfter)
	for _, o := range orders {
		if o.DeliveredAt != nil && o.DeliveredAt.Before(cutoff) {
			result.StuckOrders++
		}
	}

	reconcileStuckOrders.Set(float64(result.StuckOrders))
	return nil
}
