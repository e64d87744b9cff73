package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ojapay/ojapay/internal/idgen"
	"github.com/ojapay/ojapay/internal/ledger"
	"github.com/ojapay/ojapay/internal/metrics"
	"github.com/ojapay/ojapay/internal/money"
	"github.com/ojapay/ojapay/internal/traces"
)

// RaiseDispute opens a dispute and freezes the order. Only the buyer can
// dispute, and an order carries at most one open dispute.
func (s *Service) RaiseDispute(ctx context.Context, orderID string, req DisputeRequest) (*Dispute, error) {
	unlock := s.orderLock(orderID)
	defer unlock()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if req.ClaimantID != order.BuyerID {
		return nil, ErrNotBuyer
	}
	if order.Status == StatusDisputed {
		return nil, ErrDisputeAlreadyOpen
	}
	if existing, err := s.store.GetOpenDisputeByOrder(ctx, orderID); err == nil && existing != nil {
		return nil, ErrDisputeAlreadyOpen
	}

	now := time.Now()
	dispute := &Dispute{
		ID:         idgen.WithPrefix("dsp_"),
		OrderID:    order.ID,
		ClaimantID: req.ClaimantID,
		Reason:     req.Reason,
		Status:     DisputeOpen,
		CreatedAt:  now,
	}

	// Freeze the order first. The guarded escrowed→disputed write is the
	// serialization point: a concurrent release or second dispute loses the
	// compare-and-swap here, and a crash after it leaves a frozen order
	// (release blocked) rather than an unfrozen one with an open dispute.
	order.Status = StatusDisputed
	order.UpdatedAt = now
	if err := s.store.UpdateOrder(ctx, order, StatusEscrowed); err != nil {
		if errors.Is(err, ErrOrderConflict) {
			cur, getErr := s.store.GetOrder(ctx, orderID)
			if getErr != nil {
				return nil, getErr
			}
			if cur.Status == StatusDisputed {
				return nil, ErrDisputeAlreadyOpen
			}
			return nil, ErrAlreadyTerminal
		}
		return nil, fmt.Errorf("failed to freeze order under dispute: %w", err)
	}

	// The partial unique index on open disputes catches a cross-process
	// filing that slipped past the checks above.
	if err := s.store.CreateDispute(ctx, dispute); err != nil {
		order.Status = StatusEscrowed
		if revErr := s.store.UpdateOrder(ctx, order, StatusDisputed); revErr != nil {
			s.logger.Error("CRITICAL: order frozen but dispute record and unfreeze both failed",
				"orderId", order.ID, "handshake", order.Handshake, "error", revErr)
		}
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("raised").Inc()
	s.notify(order.SellerID, "Order disputed",
		fmt.Sprintf("The buyer disputed order %s. Payout is frozen until it is resolved.", order.Handshake))
	s.emit("dispute_raised", order)

	return dispute, nil
}

// GetDispute returns a dispute by ID.
func (s *Service) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// ResolveDispute closes an open dispute with a verdict. PaySeller runs the
// normal release split; RefundBuyer returns the full amount to the buyer and
// puts the listing back on the market. adjudicatorID is recorded on the
// dispute so every ruling has an accountable author.
func (s *Service) ResolveDispute(ctx context.Context, disputeID string, verdict Verdict, adjudicatorID string) (*Dispute, error) {
	if verdict != VerdictPaySeller && verdict != VerdictRefundBuyer {
		return nil, ErrInvalidVerdict
	}

	dispute, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	unlock := s.orderLock(dispute.OrderID)
	defer unlock()

	// Re-read under the order lock so a concurrent resolution loses cleanly.
	dispute, err = s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status != DisputeOpen {
		return nil, ErrDisputeNotOpen
	}

	order, err := s.store.GetOrder(ctx, dispute.OrderID)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "escrow.resolve_dispute",
		traces.DisputeID(dispute.ID),
		traces.OrderID(order.ID),
	)
	defer span.End()

	switch verdict {
	case VerdictPaySeller:
		if _, err := s.releaseLocked(ctx, order, 0); err != nil {
			return nil, err
		}
		metrics.DisputesTotal.WithLabelValues("pay_seller").Inc()
	case VerdictRefundBuyer:
		if err := s.refundLocked(ctx, order); err != nil {
			return nil, err
		}
		metrics.DisputesTotal.WithLabelValues("refund_buyer").Inc()
	}

	now := time.Now()
	dispute.Status = DisputeResolved
	dispute.Verdict = verdict
	dispute.AdjudicatorID = adjudicatorID
	dispute.ResolvedAt = &now
	if err := s.store.UpdateDispute(ctx, dispute); err != nil {
		// Payout already happened; the dispute record must follow.
		if retryErr := s.store.UpdateDispute(ctx, dispute); retryErr != nil {
			s.logger.Error("CRITICAL: dispute payout done but resolution update failed",
				"disputeId", dispute.ID, "orderId", order.ID, "error", retryErr)
			return nil, fmt.Errorf("failed to resolve dispute after payout (requires manual resolution): %w", err)
		}
	}

	s.emit("dispute_resolved", order)
	return dispute, nil
}

// refundLocked credits the full escrowed amount back to the buyer and
// reverts the listing to Available. Caller holds the order lock.
func (s *Service) refundLocked(ctx context.Context, order *Order) error {
	if order.IsTerminal() {
		return ErrAlreadyTerminal
	}

	legs := []ledger.Leg{{
		AccountID: order.BuyerID,
		Type:      ledger.Credit,
		Amount:    order.Amount,
		Reference: order.RefundReference(),
	}}
	if err := s.ledger.Apply(ctx, legs); err != nil {
		return fmt.Errorf("failed to refund buyer: %w", err)
	}

	prev := order.Status
	now := time.Now()
	order.Status = StatusRefunded
	order.ResolvedAt = &now
	order.UpdatedAt = now
	if err := s.store.UpdateOrder(ctx, order, prev); err != nil {
		if retryErr := s.forceTerminal(ctx, order); retryErr != nil {
			s.logger.Error("CRITICAL: buyer refunded but order status update failed",
				"orderId", order.ID, "handshake", order.Handshake, "error", retryErr)
			return fmt.Errorf("failed to update order after refund (requires manual resolution): %w", err)
		}
	}

	if err := s.listings.MarkAvailable(ctx, order.ListingID); err != nil {
		s.logger.Warn("failed to revert listing after refund",
			"listingId", order.ListingID, "error", err)
	}

	s.notify(order.BuyerID, "Refund issued",
		fmt.Sprintf("₦%s from order %s is back in your wallet.", money.Format(order.Amount), order.Handshake))
	s.notify(order.SellerID, "Order refunded",
		fmt.Sprintf("Order %s was resolved in the buyer's favour.", order.Handshake))
	s.emit("order_refunded", order)

	return nil
}
