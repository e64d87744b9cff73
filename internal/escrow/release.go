package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ojapay/ojapay/internal/ledger"
	"github.com/ojapay/ojapay/internal/metrics"
	"github.com/ojapay/ojapay/internal/money"
	"github.com/ojapay/ojapay/internal/traces"
)

// ReleaseResult reports what a release attempt did. A retry of an already
// released order is a success with Released=false, not an error.
type ReleaseResult struct {
	Released bool          `json:"released"`
	Reason   string        `json:"reason,omitempty"`
	Shares   []money.Share `json:"shares,omitempty"`
}

// ReleaseFunds runs the commission split and credits the recipients.
// pilotRating is optional (0 = none); when given it is folded into the
// assigned pilot's rating aggregate after the money moves.
//
// Calling this twice for the same order credits exactly once: the second
// call sees the existing RELEASE reference and returns Released=false.
func (s *Service) ReleaseFunds(ctx context.Context, orderID string, pilotRating int) (*ReleaseResult, error) {
	if pilotRating != 0 && (pilotRating < 1 || pilotRating > 5) {
		return nil, ErrInvalidRating
	}

	unlock := s.orderLock(orderID)
	defer unlock()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status == StatusDisputed {
		metrics.ReleasesTotal.WithLabelValues("blocked").Inc()
		return nil, ErrOrderDisputed
	}

	// An open dispute record blocks release even when the order still reads
	// escrowed, covering a freeze write lost to a crash or a cross-process
	// filing the status alone has not caught up with.
	if _, err := s.store.GetOpenDisputeByOrder(ctx, orderID); err == nil {
		metrics.ReleasesTotal.WithLabelValues("blocked").Inc()
		return nil, ErrOrderDisputed
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	return s.releaseLocked(ctx, order, pilotRating)
}

// releaseLocked performs the split with the order lock held. The dispute
// guard is the caller's responsibility: ReleaseFunds rejects disputed
// orders, ResolveDispute(pay_seller) deliberately bypasses that check.
func (s *Service) releaseLocked(ctx context.Context, order *Order, pilotRating int) (*ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release",
		traces.OrderID(order.ID),
		traces.Handshake(order.Handshake),
		traces.Amount(money.Format(order.Amount)),
	)
	defer span.End()

	if order.IsTerminal() {
		if order.Status == StatusReleased {
			metrics.ReleasesTotal.WithLabelValues("skipped").Inc()
			return &ReleaseResult{Released: false, Reason: "already released"}, nil
		}
		return nil, ErrAlreadyTerminal
	}

	// Idempotency: any existing transaction under the release prefix means a
	// previous attempt already moved the money.
	existing, err := s.ledger.FindByReferencePrefix(ctx, order.ReleasePrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to check release reference: %w", err)
	}
	if len(existing) > 0 {
		metrics.ReleasesTotal.WithLabelValues("skipped").Inc()
		return &ReleaseResult{Released: false, Reason: "already released"}, nil
	}

	l, err := s.listings.Get(ctx, order.ListingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load listing for release: %w", err)
	}

	policy := s.defaultPolicy
	if l.AgentID != "" {
		policy = s.agentPolicy
	}

	shares, err := policy.Allocate(order.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to compute split: %w", err)
	}

	legs := make([]ledger.Leg, 0, len(shares))
	for _, share := range shares {
		account, err := s.recipientFor(share.Role, order, l.AgentID)
		if err != nil {
			return nil, err
		}
		legs = append(legs, ledger.Leg{
			AccountID: account,
			Type:      ledger.Credit,
			Amount:    share.Amount,
			Reference: fmt.Sprintf("%s-%s", order.ReleasePrefix(), share.Role),
		})
	}

	if err := s.ledger.Apply(ctx, legs); err != nil {
		// A concurrent release from another process won the unique-reference
		// race. That attempt did the crediting; this one is a no-op.
		if errors.Is(err, ledger.ErrDuplicateReference) {
			metrics.ReleasesTotal.WithLabelValues("skipped").Inc()
			return &ReleaseResult{Released: false, Reason: "already released"}, nil
		}
		metrics.ReleasesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to credit release: %w", err)
	}

	prev := order.Status
	now := time.Now()
	order.Status = StatusReleased
	order.ResolvedAt = &now
	order.UpdatedAt = now

	if err := s.store.UpdateOrder(ctx, order, prev); err != nil {
		// The money already moved; the record must follow. A status
		// conflict here means a dispute landed after the credit; released
		// still wins and the dispute resolves against a terminal order.
		if retryErr := s.forceTerminal(ctx, order); retryErr != nil {
			s.logger.Error("CRITICAL: funds released but order status update failed",
				"orderId", order.ID, "handshake", order.Handshake, "error", retryErr)
			return nil, fmt.Errorf("failed to update order after release (requires manual resolution): %w", err)
		}
	}

	if err := s.listings.MarkSold(ctx, order.ListingID); err != nil {
		s.logger.Warn("failed to mark listing sold after release",
			"listingId", order.ListingID, "error", err)
	}

	s.recordReputation(ctx, order, pilotRating)

	metrics.ReleasesTotal.WithLabelValues("released").Inc()
	s.notify(order.SellerID, "Funds released",
		fmt.Sprintf("₦%s from order %s has been credited to your wallet.", money.Format(sharesFor(shares, money.RoleMerchant)), order.Handshake))
	s.notify(order.BuyerID, "Order complete",
		fmt.Sprintf("Order %s is complete. Thanks for shopping with us.", order.Handshake))
	s.emit("funds_released", order)

	return &ReleaseResult{Released: true, Shares: shares}, nil
}

// recipientFor maps a split role to the account that receives its share.
func (s *Service) recipientFor(role money.Role, order *Order, agentID string) (string, error) {
	switch role {
	case money.RoleMerchant:
		return order.SellerID, nil
	case money.RolePlatform:
		return s.platformAccount, nil
	case money.RoleAgent:
		if agentID == "" {
			return "", fmt.Errorf("split policy names an agent but the listing has none")
		}
		return agentID, nil
	default:
		return "", fmt.Errorf("split policy names unknown role %q", role)
	}
}

// recordReputation folds a release into pilot ratings and the merchant
// tier. Both are best-effort: the money has moved, reputation bookkeeping
// must not fail the release.
func (s *Service) recordReputation(ctx context.Context, order *Order, pilotRating int) {
	if s.reputation == nil {
		return
	}

	if pilotRating > 0 && order.PilotID != "" {
		if err := s.reputation.RecordPilotRating(ctx, order.PilotID, pilotRating); err != nil {
			s.logger.Warn("failed to record pilot rating",
				"pilotId", order.PilotID, "rating", pilotRating, "error", err)
		}
	}

	released, err := s.store.CountReleasedBySeller(ctx, order.SellerID)
	if err != nil {
		s.logger.Warn("failed to count released orders for tier refresh",
			"sellerId", order.SellerID, "error", err)
		return
	}
	if err := s.reputation.RefreshMerchantTier(ctx, order.SellerID, released); err != nil {
		s.logger.Warn("failed to refresh merchant tier",
			"sellerId", order.SellerID, "error", err)
	}
}

func sharesFor(shares []money.Share, role money.Role) decimal.Decimal {
	for _, s := range shares {
		if s.Role == role {
			return s.Amount
		}
	}
	return decimal.Zero
}
