// Package escrow implements the fund-release state machine at the heart of
// the marketplace.
//
// Flow:
//  1. Buyer places an order → funds debited from the buyer's wallet, held
//  2. Pilot carries the item → advisory delivery sub-track
//  3. Release → commission split credited to merchant/platform(/agent)
//  4. Dispute → order frozen until an adjudicator picks a verdict
//  5. Sweeper → delivered-but-unreleased orders auto-released in batches
//
// Financial state is Escrowed → {Disputed} → {Released, Refunded}. The
// delivery sub-track never gates the financial machine; it only feeds the
// sweeper's eligibility query.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ojapay/ojapay/internal/idgen"
	"github.com/ojapay/ojapay/internal/ledger"
	"github.com/ojapay/ojapay/internal/listing"
	"github.com/ojapay/ojapay/internal/metrics"
	"github.com/ojapay/ojapay/internal/money"
	"github.com/ojapay/ojapay/internal/syncutil"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderConflict      = errors.New("order changed concurrently")
	ErrSelfTrade          = errors.New("buyer and seller cannot be the same account")
	ErrOrderDisputed      = errors.New("order is under dispute")
	ErrAlreadyTerminal    = errors.New("order is already in a terminal state")
	ErrDisputeNotFound    = errors.New("dispute not found")
	ErrDisputeAlreadyOpen = errors.New("order already has an open dispute")
	ErrDisputeNotOpen     = errors.New("dispute is not open")
	ErrNotBuyer           = errors.New("only the buyer can dispute an order")
	ErrNotPilot           = errors.New("only the assigned pilot can update delivery")
	ErrInvalidVerdict     = errors.New("verdict must be pay_seller or refund_buyer")
	ErrInvalidRating      = errors.New("pilot rating must be between 1 and 5")
	ErrDeliveryState      = errors.New("invalid delivery status for this operation")
)

// Status is the financial state of an order.
type Status string

const (
	StatusEscrowed Status = "escrowed" // funds debited from buyer, held
	StatusDisputed Status = "disputed" // open dispute, release blocked
	StatusReleased Status = "released" // split credited out, terminal
	StatusRefunded Status = "refunded" // full amount back to buyer, terminal
)

// DeliveryStatus is the advisory delivery sub-track.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryAssigned  DeliveryStatus = "assigned"
	DeliveryInTransit DeliveryStatus = "in_transit"
	DeliveryDelivered DeliveryStatus = "delivered"
)

// Order is one escrow handshake. Amount is fixed at creation and never
// changes; the handshake reference keys every ledger transaction the order
// produces, which is what makes release idempotent.
type Order struct {
	ID             string          `json:"id"`
	Handshake      string          `json:"handshake"`
	BuyerID        string          `json:"buyerId"`
	ListingID      string          `json:"listingId"`
	SellerID       string          `json:"sellerId"`
	PilotID        string          `json:"pilotId,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Status         Status          `json:"status"`
	DeliveryStatus DeliveryStatus  `json:"deliveryStatus"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// IsTerminal reports whether the order has reached a final state.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusReleased || o.Status == StatusRefunded
}

// PayReference is the reference on the buyer's escrow debit.
func (o *Order) PayReference() string {
	return "PAY-" + o.Handshake
}

// ReleasePrefix is the reference prefix shared by all release credits.
func (o *Order) ReleasePrefix() string {
	return "RELEASE-" + o.Handshake
}

// RefundReference is the reference on a refund credit.
func (o *Order) RefundReference() string {
	return "REFUND-" + o.Handshake
}

// DisputeStatus tracks a dispute's lifecycle.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Verdict is an adjudicator's ruling on a dispute.
type Verdict string

const (
	VerdictPaySeller   Verdict = "pay_seller"
	VerdictRefundBuyer Verdict = "refund_buyer"
)

// Dispute freezes its order while open. At most one open dispute per order;
// the stores enforce that. AdjudicatorID records who ruled, for audit.
type Dispute struct {
	ID            string        `json:"id"`
	OrderID       string        `json:"orderId"`
	ClaimantID    string        `json:"claimantId"`
	Reason        string        `json:"reason"`
	Status        DisputeStatus `json:"status"`
	Verdict       Verdict       `json:"verdict,omitempty"`
	AdjudicatorID string        `json:"adjudicatorId,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	ResolvedAt    *time.Time    `json:"resolvedAt,omitempty"`
}

// Store persists orders and disputes.
type Store interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	// UpdateOrder writes the order only while its stored status still
	// equals expect, and returns ErrOrderConflict otherwise. Every status
	// transition is a compare-and-swap at the store, so a stale in-process
	// read can never overwrite a transition another process won.
	UpdateOrder(ctx context.Context, o *Order, expect Status) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Order, error)
	// ListEligibleForRelease returns delivered orders still financially
	// Escrowed, oldest first. Disputed orders are excluded at the query.
	ListEligibleForRelease(ctx context.Context, limit int) ([]*Order, error)
	// ListResolvedSince returns orders that reached Released or Refunded at
	// or after the given time, newest first. Feeds conservation checks.
	ListResolvedSince(ctx context.Context, since time.Time, limit int) ([]*Order, error)
	CountReleasedBySeller(ctx context.Context, sellerID string) (int, error)

	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetOpenDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
}

// Ledger is the slice of wallet operations the escrow engine needs.
// *ledger.Ledger satisfies it directly.
type Ledger interface {
	Debit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) error
	Credit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) error
	Apply(ctx context.Context, legs []ledger.Leg) error
	FindByReferencePrefix(ctx context.Context, prefix string) ([]*ledger.Transaction, error)
}

// Listings is the slice of listing operations the escrow engine needs.
// *listing.Service satisfies it directly.
type Listings interface {
	Get(ctx context.Context, id string) (*listing.Listing, error)
	Reserve(ctx context.Context, id string) (*listing.Listing, error)
	MarkSold(ctx context.Context, id string) error
	MarkAvailable(ctx context.Context, id string) error
}

// Reputation folds release outcomes into pilot ratings and merchant tiers.
type Reputation interface {
	RecordPilotRating(ctx context.Context, pilotID string, rating int) error
	RefreshMerchantTier(ctx context.Context, merchantID string, releasedOrders int) error
}

// Notifier delivers best-effort user messages. Calls must never block.
type Notifier interface {
	Notify(accountID, title, body string)
}

// EventSink receives order lifecycle events for live streaming.
type EventSink interface {
	OrderEvent(event string, order *Order)
}

// PlaceOrderRequest contains the parameters for opening an escrow order.
type PlaceOrderRequest struct {
	BuyerID   string `json:"buyerId" binding:"required"`
	ListingID string `json:"listingId" binding:"required"`
}

// DisputeRequest contains the parameters for raising a dispute.
type DisputeRequest struct {
	ClaimantID string `json:"claimantId" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
}

// Service implements the escrow state machine.
type Service struct {
	store           Store
	ledger          Ledger
	listings        Listings
	platformAccount string
	defaultPolicy   money.SplitPolicy
	agentPolicy     money.SplitPolicy
	reputation      Reputation
	notifier        Notifier
	events          EventSink
	logger          *slog.Logger
	locks           syncutil.ShardedMutex // per-order locks serializing transitions
}

// NewService creates a new escrow service. platformAccount receives the
// commission share of every release; the commission is never burned, so the
// per-handshake transaction sum stays at zero.
func NewService(store Store, lgr Ledger, listings Listings, platformAccount string, logger *slog.Logger) *Service {
	return &Service{
		store:           store,
		ledger:          lgr,
		listings:        listings,
		platformAccount: platformAccount,
		defaultPolicy:   money.DefaultPolicy(),
		agentPolicy:     money.AgentPolicy(),
		logger:          logger,
	}
}

// WithPolicies overrides the default and agent split policies.
func (s *Service) WithPolicies(def, agent money.SplitPolicy) *Service {
	s.defaultPolicy = def
	s.agentPolicy = agent
	return s
}

// WithReputation adds rating and tier tracking to releases.
func (s *Service) WithReputation(r Reputation) *Service {
	s.reputation = r
	return s
}

// WithNotifier adds best-effort user notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithEvents adds a lifecycle event sink.
func (s *Service) WithEvents(e EventSink) *Service {
	s.events = e
	return s
}

// orderLock acquires the lock for an order ID and returns its unlock
// function. It serializes in-process transitions (release vs dispute vs
// sweep); the transactions.reference unique constraint is the cross-process
// guard.
func (s *Service) orderLock(id string) func() {
	return s.locks.Lock(id)
}

// PlaceOrder debits the buyer and opens an Escrowed order against an
// Available listing.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	l, err := s.listings.Get(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	if l.OwnerID == req.BuyerID {
		return nil, ErrSelfTrade
	}

	if _, err := s.listings.Reserve(ctx, req.ListingID); err != nil {
		return nil, err
	}

	now := time.Now()
	order := &Order{
		ID:             idgen.WithPrefix("ord_"),
		Handshake:      idgen.Handshake(),
		BuyerID:        req.BuyerID,
		ListingID:      l.ID,
		SellerID:       l.OwnerID,
		Amount:         l.Price,
		Status:         StatusEscrowed,
		DeliveryStatus: DeliveryPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.ledger.Debit(ctx, order.BuyerID, order.Amount, order.PayReference()); err != nil {
		if relErr := s.listings.MarkAvailable(ctx, l.ID); relErr != nil {
			s.logger.Error("failed to release listing after debit failure",
				"listingId", l.ID, "error", relErr)
		}
		return nil, err
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		// Best-effort compensation: put the money and the listing back.
		if credErr := s.ledger.Credit(ctx, order.BuyerID, order.Amount, order.PayReference()+"-REVERSAL"); credErr != nil {
			s.logger.Error("CRITICAL: buyer debited but order create and reversal both failed",
				"handshake", order.Handshake, "buyer", order.BuyerID, "error", credErr)
		}
		if relErr := s.listings.MarkAvailable(ctx, l.ID); relErr != nil {
			s.logger.Error("failed to release listing after order create failure",
				"listingId", l.ID, "error", relErr)
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	metrics.OrdersPlacedTotal.Inc()
	s.notify(order.BuyerID, "Order placed",
		fmt.Sprintf("Your payment of ₦%s for %q is held in escrow (ref %s).", money.Format(order.Amount), l.Title, order.Handshake))
	s.notify(order.SellerID, "New order",
		fmt.Sprintf("%q has a buyer. Ship it to get paid (ref %s).", l.Title, order.Handshake))
	s.emit("order_placed", order)

	return order, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.GetOrder(ctx, id)
}

// ListByAccount returns orders where the account is buyer, seller, or pilot.
func (s *Service) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, accountID, limit)
}

// AssignPilot attaches a delivery pilot to a fresh order.
func (s *Service) AssignPilot(ctx context.Context, orderID, pilotID string) (*Order, error) {
	return s.updateDelivery(ctx, orderID, func(o *Order) error {
		if o.DeliveryStatus != DeliveryPending {
			return fmt.Errorf("%w: %s", ErrDeliveryState, o.DeliveryStatus)
		}
		o.PilotID = pilotID
		o.DeliveryStatus = DeliveryAssigned
		return nil
	})
}

// MarkInTransit records that the assigned pilot picked up the item.
func (s *Service) MarkInTransit(ctx context.Context, orderID, callerID string) (*Order, error) {
	return s.updateDelivery(ctx, orderID, func(o *Order) error {
		if o.PilotID != callerID {
			return ErrNotPilot
		}
		if o.DeliveryStatus != DeliveryAssigned {
			return fmt.Errorf("%w: %s", ErrDeliveryState, o.DeliveryStatus)
		}
		o.DeliveryStatus = DeliveryInTransit
		return nil
	})
}

// ConfirmDelivery records that the item reached the buyer. This makes the
// order eligible for the auto-release sweep but moves no money itself.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID, callerID string) (*Order, error) {
	order, err := s.updateDelivery(ctx, orderID, func(o *Order) error {
		if o.PilotID != callerID {
			return ErrNotPilot
		}
		if o.DeliveryStatus != DeliveryInTransit {
			return fmt.Errorf("%w: %s", ErrDeliveryState, o.DeliveryStatus)
		}
		now := time.Now()
		o.DeliveryStatus = DeliveryDelivered
		o.DeliveredAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(order.BuyerID, "Delivery confirmed",
		fmt.Sprintf("Your order %s was delivered. Funds release to the seller unless you dispute.", order.Handshake))
	s.emit("delivered", order)
	return order, nil
}

func (s *Service) updateDelivery(ctx context.Context, orderID string, apply func(*Order) error) (*Order, error) {
	unlock := s.orderLock(orderID)
	defer unlock()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if err := apply(order); err != nil {
		return nil, err
	}
	order.UpdatedAt = time.Now()
	// Delivery updates never change the financial status, so the guard
	// expects the status we just read.
	if err := s.store.UpdateOrder(ctx, order, order.Status); err != nil {
		return nil, err
	}
	return order, nil
}

// forceTerminal retries a terminal status write after a guarded update
// failed. The funds have already moved, so the ledger is authoritative and
// the record follows it over whatever status landed in between.
func (s *Service) forceTerminal(ctx context.Context, o *Order) error {
	cur, err := s.store.GetOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	if cur.IsTerminal() {
		return nil
	}
	return s.store.UpdateOrder(ctx, o, cur.Status)
}

func (s *Service) notify(accountID, title, body string) {
	if s.notifier != nil {
		s.notifier.Notify(accountID, title, body)
	}
}

func (s *Service) emit(event string, order *Order) {
	if s.events != nil {
		s.events.OrderEvent(event, order)
	}
}
