// Package listing manages marketplace listings and their sale status.
//
// A listing's status mirrors the escrow lifecycle of the order placed
// against it: Available until a buyer opens a handshake, PendingHandshake
// while funds are in escrow, Sold once released. A refund puts it back to
// Available.
package listing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ojapay/ojapay/internal/idgen"
	"github.com/ojapay/ojapay/internal/money"
)

var (
	ErrListingNotFound    = errors.New("listing not found")
	ErrListingUnavailable = errors.New("listing is not available")
)

// Status represents the sale state of a listing.
type Status string

const (
	StatusAvailable        Status = "available"
	StatusPendingHandshake Status = "pending_handshake"
	StatusSold             Status = "sold"
)

// Listing is an item offered for sale. AgentID is set when a third-party
// agent lists on behalf of the owner; releases then use the three-way
// agent split.
type Listing struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"ownerId"`
	AgentID   string          `json:"agentId,omitempty"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	// Transition atomically moves a listing from one status to another.
	// The status check and the write are a single compare-and-swap: a
	// listing not in the expected status returns ErrListingUnavailable,
	// so two concurrent reservations can never both succeed.
	Transition(ctx context.Context, id string, from, to Status) (*Listing, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Listing, error)
}

// CreateRequest contains the parameters for creating a listing.
type CreateRequest struct {
	OwnerID string `json:"ownerId" binding:"required"`
	AgentID string `json:"agentId"`
	Title   string `json:"title" binding:"required"`
	Price   string `json:"price" binding:"required"`
}

// Service implements listing business logic.
type Service struct {
	store Store
}

// NewService creates a new listing service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create publishes a new listing in Available state.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Listing, error) {
	price, err := money.ParsePositive(req.Price)
	if err != nil {
		return nil, fmt.Errorf("listing price: %w", err)
	}

	now := time.Now()
	l := &Listing{
		ID:        idgen.WithPrefix("lst_"),
		OwnerID:   req.OwnerID,
		AgentID:   req.AgentID,
		Title:     req.Title,
		Price:     price,
		Status:    StatusAvailable,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Get returns a listing by ID.
func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// Reserve moves an Available listing to PendingHandshake. Called when an
// escrow order is opened against it; the store-level compare-and-swap is
// what stops two buyers from reserving the same item.
func (s *Service) Reserve(ctx context.Context, id string) (*Listing, error) {
	return s.store.Transition(ctx, id, StatusAvailable, StatusPendingHandshake)
}

// MarkSold finalizes a listing whose order was released.
func (s *Service) MarkSold(ctx context.Context, id string) error {
	_, err := s.store.Transition(ctx, id, StatusPendingHandshake, StatusSold)
	return err
}

// MarkAvailable puts a listing back on the market after a refund.
func (s *Service) MarkAvailable(ctx context.Context, id string) error {
	_, err := s.store.Transition(ctx, id, StatusPendingHandshake, StatusAvailable)
	return err
}

// ListByOwner returns a seller's listings, newest first.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByOwner(ctx, ownerID, limit)
}
