// Package reputation tracks delivery-pilot ratings and merchant trust tiers.
//
// Pilot ratings are kept as a running sum + count so the average never
// drifts from the recorded history. Merchant tiers are recomputed from the
// merchant's released-order count every time funds are released to them.
package reputation

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPilotNotFound = errors.New("pilot has no ratings yet")
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
)

// Rating is a pilot's running rating aggregate.
type Rating struct {
	PilotID   string    `json:"pilotId"`
	Sum       int64     `json:"sum"`
	Count     int64     `json:"count"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Average returns the mean rating, or 0 with no ratings.
func (r *Rating) Average() float64 {
	if r.Count == 0 {
		return 0
	}
	return float64(r.Sum) / float64(r.Count)
}

// Tier is a merchant trust level, derived from released-order volume.
type Tier string

const (
	TierNovice   Tier = "Novice"
	TierVerified Tier = "Verified Merchant"
	TierMaster   Tier = "Master Merchant"
)

// TierFor maps a released-order count to a trust tier.
func TierFor(releasedOrders int) Tier {
	switch {
	case releasedOrders >= 50:
		return TierMaster
	case releasedOrders >= 10:
		return TierVerified
	default:
		return TierNovice
	}
}

// Store persists reputation data.
type Store interface {
	AddPilotRating(ctx context.Context, pilotID string, rating int) error
	GetPilotRating(ctx context.Context, pilotID string) (*Rating, error)
	SetMerchantTier(ctx context.Context, merchantID string, tier Tier) error
	GetMerchantTier(ctx context.Context, merchantID string) (Tier, error)
}

// Service implements reputation business logic.
type Service struct {
	store Store
}

// NewService creates a new reputation service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// RecordPilotRating folds one delivery rating into the pilot's aggregate.
func (s *Service) RecordPilotRating(ctx context.Context, pilotID string, rating int) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	return s.store.AddPilotRating(ctx, pilotID, rating)
}

// PilotRating returns a pilot's aggregate rating.
func (s *Service) PilotRating(ctx context.Context, pilotID string) (*Rating, error) {
	return s.store.GetPilotRating(ctx, pilotID)
}

// PromoteMerchant recomputes and stores a merchant's tier from their
// released-order count. Returns the (possibly unchanged) tier.
func (s *Service) PromoteMerchant(ctx context.Context, merchantID string, releasedOrders int) (Tier, error) {
	tier := TierFor(releasedOrders)
	if err := s.store.SetMerchantTier(ctx, merchantID, tier); err != nil {
		return "", err
	}
	return tier, nil
}

// RefreshMerchantTier recomputes a merchant's tier after a release. Callers
// that do not care about the resulting tier use this form.
func (s *Service) RefreshMerchantTier(ctx context.Context, merchantID string, releasedOrders int) error {
	_, err := s.PromoteMerchant(ctx, merchantID, releasedOrders)
	return err
}

// MerchantTier returns a merchant's current trust tier, defaulting to Novice.
func (s *Service) MerchantTier(ctx context.Context, merchantID string) (Tier, error) {
	return s.store.GetMerchantTier(ctx, merchantID)
}
