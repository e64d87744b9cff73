package money

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Role identifies a payout recipient class in a split policy.
type Role string

const (
	RoleMerchant Role = "MERCHANT" // seller / listing owner
	RolePlatform Role = "PLATFORM" // platform commission account
	RoleAgent    Role = "AGENT"    // third-party lister on agent-mediated listings
)

var ErrInvalidPolicy = errors.New("invalid split policy")

// SplitPolicy maps recipient roles to fractional shares of an order total.
// Shares must be positive and sum to exactly 1.
type SplitPolicy map[Role]decimal.Decimal

// DefaultPolicy is the standard marketplace split: merchant nets 95%,
// the platform takes a 5% commission.
func DefaultPolicy() SplitPolicy {
	return SplitPolicy{
		RoleMerchant: decimal.RequireFromString("0.95"),
		RolePlatform: decimal.RequireFromString("0.05"),
	}
}

// AgentPolicy is the split for agent-mediated listings: the agent earns 10%,
// the platform 5%, and the owner nets 85%.
func AgentPolicy() SplitPolicy {
	return SplitPolicy{
		RoleAgent:    decimal.RequireFromString("0.10"),
		RolePlatform: decimal.RequireFromString("0.05"),
		RoleMerchant: decimal.RequireFromString("0.85"),
	}
}

// Validate checks that every share is positive and the shares sum to 1.
func (p SplitPolicy) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalidPolicy)
	}
	sum := decimal.Zero
	for role, share := range p {
		if !share.IsPositive() {
			return fmt.Errorf("%w: share for %s must be positive", ErrInvalidPolicy, role)
		}
		sum = sum.Add(share)
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: shares sum to %s, want 1", ErrInvalidPolicy, sum)
	}
	return nil
}

// Share is one recipient's computed cut of an order total.
type Share struct {
	Role   Role
	Amount decimal.Decimal
}

// Allocate splits total across the policy's roles, rounding each share down
// to kobo precision and folding the rounding remainder into the largest
// share. The returned shares always sum to exactly total, so releasing an
// order can never create or destroy money.
//
// The order of the returned slice is deterministic: largest share first,
// ties broken by role name.
func (p SplitPolicy) Allocate(total decimal.Decimal) ([]Share, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: total must be positive", ErrInvalidAmount)
	}

	shares := make([]Share, 0, len(p))
	for role, frac := range p {
		shares = append(shares, Share{
			Role:   role,
			Amount: total.Mul(frac).RoundDown(Places),
		})
	}
	sort.Slice(shares, func(i, j int) bool {
		if !shares[i].Amount.Equal(shares[j].Amount) {
			return shares[i].Amount.GreaterThan(shares[j].Amount)
		}
		return shares[i].Role < shares[j].Role
	})

	allocated := decimal.Zero
	for _, s := range shares {
		allocated = allocated.Add(s.Amount)
	}
	// Rounding always loses kobo, never gains; the remainder goes to the
	// largest recipient so the total is conserved.
	if rem := total.Sub(allocated); rem.IsPositive() {
		shares[0].Amount = shares[0].Amount.Add(rem)
	}

	return shares, nil
}
