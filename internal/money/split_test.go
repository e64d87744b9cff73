package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	d, err := Parse("2500.50")
	require.NoError(t, err)
	assert.Equal(t, "2500.50", Format(d))

	_, err = Parse("abc")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Parse("-10")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// Sub-kobo precision is rejected, not silently rounded.
	_, err = Parse("10.001")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// Trailing zeros past the kobo are fine; the value is exact.
	d, err = Parse("100.000")
	require.NoError(t, err)
	assert.Equal(t, "100.00", Format(d))

	_, err = ParsePositive("0")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSplitPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.NoError(t, AgentPolicy().Validate())

	bad := SplitPolicy{RoleMerchant: decimal.RequireFromString("0.90")}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidPolicy)

	bad = SplitPolicy{
		RoleMerchant: decimal.RequireFromString("1.05"),
		RolePlatform: decimal.RequireFromString("-0.05"),
	}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidPolicy)

	assert.ErrorIs(t, SplitPolicy{}.Validate(), ErrInvalidPolicy)
}

func TestAllocateDefaultSplit(t *testing.T) {
	shares, err := DefaultPolicy().Allocate(MustParse("100000.00"))
	require.NoError(t, err)
	require.Len(t, shares, 2)

	assert.Equal(t, RoleMerchant, shares[0].Role)
	assert.Equal(t, "95000.00", Format(shares[0].Amount))
	assert.Equal(t, RolePlatform, shares[1].Role)
	assert.Equal(t, "5000.00", Format(shares[1].Amount))
}

func TestAllocateAgentSplit(t *testing.T) {
	shares, err := AgentPolicy().Allocate(MustParse("50000.00"))
	require.NoError(t, err)
	require.Len(t, shares, 3)

	got := map[Role]string{}
	for _, s := range shares {
		got[s.Role] = Format(s.Amount)
	}
	assert.Equal(t, "42500.00", got[RoleMerchant])
	assert.Equal(t, "5000.00", got[RoleAgent])
	assert.Equal(t, "2500.00", got[RolePlatform])
}

func TestAllocateConservesTotal(t *testing.T) {
	totals := []string{"0.01", "0.03", "99.99", "100.01", "12345.67", "1000000.00"}
	policies := []SplitPolicy{
		DefaultPolicy(),
		AgentPolicy(),
		{
			RoleMerchant: decimal.RequireFromString("0.3333"),
			RoleAgent:    decimal.RequireFromString("0.3333"),
			RolePlatform: decimal.RequireFromString("0.3334"),
		},
	}

	for _, p := range policies {
		for _, ts := range totals {
			total := MustParse(ts)
			shares, err := p.Allocate(total)
			require.NoError(t, err)

			sum := decimal.Zero
			for _, s := range shares {
				assert.False(t, s.Amount.IsNegative(), "share for %s on total %s", s.Role, ts)
				sum = sum.Add(s.Amount)
			}
			assert.True(t, sum.Equal(total), "total %s: shares sum to %s", ts, sum)
		}
	}
}

func TestAllocateRejectsNonPositiveTotal(t *testing.T) {
	_, err := DefaultPolicy().Allocate(decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
