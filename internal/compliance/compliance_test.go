package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/types"
)

var (
	officer = types.HexToAddress("0x00000000000000000000000000000000000c0ff1")
	alice   = types.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob     = types.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol   = types.HexToAddress("0x00000000000000000000000000000000000ca201")
	mallory = types.HexToAddress("0x000000000000000000000000000000000000ba0d")
)

type officers map[types.Address]bool

func (o officers) Require(_ context.Context, _ auth.Role, addr types.Address) error {
	if o[addr] {
		return nil
	}
	return auth.ErrUnauthorized
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestOracle(t *testing.T) *Oracle {
	t.Helper()
	db, err := database.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Profile{}, &JurisdictionRule{}, &CheckRecord{}))

	o := NewOracle(db, officers{officer: true}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, o.UpsertProfile(ctx, officer, Profile{Address: alice, Verified: true, RiskLevel: types.RiskLow, Jurisdiction: "ch"}))
	require.NoError(t, o.UpsertProfile(ctx, officer, Profile{Address: bob, Verified: true, RiskLevel: types.RiskHigh, Jurisdiction: "CH"}))
	require.NoError(t, o.UpsertProfile(ctx, officer, Profile{Address: carol, Verified: true, RiskLevel: types.RiskMedium, KYCExpiry: now.Add(-time.Hour)}))
	require.NoError(t, o.UpsertProfile(ctx, officer, Profile{Address: mallory, Verified: true, RiskLevel: types.RiskLow, Sanctioned: true}))
	require.NoError(t, o.UpsertRule(ctx, officer, JurisdictionRule{Jurisdiction: "CH", Enabled: true, MaxTransactionValue: 1_000_000, HighRiskValueLimit: 10_000}))
	require.NoError(t, o.UpsertRule(ctx, officer, JurisdictionRule{Jurisdiction: "XX", Enabled: false}))
	return o
}

func TestVerify(t *testing.T) {
	o := newTestOracle(t)
	ctx := context.Background()

	tests := []struct {
		name string
		addr types.Address
		want bool
	}{
		{"verified low risk", alice, true},
		{"verified high risk", bob, true},
		{"kyc expired", carol, false},
		{"sanctioned", mallory, false},
		{"unknown", types.HexToAddress("0x1234567890123456789012345678901234567890"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := o.Verify(ctx, tt.addr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRiskLevelAndSanctions(t *testing.T) {
	o := newTestOracle(t)
	ctx := context.Background()

	risk, err := o.RiskLevel(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, types.RiskHigh, risk)

	risk, err = o.RiskLevel(ctx, types.HexToAddress("0x1234567890123456789012345678901234567890"))
	require.NoError(t, err)
	assert.Equal(t, types.RiskProhibited, risk)

	sanctioned, err := o.IsSanctioned(ctx, mallory)
	require.NoError(t, err)
	assert.True(t, sanctioned)

	require.NoError(t, o.SetSanctioned(ctx, officer, alice, true))
	ok, err := o.Verify(ctx, alice)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, o.SetSanctioned(ctx, alice, bob, true), auth.ErrUnauthorized)
	assert.ErrorIs(t, o.SetSanctioned(ctx, officer, types.HexToAddress("0x1234567890123456789012345678901234567890"), true), ErrProfileNotFound)
}

func TestIsTransactionCompliant(t *testing.T) {
	o := newTestOracle(t)
	ctx := context.Background()

	tests := []struct {
		name         string
		from, to     types.Address
		amount       int64
		value        int64
		jurisdiction string
		want         bool
	}{
		{"permitted", alice, bob, 6500, 6431, "CH", true},
		{"lowercase jurisdiction", alice, bob, 6500, 6431, "ch", true},
		{"zero amount", alice, bob, 0, 6431, "CH", false},
		{"high risk above limit", alice, bob, 20_000, 20_000, "CH", false},
		{"above jurisdiction max", alice, alice, 2_000_000, 2_000_000, "CH", false},
		{"unverified party", alice, carol, 100, 100, "CH", false},
		{"sanctioned party", mallory, alice, 100, 100, "CH", false},
		{"disabled jurisdiction", alice, bob, 100, 100, "XX", false},
		{"unknown jurisdiction", alice, bob, 100, 100, "SG", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := o.IsTransactionCompliant(ctx, tt.from, tt.to, tt.amount, tt.value, tt.jurisdiction)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPerformComplianceCheckWritesAudit(t *testing.T) {
	o := newTestOracle(t)
	ctx := context.Background()

	ok, err := o.PerformComplianceCheck(ctx, alice, 6500, "trade:1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = o.PerformComplianceCheck(ctx, mallory, 6500, "trade:1")
	require.NoError(t, err)
	assert.False(t, ok)

	checks, err := o.Checks(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, "trade:1", checks[0].SourceRef)
	assert.True(t, checks[0].Approved)
	assert.Equal(t, now, checks[0].CheckedAt.UTC())
	assert.NotEmpty(t, checks[0].CheckID)
}

func TestUpsertValidation(t *testing.T) {
	o := newTestOracle(t)
	ctx := context.Background()

	assert.ErrorIs(t, o.UpsertProfile(ctx, alice, Profile{Address: bob}), auth.ErrUnauthorized)
	assert.ErrorIs(t, o.UpsertProfile(ctx, officer, Profile{}), ErrInvalidProfile)
	assert.ErrorIs(t, o.UpsertProfile(ctx, officer, Profile{Address: bob, RiskLevel: "EXTREME"}), ErrInvalidProfile)
	assert.ErrorIs(t, o.UpsertRule(ctx, officer, JurisdictionRule{Jurisdiction: " "}), ErrInvalidRule)

	// upsert replaces the existing row
	require.NoError(t, o.UpsertProfile(ctx, officer, Profile{Address: carol, Verified: true, RiskLevel: types.RiskLow}))
	ok, err := o.Verify(ctx, carol)
	require.NoError(t, err)
	assert.True(t, ok)

	rule, err := o.GetRule(ctx, "xx")
	require.NoError(t, err)
	assert.False(t, rule.Enabled)
	_, err = o.GetRule(ctx, "SG")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestDecisionHash(t *testing.T) {
	d := Decision{TradeID: 1, Buyer: alice, Seller: bob, Value: 6431, Jurisdiction: "CH", Approved: true, CheckedAt: now}
	h := d.Hash()
	assert.Len(t, h, 66)
	assert.Equal(t, h, d.Hash())

	d.Approved = false
	assert.NotEqual(t, h, d.Hash())
}
