package custody

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/pricing"
	"github.com/ksred/klear-escrow/internal/types"
)

var (
	custodian = types.HexToAddress("0x00000000000000000000000000000000000c0570")
	alice     = types.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob       = types.HexToAddress("0x0000000000000000000000000000000000000b0b")
	now       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type custodians map[types.Address]bool

func (c custodians) Require(_ context.Context, _ auth.Role, addr types.Address) error {
	if c[addr] {
		return nil
	}
	return auth.ErrUnauthorized
}

// fixedPrice values every category at one unit price
type fixedPrice int64

func (p fixedPrice) AssetValue(_ context.Context, _ types.AssetCategory, weight, purity int64) (int64, error) {
	return pricing.Value(weight, purity, int64(p)), nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := database.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Asset{}, &TransferRecord{}))

	r := NewRegistry("precious-metals", db, custodians{custodian: true}, fixedPrice(6438), WithClock(func() time.Time { return now }))

	_, err = r.Register(context.Background(), custodian, Asset{
		AssetID:           "UAID-GOLD-001",
		Category:          "gold",
		Weight:            100,
		Purity:            999,
		CertificateID:     "CERT-1",
		CertificateExpiry: now.Add(365 * 24 * time.Hour),
		VaultJurisdiction: "ch",
		Holder:            alice,
	})
	require.NoError(t, err)
	return r
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	valid := Asset{AssetID: "UAID-2", Category: types.CategorySilver, Weight: 1000, Purity: 925, Holder: bob}

	tests := []struct {
		name    string
		caller  types.Address
		mutate  func(a *Asset)
		wantErr error
	}{
		{"not custodian", alice, func(a *Asset) {}, auth.ErrUnauthorized},
		{"empty id", custodian, func(a *Asset) { a.AssetID = " " }, ErrInvalidAsset},
		{"unknown category", custodian, func(a *Asset) { a.Category = "TIN" }, ErrInvalidAsset},
		{"zero weight", custodian, func(a *Asset) { a.Weight = 0 }, ErrInvalidAsset},
		{"purity above scale", custodian, func(a *Asset) { a.Purity = 1001 }, ErrInvalidAsset},
		{"zero holder", custodian, func(a *Asset) { a.Holder = types.ZeroAddress }, ErrInvalidAsset},
		{"duplicate", custodian, func(a *Asset) { a.AssetID = "UAID-GOLD-001" }, ErrAssetExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := valid
			tt.mutate(&a)
			_, err := r.Register(ctx, tt.caller, a)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	asset, err := r.Register(ctx, custodian, valid)
	require.NoError(t, err)
	assert.Equal(t, "precious-metals", asset.Contract)
	assert.Equal(t, custodian, asset.Custodian)
}

func TestLookups(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	owner, err := r.OwnerOf(ctx, "UAID-GOLD-001")
	require.NoError(t, err)
	assert.Equal(t, alice, owner)

	valid, err := r.IsCertificationValid(ctx, "UAID-GOLD-001")
	require.NoError(t, err)
	assert.True(t, valid)

	value, err := r.ValueOf(ctx, "UAID-GOLD-001")
	require.NoError(t, err)
	assert.Equal(t, int64(6431), value)

	category, err := r.CategoryOf(ctx, "UAID-GOLD-001")
	require.NoError(t, err)
	assert.Equal(t, types.CategoryGold, category)

	jurisdiction, err := r.JurisdictionOf(ctx, "UAID-GOLD-001")
	require.NoError(t, err)
	assert.Equal(t, "CH", jurisdiction)

	_, err = r.OwnerOf(ctx, "missing")
	assert.ErrorIs(t, err, ErrAssetNotFound)
}

func TestCertificationExpiry(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, custodian, Asset{AssetID: "UAID-OLD", Category: types.CategoryGold, Weight: 1, Purity: 999,
		CertificateID: "CERT-OLD", CertificateExpiry: now.Add(-time.Hour), Holder: alice})
	require.NoError(t, err)
	_, err = r.Register(ctx, custodian, Asset{AssetID: "UAID-NOCERT", Category: types.CategoryGold, Weight: 1, Purity: 999, Holder: alice})
	require.NoError(t, err)

	for _, id := range []string{"UAID-OLD", "UAID-NOCERT"} {
		valid, err := r.IsCertificationValid(ctx, id)
		require.NoError(t, err)
		assert.False(t, valid, id)
	}
}

func TestTransfer(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	assert.ErrorIs(t, r.Transfer(ctx, bob, alice, "UAID-GOLD-001"), ErrNotHolder)
	assert.ErrorIs(t, r.Transfer(ctx, alice, types.ZeroAddress, "UAID-GOLD-001"), ErrInvalidAsset)

	require.NoError(t, r.Transfer(ctx, alice, bob, "UAID-GOLD-001"))
	owner, err := r.OwnerOf(ctx, "UAID-GOLD-001")
	require.NoError(t, err)
	assert.Equal(t, bob, owner)

	history, err := r.History(ctx, "UAID-GOLD-001")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, alice, history[0].From)
	assert.Equal(t, bob, history[0].To)

	holdings, err := r.Holdings(ctx, bob)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "UAID-GOLD-001", holdings[0].AssetID)
}

func TestMarkRedeemed(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	assert.ErrorIs(t, r.MarkRedeemed(ctx, alice, alice, "UAID-GOLD-001"), auth.ErrUnauthorized)
	assert.ErrorIs(t, r.MarkRedeemed(ctx, custodian, bob, "UAID-GOLD-001"), ErrNotHolder)
	require.NoError(t, r.MarkRedeemed(ctx, custodian, alice, "UAID-GOLD-001"))

	redeemed, err := r.IsRedeemed(ctx, "UAID-GOLD-001")
	require.NoError(t, err)
	assert.True(t, redeemed)

	assert.ErrorIs(t, r.Transfer(ctx, alice, bob, "UAID-GOLD-001"), ErrAssetRedeemed)
	assert.ErrorIs(t, r.MarkRedeemed(ctx, custodian, alice, "UAID-GOLD-001"), ErrAssetRedeemed)
}
