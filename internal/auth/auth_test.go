package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/types"
)

var (
	admin = types.HexToAddress("0x0000000000000000000000000000000000000ad1")
	alice = types.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = types.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&RoleGrant{}))
	return db
}

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewService("secret")
	svc.RegisterAPICredentials("key", "pw", alice)

	tests := []struct {
		name    string
		creds   Credentials
		wantErr error
	}{
		{name: "valid", creds: Credentials{APIKey: "key", APISecret: "pw"}},
		{name: "wrong secret", creds: Credentials{APIKey: "key", APISecret: "nope"}, wantErr: ErrInvalidCredentials},
		{name: "unknown key", creds: Credentials{APIKey: "other", APISecret: "pw"}, wantErr: ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := svc.GenerateToken(tt.creds)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, alice, token.Address)
			assert.WithinDuration(t, time.Now().Add(tokenTTL), token.Expiration, time.Minute)

			claims, err := svc.ValidateToken(token.Token)
			require.NoError(t, err)
			assert.Equal(t, "key", claims.ClientID)
			assert.Equal(t, alice.Hex(), claims.Address)
		})
	}
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	other := NewService("other-secret")
	other.RegisterAPICredentials("key", "pw", alice)
	token, err := other.GenerateToken(Credentials{APIKey: "key", APISecret: "pw"})
	require.NoError(t, err)

	_, err = NewService("secret").ValidateToken(token.Token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsMissingAddress(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		ClientID:         "key",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewService("secret").ValidateToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccessGrantRevoke(t *testing.T) {
	ctx := context.Background()
	access := NewAccess(newTestDB(t))

	require.NoError(t, access.Bootstrap(ctx, admin))
	// second bootstrap is a no-op
	require.NoError(t, access.Bootstrap(ctx, alice))
	ok, err := access.HasRole(ctx, RoleAdmin, alice)
	require.NoError(t, err)
	assert.False(t, ok)

	err = access.Grant(ctx, alice, RoleArbiter, bob)
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, access.Grant(ctx, admin, RoleArbiter, bob))
	require.NoError(t, access.Grant(ctx, admin, RoleArbiter, bob), "granting twice is idempotent")
	assert.NoError(t, access.Require(ctx, RoleArbiter, bob))

	members, err := access.Members(ctx, RoleArbiter)
	require.NoError(t, err)
	assert.Equal(t, []types.Address{bob}, members)

	err = access.Grant(ctx, admin, Role("OVERLORD"), bob)
	assert.ErrorIs(t, err, ErrUnknownRole)

	require.NoError(t, access.Revoke(ctx, admin, RoleArbiter, bob))
	assert.ErrorIs(t, access.Require(ctx, RoleArbiter, bob), ErrUnauthorized)
}

func TestAccessKeepsLastAdmin(t *testing.T) {
	ctx := context.Background()
	access := NewAccess(newTestDB(t))
	require.NoError(t, access.Bootstrap(ctx, admin))

	assert.ErrorIs(t, access.Revoke(ctx, admin, RoleAdmin, admin), ErrLastAdmin)

	require.NoError(t, access.Grant(ctx, admin, RoleAdmin, alice))
	require.NoError(t, access.Revoke(ctx, alice, RoleAdmin, admin))

	ok, err := access.HasRole(ctx, RoleAdmin, admin)
	require.NoError(t, err)
	assert.False(t, ok)
}
