package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(newViper())
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, int64(50), cfg.BuyerFeeBps)
	assert.Equal(t, int64(50), cfg.SellerFeeBps)
	assert.Equal(t, 7*24*time.Hour, cfg.DisputeWindow)
	assert.Equal(t, MaxTradeWindow, cfg.TradeWindow)
	assert.Equal(t, int64(50), cfg.OracleMinConfidence)
	assert.Equal(t, "CH", cfg.DefaultJurisdiction)
	assert.False(t, cfg.EscrowAddress.IsZero())
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   interface{}
		wantErr string
	}{
		{name: "fee above max", key: BuyerFeeBpsKey, value: MaxFeeBps + 1, wantErr: "BUYER_FEE_BPS"},
		{name: "negative seller fee", key: SellerFeeBpsKey, value: -1, wantErr: "SELLER_FEE_BPS"},
		{name: "trade window too long", key: TradeWindowKey, value: 31 * 24 * time.Hour, wantErr: "TRADE_WINDOW"},
		{name: "dispute window too short", key: DisputeWindowKey, value: time.Minute, wantErr: "DISPUTE_WINDOW"},
		{name: "unknown driver", key: DBDriverKey, value: "mysql", wantErr: "DB_DRIVER"},
		{name: "empty secret", key: JWTSecretKey, value: "", wantErr: "JWT_SECRET"},
		{name: "zero escrow address", key: EscrowAddressKey, value: "0x0000000000000000000000000000000000000000", wantErr: "ESCROW_ADDRESS"},
		{name: "malformed fee recipient", key: FeeRecipientKey, value: "not-an-address", wantErr: "FEE_RECIPIENT"},
		{name: "confidence above 100", key: OracleMinConfidenceKey, value: 101, wantErr: "ORACLE_MIN_CONFIDENCE"},
		{name: "postgres accepted", key: DBDriverKey, value: "POSTGRES"},
		{name: "fee at max accepted", key: SellerFeeBpsKey, value: MaxFeeBps},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper()
			v.Set(tt.key, tt.value)

			cfg, err := load(v)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
		})
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ESCROW_BUYER_FEE_BPS", "25")
	t.Setenv("ESCROW_DEFAULT_JURISDICTION", "sg")

	cfg, err := load(newViper())
	require.NoError(t, err)
	assert.Equal(t, int64(25), cfg.BuyerFeeBps)
	assert.Equal(t, "SG", cfg.DefaultJurisdiction)
}

func TestConfigureLogger(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := load(newViper())
	require.NoError(t, err)

	var buf bytes.Buffer
	cfg.LogLevel = "warn"
	require.NoError(t, configureLogger(cfg, &buf))
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	cfg.LogLevel = "chatty"
	assert.Error(t, configureLogger(cfg, &buf))
}
