package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid-lowercase", input: "0x00000000000000000000000000000000000000a1"},
		{name: "valid-checksummed", input: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"},
		{name: "missing-prefix-still-hex", input: "5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"},
		{name: "too-short", input: "0x1234", wantErr: true},
		{name: "not-hex", input: "0xzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseAddress(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidAddress)
				assert.True(t, addr.IsZero())
				return
			}
			require.NoError(t, err)
			assert.False(t, addr.IsZero())
		})
	}
}

func TestAddress_JSONRoundTrip(t *testing.T) {
	addr := HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")

	raw, err := json.Marshal(struct {
		Owner Address `json:"owner"`
	}{Owner: addr})
	require.NoError(t, err)
	assert.JSONEq(t, `{"owner":"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"}`, string(raw))

	var decoded struct {
		Owner Address `json:"owner"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, addr, decoded.Owner)
}

func TestAddress_ScanValue(t *testing.T) {
	addr := HexToAddress("0x00000000000000000000000000000000000000b2")

	v, err := addr.Value()
	require.NoError(t, err)
	assert.Equal(t, addr.Hex(), v)

	var fromString Address
	require.NoError(t, fromString.Scan(v))
	assert.Equal(t, addr, fromString)

	var fromBytes Address
	require.NoError(t, fromBytes.Scan(addr.Bytes()))
	assert.Equal(t, addr, fromBytes)

	var fromNil Address
	require.NoError(t, fromNil.Scan(nil))
	assert.True(t, fromNil.IsZero())

	var bad Address
	assert.Error(t, bad.Scan(42))
}

func TestParseAssetCategory(t *testing.T) {
	c, err := ParseAssetCategory(" gold ")
	require.NoError(t, err)
	assert.Equal(t, CategoryGold, c)

	_, err = ParseAssetCategory("copper")
	assert.Error(t, err)
}

func TestRiskLevel_Valid(t *testing.T) {
	for _, r := range []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskProhibited} {
		assert.True(t, r.Valid(), string(r))
	}
	assert.False(t, RiskLevel("EXTREME").Valid())
}
