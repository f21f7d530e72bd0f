package escrow

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/types"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newRouter mounts the escrow routes behind a stand-in for the JWT
// middleware that takes the caller from the X-Address header.
func newRouter(h *harness) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if addr, err := types.ParseAddress(c.GetHeader("X-Address")); err == nil {
			c.Set(auth.ContextAddressKey, addr)
		}
		c.Next()
	})
	NewGinHandlers(h.engine).RegisterRoutes(r.Group("/api/v1/trades"), r.Group("/api/v1/admin"))
	return r
}

func call(t *testing.T, r *gin.Engine, method, path string, as types.Address, body interface{}, headers ...string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if !as.IsZero() {
		req.Header.Set("X-Address", as.Hex())
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func TestHandlers_TradeLifecycle(t *testing.T) {
	h := newHarness(t)
	r := newRouter(h)

	create := map[string]interface{}{
		"seller":         seller.Hex(),
		"payment_asset":  "native",
		"payment_amount": 6500,
		"asset_contract": preciousContract,
		"asset_id":       goldAsset,
		"deadline":       t0.Add(7 * 24 * time.Hour).Format(time.RFC3339),
	}
	code, env := call(t, r, http.MethodPost, "/api/v1/trades", buyer, create, "Idempotency-Key", "web-1")
	require.Equal(t, http.StatusCreated, code, env.Error)
	var trade Trade
	require.NoError(t, json.Unmarshal(env.Data, &trade))
	assert.Equal(t, StatusPending, trade.Status)
	assert.Equal(t, int64(32), trade.BuyerFee)

	code, env = call(t, r, http.MethodPost, "/api/v1/trades", buyer, create, "Idempotency-Key", "web-1")
	require.Equal(t, http.StatusCreated, code)
	var replay Trade
	require.NoError(t, json.Unmarshal(env.Data, &replay))
	assert.Equal(t, trade.ID, replay.ID)

	path := "/api/v1/trades/1"

	code, env = call(t, r, http.MethodPost, path+"/deposit-payment", seller, map[string]int64{"amount": 6532})
	assert.Equal(t, http.StatusForbidden, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NOT_BUYER", env.Error.Code)

	code, env = call(t, r, http.MethodPost, path+"/deposit-payment", buyer, map[string]int64{"amount": 6500})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "WRONG_PAYMENT_AMOUNT", env.Error.Code)

	code, _ = call(t, r, http.MethodPost, path+"/deposit-asset", seller, nil)
	require.Equal(t, http.StatusCreated, code)
	code, env = call(t, r, http.MethodPost, path+"/deposit-payment", buyer, map[string]int64{"amount": 6532})
	require.Equal(t, http.StatusCreated, code)
	require.NoError(t, json.Unmarshal(env.Data, &trade))
	assert.Equal(t, StatusExecuted, trade.Status)

	code, env = call(t, r, http.MethodGet, path, types.ZeroAddress, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &trade))
	assert.True(t, trade.FeesCollected)

	code, env = call(t, r, http.MethodGet, "/api/v1/trades?status=EXECUTED", types.ZeroAddress, nil)
	require.Equal(t, http.StatusOK, code)
	var page types.Page[Trade]
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, int64(1), page.Total)

	code, env = call(t, r, http.MethodGet, "/api/v1/trades", seller, nil)
	require.Equal(t, http.StatusOK, code)
	var mine []Trade
	require.NoError(t, json.Unmarshal(env.Data, &mine))
	assert.Len(t, mine, 1)
}

func TestHandlers_Errors(t *testing.T) {
	h := newHarness(t)
	r := newRouter(h)

	tests := []struct {
		name     string
		method   string
		path     string
		as       types.Address
		body     interface{}
		wantCode int
		wantErr  string
	}{
		{"missing caller", http.MethodPost, "/api/v1/trades/1/execute", types.ZeroAddress, nil, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"bad trade id", http.MethodGet, "/api/v1/trades/abc", buyer, nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown trade", http.MethodGet, "/api/v1/trades/42", buyer, nil, http.StatusNotFound, "TRADE_NOT_FOUND"},
		{"unknown status", http.MethodGet, "/api/v1/trades?status=SETTLED", buyer, nil, http.StatusBadRequest, "UNKNOWN_STATUS"},
		{"create without body", http.MethodPost, "/api/v1/trades", buyer, map[string]string{}, http.StatusBadRequest, "BAD_REQUEST"},
		{"resolve without decision", http.MethodPost, "/api/v1/trades/1/resolve", admin, map[string]string{}, http.StatusBadRequest, "BAD_REQUEST"},
		{"fees by non-admin", http.MethodPut, "/api/v1/admin/fees", buyer, map[string]int64{"buyer_fee_bps": 1, "seller_fee_bps": 1}, http.StatusForbidden, "UNAUTHORIZED"},
		{"fees above max", http.MethodPut, "/api/v1/admin/fees", admin, map[string]int64{"buyer_fee_bps": 5000, "seller_fee_bps": 1}, http.StatusBadRequest, "INVALID_FEES"},
		{"bad duration", http.MethodPut, "/api/v1/admin/timeouts", admin, map[string]string{"dispute_window": "a week", "trade_window": "720h"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"cancel with malformed body", http.MethodPost, "/api/v1/trades/1/cancel", buyer, "not an object", http.StatusBadRequest, "BAD_REQUEST"},
		{"dispute with malformed body", http.MethodPost, "/api/v1/trades/1/dispute", buyer, []string{"reason"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"cancel without body reaches the engine", http.MethodPost, "/api/v1/trades/42/cancel", buyer, nil, http.StatusNotFound, "TRADE_NOT_FOUND"},
		{"dispute without body reaches the engine", http.MethodPost, "/api/v1/trades/42/dispute", buyer, nil, http.StatusNotFound, "TRADE_NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := call(t, r, tt.method, tt.path, tt.as, tt.body)
			assert.Equal(t, tt.wantCode, code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.wantErr, env.Error.Code)
		})
	}
}

func TestHandlers_Pause(t *testing.T) {
	h := newHarness(t)
	r := newRouter(h)

	code, env := call(t, r, http.MethodPost, "/api/v1/admin/pause", admin, nil)
	require.Equal(t, http.StatusCreated, code)
	assert.JSONEq(t, `{"paused":true}`, string(env.Data))

	code, env = call(t, r, http.MethodPost, "/api/v1/trades/1/expire", buyer, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "PAUSED", env.Error.Code)

	code, env = call(t, r, http.MethodGet, "/api/v1/admin/settings", admin, nil)
	require.Equal(t, http.StatusOK, code)
	var settings Settings
	require.NoError(t, json.Unmarshal(env.Data, &settings))
	assert.True(t, settings.Paused)
}
