package escrow

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/ledger"
)

func TestProcessor_RunOnce(t *testing.T) {
	h := newHarness(t)
	h.registerAsset(h.plain, "ART-1", seller)

	req := h.request(plainContract, "ART-1", 1000)
	req.Deadline = t0.Add(2 * time.Hour)
	overdue, err := h.engine.CreateTrade(h.ctx, buyer, req)
	require.NoError(t, err)
	_, err = h.engine.DepositPayment(h.ctx, buyer, overdue.ID, overdue.PaymentDeposit())
	require.NoError(t, err)

	blocked := h.goldTrade()
	h.clock.Advance(2*time.Hour + time.Minute)
	require.Equal(t, StatusReady, h.depositBoth(blocked.ID).Status)

	p := NewProcessor(h.engine, time.Minute)

	require.NoError(t, h.engine.Pause(h.ctx, admin))
	require.NoError(t, p.RunOnce(h.ctx))
	assert.Equal(t, StatusFunded, h.trade(overdue.ID).Status)
	require.NoError(t, h.engine.Unpause(h.ctx, admin))

	require.NoError(t, p.RunOnce(h.ctx))
	expired := h.trade(overdue.ID)
	assert.Equal(t, StatusExpired, expired.Status)
	assert.Equal(t, int64(buyerFunds-6532), h.balance(buyer))

	stillBlocked := h.trade(blocked.ID)
	assert.Equal(t, StatusReady, stillBlocked.Status)
	assert.Contains(t, stillBlocked.BlockReason, "stale")

	h.submitPrice(6438, 90)
	h.clock.Advance(2 * time.Minute)
	require.NoError(t, p.RunOnce(h.ctx))
	assert.Equal(t, StatusExecuted, h.trade(blocked.ID).Status)
	assert.Equal(t, buyer, h.owner(h.precious, goldAsset))
}

func TestProcessor_LeavesOpenDisputesAlone(t *testing.T) {
	h := newHarness(t)
	req := h.request(preciousContract, goldAsset, 6500)
	req.Deadline = t0.Add(2 * time.Hour)
	trade, err := h.engine.CreateTrade(h.ctx, buyer, req)
	require.NoError(t, err)
	_, err = h.engine.DepositAsset(h.ctx, seller, trade.ID)
	require.NoError(t, err)
	_, err = h.engine.RaiseDispute(h.ctx, buyer, trade.ID, "")
	require.NoError(t, err)

	h.clock.Advance(3 * time.Hour)
	require.NoError(t, NewProcessor(h.engine, 0).RunOnce(h.ctx))
	assert.Equal(t, StatusDisputed, h.trade(trade.ID).Status)

	h.clock.Advance(7 * 24 * time.Hour)
	require.NoError(t, NewProcessor(h.engine, 0).RunOnce(h.ctx))
	assert.Equal(t, StatusExpired, h.trade(trade.ID).Status)
	assert.Equal(t, seller, h.owner(h.precious, goldAsset))
}

// blockedTrades leaves n gold trades READY behind a stale price
func (h *harness) blockedTrades(n int) []uint64 {
	h.t.Helper()
	require.NoError(h.t, h.ledger.Credit(h.ctx, admin, ledger.NativeAsset, buyer, int64(n)*6532, "seed"))

	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		asset := goldAsset
		if i > 0 {
			asset = fmt.Sprintf("UAID-GOLD-%03d", i+1)
			h.registerAsset(h.precious, asset, seller)
		}
		trade, err := h.engine.CreateTrade(h.ctx, buyer, h.request(preciousContract, asset, 6500))
		require.NoError(h.t, err)
		ids = append(ids, trade.ID)
	}

	h.clock.Advance(2 * time.Hour)
	for _, id := range ids {
		require.Equal(h.t, StatusReady, h.depositBoth(id).Status)
	}
	return ids
}

func countEvents(h *harness, typ events.Type) int {
	n := 0
	for _, emitted := range h.events.types() {
		if emitted == typ {
			n++
		}
	}
	return n
}

func TestProcessor_RetriesBlockedTrades(t *testing.T) {
	tests := []struct {
		name         string
		trades       int
		batchSize    int
		wait         time.Duration
		wantExecuted bool
	}{
		{name: "single page", trades: 2, batchSize: 5, wait: 2 * time.Minute, wantExecuted: true},
		{name: "more trades than one page", trades: 5, batchSize: 2, wait: 2 * time.Minute, wantExecuted: true},
		{name: "page boundary", trades: 4, batchSize: 2, wait: 2 * time.Minute, wantExecuted: true},
		{name: "blocked within the interval", trades: 3, batchSize: 2, wait: 30 * time.Second, wantExecuted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ids := h.blockedTrades(tt.trades)
			blockedEvents := countEvents(h, events.TradeBlocked)

			h.submitPrice(6438, 90)
			h.clock.Advance(tt.wait)

			p := NewProcessor(h.engine, time.Minute)
			p.batchSize = tt.batchSize
			require.NoError(t, p.RunOnce(h.ctx))

			for _, id := range ids {
				stored := h.trade(id)
				if tt.wantExecuted {
					assert.Equal(t, StatusExecuted, stored.Status, "trade %d", id)
					assert.Nil(t, stored.BlockedAt)
				} else {
					assert.Equal(t, StatusReady, stored.Status, "trade %d", id)
					assert.NotNil(t, stored.BlockedAt)
				}
			}
			// skipped trades leave no new audit trail
			assert.Equal(t, blockedEvents, countEvents(h, events.TradeBlocked))
		})
	}
}

func TestProcessor_BacksOffStillBlockedTrades(t *testing.T) {
	h := newHarness(t)
	ids := h.blockedTrades(3)
	p := NewProcessor(h.engine, time.Minute)
	p.batchSize = 2

	// the price is still stale, so every retry blocks again
	h.clock.Advance(2 * time.Minute)
	before := countEvents(h, events.TradeBlocked)
	require.NoError(t, p.RunOnce(h.ctx))
	assert.Equal(t, before+len(ids), countEvents(h, events.TradeBlocked))

	// a second pass inside the interval does not touch them again
	h.clock.Advance(10 * time.Second)
	require.NoError(t, p.RunOnce(h.ctx))
	assert.Equal(t, before+len(ids), countEvents(h, events.TradeBlocked))

	h.clock.Advance(time.Minute)
	require.NoError(t, p.RunOnce(h.ctx))
	assert.Equal(t, before+2*len(ids), countEvents(h, events.TradeBlocked))
}

func TestProcessor_ExpiresPastOpenDisputes(t *testing.T) {
	h := newHarness(t)
	h.registerAsset(h.plain, "ART-1", seller)
	h.registerAsset(h.plain, "ART-2", seller)

	// the disputed trade has the earliest deadline and the lowest id
	req := h.request(preciousContract, goldAsset, 6500)
	req.Deadline = t0.Add(90 * time.Minute)
	disputed, err := h.engine.CreateTrade(h.ctx, buyer, req)
	require.NoError(t, err)
	_, err = h.engine.DepositAsset(h.ctx, seller, disputed.ID)
	require.NoError(t, err)
	_, err = h.engine.RaiseDispute(h.ctx, buyer, disputed.ID, "")
	require.NoError(t, err)

	var funded []uint64
	for _, asset := range []string{"ART-1", "ART-2"} {
		req := h.request(plainContract, asset, 1000)
		req.Deadline = t0.Add(2 * time.Hour)
		trade, err := h.engine.CreateTrade(h.ctx, buyer, req)
		require.NoError(t, err)
		_, err = h.engine.DepositAsset(h.ctx, seller, trade.ID)
		require.NoError(t, err)
		funded = append(funded, trade.ID)
	}

	h.clock.Advance(3 * time.Hour)
	p := NewProcessor(h.engine, time.Minute)
	p.batchSize = 1
	require.NoError(t, p.RunOnce(h.ctx))

	assert.Equal(t, StatusDisputed, h.trade(disputed.ID).Status)
	for _, id := range funded {
		assert.Equal(t, StatusExpired, h.trade(id).Status, "trade %d", id)
	}
	assert.Equal(t, seller, h.owner(h.plain, "ART-1"))
	assert.Equal(t, seller, h.owner(h.plain, "ART-2"))
}
