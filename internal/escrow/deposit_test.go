package escrow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/ledger"
	"github.com/ksred/klear-escrow/internal/types"
)

func TestDeposit_Errors(t *testing.T) {
	h := newHarness(t)
	trade := h.goldTrade()

	tests := []struct {
		name    string
		deposit func() error
		wantErr error
	}{
		{"third party pays", func() error {
			_, err := h.engine.DepositPayment(h.ctx, stranger, trade.ID, 6532)
			return err
		}, ErrNotBuyer},
		{"seller pays", func() error {
			_, err := h.engine.DepositPayment(h.ctx, seller, trade.ID, 6532)
			return err
		}, ErrNotBuyer},
		{"buyer deposits asset", func() error {
			_, err := h.engine.DepositAsset(h.ctx, buyer, trade.ID)
			return err
		}, ErrNotSeller},
		{"payment without buyer fee", func() error {
			_, err := h.engine.DepositPayment(h.ctx, buyer, trade.ID, 6500)
			return err
		}, ErrWrongPaymentAmount},
		{"overpayment", func() error {
			_, err := h.engine.DepositPayment(h.ctx, buyer, trade.ID, 6533)
			return err
		}, ErrWrongPaymentAmount},
		{"unknown trade", func() error {
			_, err := h.engine.DepositPayment(h.ctx, buyer, 999, 6532)
			return err
		}, ErrTradeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.deposit(), tt.wantErr)
		})
	}

	stored := h.trade(trade.ID)
	assert.Equal(t, StatusPending, stored.Status)
	assert.False(t, stored.PaymentDeposited)
	assert.False(t, stored.AssetDeposited)
	assert.Equal(t, int64(buyerFunds), h.balance(buyer))
	assert.Equal(t, seller, h.owner(h.precious, goldAsset))
}

func TestDeposit_UnauthorizedDepositRejected(t *testing.T) {
	h := newHarness(t)
	trade := h.goldTrade()
	require.NoError(t, h.ledger.Credit(h.ctx, admin, ledger.NativeAsset, stranger, 10_000, "seed"))

	_, err := h.engine.DepositPayment(h.ctx, stranger, trade.ID, trade.PaymentDeposit())
	require.ErrorIs(t, err, ErrNotBuyer)

	var domainErr *Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, types.KindAuthorization, domainErr.Kind)
	assert.Equal(t, int64(10_000), h.balance(stranger))
	assert.Equal(t, int64(0), h.balance(escrowAcc))
}

func TestDeposit_NoDoubleDeposit(t *testing.T) {
	t.Run("payment while funded", func(t *testing.T) {
		h := newHarness(t)
		trade := h.goldTrade()

		_, err := h.engine.DepositPayment(h.ctx, buyer, trade.ID, 6532)
		require.NoError(t, err)
		_, err = h.engine.DepositPayment(h.ctx, buyer, trade.ID, 6532)
		assert.ErrorIs(t, err, ErrAlreadyDeposited)
		assert.Equal(t, int64(6532), h.balance(escrowAcc))
	})

	t.Run("asset while funded", func(t *testing.T) {
		h := newHarness(t)
		trade := h.goldTrade()

		_, err := h.engine.DepositAsset(h.ctx, seller, trade.ID)
		require.NoError(t, err)
		_, err = h.engine.DepositAsset(h.ctx, seller, trade.ID)
		assert.ErrorIs(t, err, ErrAlreadyDeposited)
	})

	t.Run("both after execution", func(t *testing.T) {
		h := newHarness(t)
		trade := h.goldTrade()
		require.Equal(t, StatusExecuted, h.depositBoth(trade.ID).Status)

		_, err := h.engine.DepositPayment(h.ctx, buyer, trade.ID, 6532)
		assert.ErrorIs(t, err, ErrAlreadyDeposited)
		_, err = h.engine.DepositAsset(h.ctx, seller, trade.ID)
		assert.ErrorIs(t, err, ErrAlreadyDeposited)
	})
}

func TestDeposit_PaymentFirst(t *testing.T) {
	h := newHarness(t)
	trade := h.goldTrade()

	funded, err := h.engine.DepositPayment(h.ctx, buyer, trade.ID, 6532)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, funded.Status)
	assert.Equal(t, int64(6532), h.balance(escrowAcc))

	executed, err := h.engine.DepositAsset(h.ctx, seller, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, executed.Status)
	assert.Equal(t, buyer, h.owner(h.precious, goldAsset))
}

func TestDeposit_InsufficientFundsLeavesTradeUntouched(t *testing.T) {
	h := newHarness(t)
	req := h.request(preciousContract, goldAsset, 20_000)
	trade, err := h.engine.CreateTrade(h.ctx, buyer, req)
	require.NoError(t, err)

	_, err = h.engine.DepositPayment(h.ctx, buyer, trade.ID, trade.PaymentDeposit())
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	stored := h.trade(trade.ID)
	assert.Equal(t, StatusPending, stored.Status)
	assert.False(t, stored.PaymentDeposited)
}

func TestDeadlineEnforcement(t *testing.T) {
	h := newHarness(t)
	h.registerAsset(h.precious, "UAID-GOLD-002", seller)

	pending, err := h.engine.CreateTrade(h.ctx, buyer, h.request(preciousContract, "UAID-GOLD-002", 6500))
	require.NoError(t, err)
	ready := h.goldTrade()

	// a stale price keeps the second trade READY
	h.clock.Advance(2 * time.Hour)
	blocked := h.depositBoth(ready.ID)
	require.Equal(t, StatusReady, blocked.Status)
	require.NotEmpty(t, blocked.BlockReason)

	h.clock.Advance(7 * 24 * time.Hour)
	h.submitPrice(6438, 90)

	_, err = h.engine.DepositPayment(h.ctx, buyer, pending.ID, 6532)
	assert.ErrorIs(t, err, ErrTradeExpired)
	_, err = h.engine.DepositAsset(h.ctx, seller, pending.ID)
	assert.ErrorIs(t, err, ErrTradeExpired)
	_, err = h.engine.ExecuteTrade(h.ctx, buyer, ready.ID)
	assert.ErrorIs(t, err, ErrTradeExpired)
	_, err = h.engine.Revalidate(h.ctx, buyer, ready.ID)
	assert.ErrorIs(t, err, ErrTradeExpired)

	assert.Equal(t, StatusReady, h.trade(ready.ID).Status)
	assert.Equal(t, StatusPending, h.trade(pending.ID).Status)
	assert.Equal(t, escrowAcc, h.owner(h.precious, goldAsset))
}

// reentrantLedger calls back into the engine from inside a transfer, the way
// a hostile token hook would.
type reentrantLedger struct {
	PaymentLedger
	engine    *Engine
	tradeID   uint64
	reentered []error
}

func (l *reentrantLedger) Transfer(ctx context.Context, asset string, from, to types.Address, amount int64, memo string) error {
	if l.engine != nil {
		_, err := l.engine.CancelTrade(ctx, buyer, l.tradeID, "hostile")
		l.reentered = append(l.reentered, err)
		_, err = l.engine.DepositPayment(ctx, buyer, l.tradeID, amount)
		l.reentered = append(l.reentered, err)
	}
	return l.PaymentLedger.Transfer(ctx, asset, from, to, amount, memo)
}

func TestReentrantCallRejected(t *testing.T) {
	hostile := &reentrantLedger{}
	h := newHarness(t, func(d *Dependencies) {
		hostile.PaymentLedger = d.Ledger
		d.Ledger = hostile
	})
	trade := h.goldTrade()
	hostile.engine = h.engine
	hostile.tradeID = trade.ID

	executed := h.depositBoth(trade.ID)
	assert.Equal(t, StatusExecuted, executed.Status)

	require.NotEmpty(t, hostile.reentered)
	for _, err := range hostile.reentered {
		assert.ErrorIs(t, err, ErrReentrantCall)
	}
	assert.Equal(t, int64(6468), h.balance(seller))
	assert.Equal(t, int64(64), h.balance(feeAcc))
	assert.Equal(t, buyer, h.owner(h.precious, goldAsset))
}

// detachedLedger calls back into the engine from inside a transfer with a
// context of its own choosing, the way a hook that drops its caller's
// context would
type detachedLedger struct {
	PaymentLedger
	engine   *Engine
	tradeID  uint64
	callback func(ctx context.Context) context.Context
	errs     []error
}

func (l *detachedLedger) Transfer(ctx context.Context, asset string, from, to types.Address, amount int64, memo string) error {
	if l.engine != nil {
		_, err := l.engine.CancelTrade(l.callback(ctx), buyer, l.tradeID, "hostile")
		l.errs = append(l.errs, err)
	}
	return l.PaymentLedger.Transfer(ctx, asset, from, to, amount, memo)
}

func TestReentrantCallWithDetachedContext(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name     string
		callback func(ctx context.Context) context.Context
		wantErr  error
	}{
		{name: "operation context", callback: func(ctx context.Context) context.Context { return ctx }, wantErr: ErrReentrantCall},
		{name: "fresh context", callback: func(context.Context) context.Context { return context.Background() }, wantErr: ErrEngineBusy},
		{name: "cancelled context", callback: func(context.Context) context.Context { return cancelled }, wantErr: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hostile := &detachedLedger{callback: tt.callback}
			h := newHarness(t, func(d *Dependencies) {
				hostile.PaymentLedger = d.Ledger
				d.Ledger = hostile
			})
			WithLockTimeout(20 * time.Millisecond)(h.engine)
			trade := h.goldTrade()
			_, err := h.engine.DepositAsset(h.ctx, seller, trade.ID)
			require.NoError(t, err)
			hostile.engine = h.engine
			hostile.tradeID = trade.ID

			type outcome struct {
				trade *Trade
				err   error
			}
			done := make(chan outcome, 1)
			go func() {
				executed, err := h.engine.DepositPayment(h.ctx, buyer, trade.ID, 6532)
				done <- outcome{executed, err}
			}()

			var got outcome
			select {
			case got = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("deposit did not return")
			}
			require.NoError(t, got.err)
			assert.Equal(t, StatusExecuted, got.trade.Status)

			require.NotEmpty(t, hostile.errs)
			for _, err := range hostile.errs {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, int64(6468), h.balance(seller))
			assert.Equal(t, buyer, h.owner(h.precious, goldAsset))
		})
	}
}

// failingLedger rejects transfers whose memo has the given prefix
type failingLedger struct {
	PaymentLedger
	prefix string
}

func (l *failingLedger) Transfer(ctx context.Context, asset string, from, to types.Address, amount int64, memo string) error {
	if l.prefix != "" && strings.HasPrefix(memo, l.prefix) {
		return errors.New("transfer hook rejected")
	}
	return l.PaymentLedger.Transfer(ctx, asset, from, to, amount, memo)
}

func TestExecutionIsAtomic(t *testing.T) {
	failing := &failingLedger{prefix: "escrow proceeds"}
	h := newHarness(t, func(d *Dependencies) {
		failing.PaymentLedger = d.Ledger
		d.Ledger = failing
	})
	trade := h.goldTrade()

	executed := testutil.ToFloat64(gatingOutcomes.WithLabelValues("executed"))
	blocked := testutil.ToFloat64(gatingOutcomes.WithLabelValues("blocked"))
	fees := testutil.ToFloat64(feesCollected.WithLabelValues(ledger.NativeAsset))
	settled := testutil.ToFloat64(transitionsTotal.WithLabelValues(string(StatusReady), string(StatusExecuted)))

	ready := h.depositBoth(trade.ID)
	assert.Equal(t, StatusReady, ready.Status)
	assert.Contains(t, ready.BlockReason, "transfer hook rejected")

	// fee collection and asset release were rolled back with the failed payout
	assert.Equal(t, escrowAcc, h.owner(h.precious, goldAsset))
	assert.Equal(t, int64(6532), h.balance(escrowAcc))
	assert.Equal(t, int64(0), h.balance(feeAcc))
	assert.Equal(t, int64(0), h.balance(seller))

	stored := h.trade(trade.ID)
	assert.True(t, stored.PaymentDeposited)
	assert.True(t, stored.AssetDeposited)
	assert.False(t, stored.FeesCollected)
	assert.Contains(t, h.events.types(), events.TradeBlocked)
	assert.NotContains(t, h.events.types(), events.TradeExecuted)

	// the rolled back swap left no trace in the metrics
	assert.Equal(t, executed, testutil.ToFloat64(gatingOutcomes.WithLabelValues("executed")))
	assert.Equal(t, fees, testutil.ToFloat64(feesCollected.WithLabelValues(ledger.NativeAsset)))
	assert.Equal(t, settled, testutil.ToFloat64(transitionsTotal.WithLabelValues(string(StatusReady), string(StatusExecuted))))
	assert.Equal(t, blocked+1, testutil.ToFloat64(gatingOutcomes.WithLabelValues("blocked")))

	failing.prefix = ""
	result, err := h.engine.Revalidate(h.ctx, stranger, trade.ID)
	require.NoError(t, err)
	assert.True(t, result.Executed)
	assert.Equal(t, StatusExecuted, result.Status)
	assert.Equal(t, buyer, h.owner(h.precious, goldAsset))
	assert.Equal(t, int64(6468), h.balance(seller))
	assert.Equal(t, int64(0), h.balance(escrowAcc))
}

func TestConservation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ledger.Credit(h.ctx, admin, ledger.NativeAsset, buyer, 100_000_000, "seed"))

	fees := [][2]int64{{0, 0}, {50, 50}, {1000, 1000}, {1, 999}, {333, 7}}
	amounts := []int64{1, 7, 6500, 999_999}

	n := 0
	for _, f := range fees {
		_, err := h.engine.SetFees(h.ctx, admin, f[0], f[1])
		require.NoError(t, err)

		for _, amount := range amounts {
			n++
			assetID := "ART-" + strings.Repeat("x", n)
			h.registerAsset(h.plain, assetID, seller)

			buyerBefore, sellerBefore, feeBefore := h.balance(buyer), h.balance(seller), h.balance(feeAcc)

			trade, err := h.engine.CreateTrade(h.ctx, buyer, h.request(plainContract, assetID, amount))
			require.NoError(t, err)
			_, err = h.engine.DepositAsset(h.ctx, seller, trade.ID)
			require.NoError(t, err)
			executed, err := h.engine.DepositPayment(h.ctx, buyer, trade.ID, trade.PaymentDeposit())
			require.NoError(t, err)
			require.Equal(t, StatusExecuted, executed.Status)

			debit := buyerBefore - h.balance(buyer)
			collected := h.balance(feeAcc) - feeBefore
			net := h.balance(seller) - sellerBefore
			assert.Equal(t, debit, collected+net, "fees %v amount %d", f, amount)
			assert.Equal(t, amount, debit-trade.BuyerFee, "fees %v amount %d", f, amount)
			assert.Equal(t, amount-trade.SellerFee, net, "fees %v amount %d", f, amount)
			assert.Equal(t, int64(0), h.balance(escrowAcc))
		}
	}
}
