package escrow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/types"
)

type leg int

const (
	paymentLeg leg = iota
	assetLeg
)

func (l leg) String() string {
	if l == paymentLeg {
		return "payment"
	}
	return "asset"
}

// DepositPayment moves amount from the buyer into escrow. amount must equal
// the payment amount plus the buyer fee.
func (e *Engine) DepositPayment(ctx context.Context, caller types.Address, tradeID uint64, amount int64) (*Trade, error) {
	return e.deposit(ctx, caller, tradeID, paymentLeg, amount)
}

// DepositAsset moves the custodial asset from the seller into escrow
func (e *Engine) DepositAsset(ctx context.Context, caller types.Address, tradeID uint64) (*Trade, error) {
	return e.deposit(ctx, caller, tradeID, assetLeg, 0)
}

func (e *Engine) deposit(ctx context.Context, caller types.Address, tradeID uint64, l leg, amount int64) (*Trade, error) {
	logger := log.With().
		Str("service", "escrow").
		Uint64("trade_id", tradeID).
		Str("leg", l.String()).
		Str("caller", caller.Hex()).
		Logger()

	var trade *Trade
	var gate *GateResult
	err := e.mutate(ctx, "deposit_"+l.String(), func(ctx context.Context, ob *outbox) error {
		t, err := e.load(ctx, tradeID)
		if err != nil {
			return err
		}

		if l == paymentLeg && caller != t.Buyer {
			return ErrNotBuyer
		}
		if l == assetLeg && caller != t.Seller {
			return ErrNotSeller
		}
		if (l == paymentLeg && t.PaymentDeposited) || (l == assetLeg && t.AssetDeposited) {
			return ErrAlreadyDeposited
		}
		if t.Status != StatusPending && t.Status != StatusFunded {
			return fmt.Errorf("%w: trade is %s", ErrInvalidStatus, t.Status)
		}
		if e.expired(t) {
			return ErrTradeExpired
		}

		var typ events.Type
		var data map[string]interface{}
		switch l {
		case paymentLeg:
			if amount != t.PaymentDeposit() {
				return fmt.Errorf("%w: expected %d, got %d", ErrWrongPaymentAmount, t.PaymentDeposit(), amount)
			}
			if err := e.ledger.Transfer(ctx, t.PaymentAsset, t.Buyer, e.cfg.EscrowAddress, amount, depositMemo(t)); err != nil {
				return fmt.Errorf("collect payment: %w", err)
			}
			t.PaymentDeposited = true
			typ, data = events.PaymentDeposited, map[string]interface{}{"amount": amount}
		case assetLeg:
			registry, ok := e.custody.lookup(t.AssetContract)
			if !ok {
				return fmt.Errorf("%w: %s", ErrInvalidAsset, t.AssetContract)
			}
			if err := registry.Transfer(ctx, t.Seller, e.cfg.EscrowAddress, t.AssetID); err != nil {
				return fmt.Errorf("collect asset: %w", err)
			}
			t.AssetDeposited = true
			typ, data = events.AssetDeposited, map[string]interface{}{"asset_id": t.AssetID}
		}

		if !(t.PaymentDeposited && t.AssetDeposited) {
			if err := e.transition(ctx, t, StatusFunded); err != nil {
				return err
			}
			ob.emit(typ, t, caller, data)
			trade = t
			return nil
		}

		if err := e.transition(ctx, t, StatusReady); err != nil {
			return err
		}
		ob.emit(typ, t, caller, data)
		ob.emit(events.TradeReady, t, caller, nil)

		result, err := e.runGate(ctx, ob, t, caller)
		if err != nil {
			// The deposits stand; the trade waits READY for a retry.
			logger.Warn().Err(err).Msg("gating failed after deposit")
			result = GateResult{TradeID: t.ID, Reason: "gating failed: " + err.Error(), Status: t.Status}
			if err := e.block(ctx, ob, t, caller, result.Reason); err != nil {
				return err
			}
		}
		gate = &result
		trade = t
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("deposit rejected")
		return nil, err
	}

	depositsTotal.WithLabelValues(l.String()).Inc()
	event := logger.Info().Str("status", string(trade.Status))
	if gate != nil {
		event = event.Bool("executed", gate.Executed).Str("block_reason", gate.Reason)
	}
	event.Msg("deposit accepted")
	return trade, nil
}

func depositMemo(t *Trade) string {
	return fmt.Sprintf("escrow deposit trade %d", t.ID)
}
