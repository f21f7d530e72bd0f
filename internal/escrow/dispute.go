package escrow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/types"
)

// CancelTrade aborts a non-terminal trade and returns every deposited leg in
// full to its depositor. Either party may cancel.
func (e *Engine) CancelTrade(ctx context.Context, caller types.Address, tradeID uint64, reason string) (*Trade, error) {
	var trade *Trade
	err := e.mutate(ctx, "cancel_trade", func(ctx context.Context, ob *outbox) error {
		t, err := e.load(ctx, tradeID)
		if err != nil {
			return err
		}
		if !t.IsParty(caller) {
			return ErrNotTradeParty
		}
		if t.Status.Terminal() {
			return fmt.Errorf("%w: trade is %s", ErrInvalidStatus, t.Status)
		}

		refund, err := e.refund(ctx, t, "cancel")
		if err != nil {
			return err
		}
		t.CancelReason = reason
		if err := e.transition(ctx, t, StatusCancelled); err != nil {
			return err
		}
		refund["reason"] = reason
		ob.emit(events.TradeCancelled, t, caller, refund)
		trade = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "escrow").
		Uint64("trade_id", tradeID).
		Str("caller", caller.Hex()).
		Str("reason", reason).
		Msg("trade cancelled")
	return trade, nil
}

// RaiseDispute freezes a FUNDED or READY trade until an arbiter resolves it
func (e *Engine) RaiseDispute(ctx context.Context, caller types.Address, tradeID uint64, reason string) (*Trade, error) {
	var trade *Trade
	err := e.mutate(ctx, "raise_dispute", func(ctx context.Context, ob *outbox) error {
		t, err := e.load(ctx, tradeID)
		if err != nil {
			return err
		}
		if !t.IsParty(caller) {
			return ErrNotTradeParty
		}
		if t.DisputeRaised {
			return ErrDisputeAlreadyRaised
		}
		if t.Status != StatusFunded && t.Status != StatusReady {
			return fmt.Errorf("%w: trade is %s", ErrInvalidStatus, t.Status)
		}
		if e.expired(t) {
			return ErrTradeExpired
		}

		settings, err := e.settings(ctx)
		if err != nil {
			return err
		}
		deadline := t.CreatedAt.Add(settings.DisputeWindow)
		t.DisputeRaised = true
		t.DisputeInitiator = caller
		t.DisputeReason = reason
		t.DisputeDeadline = &deadline
		if err := e.transition(ctx, t, StatusDisputed); err != nil {
			return err
		}

		ob.emit(events.DisputeRaised, t, caller, map[string]interface{}{
			"reason":              reason,
			"resolution_deadline": deadline,
		})
		trade = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	disputesRaised.Inc()
	log.Warn().
		Str("service", "escrow").
		Uint64("trade_id", tradeID).
		Str("initiator", caller.Hex()).
		Str("reason", reason).
		Time("resolution_deadline", *trade.DisputeDeadline).
		Msg("dispute raised")
	return trade, nil
}

// ResolveDispute settles a DISPUTED trade (ARBITER). In favour of the buyer
// every leg is returned and the trade is cancelled. In favour of the seller
// the trade executes without re-running the compliance and price gates; this
// override is recorded on the trade.
func (e *Engine) ResolveDispute(ctx context.Context, arbiter types.Address, tradeID uint64, favorBuyer bool, resolution string) (*Trade, error) {
	logger := log.With().
		Str("service", "escrow").
		Uint64("trade_id", tradeID).
		Str("arbiter", arbiter.Hex()).
		Bool("favor_buyer", favorBuyer).
		Logger()

	var trade *Trade
	err := e.mutate(ctx, "resolve_dispute", func(ctx context.Context, ob *outbox) error {
		if err := e.access.Require(ctx, auth.RoleArbiter, arbiter); err != nil {
			return err
		}
		t, err := e.load(ctx, tradeID)
		if err != nil {
			return err
		}
		if t.Status != StatusDisputed {
			return fmt.Errorf("%w: trade is %s", ErrInvalidStatus, t.Status)
		}
		t.Resolution = resolution

		data := map[string]interface{}{
			"favor_buyer": favorBuyer,
			"resolution":  resolution,
		}
		if favorBuyer {
			refund, err := e.refund(ctx, t, "dispute")
			if err != nil {
				return err
			}
			for k, v := range refund {
				data[k] = v
			}
			if err := e.transition(ctx, t, StatusCancelled); err != nil {
				return err
			}
		} else {
			if !t.PaymentDeposited || !t.AssetDeposited {
				return fmt.Errorf("%w: both legs must be deposited to settle for the seller", ErrNotReady)
			}
			logger.Warn().
				Bool("compliance_approved", t.ComplianceApproved).
				Bool("oracle_verified", t.OracleVerified).
				Msg("arbitration override: executing without compliance and price gates")
			if err := e.execute(ctx, ob, t, arbiter, true); err != nil {
				return err
			}
		}

		data["arbitration_override"] = t.ArbitrationOverride
		ob.emit(events.DisputeResolved, t, arbiter, data)
		trade = t
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("resolve dispute rejected")
		return nil, err
	}

	logger.Info().Str("status", string(trade.Status)).Msg("dispute resolved")
	return trade, nil
}

// ExpireTrade closes a trade past its deadline and returns any deposited legs.
// A disputed trade also has to be past its resolution deadline. Anyone may
// call it.
func (e *Engine) ExpireTrade(ctx context.Context, caller types.Address, tradeID uint64) (*Trade, error) {
	var trade *Trade
	err := e.mutate(ctx, "expire_trade", func(ctx context.Context, ob *outbox) error {
		t, err := e.load(ctx, tradeID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return fmt.Errorf("%w: trade is %s", ErrInvalidStatus, t.Status)
		}
		if !e.now().After(t.ExpiresAt()) {
			return fmt.Errorf("%w: open until %s", ErrNotExpired, t.ExpiresAt())
		}

		refund, err := e.refund(ctx, t, "expiry")
		if err != nil {
			return err
		}
		if err := e.transition(ctx, t, StatusExpired); err != nil {
			return err
		}
		ob.emit(events.TradeExpired, t, caller, refund)
		trade = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "escrow").
		Uint64("trade_id", tradeID).
		Str("caller", caller.Hex()).
		Bool("payment_refunded", trade.PaymentDeposited).
		Bool("asset_returned", trade.AssetDeposited).
		Msg("trade expired")
	return trade, nil
}

// refund returns the deposited payment, fee included, to the buyer and the
// deposited asset to the seller.
func (e *Engine) refund(ctx context.Context, t *Trade, cause string) (map[string]interface{}, error) {
	data := map[string]interface{}{
		"refunded_payment": int64(0),
		"returned_asset":   false,
	}

	if t.PaymentDeposited {
		memo := fmt.Sprintf("escrow refund (%s) trade %d", cause, t.ID)
		if err := e.ledger.Transfer(ctx, t.PaymentAsset, e.cfg.EscrowAddress, t.Buyer, t.PaymentDeposit(), memo); err != nil {
			return nil, fmt.Errorf("refund payment: %w", err)
		}
		data["refunded_payment"] = t.PaymentDeposit()
	}
	if t.AssetDeposited {
		registry, ok := e.custody.lookup(t.AssetContract)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAsset, t.AssetContract)
		}
		if err := registry.Transfer(ctx, e.cfg.EscrowAddress, t.Seller, t.AssetID); err != nil {
			return nil, fmt.Errorf("return asset: %w", err)
		}
		data["returned_asset"] = true
	}
	return data, nil
}
