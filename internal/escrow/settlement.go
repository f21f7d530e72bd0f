package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/types"
)

// ExecuteTrade settles a READY trade whose gates have already passed. Either
// party may call it.
func (e *Engine) ExecuteTrade(ctx context.Context, caller types.Address, tradeID uint64) (*Trade, error) {
	var trade *Trade
	err := e.mutate(ctx, "execute_trade", func(ctx context.Context, ob *outbox) error {
		t, err := e.load(ctx, tradeID)
		if err != nil {
			return err
		}
		if !t.IsParty(caller) {
			return ErrNotTradeParty
		}
		if !t.Status.Terminal() && e.expired(t) {
			return ErrTradeExpired
		}
		if t.Status != StatusReady {
			return fmt.Errorf("%w: trade is %s", ErrNotReady, t.Status)
		}
		if !t.ComplianceApproved {
			return ErrComplianceNotApproved
		}
		if t.Precious && !t.OracleVerified {
			return ErrOracleNotVerified
		}

		if err := e.execute(ctx, ob, t, caller, false); err != nil {
			return err
		}
		trade = t
		return nil
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("service", "escrow").
			Uint64("trade_id", tradeID).
			Str("caller", caller.Hex()).
			Msg("execute trade rejected")
		return nil, err
	}
	return trade, nil
}

// execute performs the swap: fees to the fee recipient first, then the asset
// to the buyer and the net payment to the seller. Callers run it inside a
// transaction so any failed transfer reverts all of them.
func (e *Engine) execute(ctx context.Context, ob *outbox, t *Trade, actor types.Address, override bool) error {
	start := time.Now()
	logger := log.With().
		Str("service", "escrow").
		Uint64("trade_id", t.ID).
		Logger()

	settings, err := e.settings(ctx)
	if err != nil {
		return err
	}
	registry, ok := e.custody.lookup(t.AssetContract)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidAsset, t.AssetContract)
	}

	fees := t.BuyerFee + t.SellerFee
	if fees > 0 {
		memo := fmt.Sprintf("escrow fees trade %d", t.ID)
		if err := e.ledger.Transfer(ctx, t.PaymentAsset, e.cfg.EscrowAddress, settings.FeeRecipient, fees, memo); err != nil {
			return fmt.Errorf("collect fees: %w", err)
		}
	}
	if err := registry.Transfer(ctx, e.cfg.EscrowAddress, t.Buyer, t.AssetID); err != nil {
		return fmt.Errorf("release asset: %w", err)
	}
	if proceeds := t.SellerProceeds(); proceeds > 0 {
		memo := fmt.Sprintf("escrow proceeds trade %d", t.ID)
		if err := e.ledger.Transfer(ctx, t.PaymentAsset, e.cfg.EscrowAddress, t.Seller, proceeds, memo); err != nil {
			return fmt.Errorf("release payment: %w", err)
		}
	}

	now := e.now()
	t.FeesCollected = true
	t.FeeRecipient = settings.FeeRecipient
	t.ExecutedAt = &now
	t.BlockReason = ""
	t.BlockedAt = nil
	t.ArbitrationOverride = override
	if err := e.transition(ctx, t, StatusExecuted); err != nil {
		return err
	}

	ob.emit(events.TradeExecuted, t, actor, map[string]interface{}{
		"buyer_fee":            t.BuyerFee,
		"seller_fee":           t.SellerFee,
		"seller_proceeds":      t.SellerProceeds(),
		"fee_recipient":        settings.FeeRecipient.Hex(),
		"arbitration_override": override,
	})

	elapsed, asset := time.Since(start), t.PaymentAsset
	database.AfterCommit(ctx, func() {
		executionDuration.Observe(elapsed.Seconds())
		feesCollected.WithLabelValues(asset).Add(float64(fees))
	})
	logger.Info().
		Int64("buyer_fee", t.BuyerFee).
		Int64("seller_fee", t.SellerFee).
		Int64("seller_proceeds", t.SellerProceeds()).
		Bool("arbitration_override", override).
		Msg("trade executed")
	return nil
}
