package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/ledger"
	"github.com/ksred/klear-escrow/internal/types"
)

const (
	minTradeDuration = time.Hour
	idempotencyTTL   = 24 * time.Hour
)

// CreateTrade opens a PENDING trade with buyer as the paying party. Fee terms
// are copied from the current settings and never change for this trade.
func (e *Engine) CreateTrade(ctx context.Context, buyer types.Address, req CreateRequest) (*Trade, error) {
	logger := log.With().
		Str("service", "escrow").
		Str("buyer", buyer.Hex()).
		Str("seller", req.Seller.Hex()).
		Str("asset_id", req.AssetID).
		Logger()

	var trade *Trade
	err := e.mutate(ctx, "create_trade", func(ctx context.Context, ob *outbox) error {
		if req.IdempotencyKey != "" {
			record, err := e.db.GetIdempotencyRecord(ctx, buyer, req.IdempotencyKey, e.now().Add(-idempotencyTTL))
			if err != nil {
				return fmt.Errorf("load idempotency record: %w", err)
			}
			if record != nil {
				existing, err := e.load(ctx, record.TradeID)
				if err != nil {
					return err
				}
				logger.Info().Uint64("trade_id", existing.ID).Msg("idempotent replay of create trade")
				trade = existing
				return nil
			}
		}

		t, err := e.newTrade(ctx, buyer, req)
		if err != nil {
			return err
		}
		if err := e.db.CreateTrade(ctx, t); err != nil {
			return fmt.Errorf("create trade: %w", err)
		}

		if req.IdempotencyKey != "" {
			if err := e.db.PutIdempotencyRecord(ctx, &IdempotencyRecord{
				Key:       req.IdempotencyKey,
				Buyer:     buyer,
				TradeID:   t.ID,
				CreatedAt: e.now(),
			}); err != nil {
				return fmt.Errorf("store idempotency record: %w", err)
			}
		}

		ob.emit(events.TradeCreated, t, buyer, map[string]interface{}{
			"seller":         t.Seller.Hex(),
			"payment_asset":  t.PaymentAsset,
			"payment_amount": t.PaymentAmount,
			"asset_contract": t.AssetContract,
			"asset_id":       t.AssetID,
			"trade_value":    t.TradeValue,
			"deadline":       t.Deadline,
		})
		trade = t
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("create trade rejected")
		return nil, err
	}

	tradesCreated.Inc()
	logger.Info().
		Uint64("trade_id", trade.ID).
		Int64("payment_amount", trade.PaymentAmount).
		Int64("trade_value", trade.TradeValue).
		Time("deadline", trade.Deadline).
		Msg("trade created")
	return trade, nil
}

func (e *Engine) newTrade(ctx context.Context, buyer types.Address, req CreateRequest) (*Trade, error) {
	if buyer.IsZero() || req.Seller.IsZero() || buyer == req.Seller {
		return nil, ErrInvalidCounterparty
	}
	if req.PaymentAmount <= 0 {
		return nil, ErrInvalidAmount
	}

	settings, err := e.settings(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if req.Deadline.Before(now.Add(minTradeDuration)) || req.Deadline.After(now.Add(settings.TradeWindow)) {
		return nil, fmt.Errorf("%w: must be between %s and %s from now", ErrInvalidDeadline, minTradeDuration, settings.TradeWindow)
	}

	req.AssetContract = strings.TrimSpace(req.AssetContract)
	req.AssetID = strings.TrimSpace(req.AssetID)
	registry, ok := e.custody.lookup(req.AssetContract)
	if !ok || req.AssetID == "" {
		return nil, fmt.Errorf("%w: %s/%s", ErrInvalidAsset, req.AssetContract, req.AssetID)
	}

	if ok, err := e.compliance.Verify(ctx, buyer); err != nil {
		return nil, fmt.Errorf("verify buyer: %w", err)
	} else if !ok {
		return nil, ErrBuyerNotVerified
	}
	if ok, err := e.compliance.Verify(ctx, req.Seller); err != nil {
		return nil, fmt.Errorf("verify seller: %w", err)
	} else if !ok {
		return nil, ErrSellerNotVerified
	}

	owner, err := registry.OwnerOf(ctx, req.AssetID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetNotOwnedBySeller, err)
	}
	if owner != req.Seller {
		return nil, ErrAssetNotOwnedBySeller
	}
	certified, err := registry.IsCertificationValid(ctx, req.AssetID)
	if err != nil {
		return nil, fmt.Errorf("check certification: %w", err)
	}
	redeemed, err := registry.IsRedeemed(ctx, req.AssetID)
	if err != nil {
		return nil, fmt.Errorf("check redemption: %w", err)
	}
	if !certified || redeemed {
		return nil, ErrAssetNotTradable
	}

	t := &Trade{
		Buyer:         buyer,
		Seller:        req.Seller,
		Status:        StatusPending,
		PaymentAsset:  ledger.NormalizeAsset(req.PaymentAsset),
		PaymentAmount: req.PaymentAmount,
		AssetContract: req.AssetContract,
		AssetID:       req.AssetID,
		Precious:      req.AssetContract == e.cfg.PreciousContract,
		Jurisdiction:  e.cfg.DefaultJurisdiction,
		TradeValue:    req.PaymentAmount,
		CreatedAt:     now,
		UpdatedAt:     now,
		Deadline:      req.Deadline,
		BuyerFeeBps:   settings.BuyerFeeBps,
		SellerFeeBps:  settings.SellerFeeBps,
		BuyerFee:      fee(req.PaymentAmount, settings.BuyerFeeBps),
		SellerFee:     fee(req.PaymentAmount, settings.SellerFeeBps),
	}

	if t.Precious {
		if err := e.valueAsset(ctx, registry, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// valueAsset fills category, valuation and vault jurisdiction of a precious
// asset trade. An unavailable valuation falls back to the payment amount.
func (e *Engine) valueAsset(ctx context.Context, registry CustodyRegistry, t *Trade) error {
	category, err := registry.CategoryOf(ctx, t.AssetID)
	if err != nil {
		return fmt.Errorf("load asset category: %w", err)
	}
	t.Category = category

	value, err := registry.ValueOf(ctx, t.AssetID)
	if err != nil || value <= 0 {
		log.Warn().
			Err(err).
			Str("service", "escrow").
			Str("asset_id", t.AssetID).
			Int64("value", value).
			Msg("asset valuation unavailable, using payment amount")
	} else {
		t.TradeValue = value
	}

	jurisdiction, err := registry.JurisdictionOf(ctx, t.AssetID)
	if err != nil {
		return fmt.Errorf("load vault jurisdiction: %w", err)
	}
	if jurisdiction != "" {
		t.Jurisdiction = jurisdiction
	}
	return nil
}
