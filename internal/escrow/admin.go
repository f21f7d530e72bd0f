package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/config"
	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/types"
)

func validateSettings(s *Settings) error {
	if s.BuyerFeeBps < 0 || s.BuyerFeeBps > config.MaxFeeBps || s.SellerFeeBps < 0 || s.SellerFeeBps > config.MaxFeeBps {
		return fmt.Errorf("%w: each fee must be between 0 and %d bps", ErrInvalidFees, config.MaxFeeBps)
	}
	if s.FeeRecipient.IsZero() {
		return fmt.Errorf("fee recipient: %w", types.ErrInvalidAddress)
	}
	if s.TradeWindow < config.MinTradeWindow || s.TradeWindow > config.MaxTradeWindow {
		return fmt.Errorf("%w: trade window must be between %s and %s", ErrInvalidTimeouts, config.MinTradeWindow, config.MaxTradeWindow)
	}
	if s.DisputeWindow < config.MinDisputeWindow || s.DisputeWindow > config.MaxDisputeWindow {
		return fmt.Errorf("%w: dispute window must be between %s and %s", ErrInvalidTimeouts, config.MinDisputeWindow, config.MaxDisputeWindow)
	}
	return nil
}

// updateSettings applies change to the settings row (ADMIN). Trades already
// created keep their own fee terms.
func (e *Engine) updateSettings(ctx context.Context, admin types.Address, op string, change func(*Settings)) (*Settings, error) {
	var updated *Settings
	err := e.run(ctx, op, false, func(ctx context.Context, ob *outbox) error {
		if err := e.access.Require(ctx, auth.RoleAdmin, admin); err != nil {
			return err
		}
		s, err := e.settings(ctx)
		if err != nil {
			return err
		}

		change(s)
		if err := validateSettings(s); err != nil {
			return err
		}
		s.UpdatedAt = e.now()
		if err := e.db.SaveSettings(ctx, s); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}

		ob.emit(events.SettingsChanged, nil, admin, map[string]interface{}{
			"operation":      op,
			"buyer_fee_bps":  s.BuyerFeeBps,
			"seller_fee_bps": s.SellerFeeBps,
			"fee_recipient":  s.FeeRecipient.Hex(),
			"dispute_window": s.DisputeWindow.String(),
			"trade_window":   s.TradeWindow.String(),
		})
		updated = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "escrow").
		Str("operation", op).
		Str("admin", admin.Hex()).
		Int64("buyer_fee_bps", updated.BuyerFeeBps).
		Int64("seller_fee_bps", updated.SellerFeeBps).
		Str("fee_recipient", updated.FeeRecipient.Hex()).
		Dur("dispute_window", updated.DisputeWindow).
		Dur("trade_window", updated.TradeWindow).
		Msg("escrow settings updated")
	return updated, nil
}

// SetFees changes the default fees applied to new trades
func (e *Engine) SetFees(ctx context.Context, admin types.Address, buyerBps, sellerBps int64) (*Settings, error) {
	return e.updateSettings(ctx, admin, "set_fees", func(s *Settings) {
		s.BuyerFeeBps = buyerBps
		s.SellerFeeBps = sellerBps
	})
}

func (e *Engine) SetFeeRecipient(ctx context.Context, admin, recipient types.Address) (*Settings, error) {
	return e.updateSettings(ctx, admin, "set_fee_recipient", func(s *Settings) {
		s.FeeRecipient = recipient
	})
}

// SetTimeouts changes the dispute window and the longest allowed trade deadline
func (e *Engine) SetTimeouts(ctx context.Context, admin types.Address, disputeWindow, tradeWindow time.Duration) (*Settings, error) {
	return e.updateSettings(ctx, admin, "set_timeouts", func(s *Settings) {
		s.DisputeWindow = disputeWindow
		s.TradeWindow = tradeWindow
	})
}

// Pause halts every mutating operation until Unpause (PAUSER). Queries keep
// working.
func (e *Engine) Pause(ctx context.Context, pauser types.Address) error {
	return e.setPaused(ctx, pauser, true)
}

func (e *Engine) Unpause(ctx context.Context, pauser types.Address) error {
	return e.setPaused(ctx, pauser, false)
}

func (e *Engine) setPaused(ctx context.Context, pauser types.Address, paused bool) error {
	typ := events.EngineUnpaused
	if paused {
		typ = events.EnginePaused
	}

	err := e.run(ctx, string(typ), false, func(ctx context.Context, ob *outbox) error {
		if err := e.access.Require(ctx, auth.RolePauser, pauser); err != nil {
			return err
		}
		s, err := e.settings(ctx)
		if err != nil {
			return err
		}
		s.Paused = paused
		s.UpdatedAt = e.now()
		if err := e.db.SaveSettings(ctx, s); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
		ob.emit(typ, nil, pauser, nil)

		// the flag flips before the operation slot is released, so callers
		// queued behind this one observe it
		database.AfterCommit(ctx, func() {
			e.paused.Store(paused)
			if paused {
				pausedGauge.Set(1)
			} else {
				pausedGauge.Set(0)
			}
		})
		return nil
	})
	if err != nil {
		return err
	}

	log.Warn().
		Str("service", "escrow").
		Str("pauser", pauser.Hex()).
		Bool("paused", paused).
		Msg("escrow pause state changed")
	return nil
}
