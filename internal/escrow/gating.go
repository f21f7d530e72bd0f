package escrow

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-escrow/internal/compliance"
	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/types"
)

// Revalidate re-runs the gating sequence for a READY trade that did not
// execute, executing it when compliance and price checks now pass.
// Anyone may trigger it.
func (e *Engine) Revalidate(ctx context.Context, caller types.Address, tradeID uint64) (*GateResult, error) {
	var result GateResult
	err := e.mutate(ctx, "revalidate", func(ctx context.Context, ob *outbox) error {
		t, err := e.load(ctx, tradeID)
		if err != nil {
			return err
		}
		if t.Status != StatusReady {
			return fmt.Errorf("%w: trade is %s", ErrNotReady, t.Status)
		}
		if e.expired(t) {
			return ErrTradeExpired
		}

		result, err = e.runGate(ctx, ob, t, caller)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "escrow").
		Uint64("trade_id", tradeID).
		Str("caller", caller.Hex()).
		Bool("executed", result.Executed).
		Str("reason", result.Reason).
		Msg("trade revalidated")
	return &result, nil
}

// runGate evaluates both gates for a READY trade and executes it when they
// pass. The work runs in a savepoint: on error nothing it did is kept, and t
// and the outbox are left as they were.
func (e *Engine) runGate(ctx context.Context, ob *outbox, t *Trade, actor types.Address) (GateResult, error) {
	work := *t
	mark := len(ob.events)

	var result GateResult
	err := database.InTx(ctx, e.gormDB, func(ctx context.Context) error {
		var err error
		result, err = e.evaluateGates(ctx, &work)
		if err != nil {
			return err
		}

		if result.Approved && result.Verified {
			if err := e.execute(ctx, ob, &work, actor, false); err != nil {
				return err
			}
			result.Executed = true
			result.Status = work.Status
			return nil
		}

		result.Status = work.Status
		return e.block(ctx, ob, &work, actor, result.Reason)
	})
	if err != nil {
		ob.events = ob.events[:mark]
		gatingOutcomes.WithLabelValues("error").Inc()
		return GateResult{}, err
	}

	*t = work
	if result.Executed {
		database.AfterCommit(ctx, func() {
			gatingOutcomes.WithLabelValues("executed").Inc()
		})
	}
	return result, nil
}

// block records why a READY trade did not execute
func (e *Engine) block(ctx context.Context, ob *outbox, t *Trade, actor types.Address, reason string) error {
	blockedAt := e.now()
	t.BlockReason = reason
	t.BlockedAt = &blockedAt
	if err := e.save(ctx, t); err != nil {
		return err
	}
	database.AfterCommit(ctx, func() {
		gatingOutcomes.WithLabelValues("blocked").Inc()
	})
	ob.emit(events.TradeBlocked, t, actor, map[string]interface{}{
		"reason":              reason,
		"compliance_approved": t.ComplianceApproved,
		"oracle_verified":     t.OracleVerified,
	})
	log.Warn().
		Str("service", "escrow").
		Uint64("trade_id", t.ID).
		Str("reason", reason).
		Msg("trade blocked")
	return nil
}

// evaluateGates runs the compliance gate then the price gate, persisting
// their flags on t. Collaborator failures are returned as errors; negative
// answers become the result's reason.
func (e *Engine) evaluateGates(ctx context.Context, t *Trade) (GateResult, error) {
	result := GateResult{TradeID: t.ID}
	var reasons []string

	approved, complianceReasons, err := e.checkCompliance(ctx, t)
	if err != nil {
		return result, fmt.Errorf("compliance gate: %w", err)
	}
	reasons = append(reasons, complianceReasons...)

	verified, oracleReason, err := e.checkOracle(ctx, t)
	if err != nil {
		return result, fmt.Errorf("oracle gate: %w", err)
	}
	if oracleReason != "" {
		reasons = append(reasons, oracleReason)
	}

	result.Approved = approved
	result.Verified = verified
	result.Reason = strings.Join(reasons, "; ")
	return result, nil
}

func (e *Engine) checkCompliance(ctx context.Context, t *Trade) (bool, []string, error) {
	var reasons []string

	permitted, err := e.compliance.IsTransactionCompliant(ctx, t.Buyer, t.Seller, t.PaymentAmount, t.TradeValue, t.Jurisdiction)
	if err != nil {
		return false, nil, err
	}
	if !permitted {
		reasons = append(reasons, "compliance: transaction not permitted in "+t.Jurisdiction)
	}

	sourceRef := fmt.Sprintf("trade:%d", t.ID)
	parties := []struct {
		name   string
		addr   types.Address
		amount int64
	}{
		{"buyer", t.Buyer, t.PaymentDeposit()},
		{"seller", t.Seller, t.TradeValue},
	}
	risk := make(map[string]types.RiskLevel, len(parties))
	for _, p := range parties {
		verified, err := e.compliance.Verify(ctx, p.addr)
		if err != nil {
			return false, nil, err
		}
		sanctioned, err := e.compliance.IsSanctioned(ctx, p.addr)
		if err != nil {
			return false, nil, err
		}
		if risk[p.name], err = e.compliance.RiskLevel(ctx, p.addr); err != nil {
			return false, nil, err
		}
		checked, err := e.compliance.PerformComplianceCheck(ctx, p.addr, p.amount, sourceRef)
		if err != nil {
			return false, nil, err
		}

		switch {
		case sanctioned:
			reasons = append(reasons, "compliance: "+p.name+" sanctioned")
		case !verified || !checked:
			reasons = append(reasons, "compliance: "+p.name+" not verified")
		}
	}

	approved := len(reasons) == 0
	t.ComplianceApproved = approved
	t.ComplianceHash = compliance.Decision{
		TradeID:      t.ID,
		Buyer:        t.Buyer,
		Seller:       t.Seller,
		Value:        t.TradeValue,
		Jurisdiction: t.Jurisdiction,
		Approved:     approved,
		CheckedAt:    e.now(),
	}.Hash()

	log.Debug().
		Str("service", "escrow").
		Uint64("trade_id", t.ID).
		Bool("approved", approved).
		Str("buyer_risk", string(risk["buyer"])).
		Str("seller_risk", string(risk["seller"])).
		Str("decision_hash", t.ComplianceHash).
		Msg("compliance gate evaluated")
	return approved, reasons, nil
}

// checkOracle verifies the latest price of a precious asset. Other assets
// pass without a price.
func (e *Engine) checkOracle(ctx context.Context, t *Trade) (bool, string, error) {
	if !t.Precious {
		t.OracleVerified = true
		return true, "", nil
	}

	quote, err := e.prices.LatestPrice(ctx, t.Category)
	if err != nil {
		return false, "", err
	}

	var reason string
	switch {
	case quote.Price <= 0:
		reason = "oracle: no valid price"
	case quote.Stale:
		reason = fmt.Sprintf("oracle: %s price from %s is stale", t.Category, quote.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	case quote.Confidence < e.cfg.MinOracleConfidence:
		reason = fmt.Sprintf("oracle: confidence %d below %d", quote.Confidence, e.cfg.MinOracleConfidence)
	}

	if reason != "" {
		t.OracleVerified = false
		return false, reason, nil
	}

	at := quote.Timestamp
	t.OracleVerified = true
	t.OraclePrice = quote.Price
	t.OraclePriceAt = &at
	return true, "", nil
}
