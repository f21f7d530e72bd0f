package escrow

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const processorBatchSize = 100

// Processor periodically closes out overdue trades and retries gating for
// READY trades that were blocked. A blocked trade is retried at most once
// per interval.
type Processor struct {
	engine    *Engine
	interval  time.Duration
	batchSize int
}

func NewProcessor(engine *Engine, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Processor{
		engine:    engine,
		interval:  interval,
		batchSize: processorBatchSize,
	}
}

// Start runs the processing loop until ctx is cancelled
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "escrow_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting escrow processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down escrow processor")
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("escrow processing failed")
			}
		}
	}
}

// RunOnce performs a single processing pass. Every overdue trade is
// visited, and every blocked trade whose last gating run is at least one
// interval old is retried.
func (p *Processor) RunOnce(ctx context.Context) error {
	logger := log.With().Str("component", "escrow_processor").Logger()

	if p.engine.Paused() {
		logger.Debug().Msg("engine paused, skipping pass")
		return nil
	}

	expired, err := p.expireOverdue(ctx, logger)
	if err != nil {
		return err
	}
	retried, err := p.retryBlocked(ctx, logger)
	if err != nil {
		return err
	}

	if expired > 0 || retried > 0 {
		logger.Info().
			Int("overdue", expired).
			Int("blocked", retried).
			Msg("escrow processing pass complete")
	}
	return nil
}

func (p *Processor) expireOverdue(ctx context.Context, logger zerolog.Logger) (int, error) {
	actor := p.engine.EscrowAddress()
	now := p.engine.now()

	seen := 0
	var afterID uint64
	for {
		overdue, err := p.engine.db.GetOverdueTrades(ctx, now, afterID, p.batchSize)
		if err != nil {
			return seen, err
		}
		for _, t := range overdue {
			afterID = t.ID
			seen++
			if !p.engine.now().After(t.ExpiresAt()) {
				continue
			}
			if _, err := p.engine.ExpireTrade(ctx, actor, t.ID); err != nil {
				processorRuns.WithLabelValues("expire", "failure").Inc()
				logger.Error().Err(err).Uint64("trade_id", t.ID).Msg("failed to expire trade")
				continue
			}
			processorRuns.WithLabelValues("expire", "success").Inc()
		}
		if len(overdue) < p.batchSize || ctx.Err() != nil {
			return seen, ctx.Err()
		}
	}
}

func (p *Processor) retryBlocked(ctx context.Context, logger zerolog.Logger) (int, error) {
	actor := p.engine.EscrowAddress()
	blockedBefore := p.engine.now().Add(-p.interval)

	seen := 0
	var afterID uint64
	for {
		blocked, err := p.engine.db.GetBlockedTrades(ctx, blockedBefore, afterID, p.batchSize)
		if err != nil {
			return seen, err
		}
		for _, t := range blocked {
			afterID = t.ID
			if p.engine.expired(&t) {
				continue
			}
			seen++
			result, err := p.engine.Revalidate(ctx, actor, t.ID)
			if err != nil {
				processorRuns.WithLabelValues("revalidate", "failure").Inc()
				logger.Warn().Err(err).Uint64("trade_id", t.ID).Msg("revalidation failed")
				continue
			}
			outcome := "blocked"
			if result.Executed {
				outcome = "executed"
			}
			processorRuns.WithLabelValues("revalidate", outcome).Inc()
		}
		if len(blocked) < p.batchSize || ctx.Err() != nil {
			return seen, ctx.Err()
		}
	}
}
