package pricing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/ksred/klear-escrow/internal/types"
)

// feedPayload is the document served by the price feed. Prices are decimal
// strings in payment units per gram.
type feedPayload struct {
	Prices []feedPrice `json:"prices"`
}

type feedPrice struct {
	Category   string    `json:"category"`
	Price      string    `json:"price"`
	Confidence int64     `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
}

// Submitter accepts quotes on behalf of a feeder identity
type Submitter interface {
	SubmitPrice(ctx context.Context, feeder types.Address, sub Submission) (*PriceRecord, error)
}

// Feeder polls an HTTP price feed and submits every quote it returns
type Feeder struct {
	url      string
	identity types.Address
	interval time.Duration
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	oracle   Submitter
	logger   zerolog.Logger
}

func NewFeeder(url string, identity types.Address, interval time.Duration, oracle Submitter) *Feeder {
	logger := log.With().Str("component", "price_feeder").Str("url", url).Logger()
	return &Feeder{
		url:      url,
		identity: identity,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  newCircuitBreaker(logger),
		oracle:   oracle,
		logger:   logger,
	}
}

func newCircuitBreaker(logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "price-feed",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				logger.Warn().Msg("price feed seems down, stop polling until it recovers")
			}
			if from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen {
				logger.Info().Msg("checking price feed status")
			}
			if from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed {
				logger.Info().Msg("price feed seems ok, resume polling")
			}
		},
	})
}

// Start polls until ctx is cancelled
func (f *Feeder) Start(ctx context.Context) {
	f.logger.Info().Dur("interval", f.interval).Msg("starting price feeder")

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		if err := f.Poll(ctx); err != nil {
			f.logger.Error().Err(err).Msg("price feed poll failed")
		}

		select {
		case <-ctx.Done():
			f.logger.Info().Msg("shutting down price feeder")
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches the feed once and submits each quote. Quotes the oracle
// rejects are logged and skipped.
func (f *Feeder) Poll(ctx context.Context) error {
	start := time.Now()
	defer func() { feederPollDuration.Observe(time.Since(start).Seconds()) }()

	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.fetch(ctx)
	})
	if err != nil {
		feederPolls.WithLabelValues("failure").Inc()
		return err
	}

	payload := result.(*feedPayload)
	for _, p := range payload.Prices {
		sub, err := p.submission()
		if err != nil {
			feederPolls.WithLabelValues("rejected").Inc()
			f.logger.Warn().Err(err).Str("category", p.Category).Msg("skipping malformed quote")
			continue
		}

		if _, err := f.oracle.SubmitPrice(ctx, f.identity, sub); err != nil {
			feederPolls.WithLabelValues("rejected").Inc()
			f.logger.Warn().Err(err).Str("category", p.Category).Msg("oracle rejected quote")
			continue
		}
	}

	feederPolls.WithLabelValues("success").Inc()
	f.logger.Debug().Int("quotes", len(payload.Prices)).Msg("price feed applied")
	return nil
}

func (f *Feeder) fetch(ctx context.Context) (*feedPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch price feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read price feed: %w", err)
	}

	var payload feedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode price feed: %w", err)
	}
	return &payload, nil
}

// submission converts a feed quote to the oracle's fixed-point form,
// truncating beyond two decimal places.
func (p feedPrice) submission() (Submission, error) {
	category, err := types.ParseAssetCategory(p.Category)
	if err != nil {
		return Submission{}, err
	}

	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return Submission{}, fmt.Errorf("parse price %q: %w", p.Price, err)
	}
	scaled := price.Mul(decimal.NewFromInt(types.PriceScale)).Truncate(0)
	if !scaled.IsPositive() {
		return Submission{}, errors.New("price must be positive")
	}

	return Submission{
		Category:   category,
		Price:      scaled.IntPart(),
		Confidence: p.Confidence,
		Source:     p.Source,
		ObservedAt: p.Timestamp,
	}, nil
}
