package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/types"
)

var (
	ErrNoPrice         = types.NewError(types.KindNotFound, "NO_PRICE", "no price available for category")
	ErrInvalidPrice    = types.NewError(types.KindValidation, "INVALID_PRICE", "invalid price submission")
	ErrInvalidWeight   = types.NewError(types.KindValidation, "INVALID_WEIGHT", "weight must be positive")
	ErrInvalidPurity   = types.NewError(types.KindValidation, "INVALID_PURITY", "purity must be between 1 and 1000")
	ErrUnknownCategory = types.NewError(types.KindValidation, "UNKNOWN_CATEGORY", "unknown asset category")
)

const (
	defaultMaxAge = time.Hour
	// quotes observed further in the future than this are rejected
	maxClockSkew = time.Minute
)

// Oracle stores submitted quotes and serves the latest one per category.
// The latest quote is cached; staleness is evaluated on every read.
type Oracle struct {
	db     *Database
	access auth.Authorizer
	cache  *ristretto.Cache
	maxAge time.Duration
	now    func() time.Time
}

type Option func(*Oracle)

// WithClock overrides the time source used for staleness
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

// WithMaxAge sets the age after which a quote is stale
func WithMaxAge(maxAge time.Duration) Option {
	return func(o *Oracle) { o.maxAge = maxAge }
}

func NewOracle(gormDB *gorm.DB, access auth.Authorizer, opts ...Option) (*Oracle, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1000,
		MaxCost:     100,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create price cache: %w", err)
	}

	o := &Oracle{
		db:     NewDatabase(gormDB),
		access: access,
		cache:  cache,
		maxAge: defaultMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Close releases the cache
func (o *Oracle) Close() {
	o.cache.Close()
}

// MaxAge returns the staleness threshold
func (o *Oracle) MaxAge() time.Duration {
	return o.maxAge
}

// SubmitPrice records a quote from feeder (PRICE_FEEDER). A zero ObservedAt
// means now.
func (o *Oracle) SubmitPrice(ctx context.Context, feeder types.Address, sub Submission) (*PriceRecord, error) {
	logger := log.With().
		Str("service", "pricing").
		Str("category", string(sub.Category)).
		Str("feeder", feeder.Hex()).
		Logger()

	if err := o.access.Require(ctx, auth.RolePriceFeeder, feeder); err != nil {
		return nil, err
	}

	category, err := types.ParseAssetCategory(string(sub.Category))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, sub.Category)
	}
	if sub.Price <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidPrice)
	}
	if sub.Confidence < 0 || sub.Confidence > 100 {
		return nil, fmt.Errorf("%w: confidence must be between 0 and 100", ErrInvalidPrice)
	}

	now := o.now()
	observedAt := sub.ObservedAt
	if observedAt.IsZero() {
		observedAt = now
	}
	if observedAt.After(now.Add(maxClockSkew)) {
		return nil, fmt.Errorf("%w: observed_at is in the future", ErrInvalidPrice)
	}

	record := &PriceRecord{
		SubmissionID: uuid.New().String(),
		Category:     category,
		Price:        sub.Price,
		Confidence:   sub.Confidence,
		Source:       sub.Source,
		ObservedAt:   observedAt.UTC(),
		Feeder:       feeder,
	}
	if err := o.db.CreatePrice(ctx, record); err != nil {
		return nil, fmt.Errorf("store price: %w", err)
	}

	// Inside a caller's transaction the write may still roll back, so only
	// drop the cached quote and let the next read reload it.
	if database.InTransaction(ctx) {
		o.cache.Del(string(category))
	} else {
		o.cacheIfNewer(record.quote())
	}

	database.AfterCommit(ctx, func() {
		pricesSubmitted.WithLabelValues(string(category)).Inc()
		latestPrice.WithLabelValues(string(category)).Set(float64(record.Price))
	})
	logger.Info().
		Int64("price", record.Price).
		Int64("confidence", record.Confidence).
		Time("observed_at", record.ObservedAt).
		Msg("price submitted")

	return record, nil
}

func (o *Oracle) cacheIfNewer(q types.PriceQuote) {
	key := string(q.Category)
	if cached, ok := o.cache.Get(key); ok {
		if c, ok := cached.(types.PriceQuote); ok && c.Timestamp.After(q.Timestamp) {
			return
		}
	}
	o.cache.SetWithTTL(key, q, 1, 2*o.maxAge)
	o.cache.Wait()
}

// LatestPrice returns the newest quote for category with Stale set when it is
// older than the configured max age.
func (o *Oracle) LatestPrice(ctx context.Context, category types.AssetCategory) (types.PriceQuote, error) {
	var quote types.PriceQuote

	cached, hit := o.cache.Get(string(category))
	if q, ok := cached.(types.PriceQuote); hit && ok {
		cacheLookups.WithLabelValues("hit").Inc()
		quote = q
	} else {
		cacheLookups.WithLabelValues("miss").Inc()
		record, err := o.db.LatestPrice(ctx, category)
		if err != nil {
			return types.PriceQuote{}, fmt.Errorf("load latest price: %w", err)
		}
		if record == nil {
			return types.PriceQuote{}, fmt.Errorf("%w: %s", ErrNoPrice, category)
		}
		quote = record.quote()
		if !database.InTransaction(ctx) {
			o.cacheIfNewer(quote)
		}
	}

	quote.Stale = o.now().Sub(quote.Timestamp) > o.maxAge
	if quote.Stale {
		staleQuotes.WithLabelValues(string(category)).Inc()
	}
	return quote, nil
}

// History returns up to limit quotes for category, newest first
func (o *Oracle) History(ctx context.Context, category types.AssetCategory, limit int) ([]PriceRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return o.db.History(ctx, category, limit)
}

// AssetValue values weight grams at purity (per mille) with the latest price
// for category. Staleness is not checked here.
func (o *Oracle) AssetValue(ctx context.Context, category types.AssetCategory, weight, purity int64) (int64, error) {
	if weight <= 0 {
		return 0, ErrInvalidWeight
	}
	if purity <= 0 || purity > types.PurityScale {
		return 0, ErrInvalidPurity
	}

	quote, err := o.LatestPrice(ctx, category)
	if err != nil {
		return 0, err
	}
	return Value(weight, purity, quote.Price), nil
}

// Value computes (weight * unitPrice / PriceScale) * purity / PurityScale,
// truncating after each division.
func Value(weight, purity, unitPrice int64) int64 {
	gross := decimal.NewFromInt(weight).
		Mul(decimal.NewFromInt(unitPrice)).
		Div(decimal.NewFromInt(types.PriceScale)).
		Truncate(0)

	return gross.
		Mul(decimal.NewFromInt(purity)).
		Div(decimal.NewFromInt(types.PurityScale)).
		IntPart()
}
