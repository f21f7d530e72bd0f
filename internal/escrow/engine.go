package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/types"
)

const (
	bpsDenominator     = 10_000
	maxPageSize        = 100
	defaultLockTimeout = 5 * time.Second
)

// Config holds the engine identity and the defaults seeded into the settings
// row on first start.
type Config struct {
	// EscrowAddress is the account that holds deposited legs
	EscrowAddress types.Address
	// PreciousContract names the custodial contract whose assets are priced
	// by the oracle
	PreciousContract    string
	DefaultJurisdiction string
	MinOracleConfidence int64
	Defaults            Settings
}

// Dependencies are the collaborators the engine calls
type Dependencies struct {
	Access     auth.Authorizer
	Compliance ComplianceOracle
	Prices     PriceOracle
	Custody    Custodians
	Ledger     PaymentLedger
	Publisher  events.Publisher
}

// Engine runs the trade lifecycle. Every mutating operation is serialized,
// runs in one database transaction and publishes its events after commit.
type Engine struct {
	gormDB *gorm.DB
	db     *Database
	cfg    Config

	access     auth.Authorizer
	compliance ComplianceOracle
	prices     PriceOracle
	custody    Custodians
	ledger     PaymentLedger
	publisher  events.Publisher

	now         func() time.Time
	lock        chan struct{}
	lockTimeout time.Duration
	paused      atomic.Bool
}

type Option func(*Engine)

// WithClock overrides the time source used for deadlines and timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLockTimeout bounds how long an operation waits for the one in flight
// before failing with ErrEngineBusy
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTimeout = d
		}
	}
}

func New(ctx context.Context, gormDB *gorm.DB, cfg Config, deps Dependencies, opts ...Option) (*Engine, error) {
	if cfg.EscrowAddress.IsZero() {
		return nil, fmt.Errorf("escrow address: %w", types.ErrInvalidAddress)
	}
	if cfg.MinOracleConfidence < 0 || cfg.MinOracleConfidence > 100 {
		return nil, fmt.Errorf("min oracle confidence %d: %w", cfg.MinOracleConfidence, ErrInvalidConfidence)
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}

	e := &Engine{
		gormDB:      gormDB,
		db:          NewDatabase(gormDB),
		cfg:         cfg,
		access:      deps.Access,
		compliance:  deps.Compliance,
		prices:      deps.Prices,
		custody:     deps.Custody,
		ledger:      deps.Ledger,
		publisher:   deps.Publisher,
		now:         time.Now,
		lock:        make(chan struct{}, 1),
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}

	settings, err := e.db.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if settings == nil {
		settings = &Settings{
			BuyerFeeBps:   cfg.Defaults.BuyerFeeBps,
			SellerFeeBps:  cfg.Defaults.SellerFeeBps,
			FeeRecipient:  cfg.Defaults.FeeRecipient,
			DisputeWindow: cfg.Defaults.DisputeWindow,
			TradeWindow:   cfg.Defaults.TradeWindow,
			UpdatedAt:     e.now(),
		}
		if err := validateSettings(settings); err != nil {
			return nil, err
		}
		if err := e.db.SaveSettings(ctx, settings); err != nil {
			return nil, fmt.Errorf("seed settings: %w", err)
		}
		log.Info().
			Str("service", "escrow").
			Int64("buyer_fee_bps", settings.BuyerFeeBps).
			Int64("seller_fee_bps", settings.SellerFeeBps).
			Dur("trade_window", settings.TradeWindow).
			Msg("escrow settings seeded")
	}
	e.paused.Store(settings.Paused)

	return e, nil
}

// EscrowAddress returns the account holding deposited legs
func (e *Engine) EscrowAddress() types.Address {
	return e.cfg.EscrowAddress
}

// Paused reports whether mutating operations are halted
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

type guardKey struct{}

// outbox collects the events of one operation until it commits
type outbox struct {
	events []events.Event
	now    time.Time
}

func (o *outbox) emit(typ events.Type, t *Trade, actor types.Address, data map[string]interface{}) {
	var id uint64
	var status string
	if t != nil {
		id = t.ID
		status = string(t.Status)
	}
	o.events = append(o.events, events.New(typ, id, actor, status, data, o.now))
}

// mutate runs fn as one guarded, serialized and transactional operation.
// Paused engines reject it.
func (e *Engine) mutate(ctx context.Context, op string, fn func(ctx context.Context, ob *outbox) error) error {
	return e.run(ctx, op, true, fn)
}

func (e *Engine) run(ctx context.Context, op string, pausable bool, fn func(ctx context.Context, ob *outbox) error) error {
	if outer, ok := ctx.Value(guardKey{}).(string); ok {
		reentrantCalls.WithLabelValues(op).Inc()
		log.Error().
			Str("service", "escrow").
			Str("operation", op).
			Str("outer_operation", outer).
			Msg("re-entrant call rejected")
		return fmt.Errorf("%w: %s during %s", ErrReentrantCall, op, outer)
	}

	if err := e.acquire(ctx, op); err != nil {
		return err
	}
	defer e.release()

	if pausable && e.paused.Load() {
		return ErrPaused
	}

	ctx = context.WithValue(ctx, guardKey{}, op)
	ob := &outbox{now: e.now()}
	if err := database.InTx(ctx, e.gormDB, func(ctx context.Context) error {
		return fn(ctx, ob)
	}); err != nil {
		return err
	}

	for _, event := range ob.events {
		if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
			log.Error().
				Err(err).
				Str("service", "escrow").
				Str("event_id", event.ID).
				Str("type", string(event.Type)).
				Uint64("trade_id", event.TradeID).
				Msg("failed to publish event")
		}
	}
	return nil
}

// acquire takes the operation slot. A caller that lost the guard value, such
// as a collaborator calling back with a fresh context, times out here
// instead of waiting on itself.
func (e *Engine) acquire(ctx context.Context, op string) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(e.lockTimeout)
	defer timer.Stop()

	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		busyRejections.WithLabelValues(op).Inc()
		log.Warn().
			Str("service", "escrow").
			Str("operation", op).
			Dur("waited", e.lockTimeout).
			Msg("operation slot still held, giving up")
		return fmt.Errorf("%w: %s waited %s", ErrEngineBusy, op, e.lockTimeout)
	}
}

func (e *Engine) release() {
	<-e.lock
}

// load fetches a trade for update inside the current operation
func (e *Engine) load(ctx context.Context, id uint64) (*Trade, error) {
	trade, err := e.db.GetTrade(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load trade: %w", err)
	}
	if trade == nil {
		return nil, fmt.Errorf("%w: %d", ErrTradeNotFound, id)
	}
	return trade, nil
}

func (e *Engine) save(ctx context.Context, trade *Trade) error {
	trade.UpdatedAt = e.now()
	if err := e.db.SaveTrade(ctx, trade); err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

// transition moves trade to status and persists it
func (e *Engine) transition(ctx context.Context, trade *Trade, status Status) error {
	from := trade.Status
	trade.Status = status
	if status.Terminal() {
		closed := e.now()
		trade.ClosedAt = &closed
	}
	if err := e.save(ctx, trade); err != nil {
		return err
	}
	database.AfterCommit(ctx, func() {
		transitionsTotal.WithLabelValues(string(from), string(status)).Inc()
	})
	return nil
}

func (e *Engine) expired(t *Trade) bool {
	return e.now().After(t.Deadline)
}

func (e *Engine) settings(ctx context.Context) (*Settings, error) {
	settings, err := e.db.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if settings == nil {
		return nil, errors.New("escrow settings missing")
	}
	return settings, nil
}

// fee returns amount * bps / 10000, truncated
func fee(amount, bps int64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(bps)).
		Div(decimal.NewFromInt(bpsDenominator)).
		IntPart()
}

// GetTrade returns the full trade record
func (e *Engine) GetTrade(ctx context.Context, id uint64) (*Trade, error) {
	return e.load(ctx, id)
}

// TradesByStatus pages through trades in status, oldest first
func (e *Engine) TradesByStatus(ctx context.Context, status Status, offset, limit int) (*types.Page[Trade], error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	trades, total, err := e.db.GetTradesByStatus(ctx, status, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return &types.Page[Trade]{Items: trades, Offset: offset, Limit: limit, Total: total}, nil
}

// UserTrades lists every trade addr is a party to, newest first
func (e *Engine) UserTrades(ctx context.Context, addr types.Address) ([]Trade, error) {
	return e.db.GetUserTrades(ctx, addr)
}

// Settings returns the current engine-wide defaults
func (e *Engine) Settings(ctx context.Context) (*Settings, error) {
	return e.settings(ctx)
}
