package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/types"
)

var (
	ErrInsufficientFunds = types.NewError(types.KindState, "INSUFFICIENT_FUNDS", "insufficient funds")
	ErrInvalidAmount     = types.NewError(types.KindValidation, "INVALID_AMOUNT", "amount must be positive")
)

// Ledger moves fungible payment assets between accounts. Every call joins a
// transaction carried on ctx, or runs in its own.
type Ledger struct {
	gormDB *gorm.DB
	db     *Database
	access auth.Authorizer
	now    func() time.Time
}

func New(gormDB *gorm.DB, access auth.Authorizer) *Ledger {
	return &Ledger{
		gormDB: gormDB,
		db:     NewDatabase(gormDB),
		access: access,
		now:    time.Now,
	}
}

// NormalizeAsset upper-cases asset and maps the empty string to NativeAsset
func NormalizeAsset(asset string) string {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return NativeAsset
	}
	return asset
}

// Credit issues amount of asset to account (TREASURER)
func (l *Ledger) Credit(ctx context.Context, treasurer types.Address, asset string, account types.Address, amount int64, memo string) error {
	if err := l.access.Require(ctx, auth.RoleTreasurer, treasurer); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if account.IsZero() {
		return types.ErrInvalidAddress
	}
	asset = NormalizeAsset(asset)

	err := database.InTx(ctx, l.gormDB, func(ctx context.Context) error {
		if err := l.db.CreditBalance(ctx, asset, account, amount); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		return l.db.CreateEntry(ctx, &Entry{
			EntryID:  uuid.New().String(),
			Asset:    asset,
			To:       account,
			Amount:   amount,
			Memo:     memo,
			PostedAt: l.now(),
		})
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("service", "ledger").
		Str("asset", asset).
		Str("account", account.Hex()).
		Int64("amount", amount).
		Str("treasurer", treasurer.Hex()).
		Msg("balance credited")
	return nil
}

// Transfer moves amount of asset from one account to another
func (l *Ledger) Transfer(ctx context.Context, asset string, from, to types.Address, amount int64, memo string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if from.IsZero() || to.IsZero() {
		return types.ErrInvalidAddress
	}
	asset = NormalizeAsset(asset)

	err := database.InTx(ctx, l.gormDB, func(ctx context.Context) error {
		ok, err := l.db.Debit(ctx, asset, from, amount)
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s needs %d %s", ErrInsufficientFunds, from.Hex(), amount, asset)
		}
		if err := l.db.CreditBalance(ctx, asset, to, amount); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		return l.db.CreateEntry(ctx, &Entry{
			EntryID:  uuid.New().String(),
			Asset:    asset,
			From:     from,
			To:       to,
			Amount:   amount,
			Memo:     memo,
			PostedAt: l.now(),
		})
	})
	if err != nil {
		return err
	}

	database.AfterCommit(ctx, func() {
		transfersTotal.WithLabelValues(asset).Inc()
		transferVolume.WithLabelValues(asset).Add(float64(amount))
	})
	log.Debug().
		Str("service", "ledger").
		Str("asset", asset).
		Str("from", from.Hex()).
		Str("to", to.Hex()).
		Int64("amount", amount).
		Str("memo", memo).
		Msg("transfer posted")
	return nil
}

func (l *Ledger) BalanceOf(ctx context.Context, asset string, account types.Address) (int64, error) {
	return l.db.GetBalance(ctx, NormalizeAsset(asset), account)
}

// Balances lists every asset balance of account
func (l *Ledger) Balances(ctx context.Context, account types.Address) ([]Balance, error) {
	return l.db.GetBalances(ctx, account)
}

// Entries lists the most recent journal lines touching account
func (l *Ledger) Entries(ctx context.Context, account types.Address, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.db.GetEntries(ctx, account, limit)
}
