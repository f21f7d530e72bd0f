package escrow

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/types"
)

const settingsID = 1

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateTrade(ctx context.Context, trade *Trade) error {
	return database.FromContext(ctx, d.db).Create(trade).Error
}

// GetTrade returns nil when the trade does not exist
func (d *Database) GetTrade(ctx context.Context, id uint64) (*Trade, error) {
	var trade Trade
	err := database.FromContext(ctx, d.db).First(&trade, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

func (d *Database) SaveTrade(ctx context.Context, trade *Trade) error {
	return database.FromContext(ctx, d.db).Save(trade).Error
}

func (d *Database) GetTradesByStatus(ctx context.Context, status Status, offset, limit int) ([]Trade, int64, error) {
	db := database.FromContext(ctx, d.db).Model(&Trade{}).Where("status = ?", status)

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var trades []Trade
	if err := db.Order("id").Offset(offset).Limit(limit).Find(&trades).Error; err != nil {
		return nil, 0, err
	}
	return trades, total, nil
}

func (d *Database) GetUserTrades(ctx context.Context, addr types.Address) ([]Trade, error) {
	var trades []Trade
	if err := database.FromContext(ctx, d.db).
		Where("buyer = ? OR seller = ?", addr, addr).
		Order("id DESC").
		Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// GetOverdueTrades pages through non-terminal trades with id above afterID
// that may be expired at now. Disputed trades still inside their dispute
// window are left out.
func (d *Database) GetOverdueTrades(ctx context.Context, now time.Time, afterID uint64, limit int) ([]Trade, error) {
	var trades []Trade
	if err := database.FromContext(ctx, d.db).
		Where("status IN ? AND deadline < ? AND id > ?", []Status{StatusPending, StatusFunded, StatusReady, StatusDisputed}, now, afterID).
		Where("NOT (status = ? AND dispute_deadline IS NOT NULL AND dispute_deadline >= ?)", StatusDisputed, now).
		Order("id").
		Limit(limit).
		Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// GetBlockedTrades pages through READY trades with id above afterID whose
// last gating run did not execute and was recorded at or before blockedBefore
func (d *Database) GetBlockedTrades(ctx context.Context, blockedBefore time.Time, afterID uint64, limit int) ([]Trade, error) {
	var trades []Trade
	if err := database.FromContext(ctx, d.db).
		Where("status = ? AND block_reason <> '' AND id > ?", StatusReady, afterID).
		Where("(blocked_at IS NULL OR blocked_at <= ?)", blockedBefore).
		Order("id").
		Limit(limit).
		Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// GetSettings returns nil before the settings row has been seeded
func (d *Database) GetSettings(ctx context.Context) (*Settings, error) {
	var settings Settings
	err := database.FromContext(ctx, d.db).First(&settings, settingsID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (d *Database) SaveSettings(ctx context.Context, settings *Settings) error {
	settings.ID = settingsID
	return database.FromContext(ctx, d.db).Save(settings).Error
}

// GetIdempotencyRecord returns the newest record for (buyer, key) created
// after since, or nil.
func (d *Database) GetIdempotencyRecord(ctx context.Context, buyer types.Address, key string, since time.Time) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := database.FromContext(ctx, d.db).
		Where("buyer = ? AND idempotency_key = ? AND created_at > ?", buyer, key, since).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// PutIdempotencyRecord stores record, replacing an expired one for the same key
func (d *Database) PutIdempotencyRecord(ctx context.Context, record *IdempotencyRecord) error {
	db := database.FromContext(ctx, d.db)
	if err := db.Where("buyer = ? AND idempotency_key = ?", record.Buyer, record.Key).Delete(&IdempotencyRecord{}).Error; err != nil {
		return err
	}
	return db.Create(record).Error
}
