package pricing

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreatePrice(ctx context.Context, record *PriceRecord) error {
	return database.FromContext(ctx, d.db).Create(record).Error
}

// LatestPrice returns the most recently observed quote, or nil when none exists
func (d *Database) LatestPrice(ctx context.Context, category types.AssetCategory) (*PriceRecord, error) {
	var record PriceRecord
	err := database.FromContext(ctx, d.db).
		Where("category = ?", category).
		Order("observed_at DESC").
		Order("id DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) History(ctx context.Context, category types.AssetCategory, limit int) ([]PriceRecord, error) {
	var records []PriceRecord
	if err := database.FromContext(ctx, d.db).
		Where("category = ?", category).
		Order("observed_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
